// Package credpool manages upstream API credentials: round-robin selection
// with sticky per-tenant bindings, rate-limit cooldown, and automatic
// recovery sweeps.
package credpool

import (
	"log/slog"
	"sync"
	"time"

	gwerrors "github.com/workmesh/aigate/pkg/errors"
)

// DefaultCooldown is how long a credential stays unavailable after a
// rate-limit signal before a recovery sweep may revive it.
const DefaultCooldown = 60 * time.Second

// Credential is one API credential for one provider. Credentials are loaded
// once at startup and live until process shutdown.
type credential struct {
	secret        string
	available     bool
	lastFailureAt time.Time
	failureCount  int
}

// Handle identifies a credential acquired for one dispatch. Credentials are
// shared, not exclusively held; there is no release.
type Handle struct {
	Provider string
	Index    int
	Secret   string
}

// providerPool holds the credentials of a single provider behind its own
// mutex, so unrelated providers' traffic is never serialized.
type providerPool struct {
	mu    sync.Mutex
	creds []*credential
	// next is the global round-robin cursor used for tenants without a
	// binding yet; it spreads first-time tenants across the pool.
	next int
}

// Pool tracks credential availability for all providers plus the sticky
// tenant-to-credential bindings.
type Pool struct {
	pools    map[string]*providerPool
	bindings sync.Map // "tenant\x00provider" -> int
	cooldown time.Duration
	logger   *slog.Logger

	// now is swappable in tests.
	now func() time.Time
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldown overrides the default recovery cooldown.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a Pool from the provider -> secrets mapping supplied by
// configuration.
func New(secrets map[string][]string, opts ...Option) *Pool {
	p := &Pool{
		pools:    make(map[string]*providerPool, len(secrets)),
		cooldown: DefaultCooldown,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}

	for provider, keys := range secrets {
		pp := &providerPool{}
		seen := make(map[string]struct{}, len(keys))
		for _, key := range keys {
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			pp.creds = append(pp.creds, &credential{secret: key, available: true})
		}
		p.pools[provider] = pp
	}
	return p
}

// Acquire picks a credential for the tenant's next call to the provider.
//
// The scan starts at the tenant's last-used index when a binding exists, so a
// tenant's consecutive calls stay on the same credential while load spreads
// across tenants. If a full cycle finds nothing available, a recovery sweep
// revives every credential whose failure is older than the cooldown and the
// scan runs once more. With still nothing available it returns a
// credentials-exhausted error; the caller must not retry further.
func (p *Pool) Acquire(tenantID, provider string) (Handle, error) {
	pp, ok := p.pools[provider]
	if !ok || len(pp.creds) == 0 {
		return Handle{}, gwerrors.NewUnsupportedProviderError(provider)
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()

	start := pp.next
	if bound, ok := p.bindings.Load(bindingKey(tenantID, provider)); ok {
		start = bound.(int)
	} else {
		// First call for this tenant: advance the shared cursor so the next
		// fresh tenant starts one credential further along.
		pp.next = (pp.next + 1) % len(pp.creds)
	}

	if idx, ok := pp.scanFrom(start); ok {
		return Handle{Provider: provider, Index: idx, Secret: pp.creds[idx].secret}, nil
	}

	revived := pp.recoverySweep(p.now(), p.cooldown)
	if revived > 0 {
		p.logger.Info("credential recovery sweep", "provider", provider, "revived", revived)
		if idx, ok := pp.scanFrom(start); ok {
			return Handle{Provider: provider, Index: idx, Secret: pp.creds[idx].secret}, nil
		}
	}

	p.logger.Warn("all credentials exhausted", "provider", provider, "tenant", tenantID)
	return Handle{}, gwerrors.NewCredentialsExhaustedError(provider,
		"all credentials are cooling down, retry later")
}

// scanFrom walks the pool once starting at start, skipping unavailable
// credentials. Caller holds the pool lock.
func (pp *providerPool) scanFrom(start int) (int, bool) {
	n := len(pp.creds)
	if start >= n {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if pp.creds[idx].available {
			return idx, true
		}
	}
	return 0, false
}

// recoverySweep revives credentials whose last failure predates the cooldown.
// Caller holds the pool lock.
func (pp *providerPool) recoverySweep(now time.Time, cooldown time.Duration) int {
	revived := 0
	for _, c := range pp.creds {
		if !c.available && now.Sub(c.lastFailureAt) >= cooldown {
			c.available = true
			revived++
		}
	}
	return revived
}

// ReportFailure marks the credential unavailable and stamps the failure time.
// Safe to call concurrently from multiple in-flight requests; last writer
// wins on the timestamp.
func (p *Pool) ReportFailure(h Handle, reason error) {
	pp, ok := p.pools[h.Provider]
	if !ok {
		return
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()
	if h.Index < 0 || h.Index >= len(pp.creds) {
		return
	}
	c := pp.creds[h.Index]
	c.available = false
	c.lastFailureAt = p.now()
	c.failureCount++

	p.logger.Warn("credential marked unavailable",
		"provider", h.Provider,
		"index", h.Index,
		"failures", c.failureCount,
		"reason", reason,
	)
}

// BindTenant records the credential just used for a successful dispatch, so
// the tenant's next call starts there.
func (p *Pool) BindTenant(tenantID string, h Handle) {
	p.bindings.Store(bindingKey(tenantID, h.Provider), h.Index)
}

// Binding returns the tenant's sticky credential index, if any.
func (p *Pool) Binding(tenantID, provider string) (int, bool) {
	v, ok := p.bindings.Load(bindingKey(tenantID, provider))
	if !ok {
		return 0, false
	}
	return v.(int), true
}

// Available returns how many credentials for the provider are currently
// usable without a recovery sweep.
func (p *Pool) Available(provider string) int {
	pp, ok := p.pools[provider]
	if !ok {
		return 0
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	n := 0
	for _, c := range pp.creds {
		if c.available {
			n++
		}
	}
	return n
}

func bindingKey(tenantID, provider string) string {
	return tenantID + "\x00" + provider
}
