// Package ledger records accountable usage per upstream call and aggregates
// it by tenant, provider, model, and user.
package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/workmesh/aigate/internal/store"
	"github.com/workmesh/aigate/pkg/pricing"
	"github.com/workmesh/aigate/pkg/types"
)

// Ledger appends usage records to the persistent store. Records are
// append-only and never mutated.
type Ledger struct {
	store  store.Store
	calc   *pricing.Calculator
	logger *slog.Logger

	now func() time.Time
}

// New creates a Ledger. The calculator is used at aggregation time only;
// stored records carry raw token counts.
func New(st store.Store, calc *pricing.Calculator, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, calc: calc, logger: logger, now: time.Now}
}

// Record persists one usage record, filling in ID and timestamp when unset.
func (l *Ledger) Record(ctx context.Context, rec types.UsageRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.now()
	}
	if err := l.store.AppendUsage(ctx, rec); err != nil {
		l.logger.Error("usage record write failed",
			"tenant", rec.TenantID, "provider", rec.Provider, "error", err)
		return err
	}
	return nil
}

// Filters narrows an aggregation query. Zero values match everything.
type Filters struct {
	UserID   string
	Provider string
	Model    string
	Since    time.Time
	Until    time.Time
}

// Totals is one aggregation bucket.
type Totals struct {
	Requests     int     `json:"requests"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Cost         float64 `json:"cost"`
}

// Summary is the result of an aggregation query.
type Summary struct {
	TotalTokens int     `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
	ByProvider  map[string]Totals `json:"by_provider"`
	ByModel     map[string]Totals `json:"by_model"`
	ByUser      map[string]Totals `json:"by_user"`
}

// Aggregate sums the tenant's usage. Cost is recomputed here from the
// pricing table in effect at read time rather than taken from the stored
// records, so historical aggregates reflect current prices. That is a
// deliberate product decision (historical re-pricing), not an oversight.
func (l *Ledger) Aggregate(ctx context.Context, tenantID string, f Filters) (*Summary, error) {
	records, err := l.store.UsageRecords(ctx, tenantID, f.Since, f.Until)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		ByProvider: make(map[string]Totals),
		ByModel:    make(map[string]Totals),
		ByUser:     make(map[string]Totals),
	}

	for _, rec := range records {
		if f.UserID != "" && rec.UserID != f.UserID {
			continue
		}
		if f.Provider != "" && rec.Provider != f.Provider {
			continue
		}
		if f.Model != "" && rec.Model != f.Model {
			continue
		}

		cost := l.calc.Calculate(rec.Provider, rec.Model, rec.InputTokens, rec.OutputTokens)

		sum.TotalTokens += rec.TotalTokens()
		sum.TotalCost += cost
		addTotals(sum.ByProvider, rec.Provider, rec, cost)
		addTotals(sum.ByModel, rec.Model, rec, cost)
		if rec.UserID != "" {
			addTotals(sum.ByUser, rec.UserID, rec, cost)
		}
	}
	return sum, nil
}

func addTotals(m map[string]Totals, key string, rec types.UsageRecord, cost float64) {
	t := m[key]
	t.Requests++
	t.InputTokens += rec.InputTokens
	t.OutputTokens += rec.OutputTokens
	t.Cost += cost
	m[key] = t
}
