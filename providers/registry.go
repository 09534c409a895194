// Package providers is the registry of built-in provider adapters.
// Adapters are selected by type name, so adding a provider family is purely
// additive.
package providers

import (
	"fmt"
	"sync"

	"github.com/workmesh/aigate/pkg/provider"
	"github.com/workmesh/aigate/providers/anthropic"
	"github.com/workmesh/aigate/providers/gemini"
	"github.com/workmesh/aigate/providers/openai"
)

var (
	registry     = make(map[string]provider.Factory)
	registryOnce sync.Once
	registryMu   sync.RWMutex
)

// Register registers an adapter factory under the given type name.
func Register(providerType string, factory provider.Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[providerType] = factory
}

// Get returns the factory for the given provider type.
func Get(providerType string) (provider.Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[providerType]
	return f, ok
}

// Create creates an adapter instance from configuration.
func Create(cfg provider.Config) (provider.Adapter, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}
	return factory(cfg)
}

// List returns all registered provider type names.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}

// RegisterBuiltins registers the built-in adapter factories.
// Called automatically on first use.
func RegisterBuiltins() {
	registryOnce.Do(func() {
		Register("openai", openai.NewFromConfig)
		Register("anthropic", anthropic.NewFromConfig)
		Register("gemini", gemini.NewFromConfig)
	})
}

func init() {
	RegisterBuiltins()
}
