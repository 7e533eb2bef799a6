// Package providers provides a unified registry for all built-in provider
// adapters. It allows automatic provider creation from configuration.
package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/providers/anthropic"
	"github.com/llmrelay/llmrelay/providers/gemini"
	"github.com/llmrelay/llmrelay/providers/ollama"
	"github.com/llmrelay/llmrelay/providers/openai"
	"github.com/llmrelay/llmrelay/providers/openrouter"
)

var (
	registry   = make(map[string]provider.Factory)
	registryMu sync.RWMutex
)

func init() {
	Register(anthropic.ProviderName, anthropic.NewFromConfig)
	Register(openai.ProviderName, openai.NewFromConfig)
	Register(gemini.ProviderName, gemini.NewFromConfig)
	Register(ollama.ProviderName, ollama.NewFromConfig)
	Register(openrouter.ProviderName, openrouter.NewFromConfig)
}

// Register registers a provider factory with the given type name.
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

// Create creates a provider instance from configuration.
func Create(cfg provider.Config) (provider.Provider, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Type]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown provider type: %s (available: %v)", cfg.Type, List())
	}
	return factory(cfg)
}

// List returns all registered provider type names, sorted.
func List() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
