// Package openrouter provides the OpenRouter aggregator adapter.
// OpenRouter exposes multiple vendors behind "vendor/model" identifiers.
// API Reference: https://openrouter.ai/docs
package openrouter

import (
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/providers/openailike"
)

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "openrouter"

	// DefaultBaseURL is the default OpenRouter API endpoint.
	DefaultBaseURL = "https://openrouter.ai/api/v1"
)

var providerInfo = openailike.Info{
	Name:           ProviderName,
	DefaultBaseURL: DefaultBaseURL,
	ExtraHeaders: map[string]string{
		"X-Title": "llmrelay",
	},
}

// Provider wraps the OpenAI-like base adapter for OpenRouter.
type Provider struct {
	*openailike.Provider
}

// New creates a new OpenRouter provider with the given options.
func New(opts ...openailike.Option) *Provider {
	return &Provider{Provider: openailike.New(providerInfo, opts...)}
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	return openailike.NewFromConfig(providerInfo, cfg)
}
