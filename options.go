package llmrelay

import (
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/llmrelay/llmrelay/pkg/provider"
)

// Environment variables recognized at construction time.
const (
	// EnvCheapModel overrides the model injected for cheap task types.
	EnvCheapModel = "LLM_ROUTER_CHEAP_MODEL"

	// EnvExpensiveModel overrides the model injected for expensive task types.
	EnvExpensiveModel = "LLM_ROUTER_EXPENSIVE_MODEL"

	// EnvDisableFallback disables the fallback chain when set to the
	// literal string "true".
	EnvDisableFallback = "LLM_ROUTER_DISABLE_FALLBACK"
)

// CostOptimizationConfig controls cost-based model injection.
type CostOptimizationConfig struct {
	Enabled           bool
	CheapModelFor     []string
	ExpensiveModelFor []string
	CheapModel        string
	ExpensiveModel    string
}

// FallbackConfig controls the ordered fallback chain.
type FallbackConfig struct {
	Enabled   bool
	Providers []string
}

// Config holds all configuration for a Router. It is assembled once from
// explicit options merged with environment overrides and defaults, and is
// immutable afterwards.
type Config struct {
	DefaultProvider  string
	CostOptimization CostOptimizationConfig
	Fallback         FallbackConfig

	// Providers are created through the factory registry.
	Providers []provider.Config

	// ProviderInstances are pre-built adapters registered as-is.
	ProviderInstances []providerInstance

	// TelemetryBaseURL is the state-service base URL for usage records.
	// Empty disables telemetry.
	TelemetryBaseURL string

	// PricingFile optionally overrides rates from a YAML file; when
	// WatchPricing is set the file is hot-reloaded on change.
	PricingFile  string
	WatchPricing bool

	// CacheTTL enables the completion response cache when positive.
	CacheTTL time.Duration

	// RateLimits maps provider name to requests per minute. Zero means
	// unlimited.
	RateLimits map[string]int

	Logger *slog.Logger
}

type providerInstance struct {
	Name     string
	Provider provider.Provider
}

// Option is a function that configures the Router.
type Option func(*Config)

// defaultConfig returns the platform defaults.
func defaultConfig() *Config {
	return &Config{
		DefaultProvider: "anthropic",
		CostOptimization: CostOptimizationConfig{
			Enabled: true,
			CheapModelFor: []string{
				TaskSimpleQueries,
				TaskSummarization,
				TaskClassification,
				TaskExplanations,
			},
			ExpensiveModelFor: []string{
				TaskCodeGeneration,
				TaskPlanning,
				TaskComplexReasoning,
			},
			CheapModel:     "claude-3-5-haiku-20241022",
			ExpensiveModel: "claude-sonnet-4-20250514",
		},
		Fallback: FallbackConfig{
			Enabled:   true,
			Providers: []string{"anthropic", "openai", "gemini", "ollama"},
		},
		RateLimits: make(map[string]int),
		Logger:     slog.Default(),
	}
}

// applyEnvOverrides merges environment overrides over the assembled config.
// Env wins over explicit options.
func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvCheapModel)); v != "" {
		cfg.CostOptimization.CheapModel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvExpensiveModel)); v != "" {
		cfg.CostOptimization.ExpensiveModel = v
	}
	if os.Getenv(EnvDisableFallback) == "true" {
		cfg.Fallback.Enabled = false
	}
}

// WithDefaultProvider sets the provider used when a request names none.
func WithDefaultProvider(name string) Option {
	return func(c *Config) {
		c.DefaultProvider = name
	}
}

// WithProvider adds a provider configuration. The adapter is created
// automatically from the Type field through the factory registry.
func WithProvider(cfg provider.Config) Option {
	return func(c *Config) {
		c.Providers = append(c.Providers, cfg)
	}
}

// WithProviderInstance registers a pre-built adapter under the given name.
func WithProviderInstance(name string, prov provider.Provider) Option {
	return func(c *Config) {
		c.ProviderInstances = append(c.ProviderInstances, providerInstance{
			Name:     name,
			Provider: prov,
		})
	}
}

// WithCostOptimization replaces the cost-based model injection policy.
func WithCostOptimization(co CostOptimizationConfig) Option {
	return func(c *Config) {
		c.CostOptimization = co
	}
}

// WithCheapModel sets the model injected for cheap task types.
func WithCheapModel(model string) Option {
	return func(c *Config) {
		c.CostOptimization.CheapModel = model
	}
}

// WithExpensiveModel sets the model injected for expensive task types.
func WithExpensiveModel(model string) Option {
	return func(c *Config) {
		c.CostOptimization.ExpensiveModel = model
	}
}

// WithFallback sets the fallback policy. An empty provider list keeps the
// default ordering.
func WithFallback(enabled bool, providers ...string) Option {
	return func(c *Config) {
		c.Fallback.Enabled = enabled
		if len(providers) > 0 {
			c.Fallback.Providers = providers
		}
	}
}

// WithTelemetry sets the state-service base URL for usage records.
func WithTelemetry(baseURL string) Option {
	return func(c *Config) {
		c.TelemetryBaseURL = baseURL
	}
}

// WithPricingFile overrides pricing rates from a YAML file. When watch is
// true the file is hot-reloaded on change.
func WithPricingFile(path string, watch bool) Option {
	return func(c *Config) {
		c.PricingFile = path
		c.WatchPricing = watch
	}
}

// WithCache enables the in-memory completion cache with the given TTL.
func WithCache(ttl time.Duration) Option {
	return func(c *Config) {
		c.CacheTTL = ttl
	}
}

// WithRateLimit caps one provider at the given requests per minute.
func WithRateLimit(providerName string, rpm int) Option {
	return func(c *Config) {
		c.RateLimits[providerName] = rpm
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
