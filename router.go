package llmrelay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/llmrelay/llmrelay/internal/cache"
	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/internal/pricing"
	"github.com/llmrelay/llmrelay/internal/ratelimit"
	"github.com/llmrelay/llmrelay/internal/telemetry"
	llmerrors "github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/pkg/types"
	"github.com/llmrelay/llmrelay/providers"
)

// Router dispatches completion requests to provider adapters. It owns the
// provider registry, applies cost-based model injection, recovers from
// provider failures via the fallback chain, and reports usage telemetry
// without ever blocking the caller's request.
//
// Router is safe for concurrent use by multiple goroutines: the registry
// is populated at warm-up and effectively read-only afterwards, and all
// per-call state lives in locals.
type Router struct {
	providers map[string]provider.Provider
	config    *Config
	pricing   *pricing.Calculator
	telemetry *telemetry.Reporter
	cache     *cache.ResponseCache
	limiter   *ratelimit.ProviderLimiter
	logger    *slog.Logger

	cheapFor     map[string]struct{}
	expensiveFor map[string]struct{}

	// mu guards registration only; request handling reads the registry
	// without coordination once warm-up is done.
	mu sync.RWMutex
}

// New creates a Router from the given options, environment overrides and
// platform defaults.
func New(opts ...Option) (*Router, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	applyEnvOverrides(cfg)

	r := &Router{
		providers:    make(map[string]provider.Provider),
		config:       cfg,
		pricing:      pricing.NewCalculator(),
		telemetry:    telemetry.NewReporter(cfg.TelemetryBaseURL, cfg.Logger),
		logger:       cfg.Logger,
		cheapFor:     toSet(cfg.CostOptimization.CheapModelFor),
		expensiveFor: toSet(cfg.CostOptimization.ExpensiveModelFor),
	}

	if cfg.CacheTTL > 0 {
		r.cache = cache.New(cfg.CacheTTL)
	}
	if len(cfg.RateLimits) > 0 {
		r.limiter = ratelimit.New()
		for name, rpm := range cfg.RateLimits {
			r.limiter.SetLimit(name, rpm, 1)
		}
	}

	if cfg.PricingFile != "" {
		if err := r.pricing.LoadFile(cfg.PricingFile); err != nil {
			return nil, fmt.Errorf("load pricing: %w", err)
		}
		if cfg.WatchPricing {
			if err := r.pricing.Watch(context.Background(), cfg.PricingFile, r.logger); err != nil {
				return nil, fmt.Errorf("watch pricing: %w", err)
			}
		}
	}

	for _, pcfg := range cfg.Providers {
		if pcfg.Type == "" {
			pcfg.Type = pcfg.Name
		}
		prov, err := providers.Create(pcfg)
		if err != nil {
			return nil, fmt.Errorf("create provider %s: %w", pcfg.Name, err)
		}
		name := pcfg.Name
		if name == "" {
			name = prov.Name()
		}
		r.RegisterProvider(name, prov)
	}
	for _, inst := range cfg.ProviderInstances {
		r.RegisterProvider(inst.Name, inst.Provider)
	}

	r.logger.Info("router initialized",
		"providers", len(r.providers),
		"default_provider", cfg.DefaultProvider,
		"fallback_enabled", cfg.Fallback.Enabled,
		"cost_optimization", cfg.CostOptimization.Enabled,
	)

	return r, nil
}

// RegisterProvider adds an adapter under the given name, overwriting any
// existing entry. Registration is meant to happen at warm-up, before the
// Router serves requests.
func (r *Router) RegisterProvider(name string, prov provider.Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = prov
}

// Providers returns the names of all registered providers.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// PricingData returns a read-only snapshot of the full rate table grouped
// by provider, for diagnostics and UI use.
func (r *Router) PricingData() pricing.Table {
	return r.pricing.Snapshot()
}

// Route executes a completion request. The task type selects a cost tier
// for model injection; pass an empty string to skip it.
func (r *Router) Route(ctx context.Context, req *types.CompletionRequest, taskType string) (*types.LLMResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	name := r.resolveProviderName(req)
	r.injectModel(req, taskType)

	if r.cache != nil {
		if cached := r.cache.Get(req); cached != nil {
			r.logger.Debug("cache hit", "provider", name, "model", req.Model)
			return cached, nil
		}
	}

	resp, used, err := r.executeWithFallback(ctx, name, req, func(ctx context.Context, p provider.Provider) (*types.LLMResponse, error) {
		return p.Complete(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	r.finishCall(resp, used, req.Model)

	if r.cache != nil {
		r.cache.Set(req, resp)
	}
	return resp, nil
}

// RouteWithTools executes a completion with tool declarations. Tool calls
// are exempt from cost-based model injection.
func (r *Router) RouteWithTools(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	name := r.resolveProviderName(req)

	resp, used, err := r.executeWithFallback(ctx, name, req, func(ctx context.Context, p provider.Provider) (*types.LLMResponse, error) {
		return p.CompleteWithTools(ctx, req)
	})
	if err != nil {
		return nil, err
	}

	r.finishCall(resp, used, req.Model)
	return resp, nil
}

// RouteStream executes a streaming completion. The returned reader yields
// the provider's chunks unchanged; usage is persisted only after the
// terminal chunk has been delivered.
func (r *Router) RouteStream(ctx context.Context, req *types.CompletionRequest, taskType string) (*StreamReader, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	name := r.resolveProviderName(req)
	r.injectModel(req, taskType)

	prov, ok := r.provider(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", llmerrors.ErrNoProvider, name)
	}

	if err := r.waitLimit(ctx, name); err != nil {
		return nil, err
	}

	handler, err := prov.Stream(ctx, req)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(name, req.Model, "error").Inc()
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(name, req.Model, "ok").Inc()

	// The input-side estimate is computed once from the request; the
	// output side accumulates as chunks flow through.
	return newStreamReader(handler, r, name, req.Model, req.PromptText()), nil
}

// finishCall attaches the computed cost and launches usage persistence.
// The telemetry goroutine is never joined; its outcome cannot affect the
// returned response.
func (r *Router) finishCall(resp *types.LLMResponse, providerName, requestedModel string) {
	model := resp.Model
	if model == "" {
		model = requestedModel
	}

	cost := r.pricing.Calculate(providerName, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	resp.Cost = &cost

	metrics.ObserveUsage(providerName, model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, cost.CostUSD)

	go r.persistUsage(resp.Usage, model, providerName, cost)
}

// persistUsage reports one usage record. Every failure is contained inside
// the reporter; this method never panics and never surfaces an error.
func (r *Router) persistUsage(usage types.Usage, model, providerName string, cost types.Cost) {
	r.telemetry.Report(types.NewUsageRecord(providerName, model, usage.PromptTokens, usage.CompletionTokens, cost))
}

// resolveProviderName applies the per-request override, else the default.
func (r *Router) resolveProviderName(req *types.CompletionRequest) string {
	if req.Provider != "" {
		return req.Provider
	}
	return r.config.DefaultProvider
}

// injectModel applies cost-based model injection. An explicitly supplied
// model is never overwritten.
func (r *Router) injectModel(req *types.CompletionRequest, taskType string) {
	co := r.config.CostOptimization
	if !co.Enabled || req.Model != "" || taskType == "" {
		return
	}

	if _, ok := r.cheapFor[taskType]; ok {
		req.Model = co.CheapModel
		r.logger.Debug("injected cheap model", "task_type", taskType, "model", req.Model)
		return
	}
	if _, ok := r.expensiveFor[taskType]; ok {
		req.Model = co.ExpensiveModel
		r.logger.Debug("injected expensive model", "task_type", taskType, "model", req.Model)
	}
}

// executeWithFallback runs the call against the resolved provider and, on
// failure, walks the fallback chain in declared order. Attempts are
// strictly sequential so one logical request is never billed twice
// concurrently. The last failing provider's error is returned unchanged.
func (r *Router) executeWithFallback(
	ctx context.Context,
	name string,
	req *types.CompletionRequest,
	call func(context.Context, provider.Provider) (*types.LLMResponse, error),
) (*types.LLMResponse, string, error) {
	tried := make(map[string]bool)
	var lastErr error

	if prov, ok := r.provider(name); ok {
		tried[name] = true
		resp, err := r.attempt(ctx, name, req, prov, call)
		if err == nil {
			return resp, name, nil
		}
		lastErr = err
	}

	if r.config.Fallback.Enabled {
		for _, candidate := range r.config.Fallback.Providers {
			if tried[candidate] {
				continue
			}
			prov, ok := r.provider(candidate)
			if !ok {
				// Unregistered chain entries are skipped, not errors.
				continue
			}
			tried[candidate] = true

			metrics.FallbackAttempts.WithLabelValues(name, candidate).Inc()
			r.logger.Warn("falling back",
				"from", name,
				"to", candidate,
				"error", lastErr,
			)

			resp, err := r.attempt(ctx, candidate, req, prov, call)
			if err == nil {
				return resp, candidate, nil
			}
			lastErr = err
		}
	}

	if lastErr != nil {
		return nil, "", lastErr
	}
	return nil, "", fmt.Errorf("%w: %q is not registered", llmerrors.ErrNoProvider, name)
}

func (r *Router) attempt(
	ctx context.Context,
	name string,
	req *types.CompletionRequest,
	prov provider.Provider,
	call func(context.Context, provider.Provider) (*types.LLMResponse, error),
) (*types.LLMResponse, error) {
	if err := r.waitLimit(ctx, name); err != nil {
		return nil, err
	}

	resp, err := call(ctx, prov)
	if err != nil {
		metrics.RequestsTotal.WithLabelValues(name, req.Model, "error").Inc()
		return nil, err
	}
	metrics.RequestsTotal.WithLabelValues(name, req.Model, "ok").Inc()
	return resp, nil
}

func (r *Router) waitLimit(ctx context.Context, name string) error {
	if r.limiter == nil {
		return nil
	}
	return r.limiter.Wait(ctx, name)
}

func (r *Router) provider(name string) (provider.Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

func validateRequest(req *types.CompletionRequest) error {
	if req == nil {
		return fmt.Errorf("request is nil")
	}
	if len(req.Messages) == 0 {
		return fmt.Errorf("messages is required")
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
