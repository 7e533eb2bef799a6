package llmrelay

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	llmerrors "github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/pkg/types"
)

// fakeProvider is an in-memory adapter for router tests.
type fakeProvider struct {
	mu      sync.Mutex
	name    string
	resp    *types.LLMResponse
	err     error
	chunks  []types.StreamChunk
	calls   int
	lastReq *types.CompletionRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.resp, nil
}

func (f *fakeProvider) CompleteWithTools(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return f.Complete(ctx, req)
}

func (f *fakeProvider) Stream(_ context.Context, req *types.CompletionRequest) (provider.StreamHandler, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return &fakeStream{chunks: f.chunks}, nil
}

func (f *fakeProvider) CountTokens(_ context.Context, text string) int {
	return types.EstimateTokens(text)
}

func (f *fakeProvider) MaxTokens() int { return 4096 }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeProvider) requestModel() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastReq == nil {
		return ""
	}
	return f.lastReq.Model
}

type fakeStream struct {
	chunks []types.StreamChunk
	pos    int
	closed bool
}

func (s *fakeStream) Next() (*types.StreamChunk, error) {
	if s.pos >= len(s.chunks) {
		return nil, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return &chunk, nil
}

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func testRequest() *types.CompletionRequest {
	return &types.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hello"}},
	}
}

func okResponse(model string) *types.LLMResponse {
	return &types.LLMResponse{
		Content:      "hi",
		Model:        model,
		FinishReason: "stop",
		Usage:        types.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRouteUsesDefaultProvider(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-20250514")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want %q", resp.Content, "hi")
	}
	if resp.Cost == nil {
		t.Fatal("cost not attached")
	}
	if fake.callCount() != 1 {
		t.Errorf("calls = %d, want 1", fake.callCount())
	}
}

func TestRouteProviderOverride(t *testing.T) {
	primary := &fakeProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-20250514")}
	override := &fakeProvider{name: "openai", resp: okResponse("gpt-4o")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", primary),
		WithProviderInstance("openai", override),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := testRequest()
	req.Provider = "openai"
	resp, err := r.Route(context.Background(), req, "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("model = %q, want gpt-4o", resp.Model)
	}
	if primary.callCount() != 0 {
		t.Errorf("default provider called %d times, want 0", primary.callCount())
	}
}

func TestCostOptimizationInjectsCheapModel(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-3-5-haiku-20241022")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, task := range []string{TaskSimpleQueries, TaskSummarization, TaskClassification, TaskExplanations} {
		req := testRequest()
		if _, err := r.Route(context.Background(), req, task); err != nil {
			t.Fatalf("Route(%s): %v", task, err)
		}
		if got := fake.requestModel(); got != "claude-3-5-haiku-20241022" {
			t.Errorf("task %s: model = %q, want cheap model", task, got)
		}
	}
}

func TestCostOptimizationInjectsExpensiveModel(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-20250514")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for _, task := range []string{TaskCodeGeneration, TaskPlanning, TaskComplexReasoning} {
		req := testRequest()
		if _, err := r.Route(context.Background(), req, task); err != nil {
			t.Fatalf("Route(%s): %v", task, err)
		}
		if got := fake.requestModel(); got != "claude-sonnet-4-20250514" {
			t.Errorf("task %s: model = %q, want expensive model", task, got)
		}
	}
}

func TestCostOptimizationNeverOverwritesExplicitModel(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-opus-4")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := testRequest()
	req.Model = "claude-opus-4"
	if _, err := r.Route(context.Background(), req, TaskSimpleQueries); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := fake.requestModel(); got != "claude-opus-4" {
		t.Errorf("model = %q, explicit model must be preserved", got)
	}
}

func TestCostOptimizationUnknownTaskLeavesModelUnset(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Route(context.Background(), testRequest(), "poetry"); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := fake.requestModel(); got != "" {
		t.Errorf("model = %q, want empty for unknown task type", got)
	}
}

func TestFallbackReturnsSecondaryResponse(t *testing.T) {
	failing := &fakeProvider{name: "anthropic", err: llmerrors.NewServiceUnavailableError("anthropic", "m", "overloaded")}
	backup := &fakeProvider{name: "openai", resp: okResponse("gpt-4o")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", failing),
		WithProviderInstance("openai", backup),
		WithFallback(true, "anthropic", "openai", "gemini"),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Model != "gpt-4o" {
		t.Errorf("model = %q, want fallback response", resp.Model)
	}
	if failing.callCount() != 1 {
		t.Errorf("primary calls = %d, want exactly 1", failing.callCount())
	}
}

func TestFallbackSkipsUnregisteredProviders(t *testing.T) {
	failing := &fakeProvider{name: "anthropic", err: llmerrors.NewInternalError("anthropic", "m", "boom")}
	backup := &fakeProvider{name: "ollama", resp: okResponse("llama3")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", failing),
		WithProviderInstance("ollama", backup),
		WithFallback(true, "anthropic", "openai", "gemini", "ollama"),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Model != "llama3" {
		t.Errorf("model = %q, want ollama response", resp.Model)
	}
}

func TestFallbackDisabledReturnsOriginalError(t *testing.T) {
	original := llmerrors.NewRateLimitError("anthropic", "m", "slow down")
	failing := &fakeProvider{name: "anthropic", err: original}
	backup := &fakeProvider{name: "openai", resp: okResponse("gpt-4o")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", failing),
		WithProviderInstance("openai", backup),
		WithFallback(false),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Route(context.Background(), testRequest(), "")
	if !errors.Is(err, original) {
		t.Fatalf("err = %v, want the provider's error unchanged", err)
	}
	if backup.callCount() != 0 {
		t.Errorf("backup called %d times with fallback disabled", backup.callCount())
	}
}

func TestFallbackExhaustedReturnsLastError(t *testing.T) {
	errA := llmerrors.NewInternalError("anthropic", "m", "a down")
	errB := llmerrors.NewInternalError("openai", "m", "b down")

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", &fakeProvider{name: "anthropic", err: errA}),
		WithProviderInstance("openai", &fakeProvider{name: "openai", err: errB}),
		WithFallback(true, "anthropic", "openai"),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Route(context.Background(), testRequest(), "")
	if !errors.Is(err, errB) {
		t.Fatalf("err = %v, want last provider's error", err)
	}
}

func TestRouteNoProviderRegistered(t *testing.T) {
	r, err := New(
		WithDefaultProvider("anthropic"),
		WithFallback(false),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = r.Route(context.Background(), testRequest(), "")
	if !errors.Is(err, llmerrors.ErrNoProvider) {
		t.Fatalf("err = %v, want ErrNoProvider", err)
	}
}

func TestRouteWithToolsSkipsModelInjection(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	req := testRequest()
	req.Tools = []types.Tool{{Type: "function", Function: types.ToolFunction{Name: "get_weather"}}}
	if _, err := r.RouteWithTools(context.Background(), req); err != nil {
		t.Fatalf("RouteWithTools: %v", err)
	}
	if got := fake.requestModel(); got != "" {
		t.Errorf("model = %q, tool calls must not get an injected model", got)
	}
}

func TestTelemetryFailureDoesNotAffectRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-20250514")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithTelemetry(srv.URL),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	resp, err := r.Route(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q, want %q", resp.Content, "hi")
	}
}

func TestRoutePersistsUsageRecord(t *testing.T) {
	records := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/api/state/history" {
			t.Errorf("path = %q, want /api/state/history", req.URL.Path)
		}
		body, _ := io.ReadAll(req.Body)
		records <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-20250514")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithTelemetry(srv.URL),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Route(context.Background(), testRequest(), ""); err != nil {
		t.Fatalf("Route: %v", err)
	}

	select {
	case body := <-records:
		for _, want := range []string{`"type":"llm_usage"`, `"command":"llm.completion"`, `"inputTokens":10`, `"outputTokens":5`, `"totalTokens":15`} {
			if !bytes.Contains(body, []byte(want)) {
				t.Errorf("record %s missing %s", body, want)
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("usage record never posted")
	}
}

func TestValidateRequest(t *testing.T) {
	r, err := New(WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, err := r.Route(context.Background(), nil, ""); err == nil {
		t.Error("nil request accepted")
	}
	if _, err := r.Route(context.Background(), &types.CompletionRequest{}, ""); err == nil {
		t.Error("empty messages accepted")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvCheapModel, "test-cheap")
	t.Setenv(EnvExpensiveModel, "test-expensive")
	t.Setenv(EnvDisableFallback, "true")

	fake := &fakeProvider{name: "anthropic", resp: okResponse("")}
	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if r.config.CostOptimization.CheapModel != "test-cheap" {
		t.Errorf("cheap model = %q, want env override", r.config.CostOptimization.CheapModel)
	}
	if r.config.CostOptimization.ExpensiveModel != "test-expensive" {
		t.Errorf("expensive model = %q, want env override", r.config.CostOptimization.ExpensiveModel)
	}
	if r.config.Fallback.Enabled {
		t.Error("fallback still enabled despite env override")
	}

	if _, err := r.Route(context.Background(), testRequest(), TaskSimpleQueries); err != nil {
		t.Fatalf("Route: %v", err)
	}
	if got := fake.requestModel(); got != "test-cheap" {
		t.Errorf("model = %q, want env-selected cheap model", got)
	}
}

func TestRegisterProviderOverwrites(t *testing.T) {
	first := &fakeProvider{name: "anthropic", resp: okResponse("one")}
	second := &fakeProvider{name: "anthropic", resp: okResponse("two")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", first),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	r.RegisterProvider("anthropic", second)

	resp, err := r.Route(context.Background(), testRequest(), "")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if resp.Model != "two" {
		t.Errorf("model = %q, want the later registration", resp.Model)
	}
}

func TestResponseCache(t *testing.T) {
	fake := &fakeProvider{name: "anthropic", resp: okResponse("claude-sonnet-4-20250514")}

	r, err := New(
		WithDefaultProvider("anthropic"),
		WithProviderInstance("anthropic", fake),
		WithCache(time.Minute),
		WithLogger(quietLogger()),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := r.Route(context.Background(), testRequest(), ""); err != nil {
			t.Fatalf("Route %d: %v", i, err)
		}
	}
	if fake.callCount() != 1 {
		t.Errorf("provider calls = %d, want 1 with cache enabled", fake.callCount())
	}
}
