// Package llmrelay provides an LLM request-routing layer as a Go library.
// It sits between application code and several independent LLM backends,
// selecting a provider and model per request, substituting cheaper or more
// capable models based on a declared task category, recovering from
// provider outages via an ordered fallback chain, proxying streaming
// responses chunk-by-chunk, computing per-call dollar cost from token
// counts, and reporting usage telemetry without ever blocking the caller.
//
// Basic usage:
//
//	router, err := llmrelay.New(
//	    llmrelay.WithProvider(llmrelay.ProviderConfig{
//	        Name:   "anthropic",
//	        Type:   "anthropic",
//	        APIKey: os.Getenv("ANTHROPIC_API_KEY"),
//	    }),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	resp, err := router.Route(ctx, &llmrelay.CompletionRequest{
//	    Messages: []llmrelay.Message{{Role: "user", Content: "Hello!"}},
//	}, llmrelay.TaskSummarization)
package llmrelay

import (
	"github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/pkg/types"
)

// Version is the current version of the routing layer.
const Version = "1.0.0"

// Re-export core request/response types for convenience.
type (
	// CompletionRequest is the unified completion request.
	CompletionRequest = types.CompletionRequest

	// Message represents a single message in the conversation.
	Message = types.Message

	// LLMResponse is the unified completion response.
	LLMResponse = types.LLMResponse

	// StreamChunk is one element of a streaming response.
	StreamChunk = types.StreamChunk

	// Usage contains token counts for one call.
	Usage = types.Usage

	// Cost is the computed dollar cost of one call.
	Cost = types.Cost

	// UsageRecord is the accounting row persisted for one completion.
	UsageRecord = types.UsageRecord

	// Tool declares a function the model may call.
	Tool = types.Tool

	// Provider is the capability contract implemented by backend adapters.
	Provider = provider.Provider

	// ProviderConfig contains provider-specific configuration.
	ProviderConfig = provider.Config

	// LLMError is the standardized provider error.
	LLMError = errors.LLMError
)

// ErrNoProvider is returned when no provider can serve a request.
var ErrNoProvider = errors.ErrNoProvider

// Task types used for cost-based model selection. A task type only selects
// a cost tier; it never encodes a capability.
const (
	TaskSimpleQueries    = "simple_queries"
	TaskSummarization    = "summarization"
	TaskClassification   = "classification"
	TaskExplanations     = "explanations"
	TaskCodeGeneration   = "code_generation"
	TaskPlanning         = "planning"
	TaskComplexReasoning = "complex_reasoning"
)
