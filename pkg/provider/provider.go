// Package provider defines the capability contract that every LLM backend
// adapter must satisfy. The router only ever talks to adapters through this
// interface; each adapter's wire protocol is its own concern.
package provider

import (
	"context"
	"time"

	"github.com/llmrelay/llmrelay/pkg/types"
)

// Provider is the fixed capability set implemented by every backend
// adapter (Anthropic, OpenAI, Gemini, a local runtime, an aggregator).
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic").
	Name() string

	// Complete executes a non-streaming completion.
	Complete(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error)

	// CompleteWithTools executes a completion with tool declarations.
	CompleteWithTools(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error)

	// Stream executes a streaming completion. The returned handler yields
	// chunks until a terminal Done chunk, then io.EOF.
	Stream(ctx context.Context, req *types.CompletionRequest) (StreamHandler, error)

	// CountTokens returns the token count for the given text. Adapters try
	// their native counting endpoint first and fall back to a
	// character-based estimate on any failure, so a broken endpoint never
	// blocks a routing decision. Empty text counts as zero.
	CountTokens(ctx context.Context, text string) int

	// MaxTokens returns the provider's default completion token ceiling.
	MaxTokens() int
}

// StreamHandler iterates over streaming response chunks.
type StreamHandler interface {
	// Next returns the next chunk. After the Done chunk has been returned
	// once, Next returns io.EOF.
	Next() (*types.StreamChunk, error)

	// Close releases resources associated with the stream. Safe to call
	// more than once.
	Close() error
}

// Config contains provider-specific configuration.
type Config struct {
	Name    string
	Type    string
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Headers map[string]string
}

// Factory creates provider instances from configuration.
type Factory func(cfg Config) (Provider, error)
