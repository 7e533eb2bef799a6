package llmrelay

import (
	"io"
	"strings"
	"sync"

	"github.com/llmrelay/llmrelay/internal/metrics"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/pkg/types"
)

// StreamReader delivers a provider's stream to the caller chunk by chunk
// and settles usage accounting once the terminal chunk has gone out. If
// the caller abandons the stream before the terminal chunk, no usage is
// recorded.
type StreamReader struct {
	handler  provider.StreamHandler
	router   *Router
	provider string
	model    string

	inputText string
	output    strings.Builder

	mu       sync.Mutex
	finished bool
	closed   bool
}

func newStreamReader(h provider.StreamHandler, r *Router, providerName, model, inputText string) *StreamReader {
	return &StreamReader{
		handler:   h,
		router:    r,
		provider:  providerName,
		model:     model,
		inputText: inputText,
	}
}

// Recv returns the next chunk. After the chunk with Done set has been
// returned, the following call reports io.EOF. Content chunks are passed
// through unchanged.
func (s *StreamReader) Recv() (*types.StreamChunk, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.mu.Unlock()

	chunk, err := s.handler.Next()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if chunk.Content != "" {
		s.output.WriteString(chunk.Content)
	}
	if chunk.Done && !s.finished {
		s.finished = true
		usage := s.settleUsage(chunk.Usage)
		s.mu.Unlock()
		s.persist(usage)
		return chunk, nil
	}
	s.mu.Unlock()

	return chunk, nil
}

// Close releases the underlying connection. Closing before the terminal
// chunk arrives discards the partial output without recording usage.
func (s *StreamReader) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.handler.Close()
}

// settleUsage prefers the provider's authoritative counts from the
// terminal chunk and falls back to a character-based estimate over the
// prompt and the accumulated output. Callers must hold s.mu.
func (s *StreamReader) settleUsage(reported *types.Usage) types.Usage {
	if reported != nil && (reported.PromptTokens > 0 || reported.CompletionTokens > 0) {
		usage := *reported
		if usage.TotalTokens == 0 {
			usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
		}
		return usage
	}

	in := types.EstimateTokens(s.inputText)
	out := types.EstimateTokens(s.output.String())
	return types.Usage{
		PromptTokens:     in,
		CompletionTokens: out,
		TotalTokens:      in + out,
	}
}

func (s *StreamReader) persist(usage types.Usage) {
	cost := s.router.pricing.Calculate(s.provider, s.model, usage.PromptTokens, usage.CompletionTokens)
	metrics.ObserveUsage(s.provider, s.model, usage.PromptTokens, usage.CompletionTokens, cost.CostUSD)
	go s.router.persistUsage(usage, s.model, s.provider, cost)
}
