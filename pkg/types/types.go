// Package types defines the unified data structures exchanged between the
// router and provider adapters. Every backend response is normalized into
// these types before it reaches the caller.
package types

import (
	"time"

	"github.com/goccy/go-json"
)

// Message represents a single message in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// Tool declares a function the model may call. The parameter schema is
// passed through to the provider unchanged.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction holds the function name and raw JSON arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// CompletionRequest is the unified input for all providers.
// One instance is created per call and discarded afterwards.
type CompletionRequest struct {
	// Model is the explicit model identifier. When empty the router may
	// inject one based on the task type.
	Model    string    `json:"model,omitempty"`
	Messages []Message `json:"messages"`

	// Provider overrides the router's default provider for this call.
	Provider string `json:"provider,omitempty"`

	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Tools are only consulted by CompleteWithTools.
	Tools []Tool `json:"tools,omitempty"`
}

// PromptText returns the concatenated content of all messages. It is used
// for character-based token estimation when no provider-reported usage is
// available.
func (r *CompletionRequest) PromptText() string {
	if r == nil {
		return ""
	}
	var total int
	for _, m := range r.Messages {
		total += len(m.Content)
	}
	buf := make([]byte, 0, total)
	for _, m := range r.Messages {
		buf = append(buf, m.Content...)
	}
	return string(buf)
}

// Usage contains token counts reported by (or estimated for) one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CostBreakdown splits a call's cost into input and output components.
type CostBreakdown struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// Cost is the computed dollar cost of one call.
type Cost struct {
	CostUSD   float64       `json:"costUSD"`
	Breakdown CostBreakdown `json:"breakdown"`
}

// LLMResponse is the unified completion response.
type LLMResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	FinishReason string     `json:"finish_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	Usage        Usage      `json:"usage"`
	Cost         *Cost      `json:"cost,omitempty"`
}

// StreamChunk is one element of a streaming response. A stream is a finite
// sequence terminated by exactly one chunk with Done set. The terminal
// chunk may carry authoritative usage counts.
type StreamChunk struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done"`
	Usage   *Usage `json:"usage,omitempty"`
}

// UsageRecord is the accounting row persisted for one completion.
// TotalTokens is always computed as InputTokens + OutputTokens.
type UsageRecord struct {
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Command      string        `json:"command"`
	Provider     string        `json:"provider"`
	Model        string        `json:"model"`
	InputTokens  int           `json:"inputTokens"`
	OutputTokens int           `json:"outputTokens"`
	TotalTokens  int           `json:"totalTokens"`
	CostUSD      float64       `json:"costUSD"`
	Breakdown    CostBreakdown `json:"breakdown"`
	Timestamp    string        `json:"timestamp"`
}

// NewUsageRecord builds a UsageRecord with the derived total and an
// RFC3339 timestamp.
func NewUsageRecord(provider, model string, inputTokens, outputTokens int, cost Cost) UsageRecord {
	return UsageRecord{
		Type:         "llm_usage",
		Command:      "llm.completion",
		Provider:     provider,
		Model:        model,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalTokens:  inputTokens + outputTokens,
		CostUSD:      cost.CostUSD,
		Breakdown:    cost.Breakdown,
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
	}
}

// EstimateTokens approximates a token count from text length at four
// characters per token, rounding up. It is the deterministic fallback used
// whenever native counting is unavailable.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + 3) / 4
}
