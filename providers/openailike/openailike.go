// Package openailike provides a base adapter for OpenAI-compatible
// providers. Most LLM backends follow OpenAI's chat completion format with
// minor variations; this package reduces duplication by providing a common
// foundation.
package openailike

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/llmrelay/llmrelay/pkg/errors"
	"github.com/llmrelay/llmrelay/pkg/provider"
	"github.com/llmrelay/llmrelay/pkg/types"
)

// DefaultMaxTokens is the completion ceiling used when none is configured.
const DefaultMaxTokens = 4096

// Info contains provider-specific configuration.
type Info struct {
	// Name is the provider identifier (e.g., "openai", "openrouter").
	Name string

	// DefaultBaseURL is the default API endpoint.
	DefaultBaseURL string

	// ChatEndpoint is the path for chat completions.
	// Default: "/chat/completions".
	ChatEndpoint string

	// ExtraHeaders are additional headers to include in requests.
	ExtraHeaders map[string]string
}

// Provider implements a generic OpenAI-compatible adapter.
type Provider struct {
	info       Info
	apiKey     string
	baseURL    string
	headers    map[string]string
	maxTokens  int
	httpClient *http.Client
}

// New creates a new OpenAI-like provider instance.
func New(info Info, opts ...Option) *Provider {
	p := &Provider{
		info:       info,
		baseURL:    info.DefaultBaseURL,
		headers:    make(map[string]string),
		maxTokens:  DefaultMaxTokens,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for k, v := range info.ExtraHeaders {
		p.headers[k] = v
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(info Info, cfg provider.Config) (provider.Provider, error) {
	opts := []Option{WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	p := New(info, opts...)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.info.Name
}

// MaxTokens returns the configured completion token ceiling.
func (p *Provider) MaxTokens() int {
	return p.maxTokens
}

// chatRequest is the OpenAI wire format.
type chatRequest struct {
	Model         string          `json:"model"`
	Messages      []types.Message `json:"messages"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions *streamOptions  `json:"stream_options,omitempty"`
	Tools         []types.Tool    `json:"tools,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role      string           `json:"role"`
			Content   string           `json:"content"`
			ToolCalls []types.ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage,omitempty"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *types.Usage `json:"usage,omitempty"`
}

// Complete executes a non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return p.complete(ctx, req, nil)
}

// CompleteWithTools executes a completion with tool declarations.
func (p *Provider) CompleteWithTools(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return p.complete(ctx, req, req.Tools)
}

func (p *Provider) complete(ctx context.Context, req *types.CompletionRequest, tools []types.Tool) (*types.LLMResponse, error) {
	wireReq := p.buildWireRequest(req, tools, false)

	resp, err := p.do(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, p.mapError(resp.StatusCode, body, req.Model)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, errors.NewInternalError(p.info.Name, req.Model, "response contained no choices")
	}

	choice := parsed.Choices[0]
	out := &types.LLMResponse{
		Content:      choice.Message.Content,
		Model:        parsed.Model,
		FinishReason: choice.FinishReason,
		ToolCalls:    choice.Message.ToolCalls,
	}
	if parsed.Usage != nil {
		out.Usage = *parsed.Usage
	}
	return out, nil
}

// Stream executes a streaming completion. Usage is requested on the final
// chunk via stream_options.
func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (provider.StreamHandler, error) {
	wireReq := p.buildWireRequest(req, nil, true)

	resp, err := p.do(ctx, wireReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.mapError(resp.StatusCode, body, req.Model)
	}

	return newSSEStream(resp.Body), nil
}

// CountTokens approximates the token count. OpenAI-compatible APIs expose
// no counting endpoint, so the character-based estimate is the only path.
func (p *Provider) CountTokens(_ context.Context, text string) int {
	return types.EstimateTokens(text)
}

func (p *Provider) buildWireRequest(req *types.CompletionRequest, tools []types.Tool, stream bool) *chatRequest {
	wireReq := &chatRequest{
		Model:       req.Model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       tools,
	}
	if stream {
		wireReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return wireReq
}

func (p *Provider) do(ctx context.Context, wireReq *chatRequest) (*http.Response, error) {
	body, err := json.Marshal(wireReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := p.info.ChatEndpoint
	if endpoint == "" {
		endpoint = "/chat/completions"
	}
	url := strings.TrimSuffix(p.baseURL, "/") + endpoint

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewServiceUnavailableError(p.info.Name, wireReq.Model, err.Error())
	}
	return resp, nil
}

func (p *Provider) mapError(statusCode int, body []byte, model string) error {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}
	return errors.MapHTTPError(p.info.Name, model, statusCode, message)
}

// sseStream reads SSE chunks from an OpenAI-compatible streaming response.
// It yields one Done chunk (carrying usage when the backend reported it)
// after the [DONE] sentinel or end of stream.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu       sync.Mutex
	usage    *types.Usage
	doneSent bool
	closed   bool
}

func newSSEStream(body io.ReadCloser) *sseStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), 4096*16)
	return &sseStream{body: body, scanner: scanner}
}

// Next returns the next chunk, or io.EOF after the Done chunk.
func (s *sseStream) Next() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doneSent || s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))

		if bytes.Equal(line, []byte("[DONE]")) {
			return s.finish()
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			// Keep-alives and comments are not content.
			continue
		}
		if chunk.Usage != nil {
			s.usage = chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		if content := chunk.Choices[0].Delta.Content; content != "" {
			return &types.StreamChunk{Content: content}, nil
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.closeLocked()
		return nil, err
	}
	return s.finish()
}

func (s *sseStream) finish() (*types.StreamChunk, error) {
	s.doneSent = true
	chunk := &types.StreamChunk{Done: true}
	if s.usage != nil {
		if s.usage.TotalTokens == 0 {
			s.usage.TotalTokens = s.usage.PromptTokens + s.usage.CompletionTokens
		}
		chunk.Usage = s.usage
	}
	s.closeLocked()
	return chunk, nil
}

// Close releases the underlying response body. Safe to call repeatedly.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *sseStream) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
