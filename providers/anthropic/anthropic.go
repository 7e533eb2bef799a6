// Package anthropic provides the Anthropic Claude provider adapter.
// It translates the unified request format into Anthropic's Messages API,
// including native token counting with a character-based fallback.
package anthropic

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

const (
	// ProviderName is the identifier for this provider.
	ProviderName = "anthropic"

	// DefaultBaseURL is the default Anthropic API endpoint.
	DefaultBaseURL = "https://api.anthropic.com"

	// DefaultAPIVersion is the default Anthropic API version.
	DefaultAPIVersion = "2023-06-01"

	// DefaultMaxTokens is the default max tokens for Anthropic models.
	DefaultMaxTokens = 4096

	// countModel is the model used for the token counting endpoint when the
	// caller supplies bare text rather than a full request.
	countModel = "claude-3-5-haiku-20241022"
)

// Provider implements the Anthropic Messages API adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	apiVersion string
	maxTokens  int
	headers    map[string]string
	httpClient *http.Client
}

// New creates a new Anthropic provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		apiVersion: DefaultAPIVersion,
		maxTokens:  DefaultMaxTokens,
		headers:    make(map[string]string),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// NewFromConfig creates a provider from a Config struct.
func NewFromConfig(cfg provider.Config) (provider.Provider, error) {
	opts := []Option{WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, WithBaseURL(cfg.BaseURL))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, WithTimeout(cfg.Timeout))
	}
	p := New(opts...)
	for k, v := range cfg.Headers {
		p.headers[k] = v
	}
	return p, nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// MaxTokens returns the configured completion token ceiling.
func (p *Provider) MaxTokens() int {
	return p.maxTokens
}

// messagesRequest is the Anthropic Messages API request format.
type messagesRequest struct {
	Model       string            `json:"model"`
	Messages    []messagesMessage `json:"messages"`
	MaxTokens   int               `json:"max_tokens"`
	System      string            `json:"system,omitempty"`
	Temperature *float64          `json:"temperature,omitempty"`
	Stream      bool              `json:"stream,omitempty"`
	Tools       []messagesTool    `json:"tools,omitempty"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type messagesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      messagesUsage  `json:"usage"`
}

// Complete executes a non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return p.complete(ctx, req, nil)
}

// CompleteWithTools executes a completion with tool declarations.
func (p *Provider) CompleteWithTools(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return p.complete(ctx, req, transformTools(req.Tools))
}

func (p *Provider) complete(ctx context.Context, req *types.CompletionRequest, tools []messagesTool) (*types.LLMResponse, error) {
	wireReq := p.buildWireRequest(req, tools, false)

	resp, err := p.do(ctx, "/v1/messages", wireReq)
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

	var parsed messagesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}

	return transformResponse(&parsed), nil
}

// Stream executes a streaming completion over SSE.
func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (provider.StreamHandler, error) {
	wireReq := p.buildWireRequest(req, nil, true)

	resp, err := p.do(ctx, "/v1/messages", wireReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, p.mapError(resp.StatusCode, body, req.Model)
	}

	return newEventStream(resp.Body), nil
}

// CountTokens tries the native count_tokens endpoint and falls back to the
// character-based estimate on any failure, so a broken counting endpoint
// never blocks a routing decision.
func (p *Provider) CountTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}

	countReq := struct {
		Model    string            `json:"model"`
		Messages []messagesMessage `json:"messages"`
	}{
		Model:    countModel,
		Messages: []messagesMessage{{Role: "user", Content: text}},
	}

	resp, err := p.doJSON(ctx, "/v1/messages/count_tokens", countReq, countModel)
	if err != nil {
		return types.EstimateTokens(text)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.EstimateTokens(text)
	}

	var parsed struct {
		InputTokens int `json:"input_tokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.InputTokens < 0 {
		return types.EstimateTokens(text)
	}
	return parsed.InputTokens
}

func (p *Provider) buildWireRequest(req *types.CompletionRequest, tools []messagesTool, stream bool) *messagesRequest {
	wireReq := &messagesRequest{
		Model:       req.Model,
		MaxTokens:   p.maxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
		Tools:       tools,
	}
	if req.MaxTokens > 0 {
		wireReq.MaxTokens = req.MaxTokens
	}

	for _, msg := range req.Messages {
		// Anthropic takes the system prompt as a top-level field.
		if msg.Role == "system" {
			wireReq.System += msg.Content
			continue
		}
		wireReq.Messages = append(wireReq.Messages, messagesMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return wireReq
}

func transformTools(tools []types.Tool) []messagesTool {
	result := make([]messagesTool, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		schema := tool.Function.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		result = append(result, messagesTool{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			InputSchema: schema,
		})
	}
	return result
}

func transformResponse(resp *messagesResponse) *types.LLMResponse {
	var text string
	var toolCalls []types.ToolCall

	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})
		}
	}

	return &types.LLMResponse{
		Content:      text,
		Model:        resp.Model,
		FinishReason: mapStopReason(resp.StopReason),
		ToolCalls:    toolCalls,
		Usage: types.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn", "stop_sequence":
		return "stop"
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return reason
	}
}

func (p *Provider) do(ctx context.Context, path string, wireReq *messagesRequest) (*http.Response, error) {
	return p.doJSON(ctx, path, wireReq, wireReq.Model)
}

func (p *Provider) doJSON(ctx context.Context, path string, payload any, model string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := strings.TrimSuffix(p.baseURL, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", p.apiVersion)
	for k, v := range p.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, errors.NewServiceUnavailableError(ProviderName, model, err.Error())
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
	return errors.MapHTTPError(ProviderName, model, statusCode, message)
}

// eventStream parses Anthropic's SSE event stream. Token usage arrives
// split across message_start (input) and message_delta (output); both are
// folded into the terminal Done chunk.
type eventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu           sync.Mutex
	inputTokens  int
	outputTokens int
	sawUsage     bool
	doneSent     bool
	closed       bool
}

func newEventStream(body io.ReadCloser) *eventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 4096), 4096*16)
	return &eventStream{body: body, scanner: scanner}
}

// Next returns the next chunk, or io.EOF after the Done chunk.
func (s *eventStream) Next() (*types.StreamChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doneSent || s.closed {
		return nil, io.EOF
	}

	for s.scanner.Scan() {
		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 || bytes.HasPrefix(line, []byte("event:")) {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))

		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type string `json:"type"`
				Text string `json:"text"`
			} `json:"delta"`
			Message struct {
				Usage messagesUsage `json:"usage"`
			} `json:"message"`
			Usage messagesUsage `json:"usage"`
		}
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message.Usage.InputTokens > 0 {
				s.inputTokens = event.Message.Usage.InputTokens
				s.sawUsage = true
			}
		case "content_block_delta":
			if event.Delta.Type == "text_delta" && event.Delta.Text != "" {
				return &types.StreamChunk{Content: event.Delta.Text}, nil
			}
		case "message_delta":
			if event.Usage.OutputTokens > 0 {
				s.outputTokens = event.Usage.OutputTokens
				s.sawUsage = true
			}
		case "message_stop":
			return s.finish()
		}
	}

	if err := s.scanner.Err(); err != nil {
		s.closeLocked()
		return nil, err
	}
	return s.finish()
}

func (s *eventStream) finish() (*types.StreamChunk, error) {
	s.doneSent = true
	chunk := &types.StreamChunk{Done: true}
	if s.sawUsage {
		chunk.Usage = &types.Usage{
			PromptTokens:     s.inputTokens,
			CompletionTokens: s.outputTokens,
			TotalTokens:      s.inputTokens + s.outputTokens,
		}
	}
	s.closeLocked()
	return chunk, nil
}

// Close releases the underlying response body. Safe to call repeatedly.
func (s *eventStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *eventStream) closeLocked() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
