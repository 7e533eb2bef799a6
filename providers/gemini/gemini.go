// Package gemini provides the Google Gemini provider adapter.
// It translates the unified request format into the generateContent API,
// including native token counting via the countTokens endpoint.
package gemini

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
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
	ProviderName = "gemini"

	// DefaultBaseURL is the default Gemini API endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	// DefaultMaxTokens is the default max output tokens.
	DefaultMaxTokens = 8192

	// countModel is the model used for the countTokens endpoint when the
	// caller supplies bare text rather than a full request.
	countModel = "gemini-1.5-flash"
)

// Provider implements the Gemini generateContent adapter.
type Provider struct {
	apiKey     string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
}

// New creates a new Gemini provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    DefaultBaseURL,
		maxTokens:  DefaultMaxTokens,
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
	return New(opts...), nil
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return ProviderName
}

// MaxTokens returns the configured completion token ceiling.
func (p *Provider) MaxTokens() int {
	return p.maxTokens
}

type geminiPart struct {
	Text         string          `json:"text,omitempty"`
	FunctionCall *geminiFuncCall `json:"functionCall,omitempty"`
}

type geminiFuncCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiTool struct {
	FunctionDeclarations []geminiFuncDecl `json:"functionDeclarations"`
}

type geminiFuncDecl struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type generateRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	Tools             []geminiTool    `json:"tools,omitempty"`
	GenerationConfig  *generateConfig `json:"generationConfig,omitempty"`
}

type generateConfig struct {
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	Temperature     *float64 `json:"temperature,omitempty"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type generateResponse struct {
	Candidates []struct {
		Content      geminiContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
	ModelVersion  string         `json:"modelVersion,omitempty"`
}

// Complete executes a non-streaming completion.
func (p *Provider) Complete(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return p.complete(ctx, req, nil)
}

// CompleteWithTools executes a completion with tool declarations.
func (p *Provider) CompleteWithTools(ctx context.Context, req *types.CompletionRequest) (*types.LLMResponse, error) {
	return p.complete(ctx, req, transformTools(req.Tools))
}

func (p *Provider) complete(ctx context.Context, req *types.CompletionRequest, tools []geminiTool) (*types.LLMResponse, error) {
	wireReq := p.buildWireRequest(req, tools)

	resp, err := p.do(ctx, req.Model, "generateContent", "", wireReq)
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

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return transformResponse(&parsed, req.Model), nil
}

// Stream executes a streaming completion over SSE.
func (p *Provider) Stream(ctx context.Context, req *types.CompletionRequest) (provider.StreamHandler, error) {
	wireReq := p.buildWireRequest(req, nil)

	resp, err := p.do(ctx, req.Model, "streamGenerateContent", "alt=sse", wireReq)
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

// CountTokens tries the native countTokens endpoint and falls back to the
// character-based estimate on any failure.
func (p *Provider) CountTokens(ctx context.Context, text string) int {
	if text == "" {
		return 0
	}

	countReq := struct {
		Contents []geminiContent `json:"contents"`
	}{
		Contents: []geminiContent{{Role: "user", Parts: []geminiPart{{Text: text}}}},
	}

	resp, err := p.do(ctx, countModel, "countTokens", "", countReq)
	if err != nil {
		return types.EstimateTokens(text)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return types.EstimateTokens(text)
	}

	var parsed struct {
		TotalTokens int `json:"totalTokens"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil || parsed.TotalTokens < 0 {
		return types.EstimateTokens(text)
	}
	return parsed.TotalTokens
}

func (p *Provider) buildWireRequest(req *types.CompletionRequest, tools []geminiTool) *generateRequest {
	wireReq := &generateRequest{
		Tools: tools,
		GenerationConfig: &generateConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     req.Temperature,
		},
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case "system":
			if wireReq.SystemInstruction == nil {
				wireReq.SystemInstruction = &geminiContent{}
			}
			wireReq.SystemInstruction.Parts = append(wireReq.SystemInstruction.Parts,
				geminiPart{Text: msg.Content})
		case "assistant":
			wireReq.Contents = append(wireReq.Contents, geminiContent{
				Role:  "model",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		default:
			wireReq.Contents = append(wireReq.Contents, geminiContent{
				Role:  "user",
				Parts: []geminiPart{{Text: msg.Content}},
			})
		}
	}
	return wireReq
}

func transformTools(tools []types.Tool) []geminiTool {
	decls := make([]geminiFuncDecl, 0, len(tools))
	for _, tool := range tools {
		if tool.Type != "function" {
			continue
		}
		decls = append(decls, geminiFuncDecl{
			Name:        tool.Function.Name,
			Description: tool.Function.Description,
			Parameters:  tool.Function.Parameters,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []geminiTool{{FunctionDeclarations: decls}}
}

func transformResponse(resp *generateResponse, model string) *types.LLMResponse {
	out := &types.LLMResponse{Model: model}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}

	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		out.FinishReason = mapFinishReason(cand.FinishReason)
		for i, part := range cand.Content.Parts {
			if part.Text != "" {
				out.Content += part.Text
			}
			if part.FunctionCall != nil {
				args := string(part.FunctionCall.Args)
				if args == "" {
					args = "{}"
				}
				out.ToolCalls = append(out.ToolCalls, types.ToolCall{
					ID:   fmt.Sprintf("call-%d", i),
					Type: "function",
					Function: types.ToolCallFunction{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
			}
		}
		if len(out.ToolCalls) > 0 {
			out.FinishReason = "tool_calls"
		}
	}

	if resp.UsageMetadata != nil {
		out.Usage = types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.PromptTokenCount + resp.UsageMetadata.CandidatesTokenCount,
		}
	}
	return out
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return strings.ToLower(reason)
	}
}

func (p *Provider) do(ctx context.Context, model, method, query string, payload any) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:%s?key=%s",
		strings.TrimSuffix(p.baseURL, "/"), url.PathEscape(model), method, url.QueryEscape(p.apiKey))
	if query != "" {
		endpoint += "&" + query
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

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

// sseStream parses the streamGenerateContent SSE stream. The last event
// carries usageMetadata, folded into the terminal Done chunk.
type sseStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner

	mu       sync.Mutex
	usage    *usageMetadata
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
		if len(line) == 0 {
			continue
		}
		line = bytes.TrimPrefix(line, []byte("data: "))

		var event generateResponse
		if err := json.Unmarshal(line, &event); err != nil {
			continue
		}
		if event.UsageMetadata != nil {
			s.usage = event.UsageMetadata
		}
		if len(event.Candidates) == 0 {
			continue
		}

		var text string
		for _, part := range event.Candidates[0].Content.Parts {
			text += part.Text
		}
		if text != "" {
			return &types.StreamChunk{Content: text}, nil
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
		chunk.Usage = &types.Usage{
			PromptTokens:     s.usage.PromptTokenCount,
			CompletionTokens: s.usage.CandidatesTokenCount,
			TotalTokens:      s.usage.PromptTokenCount + s.usage.CandidatesTokenCount,
		}
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
