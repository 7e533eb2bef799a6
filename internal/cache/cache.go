// Package cache provides an optional in-memory TTL cache for non-streaming
// completion responses.
package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/goccy/go-json"

	"github.com/llmrelay/llmrelay/pkg/types"
)

// ResponseCache stores completion responses keyed by request content.
type ResponseCache struct {
	store *gocache.Cache
}

// New creates a cache with the given TTL. Expired entries are purged twice
// per TTL interval.
func New(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{store: gocache.New(ttl, ttl/2)}
}

// Get returns the cached response for the request, or nil on a miss.
func (c *ResponseCache) Get(req *types.CompletionRequest) *types.LLMResponse {
	key, err := Key(req)
	if err != nil {
		return nil
	}
	v, ok := c.store.Get(key)
	if !ok {
		return nil
	}
	resp, ok := v.(*types.LLMResponse)
	if !ok {
		return nil
	}
	return resp
}

// Set stores a response for the request with the default TTL.
func (c *ResponseCache) Set(req *types.CompletionRequest, resp *types.LLMResponse) {
	key, err := Key(req)
	if err != nil {
		return
	}
	c.store.SetDefault(key, resp)
}

// Key derives a cache key from the request's model, provider and messages.
func Key(req *types.CompletionRequest) (string, error) {
	keyData := struct {
		Provider    string          `json:"provider"`
		Model       string          `json:"model"`
		Messages    []types.Message `json:"messages"`
		Temperature *float64        `json:"temperature,omitempty"`
		MaxTokens   int             `json:"max_tokens,omitempty"`
	}{
		Provider:    req.Provider,
		Model:       req.Model,
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	data, err := json.Marshal(keyData)
	if err != nil {
		return "", err
	}

	return hashKey(data), nil
}

// hashKey returns an FNV-1a hash of the input as a hex-ish key.
func hashKey(data []byte) string {
	var h uint64 = 14695981039346656037 // FNV offset basis
	for _, b := range data {
		h ^= uint64(b)
		h *= 1099511628211 // FNV prime
	}
	const hexdigits = "0123456789abcdef"
	out := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		out[i] = hexdigits[h&0xf]
		h >>= 4
	}
	return "llmrelay:" + string(out)
}
