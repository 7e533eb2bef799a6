package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("a"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))
	assert.Equal(t, 25, EstimateTokens(string(make([]byte, 100))))
}

func TestPromptText(t *testing.T) {
	req := &CompletionRequest{
		Messages: []Message{
			{Role: "system", Content: "be terse"},
			{Role: "user", Content: "hello"},
		},
	}
	text := req.PromptText()
	assert.Contains(t, text, "be terse")
	assert.Contains(t, text, "hello")

	var empty CompletionRequest
	assert.Empty(t, empty.PromptText())
}

func TestNewUsageRecord(t *testing.T) {
	cost := Cost{CostUSD: 0.0105, Breakdown: CostBreakdown{Input: 0.003, Output: 0.0075}}
	rec := NewUsageRecord("anthropic", "claude-sonnet-4-20250514", 1000, 500, cost)

	assert.Equal(t, "llm_usage", rec.Type)
	assert.Equal(t, "llm.completion", rec.Command)
	assert.Equal(t, 1500, rec.TotalTokens)
	assert.Equal(t, 0.0105, rec.CostUSD)

	ts, err := time.Parse(time.RFC3339, rec.Timestamp)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)
}
