package pricing

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculateZeroTokens(t *testing.T) {
	c := NewCalculator()
	cost := c.Calculate("anthropic", "claude-sonnet-4-20250514", 0, 0)
	assert.Zero(t, cost.CostUSD)
	assert.Zero(t, cost.Breakdown.Input)
	assert.Zero(t, cost.Breakdown.Output)
}

func TestCalculateKnownModel(t *testing.T) {
	c := NewCalculator()
	cost := c.Calculate("anthropic", "claude-sonnet-4-20250514", 1000, 500)
	assert.InDelta(t, 0.003, cost.Breakdown.Input, 1e-9)
	assert.InDelta(t, 0.0075, cost.Breakdown.Output, 1e-9)
	assert.InDelta(t, 0.0105, cost.CostUSD, 1e-9)
}

func TestBreakdownSumsToTotal(t *testing.T) {
	c := NewCalculator()
	cost := c.Calculate("openai", "gpt-4o", 12345, 678)
	assert.InDelta(t, cost.Breakdown.Input+cost.Breakdown.Output, cost.CostUSD, 1e-12)
}

func TestCalculateUnknownModelIsFree(t *testing.T) {
	c := NewCalculator()
	assert.Zero(t, c.Calculate("anthropic", "no-such-model", 1000, 1000).CostUSD)
	assert.Zero(t, c.Calculate("no-such-provider", "gpt-4o", 1000, 1000).CostUSD)
}

func TestCalculateLocalProviderIsFree(t *testing.T) {
	c := NewCalculator()
	assert.True(t, c.IsLocal("ollama"))
	assert.Zero(t, c.Calculate("ollama", "llama3", 100000, 100000).CostUSD)
}

func TestCalculateAggregatorModelID(t *testing.T) {
	c := NewCalculator()
	direct := c.Calculate("anthropic", "claude-sonnet-4-20250514", 1000, 500)
	viaAggregator := c.Calculate("openrouter", "anthropic/claude-sonnet-4-20250514", 1000, 500)
	assert.Equal(t, direct.CostUSD, viaAggregator.CostUSD)
}

func TestSetRate(t *testing.T) {
	c := NewCalculator()
	c.SetRate("custom", "my-model", Rate{InputPer1K: 0.001, OutputPer1K: 0.002})
	cost := c.Calculate("custom", "my-model", 2000, 1000)
	assert.InDelta(t, 0.004, cost.CostUSD, 1e-9)
}

func TestSnapshotIsolation(t *testing.T) {
	c := NewCalculator()
	snap := c.Snapshot()
	require.Contains(t, snap, "anthropic")

	// Mutating the snapshot must not leak into the live table.
	snap["anthropic"]["claude-sonnet-4-20250514"] = Rate{InputPer1K: 99, OutputPer1K: 99}
	cost := c.Calculate("anthropic", "claude-sonnet-4-20250514", 1000, 0)
	assert.InDelta(t, 0.003, cost.CostUSD, 1e-9)
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pricing.yaml")
	data := `
local_providers:
  - lmstudio
providers:
  anthropic:
    claude-sonnet-4-20250514:
      input_per_1k: 0.004
      output_per_1k: 0.020
  acme:
    acme-large:
      input_per_1k: 0.001
      output_per_1k: 0.002
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	c := NewCalculator()
	require.NoError(t, c.LoadFile(path))

	// Overridden rate.
	cost := c.Calculate("anthropic", "claude-sonnet-4-20250514", 1000, 500)
	assert.InDelta(t, 0.014, cost.CostUSD, 1e-9)

	// New provider from the file.
	assert.InDelta(t, 0.002, c.Calculate("acme", "acme-large", 1000, 500).CostUSD, 1e-9)

	// Untouched defaults survive the merge.
	assert.Positive(t, c.Calculate("openai", "gpt-4o", 1000, 500).CostUSD)

	// Extra local provider from the file.
	assert.True(t, c.IsLocal("lmstudio"))
	assert.True(t, c.IsLocal("ollama"))
}

func TestLoadFileMissing(t *testing.T) {
	c := NewCalculator()
	assert.Error(t, c.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
}
