// Package pricing computes per-call dollar cost from token counts using a
// static per-provider, per-model rate table.
package pricing

import (
	"strings"
	"sync/atomic"

	"github.com/llmrelay/llmrelay/pkg/types"
)

// Rate defines the price of a model in USD per 1000 tokens.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// Table maps provider name to model name to rate.
type Table map[string]map[string]Rate

// defaultTable contains rates for the first-party backends, in USD per
// 1000 tokens.
var defaultTable = Table{
	"anthropic": {
		"claude-sonnet-4-20250514":   {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-opus-4-20250514":     {InputPer1K: 0.015, OutputPer1K: 0.075},
		"claude-3-7-sonnet-20250219": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-sonnet-20241022": {InputPer1K: 0.003, OutputPer1K: 0.015},
		"claude-3-5-haiku-20241022":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
		"claude-3-haiku-20240307":    {InputPer1K: 0.00025, OutputPer1K: 0.00125},
	},
	"openai": {
		"gpt-4o":        {InputPer1K: 0.005, OutputPer1K: 0.015},
		"gpt-4o-mini":   {InputPer1K: 0.00015, OutputPer1K: 0.0006},
		"gpt-4-turbo":   {InputPer1K: 0.01, OutputPer1K: 0.03},
		"gpt-3.5-turbo": {InputPer1K: 0.0005, OutputPer1K: 0.0015},
		"o1":            {InputPer1K: 0.015, OutputPer1K: 0.06},
		"o1-mini":       {InputPer1K: 0.003, OutputPer1K: 0.012},
	},
	"gemini": {
		"gemini-2.0-flash":     {InputPer1K: 0.0001, OutputPer1K: 0.0004},
		"gemini-1.5-pro":       {InputPer1K: 0.00125, OutputPer1K: 0.005},
		"gemini-1.5-flash":     {InputPer1K: 0.000075, OutputPer1K: 0.0003},
		"gemini-1.5-flash-8b":  {InputPer1K: 0.0000375, OutputPer1K: 0.00015},
		"gemini-2.5-pro":       {InputPer1K: 0.00125, OutputPer1K: 0.01},
		"gemini-2.5-flash":     {InputPer1K: 0.0003, OutputPer1K: 0.0025},
	},
	// Self-hosted runtime - listed so Snapshot covers it, always free.
	"ollama": {},
}

// defaultLocal names providers that run on self-hosted hardware and are
// therefore free regardless of model or token volume.
var defaultLocal = map[string]bool{
	"ollama": true,
}

type tableState struct {
	table Table
	local map[string]bool
}

// Calculator calculates the cost of API usage. It is safe for concurrent
// use; rate updates swap the table atomically.
type Calculator struct {
	state atomic.Pointer[tableState]
}

// NewCalculator creates a calculator seeded with the default rate table.
func NewCalculator() *Calculator {
	c := &Calculator{}
	c.state.Store(&tableState{table: cloneTable(defaultTable), local: cloneSet(defaultLocal)})
	return c
}

// Calculate returns the cost for the given provider, model and token
// counts. Unknown providers and models cost zero; local providers always
// cost zero. It never fails.
func (c *Calculator) Calculate(provider, model string, inputTokens, outputTokens int) types.Cost {
	st := c.state.Load()

	provider, model = resolveAggregator(st, provider, model)

	if st.local[provider] {
		return types.Cost{}
	}

	models, ok := st.table[provider]
	if !ok {
		return types.Cost{}
	}
	rate, ok := models[model]
	if !ok {
		return types.Cost{}
	}

	input := float64(inputTokens) / 1000.0 * rate.InputPer1K
	output := float64(outputTokens) / 1000.0 * rate.OutputPer1K

	return types.Cost{
		CostUSD:   input + output,
		Breakdown: types.CostBreakdown{Input: input, Output: output},
	}
}

// resolveAggregator splits aggregator-style "vendor/model" identifiers into
// the underlying provider and model before rate lookup.
func resolveAggregator(st *tableState, provider, model string) (string, string) {
	if _, known := st.table[provider]; known || st.local[provider] {
		return provider, model
	}
	if vendor, rest, ok := strings.Cut(model, "/"); ok && vendor != "" && rest != "" {
		return vendor, rest
	}
	if vendor, rest, ok := strings.Cut(provider, "/"); ok && vendor != "" && rest != "" {
		return vendor, rest
	}
	return provider, model
}

// Snapshot returns a deep copy of the full rate table grouped by provider,
// for diagnostics and UI use. Mutating the result has no effect on the
// calculator.
func (c *Calculator) Snapshot() Table {
	return cloneTable(c.state.Load().table)
}

// IsLocal reports whether the provider is flagged as local/self-hosted.
func (c *Calculator) IsLocal(provider string) bool {
	return c.state.Load().local[provider]
}

// SetRate adds or replaces the rate for one provider/model pair.
func (c *Calculator) SetRate(provider, model string, rate Rate) {
	old := c.state.Load()
	next := &tableState{table: cloneTable(old.table), local: cloneSet(old.local)}
	if next.table[provider] == nil {
		next.table[provider] = make(map[string]Rate)
	}
	next.table[provider][model] = rate
	c.state.Store(next)
}

func cloneTable(t Table) Table {
	out := make(Table, len(t))
	for prov, models := range t {
		m := make(map[string]Rate, len(models))
		for name, rate := range models {
			m[name] = rate
		}
		out[prov] = m
	}
	return out
}

func cloneSet(s map[string]bool) map[string]bool {
	out := make(map[string]bool, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
