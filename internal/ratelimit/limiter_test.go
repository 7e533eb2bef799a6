package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWaitUnconfiguredProviderPassesThrough(t *testing.T) {
	l := New()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, l.Wait(ctx, "anthropic"))
}

func TestWaitEnforcesLimit(t *testing.T) {
	l := New()
	l.SetLimit("anthropic", 60, 1) // one request per second, burst 1

	ctx := context.Background()
	require.NoError(t, l.Wait(ctx, "anthropic"))

	// The second call must block until the bucket refills.
	start := time.Now()
	ctxShort, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	err := l.Wait(ctxShort, "anthropic")
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitCancelledContext(t *testing.T) {
	l := New()
	l.SetLimit("openai", 1, 1)
	require.NoError(t, l.Wait(context.Background(), "openai"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, l.Wait(ctx, "openai"))
}
