// Package telemetry reports usage records to the external state service.
// Delivery is strictly best-effort: the reporter has its own timeout and
// error boundary, and a failed report is logged at debug and dropped.
package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/llmrelay/llmrelay/pkg/types"
)

const (
	historyPath = "/api/state/history"

	// defaultTimeout bounds one report so a slow sink can never hold a
	// goroutine for long.
	defaultTimeout = 5 * time.Second
)

// Reporter POSTs usage records to the state service.
type Reporter struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewReporter creates a reporter for the given state-service base URL.
// An empty base URL yields a reporter that drops every record.
func NewReporter(baseURL string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// Enabled reports whether a sink is configured.
func (r *Reporter) Enabled() bool {
	return r != nil && r.baseURL != ""
}

// Report sends one usage record. Every failure (timeout, non-2xx,
// connection refused) is swallowed; callers launch Report in its own
// goroutine and never wait on it.
func (r *Reporter) Report(rec types.UsageRecord) {
	if !r.Enabled() {
		return
	}

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}

	body, err := json.Marshal(rec)
	if err != nil {
		r.logger.Debug("usage record marshal failed", "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+historyPath, bytes.NewReader(body))
	if err != nil {
		r.logger.Debug("usage report request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("usage report failed", "error", err)
		return
	}
	defer resp.Body.Close()

	// Body content is ignored beyond the status code.
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.logger.Debug("usage report rejected",
			"status", resp.StatusCode,
			"provider", rec.Provider,
			"model", rec.Model,
		)
		return
	}

	r.logger.Debug("usage reported",
		"provider", rec.Provider,
		"model", rec.Model,
		"total_tokens", rec.TotalTokens,
		"cost_usd", fmt.Sprintf("%.6f", rec.CostUSD),
	)
}
