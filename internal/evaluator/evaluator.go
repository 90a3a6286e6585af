// Package evaluator implements the Evaluator Client (spec.md §6): an
// outbound call that scores a running strategy instance's recent
// performance snapshot and recommends keep/swap/close. A failed or
// timed-out call is never fatal — callers treat any error as "keep".
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/pkg/types"
)

// Client evaluates a running strategy instance.
type Client interface {
	Evaluate(ctx context.Context, req types.EvaluatorRequest) (types.EvaluatorResponse, error)
}

// defaultTimeout is spec.md §6's 50s bound on a single evaluate() call.
const defaultTimeout = 50 * time.Second

// HTTPClient is the retryablehttp-backed Client.
type HTTPClient struct {
	url     string
	client  *retryablehttp.Client
	timeout time.Duration
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithTimeout overrides the default 50s per-call timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *HTTPClient) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetryMax overrides the default retry attempt cap.
func WithRetryMax(n int) Option {
	return func(c *HTTPClient) { c.client.RetryMax = n }
}

// NewHTTPClient builds a Client that POSTs evaluation requests to url.
func NewHTTPClient(url string, logger *zap.Logger, opts ...Option) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.Logger = &zapRetryLogger{logger: logger}

	c := &HTTPClient{url: url, client: rc, timeout: defaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Evaluate POSTs req as JSON and decodes the response. Any status but 200
// or any transport error is returned to the caller, which per spec.md
// §6 must fall back to RecommendationKeep rather than treat this as
// fatal to the strategy instance.
func (c *HTTPClient) Evaluate(ctx context.Context, req types.EvaluatorRequest) (types.EvaluatorResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return types.EvaluatorResponse{}, fmt.Errorf("evaluator: marshal request: %w", err)
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return types.EvaluatorResponse{}, fmt.Errorf("evaluator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return types.EvaluatorResponse{}, fmt.Errorf("evaluator: call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.EvaluatorResponse{}, fmt.Errorf("evaluator: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return types.EvaluatorResponse{}, fmt.Errorf("evaluator: non-200 response %d: %s", resp.StatusCode, string(respBody))
	}

	var out types.EvaluatorResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return types.EvaluatorResponse{}, fmt.Errorf("evaluator: decode response: %w", err)
	}
	return out, nil
}

// zapRetryLogger adapts a zap.Logger to retryablehttp's minimal LeveledLogger
// interface so retry attempts land in the same structured log stream as the
// rest of the system instead of retryablehttp's default stdlib logger.
type zapRetryLogger struct {
	logger *zap.Logger
}

func (l *zapRetryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw(msg, keysAndValues...)
}
func (l *zapRetryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow(msg, keysAndValues...)
}
func (l *zapRetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Debugw(msg, keysAndValues...)
}
func (l *zapRetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Warnw(msg, keysAndValues...)
}
