// Package gateway wraps an [llm.Provider] with the failure handling the
// orchestrator relies on: a per-request timeout independent of the SDK's own,
// transient-error classification, and bounded retry with exponential backoff.
//
// Retry is an explicit loop with an attempt counter and computed delay, so the
// bound on attempts and total elapsed time is easy to test deterministically:
// tests inject a fake sleep via [Config.Sleep].
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	oai "github.com/openai/openai-go"

	"github.com/colloquy-ai/colloquy/internal/observe"
	"github.com/colloquy-ai/colloquy/pkg/provider/llm"
)

// Default retry parameters.
const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 30 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Error is returned by [Gateway.Generate] when a request fails for good:
// either a non-transient failure on the first attempt, or transient failures
// exhausting the attempt budget.
type Error struct {
	// Provider is the provider id that failed.
	Provider string

	// Attempts is the number of attempts made before giving up.
	Attempts int

	// Err is the last underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("gateway %s: generation failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Result is a successful generation, with accounting for the transcript.
type Result struct {
	// Text is the generated utterance.
	Text string

	// Usage is the provider's token accounting, if reported.
	Usage llm.Usage

	// Latency is the duration of the successful attempt only.
	Latency time.Duration

	// Retries is the number of failed attempts that preceded the success.
	Retries int
}

// Config tunes a [Gateway]. Zero-value fields are replaced with defaults.
type Config struct {
	// Provider is the provider id, used in logs, metrics, and errors.
	Provider string

	// MaxAttempts bounds total attempts per request (first try included).
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry; it doubles each retry.
	// Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the computed backoff. Default: 30s.
	MaxDelay time.Duration

	// RequestTimeout bounds each attempt, independent of any timeout the
	// provider SDK applies itself. Default: 60s.
	RequestTimeout time.Duration

	// Metrics receives request/retry/error counts. Defaults to
	// [observe.DefaultMetrics] when nil.
	Metrics *observe.Metrics

	// Sleep replaces the inter-attempt wait. Tests inject a fake to make
	// backoff deterministic. Defaults to a context-aware timer sleep.
	Sleep func(ctx context.Context, d time.Duration) error

	// Now replaces the clock used for latency measurement. Defaults to time.Now.
	Now func() time.Time
}

// Gateway executes generation requests against one bound provider.
// Safe for concurrent use.
type Gateway struct {
	provider llm.Provider
	name     string

	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	timeout     time.Duration

	metrics *observe.Metrics
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
}

// New creates a [Gateway] around provider with the supplied configuration.
func New(provider llm.Provider, cfg Config) *Gateway {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Gateway{
		provider:    provider,
		name:        cfg.Provider,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		maxDelay:    cfg.MaxDelay,
		timeout:     cfg.RequestTimeout,
		metrics:     cfg.Metrics,
		sleep:       cfg.Sleep,
		now:         cfg.Now,
	}
}

// Provider returns the provider id this gateway is bound to.
func (g *Gateway) Provider() string { return g.name }

// Capabilities returns the bound provider's static model capabilities.
func (g *Gateway) Capabilities() llm.ModelCapabilities {
	return g.provider.Capabilities()
}

// Generate executes req, retrying transient failures (rate limiting, timeout,
// 5xx-equivalent) with exponential backoff up to the configured attempt
// budget. Non-transient failures (invalid credentials, malformed request,
// content policy rejection) fail immediately. Returns a [*Error] on any
// terminal failure.
func (g *Gateway) Generate(ctx context.Context, req llm.CompletionRequest) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := g.backoff(attempt - 1)
			slog.Debug("retrying generation",
				"provider", g.name,
				"attempt", attempt+1,
				"max_attempts", g.maxAttempts,
				"delay", delay,
			)
			if err := g.sleep(ctx, delay); err != nil {
				return nil, &Error{Provider: g.name, Attempts: attempt, Err: err}
			}
			g.metrics.RecordProviderRetry(ctx, g.name)
		}

		start := g.now()
		attemptCtx, cancel := context.WithTimeout(ctx, g.timeout)
		resp, err := g.provider.Complete(attemptCtx, req)
		cancel()

		if err == nil {
			g.metrics.RecordProviderRequest(ctx, g.name, "ok")
			return &Result{
				Text:    resp.Content,
				Usage:   resp.Usage,
				Latency: g.now().Sub(start),
				Retries: attempt,
			}, nil
		}

		lastErr = err
		g.metrics.RecordProviderRequest(ctx, g.name, "error")
		g.metrics.RecordProviderError(ctx, g.name)

		// The caller's context ending is never retryable, regardless of how
		// the provider surfaced it.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, &Error{Provider: g.name, Attempts: attempt + 1, Err: ctxErr}
		}

		if !IsTransient(err) {
			slog.Warn("non-transient provider failure",
				"provider", g.name,
				"err", err,
			)
			return nil, &Error{Provider: g.name, Attempts: attempt + 1, Err: err}
		}

		slog.Warn("transient provider failure",
			"provider", g.name,
			"attempt", attempt+1,
			"max_attempts", g.maxAttempts,
			"err", err,
		)
	}

	return nil, &Error{Provider: g.name, Attempts: g.maxAttempts, Err: lastErr}
}

// backoff computes the delay before retry n (zero-based): baseDelay doubled
// n times, capped at maxDelay.
func (g *Gateway) backoff(n int) time.Duration {
	d := g.baseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= g.maxDelay {
			return g.maxDelay
		}
	}
	if d > g.maxDelay {
		return g.maxDelay
	}
	return d
}

// IsTransient classifies err as retryable. Rate limiting, request timeouts,
// server-side 5xx failures, and network-level errors are transient; anything
// else (invalid credentials, malformed requests, content policy rejections)
// is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	// Typed classification for the OpenAI SDK, which both the direct adapter
	// and several any-llm-go backends speak.
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 408, 429:
			return true
		}
		return apiErr.StatusCode >= 500
	}

	// The per-attempt timeout surfaces as a deadline on an otherwise live
	// parent context.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String fallback for providers without typed errors.
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"rate limit",
		"too many requests",
		"timeout",
		"timed out",
		"temporarily unavailable",
		"service unavailable",
		"overloaded",
		"connection reset",
		"connection refused",
		"status 429",
		"status 500", "status 502", "status 503", "status 504",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sleepContext waits d or until ctx is done, whichever comes first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
