// Package observe provides application-wide observability primitives for
// Colloquy: OpenTelemetry metrics and the SDK provider setup.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Colloquy metrics.
const meterName = "github.com/colloquy-ai/colloquy"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// TurnDuration tracks wall-clock latency of a single committed turn,
	// including gateway retries.
	TurnDuration metric.Float64Histogram

	// EvaluationDuration tracks the latency of the post-hoc evaluation pass.
	EvaluationDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderRetries counts retried generation attempts by provider.
	ProviderRetries metric.Int64Counter

	// ProviderErrors counts provider errors by provider.
	ProviderErrors metric.Int64Counter

	// TurnsCommitted counts committed turns. Use with attribute:
	//   attribute.String("character", ...)
	TurnsCommitted metric.Int64Counter

	// --- Gauges ---

	// ActiveRuns tracks the number of dialogue runs currently in flight.
	ActiveRuns metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// LLM round-trip latencies.
var latencyBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.TurnDuration, err = m.Float64Histogram("colloquy.turn.duration",
		metric.WithDescription("Latency of a single committed dialogue turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.EvaluationDuration, err = m.Float64Histogram("colloquy.evaluation.duration",
		metric.WithDescription("Latency of the post-hoc transcript evaluation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ProviderRequests, err = m.Int64Counter("colloquy.provider.requests",
		metric.WithDescription("Total provider API requests by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRetries, err = m.Int64Counter("colloquy.provider.retries",
		metric.WithDescription("Total retried generation attempts by provider."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("colloquy.provider.errors",
		metric.WithDescription("Total provider errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.TurnsCommitted, err = m.Int64Counter("colloquy.turns.committed",
		metric.WithDescription("Total committed turns by character."),
	); err != nil {
		return nil, err
	}

	if met.ActiveRuns, err = m.Int64UpDownCounter("colloquy.active_runs",
		metric.WithDescription("Number of dialogue runs currently in flight."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// RecordProviderRequest records a provider request counter increment with the
// standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordProviderRetry records a retried attempt for the given provider.
func (m *Metrics) RecordProviderRetry(ctx context.Context, provider string) {
	m.ProviderRetries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordTurnCommitted records a committed turn for the given character.
func (m *Metrics) RecordTurnCommitted(ctx context.Context, character string) {
	m.TurnsCommitted.Add(ctx, 1,
		metric.WithAttributes(attribute.String("character", character)),
	)
}

// RecordTurn records one committed turn: its wall-clock duration by provider
// and the committed-turn count by character.
func (m *Metrics) RecordTurn(ctx context.Context, character, provider string, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
	m.RecordTurnCommitted(ctx, character)
}

// RecordEvaluation records the duration of one evaluation pass and whether it
// produced a result.
func (m *Metrics) RecordEvaluation(ctx context.Context, d time.Duration, ok bool) {
	status := "ok"
	if !ok {
		status = "error"
	}
	m.EvaluationDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RunStarted marks one run as in flight.
func (m *Metrics) RunStarted(ctx context.Context) {
	m.ActiveRuns.Add(ctx, 1)
}

// RunFinished marks one run as no longer in flight.
func (m *Metrics) RunFinished(ctx context.Context) {
	m.ActiveRuns.Add(ctx, -1)
}
