// Package observe provides application-wide observability primitives for
// koschei: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all koschei metrics.
const meterName = "github.com/MrWong99/koschei"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// RetrievalDuration tracks the two-partition memory retrieval.
	RetrievalDuration metric.Float64Histogram

	// StyleDuration tracks style profiling, including cache hits.
	StyleDuration metric.Float64Histogram

	// GenerationDuration tracks the reply LLM call.
	GenerationDuration metric.Float64Histogram

	// ReplyDuration tracks a whole GenerateReply call.
	ReplyDuration metric.Float64Histogram

	// --- Counters ---

	// Replies counts GenerateReply outcomes. Use with attribute:
	//   attribute.String("status", ...) where status is "ok" or a failure kind.
	Replies metric.Int64Counter

	// ContextLines counts retrieved memory lines. Use with attributes:
	//   attribute.String("source", "player"|"npc"), attribute.String("outcome", "kept"|"dropped")
	ContextLines metric.Int64Counter

	// Ingested counts records written to the memory store. Use with attribute:
	//   attribute.String("partition", ...)
	Ingested metric.Int64Counter

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// RateLimited counts requests rejected by the façade's rate limiter.
	RateLimited metric.Int64Counter

	// --- Gauges ---

	// InFlightReplies tracks replies currently being generated.
	InFlightReplies metric.Int64UpDownCounter

	// ActiveStreams tracks open WebSocket chat connections.
	ActiveStreams metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// vector lookups at the low end and local LLM calls at the high end.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.RetrievalDuration, "koschei.retrieval.duration", "Latency of memory retrieval for one reply."},
		{&met.StyleDuration, "koschei.style.duration", "Latency of player style profiling."},
		{&met.GenerationDuration, "koschei.generation.duration", "Latency of the reply LLM call."},
		{&met.ReplyDuration, "koschei.reply.duration", "End-to-end latency of reply generation."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	// Counters.
	if met.Replies, err = m.Int64Counter("koschei.replies",
		metric.WithDescription("Total reply generations by status."),
	); err != nil {
		return nil, err
	}
	if met.ContextLines, err = m.Int64Counter("koschei.context.lines",
		metric.WithDescription("Retrieved memory lines by source and filter outcome."),
	); err != nil {
		return nil, err
	}
	if met.Ingested, err = m.Int64Counter("koschei.memory.ingested",
		metric.WithDescription("Records written to the memory store by partition."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("koschei.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("koschei.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("koschei.http.rate_limited",
		metric.WithDescription("Requests rejected by the rate limiter."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.InFlightReplies, err = m.Int64UpDownCounter("koschei.replies.in_flight",
		metric.WithDescription("Number of replies currently being generated."),
	); err != nil {
		return nil, err
	}
	if met.ActiveStreams, err = m.Int64UpDownCounter("koschei.ws.active_streams",
		metric.WithDescription("Number of open WebSocket chat connections."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("koschei.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordReply records one finished reply generation with the given status.
func (m *Metrics) RecordReply(ctx context.Context, status string) {
	m.Replies.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordContextLines records kept and dropped line counts for one source.
func (m *Metrics) RecordContextLines(ctx context.Context, source string, kept, dropped int) {
	if kept > 0 {
		m.ContextLines.Add(ctx, int64(kept), metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", "kept"),
		))
	}
	if dropped > 0 {
		m.ContextLines.Add(ctx, int64(dropped), metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("outcome", "dropped"),
		))
	}
}

// RecordIngest records one record written to partition.
func (m *Metrics) RecordIngest(ctx context.Context, partition string) {
	m.Ingested.Add(ctx, 1, metric.WithAttributes(attribute.String("partition", partition)))
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
