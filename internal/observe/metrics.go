// Package observe provides application-wide observability primitives for
// Guardian: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
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

// meterName is the instrumentation scope name used for all Guardian metrics.
const meterName = "github.com/MrWong99/guardian"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Alerting ---

	// AlertsDispatched counts completed dispatches. Use with attributes:
	//   attribute.String("type", ...), attribute.String("outcome", ...)
	AlertsDispatched metric.Int64Counter

	// PrimaryWriteDuration tracks how long the primary alert write took,
	// including writes abandoned at the timeout.
	PrimaryWriteDuration metric.Float64Histogram

	// FallbackSends counts per-contact fallback messages. Use with attribute:
	//   attribute.String("status", ...)
	FallbackSends metric.Int64Counter

	// NoticesWritten counts NOTICE records written directly.
	NoticesWritten metric.Int64Counter

	// --- Recognition ---

	// TriggerMatches counts classified trigger phrases. Use with attribute:
	//   attribute.String("severity", ...)
	TriggerMatches metric.Int64Counter

	// RecognitionSessions counts recognition sessions started.
	RecognitionSessions metric.Int64Counter

	// RecognitionErrors counts recognition errors. Use with attribute:
	//   attribute.String("code", ...)
	RecognitionErrors metric.Int64Counter

	// --- Location and zones ---

	// LocationReconfigurations counts location subscription restarts. Use
	// with attribute: attribute.String("rule", ...)
	LocationReconfigurations metric.Int64Counter

	// GeofenceTransitions counts zone transitions. Use with attribute:
	//   attribute.String("kind", ...)
	GeofenceTransitions metric.Int64Counter

	// --- Gauges ---

	// CrisisActive is 1 while the group is in crisis mode.
	CrisisActive metric.Int64UpDownCounter

	// DeviceConnections tracks connected device bridges.
	DeviceConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) around the
// 5 s primary write timeout.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 3, 4, 5, 7.5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.AlertsDispatched, err = m.Int64Counter("guardian.alerts.dispatched",
		metric.WithDescription("Total alert dispatches by type and outcome."),
	); err != nil {
		return nil, err
	}
	if met.PrimaryWriteDuration, err = m.Float64Histogram("guardian.alert.primary.duration",
		metric.WithDescription("Latency of the primary alert write."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FallbackSends, err = m.Int64Counter("guardian.fallback.sends",
		metric.WithDescription("Total fallback messages by delivery status."),
	); err != nil {
		return nil, err
	}
	if met.NoticesWritten, err = m.Int64Counter("guardian.notices.written",
		metric.WithDescription("Total NOTICE records written."),
	); err != nil {
		return nil, err
	}
	if met.TriggerMatches, err = m.Int64Counter("guardian.trigger.matches",
		metric.WithDescription("Total trigger phrase matches by severity."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionSessions, err = m.Int64Counter("guardian.recognition.sessions",
		metric.WithDescription("Total recognition sessions started."),
	); err != nil {
		return nil, err
	}
	if met.RecognitionErrors, err = m.Int64Counter("guardian.recognition.errors",
		metric.WithDescription("Total recognition errors by code."),
	); err != nil {
		return nil, err
	}
	if met.LocationReconfigurations, err = m.Int64Counter("guardian.location.reconfigurations",
		metric.WithDescription("Total location subscription restarts by policy rule."),
	); err != nil {
		return nil, err
	}
	if met.GeofenceTransitions, err = m.Int64Counter("guardian.geofence.transitions",
		metric.WithDescription("Total safe zone transitions by kind."),
	); err != nil {
		return nil, err
	}
	if met.CrisisActive, err = m.Int64UpDownCounter("guardian.crisis.active",
		metric.WithDescription("1 while the group has at least one active alert."),
	); err != nil {
		return nil, err
	}
	if met.DeviceConnections, err = m.Int64UpDownCounter("guardian.device.connections",
		metric.WithDescription("Number of connected device bridges."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("guardian.http.request.duration",
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

// Or returns m, or [DefaultMetrics] when m is nil.
func Or(m *Metrics) *Metrics {
	if m != nil {
		return m
	}
	return DefaultMetrics()
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordDispatch records a completed alert dispatch.
func (m *Metrics) RecordDispatch(ctx context.Context, alertType, outcome string) {
	m.AlertsDispatched.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("type", alertType),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordFallbackSend records one fallback message attempt.
func (m *Metrics) RecordFallbackSend(ctx context.Context, status string) {
	m.FallbackSends.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordTriggerMatch records a classified trigger phrase.
func (m *Metrics) RecordTriggerMatch(ctx context.Context, severity string) {
	m.TriggerMatches.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordRecognitionError records a recognition error.
func (m *Metrics) RecordRecognitionError(ctx context.Context, code string) {
	m.RecognitionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// RecordLocationReconfiguration records a location subscription restart.
func (m *Metrics) RecordLocationReconfiguration(ctx context.Context, rule string) {
	m.LocationReconfigurations.Add(ctx, 1, metric.WithAttributes(attribute.String("rule", rule)))
}

// RecordGeofenceTransition records a zone transition.
func (m *Metrics) RecordGeofenceTransition(ctx context.Context, kind string) {
	m.GeofenceTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}
