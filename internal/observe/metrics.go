// Package observe holds the telemetry plumbing shared by every pitchoverlay
// component: OpenTelemetry instruments, tracing helpers, the Prometheus
// bridge and the HTTP middleware.
//
// Components take a [*Metrics] rather than reaching for globals. Tests build
// one over a manual reader with [NewMetrics]; the binary builds one over the
// provider returned by [Setup]. [DefaultMetrics] exists for callers that
// were given neither.
package observe

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = scope

// Metrics is the set of instruments pitchoverlay records into. Every field
// is safe for concurrent use.
type Metrics struct {
	// Capture ring.
	RingDropped metric.Int64Counter
	RingBacklog metric.Int64Gauge

	// Inference and decode. InferenceAnomalies carries layer and layer_name
	// attributes.
	FramesProcessed    metric.Int64Counter
	InferenceDuration  metric.Float64Histogram
	InferenceAnomalies metric.Int64Counter
	EstimateConfidence metric.Float64Histogram

	// BackendTrips counts circuit breaker openings, by backend.
	BackendTrips metric.Int64Counter

	// Display stream.
	DisplayClients metric.Int64UpDownCounter
	DisplayDropped metric.Int64Counter

	CaptureCallbacks metric.Int64Counter

	// HTTPRequestDuration carries route and status attributes.
	HTTPRequestDuration metric.Float64Histogram
}

// Bucket boundaries in seconds, spread around the 10 ms hop.
var inferenceBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05, 0.1, 0.25}

var confidenceBuckets = []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95}

// instruments collects creation errors so NewMetrics can report them all.
type instruments struct {
	meter metric.Meter
	errs  []error
}

func (b *instruments) counter(name, desc string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc))
	b.errs = append(b.errs, err)
	return c
}

func (b *instruments) histogram(name, desc, unit string, bounds []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc)}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	if bounds != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := &instruments{meter: mp.Meter(meterName)}
	m := &Metrics{
		RingDropped:        b.counter("pitchoverlay.ring.dropped_samples", "Samples discarded by ring buffer overflow."),
		FramesProcessed:    b.counter("pitchoverlay.frames.processed", "Frames that completed inference and decode."),
		InferenceAnomalies: b.counter("pitchoverlay.inference.anomalies", "Frames discarded because a layer produced a non-finite value."),
		BackendTrips:       b.counter("pitchoverlay.backend.trips", "Circuit breaker openings per inference backend."),
		DisplayDropped:     b.counter("pitchoverlay.display.dropped_messages", "Stream messages dropped because a client fell behind."),
		CaptureCallbacks:   b.counter("pitchoverlay.capture.callbacks", "Audio driver callbacks delivered."),

		InferenceDuration:   b.histogram("pitchoverlay.inference.duration", "Latency of one forward pass.", "s", inferenceBuckets),
		EstimateConfidence:  b.histogram("pitchoverlay.estimate.confidence", "Confidence of decoded pitch estimates.", "", confidenceBuckets),
		HTTPRequestDuration: b.histogram("pitchoverlay.http.request.duration", "HTTP request latency by route and status.", "s", nil),
	}

	var err error
	m.RingBacklog, err = b.meter.Int64Gauge("pitchoverlay.ring.backlog",
		metric.WithDescription("Unread samples in the ring buffer."))
	b.errs = append(b.errs, err)
	m.DisplayClients, err = b.meter.Int64UpDownCounter("pitchoverlay.display.clients",
		metric.WithDescription("Connected display stream clients."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return m, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a process-wide Metrics on the global meter
// provider. It panics if the global provider rejects an instrument.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: default metrics: " + err.Error())
		}
		defaultMetrics = m
	})
	return defaultMetrics
}

// RecordAnomaly counts a discarded frame against the layer that overflowed.
func (m *Metrics) RecordAnomaly(ctx context.Context, layer int, name string) {
	m.InferenceAnomalies.Add(ctx, 1, metric.WithAttributes(
		attribute.String("layer", strconv.Itoa(layer)),
		attribute.String("layer_name", name),
	))
}

// RecordEstimate records one decoded frame.
func (m *Metrics) RecordEstimate(ctx context.Context, inferSeconds, confidence float64) {
	m.FramesProcessed.Add(ctx, 1)
	m.InferenceDuration.Record(ctx, inferSeconds)
	m.EstimateConfidence.Record(ctx, confidence)
}

// RecordRing records drops since the last call and the current backlog.
func (m *Metrics) RecordRing(ctx context.Context, dropped uint64, backlog int) {
	if dropped > 0 {
		m.RingDropped.Add(ctx, int64(dropped))
	}
	m.RingBacklog.Record(ctx, int64(backlog))
}

// RecordTrip counts a circuit breaker opening for backend.
func (m *Metrics) RecordTrip(ctx context.Context, backend string) {
	m.BackendTrips.Add(ctx, 1, metric.WithAttributes(attribute.String("backend", backend)))
}
