// SPDX-License-Identifier: MIT
//
// Package observe provides the OpenTelemetry instruments for the vocoder
// pipeline and the Prometheus bridge that exposes them on /metrics.
//
// Instruments are never touched from the audio callback. The callback and
// the ring keep plain atomic counters; a stats goroutine turns their deltas
// into metric updates.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "livepv"

// Build outcomes used as the status attribute of livepv.module.builds.
const (
	BuildOK          = "ok"
	BuildFailed      = "build_failed"
	BuildLoadFailed  = "load_failed"
	BuildUnchanged   = "unchanged"
	BuildPublishFail = "publish_failed"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
// A nil *Metrics is valid and records nothing, which keeps call sites free
// of checks when metrics are disabled.
type Metrics struct {
	// --- Ring transport ---
	RingUnderruns metric.Int64Counter
	RingOverruns  metric.Int64Counter
	RingFill      metric.Int64Gauge

	// --- Engine ---
	EngineHops  metric.Int64Counter
	HopDuration metric.Float64Histogram

	// --- Live modules ---
	ModuleGeneration metric.Int64Gauge
	// Builds counts build attempts. Use with attribute.String("status", ...).
	Builds           metric.Int64Counter
	BuildDuration    metric.Float64Histogram
	ModuleRejections metric.Int64Counter
	ModulesRetired   metric.Int64Counter

	// --- Boundaries ---
	DecodeErrors   metric.Int64Counter
	DeviceFailures metric.Int64Counter
}

// hopBuckets covers hop processing times from a few microseconds up to the
// length of a large hop.
var hopBuckets = []float64{
	0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05,
}

var buildBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64,
}

// NewMetrics creates the instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.RingUnderruns, err = m.Int64Counter("livepv.ring.underruns",
		metric.WithDescription("Output callbacks that found fewer samples than requested."),
	); err != nil {
		return nil, err
	}
	if met.RingOverruns, err = m.Int64Counter("livepv.ring.overruns",
		metric.WithDescription("Pushes rejected because the ring was full."),
	); err != nil {
		return nil, err
	}
	if met.RingFill, err = m.Int64Gauge("livepv.ring.fill",
		metric.WithDescription("Samples buffered between the engine and the device."),
	); err != nil {
		return nil, err
	}

	if met.EngineHops, err = m.Int64Counter("livepv.engine.hops",
		metric.WithDescription("Synthesis hops produced by the phase vocoder."),
	); err != nil {
		return nil, err
	}
	if met.HopDuration, err = m.Float64Histogram("livepv.engine.hop.duration",
		metric.WithDescription("Wall time spent producing one hop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(hopBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ModuleGeneration, err = m.Int64Gauge("livepv.module.generation",
		metric.WithDescription("Generation of the active transform module."),
	); err != nil {
		return nil, err
	}
	if met.Builds, err = m.Int64Counter("livepv.module.builds",
		metric.WithDescription("Transform build attempts by status."),
	); err != nil {
		return nil, err
	}
	if met.BuildDuration, err = m.Float64Histogram("livepv.module.build.duration",
		metric.WithDescription("Time from change detection to publish or failure."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(buildBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ModuleRejections, err = m.Int64Counter("livepv.module.rejections",
		metric.WithDescription("Modules rejected for breaking the bin contract."),
	); err != nil {
		return nil, err
	}
	if met.ModulesRetired, err = m.Int64Counter("livepv.module.retired",
		metric.WithDescription("Superseded modules released after the reader handshake."),
	); err != nil {
		return nil, err
	}

	if met.DecodeErrors, err = m.Int64Counter("livepv.source.decode_errors",
		metric.WithDescription("Input sources abandoned because of malformed data."),
	); err != nil {
		return nil, err
	}
	if met.DeviceFailures, err = m.Int64Counter("livepv.device.failures",
		metric.WithDescription("Audio device streams that failed or stalled."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level instance built on the global
// meter provider. Tests should call NewMetrics with their own provider.
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

// RecordBuild counts one build attempt and its duration.
func (m *Metrics) RecordBuild(ctx context.Context, status string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Builds.Add(ctx, 1, attrs)
	m.BuildDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordGeneration sets the active module generation.
func (m *Metrics) RecordGeneration(ctx context.Context, gen uint64) {
	if m == nil {
		return
	}
	m.ModuleGeneration.Record(ctx, int64(gen))
}

// RecordRejection counts a contract violation.
func (m *Metrics) RecordRejection(ctx context.Context, module string) {
	if m == nil {
		return
	}
	m.ModuleRejections.Add(ctx, 1, metric.WithAttributes(attribute.String("module", module)))
}

// RecordRetired counts modules released by the registry.
func (m *Metrics) RecordRetired(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.ModulesRetired.Add(ctx, int64(n))
}

// RecordRing reports counter deltas and the current fill.
func (m *Metrics) RecordRing(ctx context.Context, underruns, overruns uint64, fill int) {
	if m == nil {
		return
	}
	if underruns > 0 {
		m.RingUnderruns.Add(ctx, int64(underruns))
	}
	if overruns > 0 {
		m.RingOverruns.Add(ctx, int64(overruns))
	}
	m.RingFill.Record(ctx, int64(fill))
}

// RecordHop records one engine hop.
func (m *Metrics) RecordHop(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.EngineHops.Add(ctx, 1)
	m.HopDuration.Record(ctx, d.Seconds())
}

// RecordDecodeError counts an abandoned input source.
func (m *Metrics) RecordDecodeError(ctx context.Context, source string) {
	if m == nil {
		return
	}
	m.DecodeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

// RecordDeviceFailure counts a failed output stream.
func (m *Metrics) RecordDeviceFailure(ctx context.Context) {
	if m == nil {
		return
	}
	m.DeviceFailures.Add(ctx, 1)
}
