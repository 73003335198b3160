package engine

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name for every metric this
// package records.
const meterName = "github.com/duskwave/sonora/engine"

// Metrics holds the OpenTelemetry instruments the tick loop updates every
// frame: the physical/virtual voice split and a counter for
// pool-exhaustion events (a virtual voice that could not be promoted this
// tick).
type Metrics struct {
	PhysicalVoices  metric.Int64UpDownCounter
	VirtualVoices   metric.Int64UpDownCounter
	OneShotVoices   metric.Int64UpDownCounter
	PoolExhausted   metric.Int64Counter
	TickDuration    metric.Float64Histogram
	BackendErrors   metric.Int64Counter
	BufferUnderruns metric.Int64Counter
}

var tickBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1}

// NewMetrics creates a fully initialized Metrics using mp. A nil mp uses
// otel's no-op global provider, which is safe but records nothing.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := mp.Meter(meterName)
	met := &Metrics{}
	var err error

	if met.PhysicalVoices, err = m.Int64UpDownCounter("sonora.voices.physical",
		metric.WithDescription("Voices currently holding a backend source.")); err != nil {
		return nil, err
	}
	if met.VirtualVoices, err = m.Int64UpDownCounter("sonora.voices.virtual",
		metric.WithDescription("Voices currently playing without a backend source.")); err != nil {
		return nil, err
	}
	if met.OneShotVoices, err = m.Int64UpDownCounter("sonora.voices.oneshot",
		metric.WithDescription("One-shot voices currently owned by the engine.")); err != nil {
		return nil, err
	}
	if met.PoolExhausted, err = m.Int64Counter("sonora.pool.exhausted",
		metric.WithDescription("Times a virtual voice failed to promote because the source pool was full.")); err != nil {
		return nil, err
	}
	if met.TickDuration, err = m.Float64Histogram("sonora.tick.duration",
		metric.WithDescription("Wall-clock time spent in one Engine.Tick call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(tickBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("sonora.backend.errors",
		metric.WithDescription("Non-fatal backend errors reported during a tick.")); err != nil {
		return nil, err
	}
	if met.BufferUnderruns, err = m.Int64Counter("sonora.generator.buffer_underrun",
		metric.WithDescription("Times a streaming source starved and had to be restarted.")); err != nil {
		return nil, err
	}
	return met, nil
}

func (met *Metrics) setVoiceCounts(ctx context.Context, physical, virtual, oneShot, prevPhysical, prevVirtual, prevOneShot int) {
	if d := physical - prevPhysical; d != 0 {
		met.PhysicalVoices.Add(ctx, int64(d))
	}
	if d := virtual - prevVirtual; d != 0 {
		met.VirtualVoices.Add(ctx, int64(d))
	}
	if d := oneShot - prevOneShot; d != 0 {
		met.OneShotVoices.Add(ctx, int64(d))
	}
}
