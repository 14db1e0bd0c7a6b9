// Package adapter provides adapters for bridge-shm integration with external systems.
package adapter

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/srediag/bridge-shm/bridge"
)

const scopeName = "github.com/srediag/bridge-shm/adapter"

// Instrumentation records bridge activity through OpenTelemetry. Built
// from nil providers it degrades to no-ops, call sites never branch.
type Instrumentation struct {
	tracer trace.Tracer
	meter  metric.Meter

	calls    metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
}

// NewInstrumentation wires the call instruments on the given providers.
func NewInstrumentation(mp metric.MeterProvider, tp trace.TracerProvider) (*Instrumentation, error) {
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	ins := &Instrumentation{
		tracer: tp.Tracer(scopeName),
		meter:  mp.Meter(scopeName),
	}
	var err error
	if ins.calls, err = ins.meter.Int64Counter("shmbridge.calls",
		metric.WithDescription("Completed command round trips."),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if ins.failures, err = ins.meter.Int64Counter("shmbridge.call.failures",
		metric.WithDescription("Round trips that returned an error."),
		metric.WithUnit("{call}")); err != nil {
		return nil, err
	}
	if ins.duration, err = ins.meter.Float64Histogram("shmbridge.call.duration",
		metric.WithDescription("Round trip duration."),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return ins, nil
}

// InstrumentDuplex registers observable gauges over the bridge state.
// The returned registration stops the observation when unregistered.
func (ins *Instrumentation) InstrumentDuplex(d *bridge.Duplex) (metric.Registration, error) {
	ready, err := ins.meter.Int64ObservableGauge("shmbridge.session.ready",
		metric.WithDescription("One while the session is running and the bridge is enabled."))
	if err != nil {
		return nil, err
	}
	exported, err := ins.meter.Int64ObservableGauge("shmbridge.objects.exported",
		metric.WithDescription("Objects exported to the peer and not yet unlinked."))
	if err != nil {
		return nil, err
	}
	attrs := metric.WithAttributes(attribute.String("bridge.role", d.Role().String()))
	return ins.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		var up int64
		if d.Ready() {
			up = 1
		}
		o.ObserveInt64(ready, up, attrs)
		o.ObserveInt64(exported, int64(d.ExportedObjects()), attrs)
		return nil
	}, ready, exported)
}

// RoundTrip invokes one command inside a client span and records the
// call instruments.
func (ins *Instrumentation) RoundTrip(ctx context.Context, d *bridge.Duplex, cmd bridge.Command, payload []byte) ([]byte, error) {
	ctx, span := ins.tracer.Start(ctx, "shmbridge.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("bridge.command", cmd.String())))
	defer span.End()

	start := time.Now()
	resp, err := d.Invoke(cmd, payload, nil)
	attrs := metric.WithAttributes(attribute.String("bridge.command", cmd.String()))
	ins.calls.Add(ctx, 1, attrs)
	ins.duration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		ins.failures.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return resp, nil
}
