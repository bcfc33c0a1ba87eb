package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// OTelBackend bridges the engine series onto an OpenTelemetry meter.
// Instruments are created once; exporters and resource attributes can be
// layered on by supplying a configured MeterProvider.
type OTelBackend struct {
	mp *sdkmetric.MeterProvider

	cycles   metric.Int64Counter
	cycleDur metric.Float64Histogram
	events   metric.Int64Counter
	fires    metric.Int64Counter
	depth    metric.Int64Gauge
	baskets  metric.Int64Gauge
	late     metric.Int64Counter
	busPub   metric.Int64Counter
	busDrop  metric.Int64Counter
	health   metric.Float64Gauge
}

type OTelOptions struct {
	// MeterProvider carries exporter and resource wiring; nil creates a
	// zero-config SDK provider.
	MeterProvider *sdkmetric.MeterProvider
}

func NewOTel(opts OTelOptions) *OTelBackend {
	mp := opts.MeterProvider
	if mp == nil {
		mp = sdkmetric.NewMeterProvider()
	}
	meter := mp.Meter("cascade")
	b := &OTelBackend{mp: mp}
	b.cycles, _ = meter.Int64Counter("cascade.scheduler.cycles", metric.WithDescription("Engine cycles processed"))
	b.cycleDur, _ = meter.Float64Histogram("cascade.scheduler.cycle_duration", metric.WithDescription("Cycle wall duration"), metric.WithUnit("s"))
	b.events, _ = meter.Int64Counter("cascade.scheduler.events", metric.WithDescription("Scheduler events applied"))
	b.fires, _ = meter.Int64Counter("cascade.scheduler.node_fires", metric.WithDescription("Node fire invocations"))
	b.depth, _ = meter.Int64Gauge("cascade.scheduler.queue_depth", metric.WithDescription("Pending events incl. tombstones"))
	b.baskets, _ = meter.Int64Gauge("cascade.graph.basket_instances", metric.WithDescription("Live basket instances"))
	b.late, _ = meter.Int64Counter("cascade.adapter.late_ticks", metric.WithDescription("Live ticks behind engine time"))
	b.busPub, _ = meter.Int64Counter("cascade.events.published", metric.WithDescription("Telemetry events published"))
	b.busDrop, _ = meter.Int64Counter("cascade.events.dropped", metric.WithDescription("Telemetry events dropped due to backpressure"))
	b.health, _ = meter.Float64Gauge("cascade.health.status", metric.WithDescription("Overall health (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown)"))
	return b
}

func (b *OTelBackend) CycleFinished(d time.Duration) {
	ctx := context.Background()
	if b.cycles != nil {
		b.cycles.Add(ctx, 1)
	}
	if b.cycleDur != nil {
		b.cycleDur.Record(ctx, d.Seconds())
	}
}

func (b *OTelBackend) EventApplied(kind string) {
	if b.events != nil {
		b.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func (b *OTelBackend) NodeFired() {
	if b.fires != nil {
		b.fires.Add(context.Background(), 1)
	}
}

func (b *OTelBackend) QueueDepth(n int) {
	if b.depth != nil {
		b.depth.Record(context.Background(), int64(n))
	}
}

func (b *OTelBackend) BasketInstances(n int) {
	if b.baskets != nil {
		b.baskets.Record(context.Background(), int64(n))
	}
}

func (b *OTelBackend) LateTick(adapter, action string) {
	if b.late != nil {
		b.late.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("adapter", adapter), attribute.String("action", action)))
	}
}

func (b *OTelBackend) BusPublished() {
	if b.busPub != nil {
		b.busPub.Add(context.Background(), 1)
	}
}

func (b *OTelBackend) BusDropped(subscriber string) {
	if b.busDrop != nil {
		b.busDrop.Add(context.Background(), 1, metric.WithAttributes(attribute.String("subscriber", subscriber)))
	}
}

func (b *OTelBackend) HealthStatus(v float64) {
	if b.health != nil {
		b.health.Record(context.Background(), v)
	}
}
