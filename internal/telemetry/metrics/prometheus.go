package metrics

import (
	"net/http"
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusBackend materializes the engine series on a Prometheus
// registry. Every collector is created once at construction; the adapter
// name and the event-bus subscriber id are the only unbounded labels in the
// system, so their distinct values are capped and overflow collapses into
// "other" rather than growing the exposition without bound.
type PrometheusBackend struct {
	reg     *prom.Registry
	handler http.Handler

	cycles   prom.Counter
	cycleDur prom.Histogram
	events   *prom.CounterVec
	fires    prom.Counter
	depth    prom.Gauge
	baskets  prom.Gauge
	late     *prom.CounterVec
	busPub   prom.Counter
	busDrop  *prom.CounterVec
	health   prom.Gauge

	mu       sync.Mutex
	adapters map[string]struct{}
	subs     map[string]struct{}
	limit    int
}

type PrometheusOptions struct {
	Registry *prom.Registry // optional shared registry
	// LabelLimit caps distinct adapter / subscriber label values before
	// collapsing to "other"; 0 => 64.
	LabelLimit int
}

func NewPrometheus(opts PrometheusOptions) *PrometheusBackend {
	reg := opts.Registry
	if reg == nil {
		reg = prom.NewRegistry()
	}
	limit := opts.LabelLimit
	if limit <= 0 {
		limit = 64
	}
	b := &PrometheusBackend{
		reg:      reg,
		adapters: make(map[string]struct{}),
		subs:     make(map[string]struct{}),
		limit:    limit,
	}
	b.cycles = prom.NewCounter(prom.CounterOpts{Name: "cascade_scheduler_cycles_total", Help: "Engine cycles processed"})
	// Cycles are typically microseconds; the default HTTP-latency buckets
	// would put everything in the first bucket.
	b.cycleDur = prom.NewHistogram(prom.HistogramOpts{
		Name:    "cascade_scheduler_cycle_seconds",
		Help:    "Cycle wall duration",
		Buckets: prom.ExponentialBuckets(1e-6, 4, 10),
	})
	b.events = prom.NewCounterVec(prom.CounterOpts{Name: "cascade_scheduler_events_total", Help: "Scheduler events applied"}, []string{"kind"})
	b.fires = prom.NewCounter(prom.CounterOpts{Name: "cascade_scheduler_node_fires_total", Help: "Node fire invocations"})
	b.depth = prom.NewGauge(prom.GaugeOpts{Name: "cascade_scheduler_queue_depth", Help: "Pending events incl. tombstones"})
	b.baskets = prom.NewGauge(prom.GaugeOpts{Name: "cascade_graph_basket_instances", Help: "Live basket instances"})
	b.late = prom.NewCounterVec(prom.CounterOpts{Name: "cascade_adapter_late_ticks_total", Help: "Live ticks behind engine time"}, []string{"adapter", "action"})
	b.busPub = prom.NewCounter(prom.CounterOpts{Name: "cascade_events_published_total", Help: "Telemetry events published"})
	b.busDrop = prom.NewCounterVec(prom.CounterOpts{Name: "cascade_events_dropped_total", Help: "Telemetry events dropped due to backpressure"}, []string{"subscriber"})
	b.health = prom.NewGauge(prom.GaugeOpts{Name: "cascade_health_status", Help: "Overall health (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown)"})
	b.health.Set(-1)

	for _, c := range []prom.Collector{b.cycles, b.cycleDur, b.events, b.fires, b.depth, b.baskets, b.late, b.busPub, b.busDrop, b.health} {
		// A shared registry may already carry a collector from a previous
		// engine; keep the first registration.
		_ = reg.Register(c)
	}
	b.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	return b
}

// Handler returns the /metrics exposition handler for this backend's
// registry.
func (b *PrometheusBackend) Handler() http.Handler { return b.handler }

// capLabel admits up to limit distinct values per label set, then folds
// the rest into "other".
func (b *PrometheusBackend) capLabel(seen map[string]struct{}, v string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := seen[v]; ok {
		return v
	}
	if len(seen) >= b.limit {
		return "other"
	}
	seen[v] = struct{}{}
	return v
}

func (b *PrometheusBackend) CycleFinished(d time.Duration) {
	b.cycles.Inc()
	b.cycleDur.Observe(d.Seconds())
}

func (b *PrometheusBackend) EventApplied(kind string) {
	b.events.WithLabelValues(kind).Inc()
}

func (b *PrometheusBackend) NodeFired() { b.fires.Inc() }

func (b *PrometheusBackend) QueueDepth(n int) { b.depth.Set(float64(n)) }

func (b *PrometheusBackend) BasketInstances(n int) { b.baskets.Set(float64(n)) }

func (b *PrometheusBackend) LateTick(adapter, action string) {
	b.late.WithLabelValues(b.capLabel(b.adapters, adapter), action).Inc()
}

func (b *PrometheusBackend) BusPublished() { b.busPub.Inc() }

func (b *PrometheusBackend) BusDropped(subscriber string) {
	b.busDrop.WithLabelValues(b.capLabel(b.subs, subscriber)).Inc()
}

func (b *PrometheusBackend) HealthStatus(v float64) { b.health.Set(v) }
