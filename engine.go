// Package cascade is a deterministic discrete-event stream engine: directed
// graphs of reactive nodes driven by a priority-ordered scheduler, running
// identically over historical data and live wall-clock data.
package cascade

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/internal/clock"
	"github.com/wavecrest/cascade/internal/runtime"
	telemEvents "github.com/wavecrest/cascade/internal/telemetry/events"
	intmetrics "github.com/wavecrest/cascade/internal/telemetry/metrics"
	inttelempolicy "github.com/wavecrest/cascade/internal/telemetry/policy"
	telemetrytracing "github.com/wavecrest/cascade/internal/telemetry/tracing"
	telemetryhealth "github.com/wavecrest/cascade/telemetry/health"
)

// RunOptions bound one engine run. A zero End means "no horizon" (run until
// sources drain or Stop).
type RunOptions struct {
	Start    time.Time
	End      time.Time
	Realtime bool
}

// Snapshot is a unified view of engine state.
type Snapshot struct {
	RunID      string                 `json:"run_id"`
	StartedAt  time.Time              `json:"started_at"`
	Uptime     time.Duration          `json:"uptime"`
	Running    bool                   `json:"running"`
	EngineTime time.Time              `json:"engine_time,omitempty"`
	Cycles     uint64                 `json:"cycles"`
	QueueDepth int                    `json:"queue_depth"`
	Baskets    int                    `json:"basket_instances"`
	Adapters   []runtime.AdapterState `json:"adapters,omitempty"`
}

// TelemetryEvent is the reduced, stable event representation handed to
// external observers.
type TelemetryEvent struct {
	Time     time.Time              `json:"time"`
	Category string                 `json:"category"`
	Type     string                 `json:"type"`
	Severity string                 `json:"severity,omitempty"`
	TraceID  string                 `json:"trace_id,omitempty"`
	SpanID   string                 `json:"span_id,omitempty"`
	Labels   map[string]string      `json:"labels,omitempty"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
}

// EventObserver receives TelemetryEvent notifications.
type EventObserver func(ev TelemetryEvent)

// Re-export telemetry policy types: stable facade surface while the
// implementation stays internal.
type TelemetryPolicy = inttelempolicy.TelemetryPolicy
type HealthPolicy = inttelempolicy.HealthPolicy
type TracingPolicy = inttelempolicy.TracingPolicy
type EventBusPolicy = inttelempolicy.EventBusPolicy

// DefaultTelemetryPolicy returns the default normalized telemetry policy.
func DefaultTelemetryPolicy() TelemetryPolicy { return inttelempolicy.Default() }

// Engine composes the scheduler runtime and telemetry subsystems behind a
// single facade. One Engine executes one run at a time.
type Engine struct {
	cfg   Config
	runID string

	metrics    intmetrics.Instruments
	eventBus   telemEvents.Bus
	tracer     telemetrytracing.Tracer
	healthMon  *telemetryhealth.Monitor
	lastHealth atomic.Value // telemetryhealth.Status as string

	telemetryPolicy atomic.Pointer[inttelempolicy.TelemetryPolicy]

	eventObserversMu sync.RWMutex
	eventObservers   []EventObserver

	loopMu    sync.Mutex
	loop      *runtime.Loop
	realtime  bool
	running   atomic.Bool
	startedAt time.Time
}

// New constructs an Engine with the supplied configuration.
func New(cfg Config) (*Engine, error) {
	e := &Engine{cfg: cfg, runID: uuid.NewString(), startedAt: time.Now()}
	e.metrics = selectMetricsBackend(cfg)

	initialPolicy := inttelempolicy.Default()
	e.telemetryPolicy.Store(&initialPolicy)

	if cfg.EventsEnabled {
		e.eventBus = telemEvents.NewBus(e.metrics)
	}
	if cfg.TracingEnabled {
		e.tracer = telemetrytracing.NewAdaptiveTracer(func() float64 {
			return e.Policy().Tracing.SamplePercent
		})
	} else {
		e.tracer = telemetrytracing.NewNoopTracer()
	}
	if cfg.HealthEnabled {
		e.healthMon = telemetryhealth.NewMonitor(telemetryhealth.SourceFunc(e.collectHealth), initialPolicy.Health.ProbeTTL)
	}
	return e, nil
}

// selectMetricsBackend maps telemetry fields in Config onto an instrument
// backend. Selection stays auditable in one place.
func selectMetricsBackend(cfg Config) intmetrics.Instruments {
	if !cfg.MetricsEnabled {
		return intmetrics.Noop()
	}
	switch strings.ToLower(cfg.MetricsBackend) {
	case "", "prom", "prometheus":
		return intmetrics.NewPrometheus(intmetrics.PrometheusOptions{})
	case "otel", "opentelemetry":
		return intmetrics.NewOTel(intmetrics.OTelOptions{})
	case "noop":
		return intmetrics.Noop()
	default:
		return intmetrics.NewPrometheus(intmetrics.PrometheusOptions{})
	}
}

// Policy returns the current telemetry policy snapshot. Never nil.
func (e *Engine) Policy() TelemetryPolicy {
	if p := e.telemetryPolicy.Load(); p != nil {
		return *p
	}
	return inttelempolicy.Default()
}

// UpdateTelemetryPolicy atomically swaps the active policy. Nil resets to
// defaults. Safe for concurrent use; probes pick up new thresholds on the
// next evaluation cycle.
func (e *Engine) UpdateTelemetryPolicy(p *TelemetryPolicy) {
	if e == nil {
		return
	}
	var snap inttelempolicy.TelemetryPolicy
	if p == nil {
		snap = inttelempolicy.Default()
	} else {
		snap = p.Normalize()
	}
	old := e.Policy()
	e.telemetryPolicy.Store(&snap)
	if old.Health.ProbeTTL != snap.Health.ProbeTTL && e.healthMon != nil {
		e.healthMon.SetTTL(snap.Health.ProbeTTL)
	}
}

// MetricsHandler returns the HTTP handler for metrics exposition
// (Prometheus backend only); nil otherwise.
func (e *Engine) MetricsHandler() http.Handler {
	if e == nil {
		return nil
	}
	if hp, ok := e.metrics.(interface{ Handler() http.Handler }); ok {
		return hp.Handler()
	}
	return nil
}

// RegisterEventObserver adds an observer invoked synchronously for each
// internal telemetry event. Safe for concurrent use; no-op on nil.
func (e *Engine) RegisterEventObserver(obs EventObserver) {
	if e == nil || obs == nil {
		return
	}
	e.eventObserversMu.Lock()
	e.eventObservers = append(e.eventObservers, obs)
	e.eventObserversMu.Unlock()
}

func (e *Engine) dispatchEvent(ev telemEvents.Event) {
	e.eventObserversMu.RLock()
	if len(e.eventObservers) == 0 {
		e.eventObserversMu.RUnlock()
		return
	}
	observers := append([]EventObserver(nil), e.eventObservers...)
	e.eventObserversMu.RUnlock()
	pub := TelemetryEvent{Time: ev.Time, Category: ev.Category, Type: ev.Type, Severity: ev.Severity, TraceID: ev.TraceID, SpanID: ev.SpanID, Labels: ev.Labels, Fields: ev.Fields}
	for _, o := range observers { // synchronous; observers must be fast
		func() { defer func() { _ = recover() }(); o(pub) }()
	}
}

// observedBus forwards every publish to registered facade observers on top
// of the internal bus fan-out.
type observedBus struct {
	telemEvents.Bus
	e *Engine
}

func (b observedBus) Publish(ev telemEvents.Event) error {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.e.dispatchEvent(ev)
	if b.Bus == nil {
		return nil
	}
	return b.Bus.Publish(ev)
}

func (b observedBus) PublishCtx(ctx context.Context, ev telemEvents.Event) error {
	if ev.TraceID == "" && ev.SpanID == "" {
		ev.TraceID, ev.SpanID = telemetrytracing.ExtractIDs(ctx)
	}
	return b.Publish(ev)
}

// Run executes the graph from opts.Start until opts.End, the sources drain
// (simulation) or Stop. It blocks for the duration of the run and returns
// the run's terminal error, nil on a clean drain or stop.
func (e *Engine) Run(ctx context.Context, g *graph.Graph, opts RunOptions) error {
	if g == nil {
		return errors.New("nil graph")
	}
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.running.Store(false)

	if opts.Start.IsZero() && opts.Realtime {
		opts.Start = time.Now()
	}
	if opts.End.IsZero() {
		// No horizon: the end of representable nanosecond time (year 2262).
		opts.End = time.Unix(0, math.MaxInt64)
	}
	if opts.End.Before(opts.Start) {
		return errors.New("endtime before starttime")
	}

	l := runtime.New(g, runtime.Options{
		Start:    opts.Start,
		End:      opts.End,
		Realtime: opts.Realtime,
		Logger:   e.logger(),
		Metrics:  e.metrics,
		Bus:      observedBus{Bus: e.eventBus, e: e},
		Clock:    clock.Real(),
	})
	e.loopMu.Lock()
	e.loop = l
	e.realtime = opts.Realtime
	e.startedAt = time.Now()
	e.loopMu.Unlock()

	runCtx, span := e.tracer.StartSpan(ctx, "engine.run")
	err := l.Run(runCtx)
	span.End()
	return err
}

// Stop terminates the active run after the current cycle completes.
// Idempotent and safe from any goroutine; no-op when idle.
func (e *Engine) Stop() {
	e.loopMu.Lock()
	l := e.loop
	e.loopMu.Unlock()
	if l != nil {
		l.Stop()
	}
}

func (e *Engine) logger() *slog.Logger {
	if e.cfg.Logger != nil {
		return e.cfg.Logger
	}
	return slog.Default()
}

// Snapshot returns a unified state view.
func (e *Engine) Snapshot() Snapshot {
	snap := Snapshot{RunID: e.runID, StartedAt: e.startedAt, Running: e.running.Load()}
	snap.Uptime = time.Since(snap.StartedAt)
	e.loopMu.Lock()
	l := e.loop
	e.loopMu.Unlock()
	if l != nil {
		snap.EngineTime = l.Now()
		snap.Cycles = l.Cycles()
		snap.QueueDepth = l.QueueDepth()
		snap.Baskets = l.BasketInstances()
		snap.Adapters = l.AdapterStates()
	}
	return snap
}

// HealthSnapshot returns the (possibly cached) subsystem health rollup,
// records the health gauge, and publishes a health_change event when the
// overall status moves. Zero-value when health is disabled.
func (e *Engine) HealthSnapshot(ctx context.Context) telemetryhealth.Snapshot {
	if e.healthMon == nil {
		return telemetryhealth.Snapshot{}
	}
	snap := e.healthMon.Snapshot(ctx)
	var val float64
	switch snap.Overall {
	case telemetryhealth.StatusHealthy:
		val = 1
	case telemetryhealth.StatusDegraded:
		val = 0.5
	case telemetryhealth.StatusUnhealthy:
		val = 0
	default:
		val = -1
	}
	e.metrics.HealthStatus(val)
	prev, _ := e.lastHealth.Load().(string)
	cur := string(snap.Overall)
	if prev != "" && prev != cur {
		ev := telemEvents.Event{Category: telemEvents.CategoryHealth, Type: "health_change", Severity: "info",
			Fields: map[string]interface{}{"previous": prev, "current": cur}}
		if e.eventBus != nil {
			_ = e.eventBus.Publish(ev)
		}
		e.dispatchEvent(ev)
	}
	e.lastHealth.Store(cur)
	return snap
}

// collectHealth is the engine's health source: scheduler backlog, adapter
// state and cycle-loop liveness measured against the active policy.
func (e *Engine) collectHealth(ctx context.Context) []telemetryhealth.Check {
	e.loopMu.Lock()
	l := e.loop
	rt := e.realtime
	e.loopMu.Unlock()
	pol := e.Policy()

	checks := make([]telemetryhealth.Check, 0, 3)
	if l == nil {
		return append(checks,
			telemetryhealth.Check{Subsystem: "scheduler", Status: telemetryhealth.StatusUnknown, Detail: "no active run"},
			telemetryhealth.Check{Subsystem: "adapters", Status: telemetryhealth.StatusUnknown, Detail: "no active run"},
			telemetryhealth.Check{Subsystem: "cycle_loop", Status: telemetryhealth.StatusUnknown, Detail: "no active run"})
	}

	sched := telemetryhealth.Check{Subsystem: "scheduler", Status: telemetryhealth.StatusHealthy}
	switch depth := l.QueueDepth(); {
	case depth >= pol.Health.QueueUnhealthyDepth:
		sched.Status = telemetryhealth.StatusUnhealthy
		sched.Detail = "event backlog severe"
	case depth >= pol.Health.QueueDegradedDepth:
		sched.Status = telemetryhealth.StatusDegraded
		sched.Detail = "event backlog"
	}
	checks = append(checks, sched)

	adapters := telemetryhealth.Check{Subsystem: "adapters", Status: telemetryhealth.StatusHealthy}
	for _, st := range l.AdapterStates() {
		if st.Status == "failed" {
			adapters.Status = telemetryhealth.StatusUnhealthy
			adapters.Detail = st.Name + ": " + st.Err
		}
	}
	if adapters.Status == telemetryhealth.StatusHealthy {
		switch drops := l.LateDrops(); {
		case drops >= uint64(pol.Health.AdapterUnhealthyDrops):
			adapters.Status = telemetryhealth.StatusUnhealthy
			adapters.Detail = "excessive late drops"
		case drops >= uint64(pol.Health.AdapterDegradedDrops):
			adapters.Status = telemetryhealth.StatusDegraded
			adapters.Detail = "late drops"
		}
	}
	checks = append(checks, adapters)

	loopCheck := telemetryhealth.Check{Subsystem: "cycle_loop", Status: telemetryhealth.StatusHealthy}
	if e.running.Load() && rt {
		if last := l.LastCycleWall(); !last.IsZero() && time.Since(last) > pol.Health.CycleStallAfter {
			loopCheck.Status = telemetryhealth.StatusDegraded
			loopCheck.Detail = "no recent cycle"
		}
	}
	return append(checks, loopCheck)
}
