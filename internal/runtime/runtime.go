// Package runtime drives a finalized graph: the discrete-event cycle loop,
// node invocation, alarms, feedback delivery and dynamic basket
// instantiation. Everything here runs on one engine goroutine; adapters
// cross in through the scheduler queue only.
package runtime

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/internal/clock"
	"github.com/wavecrest/cascade/internal/sched"
	events "github.com/wavecrest/cascade/internal/telemetry/events"
	metrics "github.com/wavecrest/cascade/internal/telemetry/metrics"
	"github.com/wavecrest/cascade/types"
)

// Options configure one engine run.
type Options struct {
	Start    time.Time
	End      time.Time
	Realtime bool
	Logger   *slog.Logger
	Metrics  metrics.Instruments
	Bus      events.Bus
	Clock    clock.Clock
}

// Loop owns the cycle loop for one run. It is not reusable.
type Loop struct {
	g    *graph.Graph
	q    *sched.Queue
	clk  clock.Clock
	log  *slog.Logger
	bus  events.Bus
	opts Options

	nowNanos    atomic.Int64
	stopping    atomic.Bool
	running     bool // engine thread only: inside the cycle loop
	cycleCount  atomic.Uint64
	lastCycle   atomic.Int64 // wall nanos of last completed cycle
	basketCount atomic.Int64

	deferred        []*sched.Event // same-time secondary queue
	started         []*graph.NodeInfo
	adapters        *adapterManager
	baskets         []*basketManager
	pendingTeardown []*basketInstance

	met metrics.Instruments

	runErr error
}

// New prepares a loop over a finalized graph.
func New(g *graph.Graph, opts Options) *Loop {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	l := &Loop{g: g, q: sched.NewQueue(), clk: opts.Clock, log: opts.Logger, bus: opts.Bus, opts: opts, met: opts.Metrics}
	l.adapters = newAdapterManager(l)
	return l
}

// Now is the current engine time; safe from any goroutine.
func (l *Loop) Now() time.Time { return time.Unix(0, l.nowNanos.Load()) }

// QueueDepth reports pending events including tombstones.
func (l *Loop) QueueDepth() int { return l.q.Len() }

// Cycles reports completed cycles.
func (l *Loop) Cycles() uint64 { return l.cycleCount.Load() }

// LastCycleWall is the wall time the last cycle completed, zero before the
// first cycle.
func (l *Loop) LastCycleWall() time.Time {
	n := l.lastCycle.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// AdapterStates snapshots per-adapter runtime state.
func (l *Loop) AdapterStates() []AdapterState { return l.adapters.snapshot() }

// LateDrops counts live ticks discarded under the drop policy.
func (l *Loop) LateDrops() uint64 { return l.adapters.lateDrops.Load() }

// BasketInstances counts live dynamic instances across all baskets.
func (l *Loop) BasketInstances() int { return int(l.basketCount.Load()) }

// Stop injects a control event at engine time; idempotent and safe from any
// goroutine. The loop terminates after the current cycle completes.
func (l *Loop) Stop() {
	if l.stopping.Swap(true) {
		return
	}
	l.q.Push(l.Now(), 0, sched.KindControl, -1, -1, types.Value{})
}

func (l *Loop) publish(ev events.Event) {
	if l.bus != nil {
		_ = l.bus.Publish(ev)
	}
}

// Run executes the full lifecycle: adapters up, OnStart in rank order, the
// cycle loop until the stopping condition, OnStop in reverse order,
// adapters down.
func (l *Loop) Run(ctx context.Context) error {
	l.nowNanos.Store(l.opts.Start.UnixNano())
	l.installBasketManagers()

	if err := l.adapters.start(ctx); err != nil {
		l.adapters.stop()
		return err
	}
	defer l.adapters.stop()

	ordered := make([]*graph.NodeInfo, len(l.g.Nodes))
	copy(ordered, l.g.Nodes)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Rank < ordered[j].Rank })

	l.publish(events.Event{Category: events.CategoryScheduler, Type: "engine_start", Severity: "info",
		Fields: map[string]interface{}{"start": l.opts.Start, "end": l.opts.End, "realtime": l.opts.Realtime}})

	for _, n := range ordered {
		if err := l.invoke(n, phaseStart, nil); err != nil {
			l.runErr = err
			l.stopStarted()
			return err
		}
		l.started = append(l.started, n)
	}

	l.running = true
	l.drive(ctx)
	l.running = false

	l.stopStarted()
	l.publish(events.Event{Category: events.CategoryScheduler, Type: "engine_stop", Severity: "info",
		Fields: map[string]interface{}{"cycles": l.cycleCount.Load(), "err": errString(l.runErr)}})
	return l.runErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// drive is the cycle loop proper.
func (l *Loop) drive(ctx context.Context) {
	for {
		if l.stopping.Load() {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		l.met.QueueDepth(l.q.Len())

		t, ok := l.q.PeekTime()
		switch {
		case !ok:
			if !l.opts.Realtime {
				return
			}
			if !l.waitRealtime(ctx, l.opts.End) {
				return
			}
			continue
		case t.After(l.opts.End):
			if !l.opts.Realtime {
				return
			}
			if !l.waitRealtime(ctx, l.opts.End) {
				return
			}
			continue
		}
		if l.opts.Realtime {
			if now := l.clk.Now(); t.After(now) {
				deadline := t
				if l.opts.End.Before(deadline) {
					deadline = l.opts.End
				}
				if !l.waitRealtime(ctx, deadline) {
					return
				}
				continue // re-peek; an earlier push may have arrived
			}
		}

		bucket := l.q.PopCycle(t)
		if len(bucket) == 0 {
			continue
		}
		// A push adapter may have stamped against an engine time we have
		// since advanced past; deliver at current engine time instead of
		// regressing.
		if now := l.Now(); t.Before(now) {
			t = now
		}
		if err := l.runCycle(t, bucket); err != nil {
			l.runErr = err
			return
		}
	}
}

// waitRealtime blocks until a push arrives, the wall clock reaches
// deadline, or the context ends. Returns false when the loop should exit.
func (l *Loop) waitRealtime(ctx context.Context, deadline time.Time) bool {
	now := l.clk.Now()
	if !now.Before(l.opts.End) {
		return false
	}
	d := deadline.Sub(now)
	if d < 0 {
		d = 0
	}
	ch, stop := l.clk.After(d)
	defer stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.q.Notify():
		return true
	case <-ch:
		if deadline.Equal(l.opts.End) && l.q.Len() == 0 {
			return false
		}
		return true
	}
}

// runCycle processes every event stamped t: apply writes, fire nodes in
// rank order, then drain the same-time deferred queue (feedback echoes and
// zero-delay alarms) as follow-on sub-cycles. Basket teardowns requested
// mid-cycle happen after the last sub-cycle.
func (l *Loop) runCycle(t time.Time, bucket []*sched.Event) error {
	l.nowNanos.Store(t.UnixNano())
	begin := l.clk.Now()

	for len(bucket) > 0 {
		sub := newSubcycle(t)
		for _, ev := range bucket {
			if ev.Canceled() {
				continue
			}
			l.met.EventApplied(ev.Kind.String())
			switch ev.Kind {
			case sched.KindControl:
				l.stopping.Store(true)
			default:
				if err := l.applyWrite(ev.Edge, t, ev.V, sub); err != nil {
					return err
				}
			}
		}
		if err := l.drainRanks(sub); err != nil {
			return err
		}
		bucket = l.deferred
		l.deferred = nil
	}

	l.processTeardowns()
	l.cycleCount.Add(1)
	end := l.clk.Now()
	l.lastCycle.Store(end.UnixNano())
	l.met.CycleFinished(end.Sub(begin))
	return nil
}

// subcycle tracks which nodes fired or are scheduled within one drain of
// the rank order at a fixed engine time.
type subcycle struct {
	t         time.Time
	fired     map[int]bool
	scheduled map[int]bool
	byRank    map[int][]*graph.NodeInfo
	ranks     intHeap
}

func newSubcycle(t time.Time) *subcycle {
	return &subcycle{t: t, fired: make(map[int]bool), scheduled: make(map[int]bool), byRank: make(map[int][]*graph.NodeInfo)}
}

func (s *subcycle) schedule(n *graph.NodeInfo) {
	if n.Dead || s.fired[n.ID] || s.scheduled[n.ID] {
		return
	}
	s.scheduled[n.ID] = true
	if _, ok := s.byRank[n.Rank]; !ok {
		heap.Push(&s.ranks, n.Rank)
	}
	s.byRank[n.Rank] = append(s.byRank[n.Rank], n)
}

// applyWrite lands a value on an edge buffer at time t and schedules active
// consumers. A same-time overwrite does not re-notify. Feedback echoes and
// basket republishes go to the deferred queue.
func (l *Loop) applyWrite(edgeID int, t time.Time, v types.Value, sub *subcycle) error {
	e := l.g.Edges[edgeID]
	if e.Dead {
		return nil
	}
	appended, err := e.Series.Write(t, v)
	if err != nil {
		return types.NewRuntimeError("", t, err)
	}
	if !appended {
		return nil
	}
	for _, c := range e.Consumers {
		if c.Passive || c.Node.Dead {
			continue
		}
		sub.schedule(c.Node)
	}
	for _, fb := range e.FeedbackOuts {
		l.deferred = append(l.deferred, l.q.Deferred(t, sched.KindEdgeWrite, fb.ID, -1, v))
	}
	if e.Republish != nil && !e.Republish.Dead {
		merged := types.Struct(types.Field{Name: "key", Value: e.RepubKey}, types.Field{Name: "value", Value: v})
		l.deferred = append(l.deferred, l.q.Deferred(t, sched.KindEdgeWrite, e.Republish.ID, -1, merged))
	}
	return nil
}

func (l *Loop) drainRanks(sub *subcycle) error {
	for sub.ranks.Len() > 0 {
		r := heap.Pop(&sub.ranks).(int)
		// The slice may grow while firing (a basket manager instantiating a
		// same-rank consumer of an already-written edge), so iterate by
		// index rather than range.
		for i := 0; i < len(sub.byRank[r]); i++ {
			n := sub.byRank[r][i]
			if n.Dead {
				continue
			}
			sub.fired[n.ID] = true
			delete(sub.scheduled, n.ID)
			l.met.NodeFired()
			if err := l.invoke(n, phaseFire, sub); err != nil {
				return err
			}
		}
		delete(sub.byRank, r)
	}
	return nil
}

type phase uint8

const (
	phaseStart phase = iota
	phaseFire
	phaseStop
)

// invoke calls one handler hook with panic containment. A panic or error
// during start or fire is fatal for the run; stop errors are logged and
// shutdown continues.
func (l *Loop) invoke(n *graph.NodeInfo, ph phase, sub *subcycle) (err error) {
	if n.Handler == nil {
		return nil
	}
	t := l.Now()
	defer func() {
		if r := recover(); r != nil {
			err = types.NewRuntimeError(n.Name, t, fmt.Errorf("handler panic: %v", r))
			l.publish(events.Event{Category: events.CategoryError, Type: "node_panic", Severity: "error",
				Labels: map[string]string{"node": n.Name}, Fields: map[string]interface{}{"panic": fmt.Sprint(r)}})
		}
	}()
	ctx := &nodeCtx{l: l, n: n, t: t, sub: sub, ph: ph}
	var herr error
	switch ph {
	case phaseStart:
		herr = n.Handler.OnStart(ctx)
	case phaseFire:
		herr = n.Handler.OnFire(ctx)
	case phaseStop:
		herr = n.Handler.OnStop(ctx)
	}
	if herr != nil {
		if ph == phaseStop {
			l.log.Error("node stop failed", "node", n.Name, "err", herr)
			return nil
		}
		return types.NewRuntimeError(n.Name, t, herr)
	}
	return nil
}

// stopStarted runs OnStop in reverse start order, tearing down live basket
// instances first (their nodes started most recently).
func (l *Loop) stopStarted() {
	for _, bm := range l.baskets {
		for _, inst := range bm.instances {
			inst.stop(l)
		}
		bm.instances = map[string]*basketInstance{}
	}
	l.basketCount.Store(0)
	l.met.BasketInstances(0)
	for i := len(l.started) - 1; i >= 0; i-- {
		n := l.started[i]
		if n.Dead {
			continue
		}
		_ = l.invoke(n, phaseStop, nil)
	}
	l.started = nil
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
