package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/internal/sched"
	events "github.com/wavecrest/cascade/internal/telemetry/events"
	"github.com/wavecrest/cascade/types"
)

// AdapterState is a reduced view of one adapter's runtime state.
type AdapterState struct {
	Name     string    `json:"name"`
	Kind     string    `json:"kind"` // pull | push | push-pull
	Status   string    `json:"status"`
	LastTick time.Time `json:"last_tick,omitempty"`
	Ticks    uint64    `json:"ticks"`
	Dropped  uint64    `json:"dropped"`
	Clamped  uint64    `json:"clamped"`
	Err      string    `json:"err,omitempty"`
}

const (
	statusIdle      = "idle"
	statusReplaying = "replaying"
	statusLive      = "live"
	statusDone      = "done"
	statusFailed    = "failed"
)

type adapterState struct {
	mu       sync.Mutex
	name     string
	kind     string
	status   string
	lastTick time.Time
	ticks    uint64
	dropped  uint64
	clamped  uint64
	err      error
}

func (s *adapterState) view() AdapterState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := AdapterState{Name: s.name, Kind: s.kind, Status: s.status, LastTick: s.lastTick, Ticks: s.ticks, Dropped: s.dropped, Clamped: s.clamped}
	if s.err != nil {
		out.Err = s.err.Error()
	}
	return out
}

// adapterManager bridges pull, push and push-pull sources into the
// scheduler. Pull histories are drained at start; push sources run on their
// own goroutines and cross into the queue under its lock.
type adapterManager struct {
	l         *Loop
	mu        sync.Mutex
	states    []*adapterState
	lateDrops atomic.Uint64
}

func (m *adapterManager) addState(st *adapterState) {
	m.mu.Lock()
	m.states = append(m.states, st)
	m.mu.Unlock()
}

func newAdapterManager(l *Loop) *adapterManager {
	return &adapterManager{l: l}
}

func (m *adapterManager) snapshot() []AdapterState {
	m.mu.Lock()
	states := append([]*adapterState(nil), m.states...)
	m.mu.Unlock()
	out := make([]AdapterState, 0, len(states))
	for _, s := range states {
		out = append(out, s.view())
	}
	return out
}

func (m *adapterManager) start(ctx context.Context) error {
	for _, pb := range m.l.g.Pulls {
		st := &adapterState{name: pb.Name, kind: "pull", status: statusIdle}
		m.addState(st)
		if err := m.drainPull(pb, st); err != nil {
			st.mu.Lock()
			st.status = statusFailed
			st.err = err
			st.mu.Unlock()
			return &types.StartError{Adapter: pb.Name, Err: err}
		}
	}
	for _, pb := range m.l.g.Pushes {
		st := &adapterState{name: pb.Name, kind: "push", status: statusLive}
		m.addState(st)
		sink := &pushSink{m: m, edge: pb.Edge, policy: pb.Policy, st: st}
		if err := pb.Impl.Start(sink, m.l.opts.Start, m.l.opts.End); err != nil {
			st.mu.Lock()
			st.status = statusFailed
			st.err = err
			st.mu.Unlock()
			return &types.StartError{Adapter: pb.Name, Err: fmt.Errorf("%w: %v", types.ErrAdapterInit, err)}
		}
	}
	for _, pb := range m.l.g.PushPulls {
		st := &adapterState{name: pb.Name, kind: "push-pull", status: statusReplaying}
		m.addState(st)
		sink := &replaySink{pushSink: pushSink{m: m, edge: pb.Edge, policy: pb.Policy, st: st}}
		if err := pb.Impl.Start(sink, m.l.opts.Start, m.l.opts.End); err != nil {
			st.mu.Lock()
			st.status = statusFailed
			st.err = err
			st.mu.Unlock()
			return &types.StartError{Adapter: pb.Name, Err: fmt.Errorf("%w: %v", types.ErrAdapterInit, err)}
		}
	}
	return nil
}

// drainPull reads the full history into the scheduler. Timestamps must be
// non-decreasing and never before engine start; ticks past endtime are
// discarded.
func (m *adapterManager) drainPull(pb *graph.PullBinding, st *adapterState) error {
	if err := pb.Impl.Open(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrAdapterInit, err)
	}
	defer func() { _ = pb.Impl.Close() }()
	var prev time.Time
	var n uint64
	for {
		t, v, ok, err := pb.Impl.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrAdapterSource, err)
		}
		if !ok {
			break
		}
		if t.Before(m.l.opts.Start) {
			return fmt.Errorf("%w: tick at %s before engine start %s", types.ErrAdapterSource, t.Format(time.RFC3339Nano), m.l.opts.Start.Format(time.RFC3339Nano))
		}
		if !prev.IsZero() && t.Before(prev) {
			return fmt.Errorf("%w: pull source regressed from %s to %s", types.ErrTimeRegression, prev.Format(time.RFC3339Nano), t.Format(time.RFC3339Nano))
		}
		prev = t
		if t.After(m.l.opts.End) {
			continue
		}
		if v.Kind() != pb.Edge.Kind {
			return fmt.Errorf("%w: edge %s carries %s, got %s", types.ErrTypeMismatch, pb.Edge.Name, pb.Edge.Kind, v.Kind())
		}
		m.l.q.Push(t, 0, sched.KindAdapterPush, pb.Edge.ID, -1, v)
		n++
	}
	st.mu.Lock()
	st.status = statusDone
	st.ticks = n
	st.lastTick = prev
	st.mu.Unlock()
	return nil
}

func (m *adapterManager) stop() {
	for _, pb := range m.l.g.Pushes {
		if err := pb.Impl.Stop(); err != nil {
			m.l.log.Error("push adapter stop failed", "adapter", pb.Name, "err", err)
		}
	}
	for _, pb := range m.l.g.PushPulls {
		if err := pb.Impl.Stop(); err != nil {
			m.l.log.Error("push-pull adapter stop failed", "adapter", pb.Name, "err", err)
		}
	}
}

// pushSink is the engine side of a live adapter. PushTick runs on the
// adapter goroutine; ordering between concurrent adapters is whoever
// reaches the queue lock first.
type pushSink struct {
	m      *adapterManager
	edge   *graph.EdgeInfo
	policy adapter.LatePolicy
	st     *adapterState
}

func (s *pushSink) PushTick(t time.Time, v types.Value) error {
	return s.push(t, v)
}

func (s *pushSink) push(t time.Time, v types.Value) error {
	if v.Kind() != s.edge.Kind {
		return fmt.Errorf("%w: edge %s carries %s, got %s", types.ErrTypeMismatch, s.edge.Name, s.edge.Kind, v.Kind())
	}
	if now := s.m.l.Now(); t.Before(now) {
		if s.policy == adapter.LateDrop {
			s.st.mu.Lock()
			s.st.dropped++
			s.st.mu.Unlock()
			s.m.lateDrops.Add(1)
			s.m.l.met.LateTick(s.st.name, "drop")
			s.m.l.publish(events.Event{Category: events.CategoryAdapter, Type: "late_tick_dropped", Severity: "warn",
				Labels: map[string]string{"adapter": s.st.name},
				Fields: map[string]interface{}{"tick": t, "engine_now": now}})
			return nil
		}
		s.st.mu.Lock()
		s.st.clamped++
		s.st.mu.Unlock()
		s.m.l.met.LateTick(s.st.name, "clamp")
		t = now
	}
	s.st.mu.Lock()
	s.st.ticks++
	s.st.lastTick = t
	s.st.mu.Unlock()
	s.m.l.q.Push(t, 0, sched.KindAdapterPush, s.edge.ID, -1, v)
	return nil
}

// replaySink adds the push-pull replay protocol on top of pushSink.
type replaySink struct {
	pushSink
	mu         sync.Mutex
	replayDone bool
	lastReplay time.Time
}

func (s *replaySink) PushTickMode(live bool, t time.Time, v types.Value) error {
	s.mu.Lock()
	if !live {
		if s.replayDone {
			s.mu.Unlock()
			return fmt.Errorf("%w: replay tick after replay completed", types.ErrAdapterSource)
		}
		if !s.lastReplay.IsZero() && t.Before(s.lastReplay) {
			s.mu.Unlock()
			return fmt.Errorf("%w: replay regressed from %s to %s", types.ErrTimeRegression, s.lastReplay.Format(time.RFC3339Nano), t.Format(time.RFC3339Nano))
		}
		s.lastReplay = t
		s.mu.Unlock()
		// Replay ticks bypass the late policy: historical times are the
		// point of the replay phase.
		if v.Kind() != s.edge.Kind {
			return fmt.Errorf("%w: edge %s carries %s, got %s", types.ErrTypeMismatch, s.edge.Name, s.edge.Kind, v.Kind())
		}
		s.st.mu.Lock()
		s.st.ticks++
		s.st.lastTick = t
		s.st.mu.Unlock()
		s.m.l.q.Push(t, 0, sched.KindAdapterPush, s.edge.ID, -1, v)
		return nil
	}
	if !s.replayDone {
		s.mu.Unlock()
		return fmt.Errorf("%w: live tick before replay completed", types.ErrAdapterSource)
	}
	// The replay boundary is inclusive on the pull side: live must be
	// strictly after the last replayed time.
	if !t.After(s.lastReplay) {
		s.mu.Unlock()
		return fmt.Errorf("%w: live tick %s at or before replay boundary %s", types.ErrLateAfterReplay, t.Format(time.RFC3339Nano), s.lastReplay.Format(time.RFC3339Nano))
	}
	s.mu.Unlock()
	return s.push(t, v)
}

func (s *replaySink) FlagReplayComplete() {
	s.mu.Lock()
	already := s.replayDone
	s.replayDone = true
	boundary := s.lastReplay
	s.mu.Unlock()
	if already {
		return
	}
	s.st.mu.Lock()
	s.st.status = statusLive
	s.st.mu.Unlock()
	s.m.l.publish(events.Event{Category: events.CategoryAdapter, Type: "replay_complete", Severity: "info",
		Labels: map[string]string{"adapter": s.st.name},
		Fields: map[string]interface{}{"boundary": boundary}})
}
