package runtime

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/internal/sched"
	"github.com/wavecrest/cascade/internal/ts"
	"github.com/wavecrest/cascade/types"
)

// nodeCtx is the per-invocation implementation of graph.Context. Valid only
// for the duration of one handler call on the engine goroutine.
type nodeCtx struct {
	l   *Loop
	n   *graph.NodeInfo
	t   time.Time
	sub *subcycle // nil during static OnStart / OnStop
	ph  phase
}

func (c *nodeCtx) Now() time.Time { return c.t }
func (c *nodeCtx) Name() string   { return c.n.Name }

func (c *nodeCtx) Logger() *slog.Logger {
	return c.l.log.With(slog.String("node", c.n.Name))
}

func (c *nodeCtx) Inputs() int { return len(c.n.Inputs) }

func (c *nodeCtx) Ticked(input int) bool {
	if input < 0 || input >= len(c.n.Inputs) {
		return false
	}
	e := c.n.Inputs[input].Edge
	return !e.Dead && e.Series.TickedAt(c.t)
}

func (c *nodeCtx) Input(input int) graph.SeriesView {
	in := c.n.Inputs[input]
	return seriesView{s: in.Edge.Series, depth: in.History}
}

func (c *nodeCtx) Write(output int, v types.Value) error {
	if c.ph == phaseStop {
		return fmt.Errorf("write from OnStop is not allowed")
	}
	if output < 0 || output >= len(c.n.Outputs) {
		return fmt.Errorf("node %s has no output slot %d", c.n.Name, output)
	}
	e := c.n.Outputs[output]
	if v.Kind() != e.Kind {
		return fmt.Errorf("%w: output %s carries %s, got %s", types.ErrTypeMismatch, e.Name, e.Kind, v.Kind())
	}
	if !c.l.running {
		// Initial writes from OnStart are delivered in the first cycle at
		// engine start time.
		c.l.q.Push(c.t, c.n.Rank, sched.KindEdgeWrite, e.ID, c.n.ID, v)
		return nil
	}
	return c.l.applyWrite(e.ID, c.t, v, c.sub)
}

func (c *nodeCtx) ScheduleAlarm(slot int, delay time.Duration, v types.Value) (graph.AlarmHandle, error) {
	if slot < 0 || slot >= len(c.n.Alarms) {
		return nil, fmt.Errorf("node %s has no alarm slot %d", c.n.Name, slot)
	}
	if delay < 0 {
		return nil, fmt.Errorf("alarm delay must be >= 0, got %s", delay)
	}
	e := c.n.Alarms[slot]
	if v.Kind() != e.Kind {
		return nil, fmt.Errorf("%w: alarm %s carries %s, got %s", types.ErrTypeMismatch, e.Name, e.Kind, v.Kind())
	}
	if delay == 0 && c.l.running {
		// Same-time alarms land after current propagation settles.
		ev := c.l.q.Deferred(c.t, sched.KindAlarm, e.ID, c.n.ID, v)
		c.l.deferred = append(c.l.deferred, ev)
		return alarmHandle{q: c.l.q, ev: ev}, nil
	}
	ev := c.l.q.Push(c.t.Add(delay), c.n.Rank, sched.KindAlarm, e.ID, c.n.ID, v)
	return alarmHandle{q: c.l.q, ev: ev}, nil
}

func (c *nodeCtx) TickedAlarm(slot int) bool {
	if slot < 0 || slot >= len(c.n.Alarms) {
		return false
	}
	return c.n.Alarms[slot].Series.TickedAt(c.t)
}

func (c *nodeCtx) AlarmValue(slot int) types.Value {
	if slot < 0 || slot >= len(c.n.Alarms) {
		return types.Value{}
	}
	if s, ok := c.n.Alarms[slot].Series.Last(); ok {
		return s.V
	}
	return types.Value{}
}

func (c *nodeCtx) RequestStop() { c.l.Stop() }

type alarmHandle struct {
	q  *sched.Queue
	ev *sched.Event
}

func (h alarmHandle) Cancel() { h.q.Cancel(h.ev) }

// seriesView narrows an edge buffer to the history depth this subscription
// declared at build time.
type seriesView struct {
	s     *ts.Series
	depth int
}

func (v seriesView) Last() (types.Value, bool) {
	s, ok := v.s.Last()
	if !ok {
		return types.Value{}, false
	}
	return s.V, true
}

func (v seriesView) At(k int) (types.Value, error) {
	if k > v.depth {
		return types.Value{}, fmt.Errorf("%w: requested %d ticks back, subscription declared history %d", types.ErrHistoryUnderflow, k, v.depth)
	}
	s, err := v.s.At(k)
	if err != nil {
		return types.Value{}, err
	}
	return s.V, nil
}

func (v seriesView) LastTime() time.Time { return v.s.LastTime() }
