package cascade

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/types"
)

// tickerPush emits values from its own goroutine at the given cadence,
// stamped with the wall clock.
type tickerPush struct {
	values []int64
	every  time.Duration
	stop   chan struct{}
}

func (p *tickerPush) Start(sink adapter.Sink, start, end time.Time) error {
	p.stop = make(chan struct{})
	go func() {
		for _, v := range p.values {
			select {
			case <-p.stop:
				return
			case <-time.After(p.every):
			}
			_ = sink.PushTick(time.Now(), types.Int(v))
		}
	}()
	return nil
}

func (p *tickerPush) Stop() error {
	if p.stop != nil {
		close(p.stop)
	}
	return nil
}

func TestRealtimePushDelivery(t *testing.T) {
	var out []rec
	impl := &tickerPush{values: []int64{1, 2, 3}, every: 30 * time.Millisecond}
	b := graph.NewBuilder()
	e1 := b.AddPush("live", types.KindInt, impl, adapter.LateClamp)
	b.AddSink("collect", e1, collect(&out))
	g, err := b.Finalize()
	require.NoError(t, err)

	start := time.Now()
	e := quietEngine(t)
	require.NoError(t, e.Run(context.Background(), g, RunOptions{Start: start, End: start.Add(400 * time.Millisecond), Realtime: true}))

	require.Len(t, out, 3)
	for i := 1; i < len(out); i++ {
		assert.False(t, out[i].t.Before(out[i-1].t), "delivery order must be time-ordered")
	}
	assert.Equal(t, int64(1), out[0].v.Int())
	assert.Equal(t, int64(3), out[2].v.Int())
}

// latePush emits one tick stamped in the past relative to engine time.
type latePush struct {
	behind time.Duration
	done   chan struct{}
}

func (p *latePush) Start(sink adapter.Sink, start, end time.Time) error {
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		time.Sleep(50 * time.Millisecond)
		_ = sink.PushTick(start.Add(-p.behind), types.Int(9))
	}()
	return nil
}

func (p *latePush) Stop() error {
	if p.done != nil {
		<-p.done
	}
	return nil
}

func TestRealtimeLateTickClamped(t *testing.T) {
	var out []rec
	b := graph.NewBuilder()
	e1 := b.AddPush("late", types.KindInt, &latePush{behind: time.Second}, adapter.LateClamp)
	b.AddSink("collect", e1, collect(&out))
	g, err := b.Finalize()
	require.NoError(t, err)

	start := time.Now()
	e := quietEngine(t)
	require.NoError(t, e.Run(context.Background(), g, RunOptions{Start: start, End: start.Add(250 * time.Millisecond), Realtime: true}))

	require.Len(t, out, 1)
	assert.False(t, out[0].t.Before(start), "clamped tick must not precede engine time")

	snap := e.Snapshot()
	require.Len(t, snap.Adapters, 1)
	assert.Equal(t, uint64(1), snap.Adapters[0].Clamped)
}

func TestRealtimeLateTickDropped(t *testing.T) {
	var out []rec
	b := graph.NewBuilder()
	e1 := b.AddPush("late", types.KindInt, &latePush{behind: time.Second}, adapter.LateDrop)
	b.AddSink("collect", e1, collect(&out))
	g, err := b.Finalize()
	require.NoError(t, err)

	start := time.Now()
	e := quietEngine(t)
	require.NoError(t, e.Run(context.Background(), g, RunOptions{Start: start, End: start.Add(250 * time.Millisecond), Realtime: true}))

	assert.Empty(t, out)
	snap := e.Snapshot()
	require.Len(t, snap.Adapters, 1)
	assert.Equal(t, uint64(1), snap.Adapters[0].Dropped)
}

func TestStopIsIdempotent(t *testing.T) {
	b := graph.NewBuilder()
	n := b.AddNode("idle", nil)
	n.Alarm(types.KindBool)
	n.Info().Handler = graph.FuncNode{
		Start: func(ctx graph.Context) error {
			_, err := ctx.ScheduleAlarm(0, time.Hour, types.Bool(true))
			return err
		},
	}
	g, err := b.Finalize()
	require.NoError(t, err)

	e := quietEngine(t)
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background(), g, RunOptions{Start: start, End: start.Add(time.Hour), Realtime: true})
	}()
	time.Sleep(50 * time.Millisecond)
	e.Stop()
	e.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestEngineRejectsConcurrentRuns(t *testing.T) {
	b := graph.NewBuilder()
	n := b.AddNode("idle", nil)
	n.Alarm(types.KindBool)
	n.Info().Handler = graph.FuncNode{
		Start: func(ctx graph.Context) error {
			_, err := ctx.ScheduleAlarm(0, time.Hour, types.Bool(true))
			return err
		},
	}
	g, err := b.Finalize()
	require.NoError(t, err)

	e := quietEngine(t)
	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- e.Run(context.Background(), g, RunOptions{Start: start, End: start.Add(time.Hour), Realtime: true})
	}()
	time.Sleep(30 * time.Millisecond)
	err = e.Run(context.Background(), g, RunOptions{Start: start, End: start.Add(time.Hour), Realtime: true})
	require.Error(t, err)

	e.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}
