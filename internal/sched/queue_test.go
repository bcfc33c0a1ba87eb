package sched

import (
	"testing"
	"time"

	"github.com/wavecrest/cascade/types"
)

func at(ns int64) time.Time { return time.Unix(0, ns) }

func TestQueueOrdering(t *testing.T) {
	q := NewQueue()
	q.Push(at(20), 0, KindEdgeWrite, 1, -1, types.Int(1))
	q.Push(at(10), 5, KindEdgeWrite, 2, -1, types.Int(2))
	q.Push(at(10), 1, KindEdgeWrite, 3, -1, types.Int(3))
	q.Push(at(10), 1, KindEdgeWrite, 4, -1, types.Int(4))

	pt, ok := q.PeekTime()
	if !ok || !pt.Equal(at(10)) {
		t.Fatalf("peek = %v ok=%v, want 10ns", pt, ok)
	}
	bucket := q.PopCycle(at(10))
	if len(bucket) != 3 {
		t.Fatalf("expected 3 events at 10ns, got %d", len(bucket))
	}
	// (rank asc, seq asc): edge 3 (rank1,seq3), edge 4 (rank1,seq4), edge 2 (rank5)
	want := []int{3, 4, 2}
	for i, ev := range bucket {
		if ev.Edge != want[i] {
			t.Fatalf("bucket[%d].Edge = %d, want %d", i, ev.Edge, want[i])
		}
	}
	if q.Len() != 1 {
		t.Fatalf("expected 1 remaining, got %d", q.Len())
	}
}

func TestQueueCancelTombstone(t *testing.T) {
	q := NewQueue()
	ev := q.Push(at(10), 0, KindAlarm, 1, 1, types.Bool(true))
	q.Push(at(20), 0, KindEdgeWrite, 2, -1, types.Int(1))
	q.Cancel(ev)
	pt, ok := q.PeekTime()
	if !ok || !pt.Equal(at(20)) {
		t.Fatalf("peek after cancel = %v, want 20ns", pt)
	}
	bucket := q.PopCycle(at(20))
	if len(bucket) != 1 || bucket[0].Edge != 2 {
		t.Fatalf("unexpected bucket %+v", bucket)
	}
	// Cancel after pop is a no-op.
	q.Cancel(bucket[0])
}

func TestQueueDeferredSequencing(t *testing.T) {
	q := NewQueue()
	a := q.Deferred(at(10), KindEdgeWrite, 1, -1, types.Int(1))
	b := q.Deferred(at(10), KindEdgeWrite, 2, -1, types.Int(2))
	if b.Seq <= a.Seq {
		t.Fatalf("deferred seq must increase: %d then %d", a.Seq, b.Seq)
	}
	if q.Len() != 0 {
		t.Fatal("deferred events must not enter the heap")
	}
}

func TestQueueNotifySignal(t *testing.T) {
	q := NewQueue()
	q.Push(at(10), 0, KindAdapterPush, 1, -1, types.Int(1))
	select {
	case <-q.Notify():
	default:
		t.Fatal("expected notify signal after push")
	}
}

func TestQueueSeqMonotonicAcrossKinds(t *testing.T) {
	q := NewQueue()
	var prev uint64
	for i := 0; i < 100; i++ {
		ev := q.Push(at(int64(i)), i%3, KindEdgeWrite, i, -1, types.Int(int64(i)))
		if ev.Seq <= prev {
			t.Fatalf("seq not monotonic at %d", i)
		}
		prev = ev.Seq
	}
}
