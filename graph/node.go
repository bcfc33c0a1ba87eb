package graph

import (
	"log/slog"
	"time"

	"github.com/wavecrest/cascade/types"
)

// Node is the handler protocol the engine invokes. OnStart runs once after
// all edges are wired, in rank order; OnFire runs when at least one active
// input (or alarm) ticked at the current engine time; OnStop runs in reverse
// rank order at shutdown or basket teardown.
type Node interface {
	OnStart(ctx Context) error
	OnFire(ctx Context) error
	OnStop(ctx Context) error
}

// Base is an embeddable no-op implementation of OnStart and OnStop for
// nodes that only react to input ticks.
type Base struct{}

func (Base) OnStart(Context) error { return nil }
func (Base) OnStop(Context) error  { return nil }

// FuncNode adapts plain functions to the Node interface.
type FuncNode struct {
	Start func(ctx Context) error
	Fire  func(ctx Context) error
	Stop  func(ctx Context) error
}

func (f FuncNode) OnStart(ctx Context) error {
	if f.Start == nil {
		return nil
	}
	return f.Start(ctx)
}
func (f FuncNode) OnFire(ctx Context) error {
	if f.Fire == nil {
		return nil
	}
	return f.Fire(ctx)
}
func (f FuncNode) OnStop(ctx Context) error {
	if f.Stop == nil {
		return nil
	}
	return f.Stop(ctx)
}

// AlarmHandle cancels a pending alarm. Canceling after the alarm fired is a
// no-op.
type AlarmHandle interface {
	Cancel()
}

// SeriesView is a read-only window over one input's tick history.
type SeriesView interface {
	// Last returns the most recent value; ok is false if the edge never
	// ticked.
	Last() (v types.Value, ok bool)
	// At returns the value k ticks ago (k=0 is latest). Fails with
	// HistoryUnderflow when fewer than k+1 samples exist.
	At(k int) (types.Value, error)
	// LastTime returns the last tick time, or the zero time.
	LastTime() time.Time
}

// Context is the node's view of the engine during OnStart, OnFire and
// OnStop. It is only valid for the duration of the call; handlers must not
// retain it or call it from other goroutines.
type Context interface {
	// Now is the current engine time.
	Now() time.Time
	// Name is the node's graph name.
	Name() string
	// Logger returns the engine logger scoped to this node.
	Logger() *slog.Logger

	// Inputs is the number of wired input slots.
	Inputs() int
	// Ticked reports whether input slot i ticked in the current cycle.
	Ticked(input int) bool
	// Input reads input slot i's history.
	Input(input int) SeriesView

	// Write emits v on output slot i at the current engine time. A second
	// write to the same output within one cycle overwrites without
	// re-notifying consumers.
	Write(output int, v types.Value) error

	// ScheduleAlarm arms alarm slot i to self-tick after delay. delay 0
	// fires at the current engine time, after same-time propagation has
	// settled.
	ScheduleAlarm(slot int, delay time.Duration, v types.Value) (AlarmHandle, error)
	// TickedAlarm reports whether alarm slot i fired this cycle.
	TickedAlarm(slot int) bool
	// AlarmValue returns the payload of alarm slot i's latest firing.
	AlarmValue(slot int) types.Value

	// RequestStop asks the engine to terminate after the current cycle.
	RequestStop()
}
