// Package metrics records the engine's metric surface. The engine emits a
// known, closed set of series (cycle throughput, scheduler backlog, node
// fires, adapter late ticks, event-bus traffic, health rollup), so instead
// of a general-purpose instrument factory the contract is one method per
// series; backends materialize exactly that set.
package metrics

import "time"

// Instruments is the closed set of series the engine records. Label sets
// are fixed at the call site: event kind, adapter name, the late-tick
// action and the event-bus subscriber id are the only labels in the system.
type Instruments interface {
	// CycleFinished records one completed engine cycle and its wall-clock
	// duration.
	CycleFinished(d time.Duration)
	// EventApplied counts one scheduler event by kind (adapter-push,
	// edge-write, alarm, control).
	EventApplied(kind string)
	// NodeFired counts one handler invocation.
	NodeFired()
	// QueueDepth reports pending scheduler events including tombstones.
	QueueDepth(n int)
	// BasketInstances reports live dynamic sub-graph instances.
	BasketInstances(n int)
	// LateTick counts a live tick behind engine time and the action taken
	// (clamp or drop).
	LateTick(adapter, action string)
	// BusPublished and BusDropped count internal telemetry event traffic;
	// drops are attributed to the slow subscriber.
	BusPublished()
	BusDropped(subscriber string)
	// HealthStatus records the overall health rollup
	// (1 healthy, 0.5 degraded, 0 unhealthy, -1 unknown).
	HealthStatus(v float64)
}

type noop struct{}

// Noop returns Instruments that discard every observation.
func Noop() Instruments { return noop{} }

func (noop) CycleFinished(time.Duration) {}
func (noop) EventApplied(string)         {}
func (noop) NodeFired()                  {}
func (noop) QueueDepth(int)              {}
func (noop) BasketInstances(int)         {}
func (noop) LateTick(string, string)     {}
func (noop) BusPublished()               {}
func (noop) BusDropped(string)           {}
func (noop) HealthStatus(float64)        {}
