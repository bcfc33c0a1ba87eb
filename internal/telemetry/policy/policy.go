// Package policy holds runtime-tunable telemetry knobs. Snapshots are
// swapped atomically; callers hold an immutable copy so hot paths stay
// lock-free.
package policy

import "time"

type TelemetryPolicy struct {
	Health  HealthPolicy
	Tracing TracingPolicy
	Events  EventBusPolicy
}

type HealthPolicy struct {
	ProbeTTL time.Duration
	// Scheduler backlog thresholds (pending events incl. tombstones).
	QueueDegradedDepth  int
	QueueUnhealthyDepth int
	// Adapter late-tick drop thresholds, compared against the total number
	// of drops since the current run started.
	AdapterDegradedDrops  int
	AdapterUnhealthyDrops int
	// Real-time loop is degraded when no cycle completed within this long.
	CycleStallAfter time.Duration
}

type TracingPolicy struct {
	SamplePercent float64
}

type EventBusPolicy struct {
	MaxSubscriberBuffer int
}

// Default returns the policy the engine ships with. Downstream alerting may
// assume these semantics; adjust carefully.
func Default() TelemetryPolicy {
	return TelemetryPolicy{
		Health: HealthPolicy{
			ProbeTTL:              2 * time.Second,
			QueueDegradedDepth:    1 << 16,
			QueueUnhealthyDepth:   1 << 20,
			AdapterDegradedDrops:  64,
			AdapterUnhealthyDrops: 1024,
			CycleStallAfter:       30 * time.Second,
		},
		Tracing: TracingPolicy{SamplePercent: 5},
		Events:  EventBusPolicy{MaxSubscriberBuffer: 1024},
	}
}

// Normalize ensures sane bounds without mutating the original.
func (p TelemetryPolicy) Normalize() TelemetryPolicy {
	c := p
	if c.Health.ProbeTTL <= 0 {
		c.Health.ProbeTTL = 2 * time.Second
	}
	if c.Health.QueueDegradedDepth <= 0 {
		c.Health.QueueDegradedDepth = 1 << 16
	}
	if c.Health.QueueUnhealthyDepth <= c.Health.QueueDegradedDepth {
		c.Health.QueueUnhealthyDepth = c.Health.QueueDegradedDepth << 4
	}
	if c.Health.AdapterDegradedDrops <= 0 {
		c.Health.AdapterDegradedDrops = 64
	}
	if c.Health.AdapterUnhealthyDrops <= c.Health.AdapterDegradedDrops {
		c.Health.AdapterUnhealthyDrops = c.Health.AdapterDegradedDrops * 16
	}
	if c.Health.CycleStallAfter <= 0 {
		c.Health.CycleStallAfter = 30 * time.Second
	}
	if c.Tracing.SamplePercent < 0 {
		c.Tracing.SamplePercent = 0
	}
	if c.Tracing.SamplePercent > 100 {
		c.Tracing.SamplePercent = 100
	}
	if c.Events.MaxSubscriberBuffer <= 0 {
		c.Events.MaxSubscriberBuffer = 1024
	}
	return c
}
