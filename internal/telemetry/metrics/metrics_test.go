package metrics

import (
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
)

func gatherNames(t *testing.T, reg *prom.Registry) map[string]bool {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	names := make(map[string]bool, len(mfs))
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	return names
}

func TestPrometheusBackendRecordsEngineSeries(t *testing.T) {
	reg := prom.NewRegistry()
	b := NewPrometheus(PrometheusOptions{Registry: reg})

	b.CycleFinished(50 * time.Microsecond)
	b.EventApplied("edge-write")
	b.NodeFired()
	b.QueueDepth(7)
	b.BasketInstances(2)
	b.LateTick("feed", "clamp")
	b.BusPublished()
	b.BusDropped("3")
	b.HealthStatus(1)

	names := gatherNames(t, reg)
	for _, want := range []string{
		"cascade_scheduler_cycles_total",
		"cascade_scheduler_cycle_seconds",
		"cascade_scheduler_events_total",
		"cascade_scheduler_node_fires_total",
		"cascade_scheduler_queue_depth",
		"cascade_graph_basket_instances",
		"cascade_adapter_late_ticks_total",
		"cascade_events_published_total",
		"cascade_events_dropped_total",
		"cascade_health_status",
	} {
		if !names[want] {
			t.Fatalf("expected series %s in exposition, have %v", want, names)
		}
	}
}

func TestPrometheusBackendCapsAdapterLabels(t *testing.T) {
	b := NewPrometheus(PrometheusOptions{LabelLimit: 2})
	if got := b.capLabel(b.adapters, "a"); got != "a" {
		t.Fatalf("first label = %q", got)
	}
	if got := b.capLabel(b.adapters, "b"); got != "b" {
		t.Fatalf("second label = %q", got)
	}
	if got := b.capLabel(b.adapters, "c"); got != "other" {
		t.Fatalf("overflow label = %q, want other", got)
	}
	// Known values keep reporting under their own name.
	if got := b.capLabel(b.adapters, "a"); got != "a" {
		t.Fatalf("known label = %q", got)
	}
}

func TestPrometheusBackendHandler(t *testing.T) {
	b := NewPrometheus(PrometheusOptions{})
	if b.Handler() == nil {
		t.Fatal("expected exposition handler")
	}
}

func TestNoopDiscardsEverything(t *testing.T) {
	n := Noop()
	n.CycleFinished(time.Millisecond)
	n.EventApplied("alarm")
	n.NodeFired()
	n.QueueDepth(1)
	n.BasketInstances(1)
	n.LateTick("x", "drop")
	n.BusPublished()
	n.BusDropped("1")
	n.HealthStatus(-1)
}

func TestOTelBackendConstructs(t *testing.T) {
	b := NewOTel(OTelOptions{})
	b.CycleFinished(time.Millisecond)
	b.EventApplied("edge-write")
	b.QueueDepth(3)
	b.LateTick("feed", "drop")
	b.HealthStatus(0.5)
}
