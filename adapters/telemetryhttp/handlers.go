// Package telemetryhttp exposes engine observability over HTTP: the health
// rollup, a readiness probe, the live run snapshot and the metrics
// exposition.
package telemetryhttp

import (
	"encoding/json"
	"net/http"
	"time"

	cascade "github.com/wavecrest/cascade"
	telemetryhealth "github.com/wavecrest/cascade/telemetry/health"
)

// Options configure the handlers.
type Options struct {
	Engine *cascade.Engine
	// IncludeChecks adds per-subsystem detail to health responses.
	IncludeChecks bool
}

// healthBody is the JSON shape served by /healthz and /readyz. It couples
// the health rollup with a reduced view of the active run so a probe page
// answers "is it healthy" and "what is it doing" in one request.
type healthBody struct {
	Overall   telemetryhealth.Status  `json:"overall"`
	Ready     *bool                   `json:"ready,omitempty"`
	Checks    []telemetryhealth.Check `json:"checks,omitempty"`
	Generated time.Time               `json:"generated"`
	TTL       time.Duration           `json:"ttl"`
	Run       *runBody                `json:"run,omitempty"`
}

type runBody struct {
	RunID      string    `json:"run_id"`
	Running    bool      `json:"running"`
	Cycles     uint64    `json:"cycles"`
	QueueDepth int       `json:"queue_depth"`
	Baskets    int       `json:"basket_instances"`
	EngineTime time.Time `json:"engine_time,omitempty"`
}

func runView(e *cascade.Engine) *runBody {
	snap := e.Snapshot()
	return &runBody{
		RunID:      snap.RunID,
		Running:    snap.Running,
		Cycles:     snap.Cycles,
		QueueDepth: snap.QueueDepth,
		Baskets:    snap.Baskets,
		EngineTime: snap.EngineTime,
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// NewMux wires all observability endpoints onto one mux: /healthz,
// /readyz, /statusz and /metrics.
func NewMux(opts Options) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/healthz", NewHealthHandler(opts))
	mux.Handle("/readyz", NewReadinessHandler(opts))
	mux.Handle("/statusz", NewStatusHandler(opts))
	mux.Handle("/metrics", NewMetricsHandler(opts.Engine))
	return mux
}

// NewHealthHandler serves the current health rollup plus the run summary.
// Always 200 when the engine exists; the body carries the verdict.
func NewHealthHandler(opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Engine == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine nil"})
			return
		}
		snap := opts.Engine.HealthSnapshot(r.Context())
		body := healthBody{Overall: snap.Overall, Generated: snap.Generated, TTL: snap.TTL, Run: runView(opts.Engine)}
		if opts.IncludeChecks {
			body.Checks = snap.Checks
		}
		writeJSON(w, http.StatusOK, body)
	})
}

// NewReadinessHandler serves 200 unless the rollup is unhealthy. Unknown
// subsystems (no active run yet) do not fail readiness: an idle engine is
// ready to accept a run.
func NewReadinessHandler(opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Engine == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine nil"})
			return
		}
		snap := opts.Engine.HealthSnapshot(r.Context())
		ready := snap.Overall != telemetryhealth.StatusUnhealthy
		body := healthBody{Overall: snap.Overall, Ready: &ready, Generated: snap.Generated, TTL: snap.TTL}
		if opts.IncludeChecks {
			body.Checks = snap.Checks
		}
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, body)
	})
}

// NewStatusHandler serves the full engine snapshot (run id, cycles, queue
// depth, adapter states, basket population).
func NewStatusHandler(opts Options) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if opts.Engine == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "engine nil"})
			return
		}
		writeJSON(w, http.StatusOK, opts.Engine.Snapshot())
	})
}

// NewMetricsHandler serves the engine's metrics endpoint, 404 when metrics
// are disabled or the backend has no HTTP exposition.
func NewMetricsHandler(e *cascade.Engine) http.Handler {
	if e == nil {
		return http.NotFoundHandler()
	}
	if h := e.MetricsHandler(); h != nil {
		return h
	}
	return http.NotFoundHandler()
}
