// Command cascade runs a declarative graph spec through the engine: load
// env + YAML config, build the graph, run in simulation or real time, and
// expose telemetry over HTTP.
//
// Exit codes: 0 normal, 64 graph-build error, 65 runtime error,
// 130 interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	cascade "github.com/wavecrest/cascade"
	"github.com/wavecrest/cascade/adapter"
	"github.com/wavecrest/cascade/adapters/telemetryhttp"
	"github.com/wavecrest/cascade/configfile"
	"github.com/wavecrest/cascade/graph"
	"github.com/wavecrest/cascade/graphspec"
	"github.com/wavecrest/cascade/types"
)

const (
	exitOK          = 0
	exitBuildError  = 64
	exitRuntime     = 65
	exitInterrupted = 130
)

func main() { os.Exit(run()) }

func run() int {
	var (
		configPath = flag.String("config", "cascade.yaml", "engine config file")
		graphPath  = flag.String("graph", "", "graph spec file (required)")
		realtime   = flag.Bool("realtime", false, "run against wall clock")
		duration   = flag.Duration("duration", 0, "run horizon from start (overrides config)")
	)
	flag.Parse()
	_ = godotenv.Load()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	if *graphPath == "" {
		log.Error("missing -graph")
		return exitBuildError
	}

	cf, _, err := configfile.Load(*configPath)
	if err != nil {
		log.Error("config load failed", "err", err)
		return exitBuildError
	}

	cfg := cascade.Defaults()
	cfg.Logger = log
	cfg.MetricsEnabled = cf.Telemetry.MetricsEnabled
	if cf.Telemetry.MetricsBackend != "" {
		cfg.MetricsBackend = cf.Telemetry.MetricsBackend
	}
	eng, err := cascade.New(cfg)
	if err != nil {
		log.Error("engine init failed", "err", err)
		return exitBuildError
	}
	if cf.Telemetry.SamplePercent > 0 || cf.Telemetry.ProbeTTL > 0 {
		pol := eng.Policy()
		if cf.Telemetry.SamplePercent > 0 {
			pol.Tracing.SamplePercent = cf.Telemetry.SamplePercent
		}
		if cf.Telemetry.ProbeTTL > 0 {
			pol.Health.ProbeTTL = cf.Telemetry.ProbeTTL
		}
		eng.UpdateTelemetryPolicy(&pol)
	}

	spec, err := graphspec.ParseFile(*graphPath)
	if err != nil {
		log.Error("graph spec parse failed", "err", err)
		return exitBuildError
	}
	g, err := graphspec.Build(spec, builtinRegistry(), graphspec.BuildOptions{
		Sink: func(name string) graph.SinkFunc {
			return func(t time.Time, v types.Value) {
				log.Info("tick", "sink", name, "t", t.Format(time.RFC3339Nano), "value", v.String())
			}
		},
	})
	if err != nil {
		log.Error("graph build failed", "err", err)
		return exitBuildError
	}

	if cf.Telemetry.ListenAddr != "" {
		mux := telemetryhttp.NewMux(telemetryhttp.Options{Engine: eng, IncludeChecks: true})
		srv := &http.Server{Addr: cf.Telemetry.ListenAddr, Handler: mux}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("telemetry listener failed", "err", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	// Hot reload of telemetry policy while the run is live.
	if w, err := configfile.NewWatcher(*configPath); err == nil {
		if changes, werrs, err := w.Watch(); err == nil {
			go func() {
				for {
					select {
					case ch, ok := <-changes:
						if !ok {
							return
						}
						pol := eng.Policy()
						if ch.File.Telemetry.SamplePercent > 0 {
							pol.Tracing.SamplePercent = ch.File.Telemetry.SamplePercent
						}
						if ch.File.Telemetry.ProbeTTL > 0 {
							pol.Health.ProbeTTL = ch.File.Telemetry.ProbeTTL
						}
						eng.UpdateTelemetryPolicy(&pol)
						log.Info("telemetry policy reloaded", "checksum", ch.Checksum[:8])
					case err, ok := <-werrs:
						if !ok {
							return
						}
						log.Warn("config watch error", "err", err)
					}
				}
			}()
			defer func() { _ = w.Close() }()
		}
	}

	opts := cascade.RunOptions{Start: cf.Run.Start, End: cf.Run.End, Realtime: cf.Run.Realtime || *realtime}
	if opts.Realtime && opts.Start.IsZero() {
		opts.Start = time.Now()
	}
	if *duration > 0 {
		opts.End = opts.Start.Add(*duration)
	} else if opts.End.IsZero() && cf.Run.Duration > 0 {
		opts.End = opts.Start.Add(cf.Run.Duration)
	}

	var interrupted atomic.Bool
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		interrupted.Store(true)
		log.Info("interrupt received, stopping after current cycle")
		eng.Stop()
	}()

	err = eng.Run(context.Background(), g, opts)
	switch {
	case err != nil:
		var be *types.BuildError
		if errors.As(err, &be) {
			log.Error("build error", "err", err)
			return exitBuildError
		}
		log.Error("run failed", "err", err)
		return exitRuntime
	case interrupted.Load():
		return exitInterrupted
	default:
		snap := eng.Snapshot()
		log.Info("run complete", "cycles", snap.Cycles)
		return exitOK
	}
}

// builtinRegistry wires the adapter and node kinds the CLI ships with;
// embedding applications register their own.
func builtinRegistry() *graphspec.Registry {
	reg := graphspec.NewRegistry()

	// replay: pull adapter over inline [{t, value}] ticks (RFC3339 or
	// duration offsets from the unix epoch for simulations).
	reg.RegisterPull("replay", func(cfg map[string]any) (adapter.Pull, error) {
		raw, _ := cfg["ticks"].([]any)
		pull := &adapter.SlicePull{}
		for _, it := range raw {
			m, ok := it.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("replay tick must be a map")
			}
			t, err := parseTickTime(m["t"])
			if err != nil {
				return nil, err
			}
			v, err := parseTickValue(m["value"])
			if err != nil {
				return nil, err
			}
			pull.Ticks = append(pull.Ticks, adapter.Tick{T: t, V: v})
		}
		return pull, nil
	})

	// sum: adds the latest value of every int input on any tick; inputs
	// that never ticked count as zero.
	reg.RegisterNode("sum", func(cfg map[string]any) (graph.Node, error) {
		return graph.FuncNode{Fire: func(ctx graph.Context) error {
			var total int64
			for i := 0; i < ctx.Inputs(); i++ {
				if v, ok := ctx.Input(i).Last(); ok {
					total += v.Int()
				}
			}
			return ctx.Write(0, types.Int(total))
		}}, nil
	})

	// passthrough: re-emits its single input.
	reg.RegisterNode("passthrough", func(cfg map[string]any) (graph.Node, error) {
		return graph.FuncNode{Fire: func(ctx graph.Context) error {
			if v, ok := ctx.Input(0).Last(); ok {
				return ctx.Write(0, v)
			}
			return nil
		}}, nil
	})

	return reg
}

func parseTickTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return t, nil
		}
		if d, err := time.ParseDuration(x); err == nil {
			return time.Unix(0, 0).Add(d), nil
		}
		return time.Time{}, fmt.Errorf("unparseable tick time %q", x)
	case int:
		return time.Unix(0, int64(x)), nil
	default:
		return time.Time{}, fmt.Errorf("unparseable tick time %v", v)
	}
}

func parseTickValue(v any) (types.Value, error) {
	switch x := v.(type) {
	case bool:
		return types.Bool(x), nil
	case int:
		return types.Int(int64(x)), nil
	case float64:
		return types.Float(x), nil
	case string:
		return types.Str(x), nil
	default:
		return types.Value{}, fmt.Errorf("unsupported tick value %v", v)
	}
}
