package cascade

import "log/slog"

// Config is the public configuration surface for the Engine facade. Graph
// topology is supplied separately at Run time; Config covers the ambient
// concerns (logging, telemetry) shared by every run.
type Config struct {
	// Logger receives engine and node logs. Defaults to slog.Default().
	Logger *slog.Logger

	// MetricsEnabled toggles the metrics provider wiring.
	MetricsEnabled bool
	// MetricsBackend selects the implementation when MetricsEnabled is true:
	//   "prom" (default) - built-in Prometheus registry
	//   "otel"          - OpenTelemetry bridge
	//   "noop"          - explicit no-op (overrides MetricsEnabled true)
	// Unknown values fall back to the default (prom).
	MetricsBackend string

	// EventsEnabled wires the internal telemetry event bus. Observers added
	// with RegisterEventObserver receive events whether or not it is set.
	EventsEnabled bool
	// TracingEnabled samples one span per engine run at the telemetry
	// policy's sample rate; individual cycles are not traced.
	TracingEnabled bool
	// HealthEnabled wires subsystem health probes.
	HealthEnabled bool

	// EventBuffer is not read by the engine and has no effect: observers are
	// called synchronously without a channel, and the engine opens no bus
	// subscriptions of its own.
	EventBuffer int
}

// Defaults returns a Config with telemetry subsystems on and metrics off
// (enable explicitly to export).
func Defaults() Config {
	return Config{
		MetricsBackend: "prom",
		EventsEnabled:  true,
		TracingEnabled: true,
		HealthEnabled:  true,
	}
}
