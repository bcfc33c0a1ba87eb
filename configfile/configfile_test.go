package configfile

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	f, sum, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("missing file must not error: %v", err)
	}
	if sum != "" {
		t.Fatalf("expected empty checksum, got %q", sum)
	}
	if f.Telemetry.MetricsEnabled {
		t.Fatal("expected zero-value config")
	}
}

func TestLoadParsesSections(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cascade.yaml")
	doc := `
engine:
  log_level: debug
run:
  realtime: true
  duration: 5s
telemetry:
  metrics_enabled: true
  metrics_backend: prom
  listen_addr: ":2112"
  sample_percent: 25
  probe_ttl: 1s
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	f, sum, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if sum == "" {
		t.Fatal("expected checksum")
	}
	if f.Engine.LogLevel != "debug" || !f.Run.Realtime || f.Run.Duration != 5*time.Second {
		t.Fatalf("unexpected config %+v", f)
	}
	if !f.Telemetry.MetricsEnabled || f.Telemetry.ListenAddr != ":2112" || f.Telemetry.SamplePercent != 25 {
		t.Fatalf("unexpected telemetry %+v", f.Telemetry)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("telemetry: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestWatcherEmitsDistinctVersions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cascade.yaml")
	if err := os.WriteFile(path, []byte("engine: {log_level: info}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = w.Close() }()
	changes, _, err := w.Watch()
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("engine: {log_level: debug}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case ch := <-changes:
		if ch.File.Engine.LogLevel != "debug" {
			t.Fatalf("unexpected change %+v", ch.File)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for config change")
	}

	// Rewriting identical content must not emit again.
	if err := os.WriteFile(path, []byte("engine: {log_level: debug}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case ch := <-changes:
		t.Fatalf("unexpected duplicate change %+v", ch)
	case <-time.After(300 * time.Millisecond):
	}
}
