// Package configfile loads engine configuration from YAML and watches it
// for hot reload. Telemetry policy changes apply to a running engine via
// Engine.UpdateTelemetryPolicy; topology changes require a restart.
package configfile

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the YAML-decodable configuration payload.
type File struct {
	Engine    EngineSection    `yaml:"engine"`
	Run       RunSection       `yaml:"run"`
	Telemetry TelemetrySection `yaml:"telemetry"`
}

type EngineSection struct {
	LogLevel string `yaml:"log_level"`
}

type RunSection struct {
	Start    time.Time     `yaml:"start"`
	End      time.Time     `yaml:"end"`
	Duration time.Duration `yaml:"duration"` // alternative to End for realtime runs
	Realtime bool          `yaml:"realtime"`
}

type TelemetrySection struct {
	MetricsEnabled bool          `yaml:"metrics_enabled"`
	MetricsBackend string        `yaml:"metrics_backend"`
	ListenAddr     string        `yaml:"listen_addr"`
	EventsEnabled  *bool         `yaml:"events_enabled"`
	TracingEnabled *bool         `yaml:"tracing_enabled"`
	HealthEnabled  *bool         `yaml:"health_enabled"`
	SamplePercent  float64       `yaml:"sample_percent"`
	ProbeTTL       time.Duration `yaml:"probe_ttl"`
}

// Load reads and decodes path. A missing file returns defaults (zero File)
// without error so callers can run config-less.
func Load(path string) (*File, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &File{}, "", nil
		}
		return nil, "", fmt.Errorf("read config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, "", fmt.Errorf("parse config: %w", err)
	}
	sum := sha256.Sum256(data)
	return &f, fmt.Sprintf("%x", sum), nil
}

// Change describes one observed config file update.
type Change struct {
	File      *File
	Checksum  string
	ChangedAt time.Time
}

// Watcher re-reads the config file on filesystem change and emits only
// content-distinct versions. A missing or empty file emits nothing.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	watching bool
	lastSum  string
}

func NewWatcher(path string) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{path: path, watcher: w}, nil
}

// Watch starts delivering changes until Close. Safe to call once.
func (w *Watcher) Watch() (<-chan *Change, <-chan error, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watching {
		return nil, nil, fmt.Errorf("already watching")
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return nil, nil, fmt.Errorf("watch config dir: %w", err)
	}
	w.watching = true
	changes := make(chan *Change, 10)
	errs := make(chan error, 10)
	go w.run(changes, errs)
	return changes, errs, nil
}

func (w *Watcher) run(changes chan<- *Change, errs chan<- error) {
	defer close(changes)
	defer close(errs)
	emptySum := fmt.Sprintf("%x", sha256.Sum256(nil))
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			f, sum, err := Load(w.path)
			if err != nil {
				select {
				case errs <- err:
				default:
				}
				continue
			}
			// Missing or empty content is the transient middle of a replace
			// or a truncate-then-write; the event that completes it follows.
			if sum == "" || sum == emptySum {
				continue
			}
			w.mu.Lock()
			dup := sum == w.lastSum
			if !dup {
				w.lastSum = sum
			}
			w.mu.Unlock()
			if dup {
				continue
			}
			select {
			case changes <- &Change{File: f, Checksum: sum, ChangedAt: time.Now()}:
			default:
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			select {
			case errs <- err:
			default:
			}
		}
	}
}

func (w *Watcher) Close() error { return w.watcher.Close() }
