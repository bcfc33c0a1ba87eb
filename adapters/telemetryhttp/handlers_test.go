package telemetryhttp

import (
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cascade "github.com/wavecrest/cascade"
)

func TestHealthHandlerServesRollupAndRun(t *testing.T) {
	eng, err := cascade.New(cascade.Defaults())
	require.NoError(t, err)

	h := NewHealthHandler(Options{Engine: eng, IncludeChecks: true})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))

	require.Equal(t, 200, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body["overall"])
	assert.NotEmpty(t, body["checks"])
	run, ok := body["run"].(map[string]any)
	require.True(t, ok, "health body must carry the run summary")
	assert.NotEmpty(t, run["run_id"])
}

func TestHealthHandlerNilEngine(t *testing.T) {
	h := NewHealthHandler(Options{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, 503, rr.Code)
}

func TestReadinessBeforeAnyRun(t *testing.T) {
	eng, err := cascade.New(cascade.Defaults())
	require.NoError(t, err)

	h := NewReadinessHandler(Options{Engine: eng})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/readyz", nil))

	// All subsystems report unknown before the first run; an idle engine is
	// still ready to accept one.
	assert.Equal(t, 200, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, true, body["ready"])
}

func TestStatusHandlerServesSnapshot(t *testing.T) {
	eng, err := cascade.New(cascade.Defaults())
	require.NoError(t, err)

	h := NewStatusHandler(Options{Engine: eng})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/statusz", nil))

	require.Equal(t, 200, rr.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.NotEmpty(t, body["run_id"])
	assert.Equal(t, false, body["running"])
}

func TestMetricsHandlerDisabled(t *testing.T) {
	eng, err := cascade.New(cascade.Config{})
	require.NoError(t, err)
	h := NewMetricsHandler(eng)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rr.Code)
}

func TestMuxRoutesAllEndpoints(t *testing.T) {
	cfg := cascade.Defaults()
	cfg.MetricsEnabled = true
	eng, err := cascade.New(cfg)
	require.NoError(t, err)

	mux := NewMux(Options{Engine: eng, IncludeChecks: true})
	for path, want := range map[string]int{"/healthz": 200, "/readyz": 200, "/statusz": 200, "/metrics": 200} {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest("GET", path, nil))
		assert.Equal(t, want, rr.Code, path)
	}
}
