package observ

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogWritesEventAndFields(t *testing.T) {
	var buf bytes.Buffer
	prev := Logger()
	SetLogger(zerolog.New(&buf))
	t.Cleanup(func() { SetLogger(prev) })

	Log("gate_block", map[string]any{"symbol": "AAPL", "reason": "cooldown"})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "gate_block", entry["event"])
	assert.Equal(t, "AAPL", entry["symbol"])
	assert.Equal(t, "cooldown", entry["reason"])
	assert.Equal(t, "info", entry["level"])
}

func TestSetupLoggerRejectsBadLevel(t *testing.T) {
	err := SetupLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}

func TestSetupLoggerFileOutput(t *testing.T) {
	prev := Logger()
	t.Cleanup(func() { SetLogger(prev) })

	path := filepath.Join(t.TempDir(), "flowdesk.log")
	require.NoError(t, SetupLogger(LogConfig{Level: "warn", Output: path}))
	Log("ignored_at_warn", nil)
	Warn("kept", map[string]any{"n": 1})
}

func TestCounterAccumulatesPerLabelSet(t *testing.T) {
	IncCounter("test_blocks_total", map[string]string{"reason": "cooldown"})
	IncCounter("test_blocks_total", map[string]string{"reason": "cooldown"})
	IncCounterBy("test_blocks_total", map[string]string{"reason": "frozen"}, 3)

	assert.Equal(t, 2.0, CounterValue("test_blocks_total", map[string]string{"reason": "cooldown"}))
	assert.Equal(t, 3.0, CounterValue("test_blocks_total", map[string]string{"reason": "frozen"}))
	assert.Zero(t, CounterValue("test_never_total", nil))
}

func TestLabelMismatchIsDropped(t *testing.T) {
	SetGauge("test_gauge", 1, map[string]string{"a": "x"})
	SetGauge("test_gauge", 7, map[string]string{"b": "y"})

	assert.Equal(t, 1.0, GaugeValue("test_gauge", map[string]string{"a": "x"}))
}

func TestHandlerExposesPrefixedMetrics(t *testing.T) {
	IncCounter("test_handler_total", nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "flowdesk_test_handler_total 1"))
}

func TestHealthHandlerReflectsWorstComponent(t *testing.T) {
	t.Cleanup(func() {
		healthMu.Lock()
		components = map[string]ComponentHealth{}
		healthMu.Unlock()
	})

	SetComponentHealth("scheduler", StatusHealthy, "")
	SetComponentHealth("reconcile", StatusDegraded, "broker_unreachable")

	rec := httptest.NewRecorder()
	HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusPartialContent, rec.Code)

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "broker_unreachable", body.Components["reconcile"].Reason)

	SetComponentHealth("broker", StatusFailed, "auth")
	assert.Equal(t, "failed", Health().Status)
	assert.Equal(t, 2.0, GaugeValue("component_health", map[string]string{"component": "broker"}))
}
