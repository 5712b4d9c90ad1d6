package service

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/timetable-engine/internal/engine/monitor"
)

type fixedSampler struct {
	usage monitor.Usage
}

func (s fixedSampler) Sample(ctx context.Context) (monitor.Usage, error) {
	return s.usage, nil
}

func TestMetricsServiceSnapshotAndExposition(t *testing.T) {
	mon, err := monitor.New(fixedSampler{usage: monitor.Usage{UsedBytes: 850, LimitBytes: 1000}}, monitor.Config{})
	require.NoError(t, err)
	_, err = mon.Check(context.Background())
	require.NoError(t, err)

	metrics := NewMetricsService(mon)
	metrics.ObserveHTTPRequest(http.MethodGet, "/jobs/:id", http.StatusOK, 20*time.Millisecond)
	metrics.ObserveStage("solving", 0.4)
	metrics.ObserveRun("completed", 3)
	metrics.ObserveRun("failed", 0)
	metrics.ObserveRun("cancelled", 0)

	snapshot := metrics.Snapshot()
	assert.Equal(t, uint64(1), snapshot.RequestsTotal)
	assert.InDelta(t, 20.0, snapshot.AverageRequestDurationMs, 1e-6)
	assert.Equal(t, map[string]uint64{"completed": 1, "failed": 1, "cancelled": 1}, snapshot.Runs)
	assert.Equal(t, uint64(3), snapshot.UnscheduledSessions)
	assert.Equal(t, uint64(850), snapshot.MemoryUsedBytes)
	assert.Equal(t, "warning", snapshot.MemoryPressure)

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := w.Body.String()
	assert.Contains(t, body, `timetable_stage_duration_seconds_count{stage="solving"} 1`)
	assert.Contains(t, body, "timetable_unscheduled_sessions_total 3")
	assert.Contains(t, body, "timetable_memory_pressure_level 1")
	assert.Contains(t, body, "timetable_memory_used_bytes 850")
}

func TestMetricsServiceNilSafe(t *testing.T) {
	var metrics *MetricsService
	metrics.ObserveRun("completed", 1)
	metrics.ObserveStage("solving", 1)
	assert.Equal(t, MetricsSnapshot{}, metrics.Snapshot())

	w := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
