package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/noah-isme/timetable-engine/internal/engine/monitor"
)

// memoryReader is the part of the resource monitor the gauges read.
type memoryReader interface {
	Last() monitor.Usage
	Level() monitor.Level
}

// MetricsSnapshot is a lightweight summary for the status endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64            `json:"requests_total"`
	AverageRequestDurationMs float64           `json:"average_request_duration_ms"`
	Runs                     map[string]uint64 `json:"runs"`
	UnscheduledSessions      uint64            `json:"unscheduled_sessions"`
	MemoryUsedBytes          uint64            `json:"memory_used_bytes"`
	MemoryLimitBytes         uint64            `json:"memory_limit_bytes"`
	MemoryPressure           string            `json:"memory_pressure"`
	Goroutines               int               `json:"goroutines"`
	GeneratedAt              time.Time         `json:"generated_at"`
}

// MetricsService encapsulates Prometheus instrumentation of the HTTP surface
// and the generation pipeline.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	memory          memoryReader
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	runsTotal       *prometheus.CounterVec
	unscheduled     prometheus.Counter

	requestCount         uint64
	requestDurationTotal uint64
	unscheduledCount     uint64
	completedRuns        uint64
	failedRuns           uint64
	cancelledRuns        uint64
}

// NewMetricsService registers the collectors. memory may be nil when no
// monitor runs.
func NewMetricsService(memory memoryReader) *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	stageDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "timetable_stage_duration_seconds",
		Help:    "Duration of pipeline stages",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	}, []string{"stage"})

	runsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "timetable_runs_total",
		Help: "Generation runs by terminal state",
	}, []string{"state"})

	unscheduled := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "timetable_unscheduled_sessions_total",
		Help: "Sessions left unscheduled by completed runs",
	})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, stageDuration, runsTotal, unscheduled, goroutines)

	if memory != nil {
		usedBytes := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "timetable_memory_used_bytes",
			Help: "Memory in use at the last monitor sample",
		}, func() float64 {
			return float64(memory.Last().UsedBytes)
		})
		pressure := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "timetable_memory_pressure_level",
			Help: "Memory pressure level: 0 normal, 1 warning, 2 critical",
		}, func() float64 {
			return float64(memory.Level())
		})
		registry.MustRegister(usedBytes, pressure)
	}

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:        registry,
		handler:         handler,
		memory:          memory,
		requestDuration: requestDuration,
		requestTotal:    requestTotal,
		stageDuration:   stageDuration,
		runsTotal:       runsTotal,
		unscheduled:     unscheduled,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// ObserveStage records the elapsed time of one pipeline stage.
func (m *MetricsService) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(seconds)
}

// ObserveRun counts a finished run and the sessions it left unscheduled.
func (m *MetricsService) ObserveRun(state string, unscheduled int) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(state).Inc()
	switch state {
	case "completed":
		atomic.AddUint64(&m.completedRuns, 1)
	case "cancelled":
		atomic.AddUint64(&m.cancelledRuns, 1)
	default:
		atomic.AddUint64(&m.failedRuns, 1)
	}
	if unscheduled > 0 {
		m.unscheduled.Add(float64(unscheduled))
		atomic.AddUint64(&m.unscheduledCount, uint64(unscheduled))
	}
}

// Snapshot returns aggregated metrics suitable for the status endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	snapshot := MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		Runs: map[string]uint64{
			"completed": atomic.LoadUint64(&m.completedRuns),
			"failed":    atomic.LoadUint64(&m.failedRuns),
			"cancelled": atomic.LoadUint64(&m.cancelledRuns),
		},
		UnscheduledSessions: atomic.LoadUint64(&m.unscheduledCount),
		Goroutines:          runtime.NumGoroutine(),
		GeneratedAt:         time.Now().UTC(),
	}
	if m.memory != nil {
		usage := m.memory.Last()
		snapshot.MemoryUsedBytes = usage.UsedBytes
		snapshot.MemoryLimitBytes = usage.LimitBytes
		snapshot.MemoryPressure = m.memory.Level().String()
	}
	return snapshot
}
