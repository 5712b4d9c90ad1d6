package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/timetable-engine/internal/service"
	"github.com/noah-isme/timetable-engine/pkg/response"
)

// MetricsHandler exposes observability endpoints.
type MetricsHandler struct {
	metrics *service.MetricsService
}

// NewMetricsHandler constructs a metrics handler.
func NewMetricsHandler(metrics *service.MetricsService) *MetricsHandler {
	return &MetricsHandler{metrics: metrics}
}

// Prometheus serves the Prometheus metrics endpoint.
func (h *MetricsHandler) Prometheus(c *gin.Context) {
	if h.metrics == nil {
		c.Status(http.StatusServiceUnavailable)
		return
	}
	h.metrics.Handler().ServeHTTP(c.Writer, c.Request)
}

// Summary returns the aggregated run and memory counters.
func (h *MetricsHandler) Summary(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot())
}

// Health responds with a generic OK payload for readiness/liveness usage.
// It reports degraded while the memory monitor is above the warning level.
func (h *MetricsHandler) Health(c *gin.Context) {
	snapshot := h.metrics.Snapshot()
	status := "ok"
	if snapshot.MemoryPressure != "" && snapshot.MemoryPressure != "normal" {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "memory_pressure": snapshot.MemoryPressure})
}
