package httpapi

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"example.com/memorix/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// MetricsHandler serves /metrics and /health
type MetricsHandler struct {
	metrics *metrics.Metrics
	checks  []HealthCheck
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(m *metrics.Metrics, checks ...HealthCheck) *MetricsHandler {
	return &MetricsHandler{metrics: m, checks: checks}
}

// HandleGetMetrics returns all metrics
func (h *MetricsHandler) HandleGetMetrics(c *gin.Context) {
	if h.metrics == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	h.metrics.SetGauge("goroutines", int64(runtime.NumGoroutine()))
	c.JSON(http.StatusOK, h.metrics.GetAllMetrics())
}

// HandleGetHealthCheck runs the probes and merges them with component health
// reported through the metrics collector.
func (h *MetricsHandler) HandleGetHealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	details := map[string]bool{}
	if h.metrics != nil {
		for name, ok := range h.metrics.GetHealthChecks() {
			details[name] = ok
		}
	}
	for _, check := range h.checks {
		details[check.Name] = check.Check(ctx) == nil
	}

	healthy := true
	for _, ok := range details {
		if !ok {
			healthy = false
			break
		}
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{
		"status":  healthy,
		"details": details,
	})
}

// RegisterRoutes registers the handler's routes
func (h *MetricsHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/metrics", h.HandleGetMetrics)
	router.GET("/health", h.HandleGetHealthCheck)
}
