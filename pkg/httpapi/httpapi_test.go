package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestWriteError(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/api", func(c *gin.Context) { WriteError(c, errors.Wrap(ErrNotFound, "deck")) })
	router.GET("/validation", func(c *gin.Context) { WriteError(c, NewValidationError("name is required")) })
	router.GET("/boom", func(c *gin.Context) { WriteError(c, errors.New("db exploded")) })

	tests := []struct {
		path   string
		status int
		code   string
	}{
		{"/api", http.StatusNotFound, "NOT_FOUND"},
		{"/validation", http.StatusBadRequest, "VALIDATION_ERROR"},
		{"/boom", http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			require.Equal(t, tt.status, w.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tt.code, resp.Code)
			assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
		})
	}
}

func TestRequestIDIsPropagated(t *testing.T) {
	router := NewRouter(Config{}, "test", tracing.Disabled(), nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
}

func TestHealthReportsFailingCheck(t *testing.T) {
	m := metrics.NewMetrics()
	m.SetHealth("consumer:card.created", true)

	router := NewRouter(Config{}, "test", tracing.Disabled(), m,
		HealthCheck{Name: "database", Check: func(context.Context) error { return nil }},
		HealthCheck{Name: "broker", Check: func(context.Context) error { return errors.New("down") }},
	)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body struct {
		Status  bool            `json:"status"`
		Details map[string]bool `json:"details"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Status)
	assert.Equal(t, map[string]bool{
		"consumer:card.created": true,
		"database":              true,
		"broker":                false,
	}, body.Details)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.NewMetrics()
	m.IncrementCounter(metrics.Key(metrics.EventsPublished, "card.created"))

	router := NewRouter(Config{}, "test", tracing.Disabled(), m)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "events_published:card.created")
}

func TestCorsPreflight(t *testing.T) {
	router := NewRouter(Config{CorsEnabled: true, CorsOrigins: []string{"https://app.example.com"}}, "test", tracing.Disabled(), nil)
	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
}
