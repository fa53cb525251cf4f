package httpapi

import (
	"context"
	"net/http"
	"time"

	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/tracing"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Config holds HTTP server settings
type Config struct {
	Address     string        `mapstructure:"address"`
	Timeout     time.Duration `mapstructure:"timeout"`
	CorsEnabled bool          `mapstructure:"cors_enabled"`
	CorsOrigins []string      `mapstructure:"cors_origins"`
}

// NewRouter builds a gin engine with the shared middleware chain and the
// /health and /metrics endpoints registered.
func NewRouter(cfg Config, environment string, tracer tracing.Tracer, m *metrics.Metrics, checks ...HealthCheck) *gin.Engine {
	if environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestIDMiddleware())
	router.Use(LoggerMiddleware())
	router.Use(MetricsMiddleware(m))

	if tracer != nil && tracer.Application() != nil {
		router.Use(nrgin.Middleware(tracer.Application()))
	}

	if cfg.CorsEnabled {
		corsCfg := cors.DefaultConfig()
		corsCfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "HEAD", "OPTIONS"}
		corsCfg.AllowHeaders = append(corsCfg.AllowHeaders, "Authorization", requestIDHeader)
		if len(cfg.CorsOrigins) == 0 || (len(cfg.CorsOrigins) == 1 && cfg.CorsOrigins[0] == "*") {
			corsCfg.AllowAllOrigins = true
		} else {
			corsCfg.AllowOrigins = cfg.CorsOrigins
		}
		router.Use(cors.New(corsCfg))
	}

	NewMetricsHandler(m, checks...).RegisterRoutes(router)
	return router
}

// Server represents the HTTP server
type Server struct {
	cfg        Config
	httpServer *http.Server
}

// NewServer wraps router in an http.Server bound to cfg.Address.
func NewServer(cfg Config, router http.Handler) *Server {
	return &Server{
		cfg: cfg,
		httpServer: &http.Server{
			Addr:              cfg.Address,
			Handler:           router,
			ReadHeaderTimeout: cfg.Timeout,
			WriteTimeout:      cfg.Timeout,
		},
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.cfg.Address).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}
