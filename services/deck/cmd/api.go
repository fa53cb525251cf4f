package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/memorix/pkg/cache"
	"example.com/memorix/pkg/database"
	"example.com/memorix/pkg/httpapi"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/services/deck/internal/api"
	"example.com/memorix/services/deck/internal/models"
	"example.com/memorix/services/deck/internal/repository"
	"example.com/memorix/services/deck/internal/service"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the deck HTTP API, including the existence probe used by the card service`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.Database)
	if err != nil {
		return err
	}
	defer database.Close(db)
	if err := models.SetupModels(db); err != nil {
		return errors.Wrap(err, "failed to run migrations")
	}

	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
		redisCache = cache.Disabled()
	}
	defer redisCache.Close()

	tracer := initTracer()
	metricsCollector := metrics.NewMetrics()

	broker, err := initBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	publisher := messaging.NewPublisher(broker, cfg.Publisher, tracer, metricsCollector)
	deckService := service.NewDeckService(repository.NewDeckRepository(db), redisCache, publisher, tracer, metricsCollector)

	router := httpapi.NewRouter(cfg.Server, cfg.Environment, tracer, metricsCollector,
		httpapi.HealthCheck{Name: "database", Check: database.Ping(db)},
		httpapi.HealthCheck{Name: "redis", Check: redisCache.Ping},
	)
	api.NewDeckHandler(deckService).RegisterRoutes(router)
	server := httpapi.NewServer(cfg.Server, router)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := publisher.Close(drainCtx); err != nil {
		log.Error().Err(err).Msg("Publisher did not drain")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}
