package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/memorix/pkg/database"
	"example.com/memorix/pkg/httpapi"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/services/card/internal/api"
	"example.com/memorix/services/card/internal/models"
	"example.com/memorix/services/card/internal/oracle"
	"example.com/memorix/services/card/internal/repository"
	"example.com/memorix/services/card/internal/service"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the card HTTP API`,
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

	tracer := initTracer()
	metricsCollector := metrics.NewMetrics()

	broker, err := initBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	publisher := messaging.NewPublisher(broker, cfg.Publisher, tracer, metricsCollector)
	decks := oracle.NewDeckClient(cfg.DeckService, tracer)
	indexer, pingIndex := initIndexer(ctx)
	cardService := service.NewCardService(repository.NewCardRepository(db), decks, publisher, indexer, tracer, metricsCollector)

	checks := []httpapi.HealthCheck{{Name: "database", Check: database.Ping(db)}}
	if pingIndex != nil {
		checks = append(checks, httpapi.HealthCheck{Name: "elasticsearch", Check: pingIndex})
	}
	router := httpapi.NewRouter(cfg.Server, cfg.Environment, tracer, metricsCollector, checks...)
	api.NewCardHandler(cardService).RegisterRoutes(router)
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
