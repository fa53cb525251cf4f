package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/memorix/pkg/cache"
	"example.com/memorix/pkg/database"
	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/worker"
	"example.com/memorix/services/deck/internal/consumer"
	"example.com/memorix/services/deck/internal/models"
	"example.com/memorix/services/deck/internal/repository"
	"example.com/memorix/services/deck/internal/service"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Consume card.created and card.deleted events and maintain each deck's cards_count`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without cache invalidation")
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

	// the worker never deletes decks, so it needs no publisher
	deckService := service.NewDeckService(repository.NewDeckRepository(db), redisCache, nil, tracer, metricsCollector)
	processor := consumer.NewProcessor(deckService)

	w := worker.New(cfg.Worker, broker, metricsCollector,
		messaging.NewConsumer(broker, messaging.QueueCardCreated, events.TypeCardCreated, processor, tracer, metricsCollector, cfg.Broker.ReconnectDelay),
		messaging.NewConsumer(broker, messaging.QueueCardDeleted, events.TypeCardDeleted, processor, tracer, metricsCollector, cfg.Broker.ReconnectDelay),
	)
	return w.Run(ctx)
}
