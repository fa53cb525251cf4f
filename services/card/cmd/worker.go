package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"example.com/memorix/pkg/database"
	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/worker"
	"example.com/memorix/services/card/internal/consumer"
	"example.com/memorix/services/card/internal/models"
	"example.com/memorix/services/card/internal/repository"
	"example.com/memorix/services/card/internal/service"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Consume deck.deleted events and cascade-delete the cards of each deleted deck`,
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

	tracer := initTracer()
	metricsCollector := metrics.NewMetrics()

	broker, err := initBroker(ctx)
	if err != nil {
		return err
	}
	defer broker.Close()

	// the cascade publishes no events and never asks the deck service
	indexer, _ := initIndexer(ctx)
	cardService := service.NewCardService(repository.NewCardRepository(db), nil, nil, indexer, tracer, metricsCollector)

	w := worker.New(cfg.Worker, broker, metricsCollector,
		messaging.NewConsumer(broker, messaging.QueueDeckDeleted, events.TypeDeckDeleted, consumer.NewProcessor(cardService), tracer, metricsCollector, cfg.Broker.ReconnectDelay),
	)
	return w.Run(ctx)
}
