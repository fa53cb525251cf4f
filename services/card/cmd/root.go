package cmd

import (
	"context"

	"example.com/memorix/pkg/logging"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/tracing"
	"example.com/memorix/services/card/config"
	"example.com/memorix/services/card/internal/search"
	"example.com/memorix/services/card/internal/service"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "card-service",
	Short: "Card service for the memorix flashcard platform",
	Long: `Owns cards. The api command serves the card HTTP API, checks decks
with the deck service before creating cards and publishes card events; the
worker command consumes deck deletions and removes the deck's cards.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.LoadConfig(".", cfgFile)
		if err != nil {
			return err
		}
		logging.Setup(cfg.Logging, cfg.Environment)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		if err := cmd.Help(); err != nil {
			log.Error().Err(err).Msg("Failed to display help")
		}
	},
}

// Execute executes the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or ./app.env)")
}

func initTracer() tracing.Tracer {
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		return tracing.Disabled()
	}
	return tracer
}

func initBroker(ctx context.Context) (messaging.Broker, error) {
	broker, err := messaging.NewBroker(cfg.Broker)
	if err != nil {
		return nil, err
	}
	if err := messaging.DeclareTopology(ctx, broker, cfg.Broker.Topology()); err != nil {
		_ = broker.Close()
		return nil, err
	}
	return broker, nil
}

// initIndexer returns nil when search is disabled or the cluster cannot be
// configured; the service then skips indexing.
func initIndexer(ctx context.Context) (service.Indexer, func(context.Context) error) {
	if !cfg.Elastic.Enabled {
		return nil, nil
	}
	client, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Elasticsearch, continuing without search")
		return nil, nil
	}
	if err := client.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("Elasticsearch not reachable yet, indexing will be retried per request")
	}
	return client, client.Ping
}
