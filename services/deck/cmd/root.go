package cmd

import (
	"context"

	"example.com/memorix/pkg/logging"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/tracing"
	"example.com/memorix/services/deck/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "deck-service",
	Short: "Deck service for the memorix flashcard platform",
	Long: `Owns decks and their card counts. The api command serves the deck
HTTP API and publishes deck deletions; the worker command consumes card
events and keeps cards_count in step.`,
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
