package cmd

import (
	"context"
	"time"

	"example.com/memorix/pkg/messaging"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	replayQueues  []string
	replayTimeout time.Duration
)

var replayCmd = &cobra.Command{
	Use:   "replay-dead-letters",
	Short: "Move dead-lettered events back onto their queues",
	Long: `Republish the messages parked in the dead-letter queues this service
consumes so the worker processes them again. Run it once the cause of the
failures has been fixed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), replayTimeout)
		defer cancel()

		broker, err := initBroker(ctx)
		if err != nil {
			return err
		}
		defer broker.Close()

		topology := cfg.Broker.Topology()
		for _, queue := range replayQueues {
			n, err := messaging.ReplayDeadLetters(ctx, broker, topology, queue)
			if err != nil {
				return err
			}
			log.Info().Str("queue", queue).Int("replayed", n).Msg("Dead letters replayed")
		}
		return nil
	},
}

func init() {
	replayCmd.Flags().StringSliceVarP(&replayQueues, "queue", "q", []string{messaging.QueueDeckDeleted}, "primary queues whose dead letters to replay")
	replayCmd.Flags().DurationVar(&replayTimeout, "timeout", 5*time.Minute, "give up after this long")
	rootCmd.AddCommand(replayCmd)
}
