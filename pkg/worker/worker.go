package worker

import (
	"context"
	"time"

	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/metrics"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const DefaultDLQCheckInterval = time.Minute

// Config holds worker settings
type Config struct {
	DLQCheckInterval time.Duration `mapstructure:"dlq_check_interval"`
}

// Worker runs a set of queue consumers next to a scheduled dead-letter check.
type Worker struct {
	broker    messaging.Broker
	consumers []*messaging.Consumer
	metrics   *metrics.Metrics
	cfg       Config
}

// New creates a worker over consumers.
func New(cfg Config, broker messaging.Broker, m *metrics.Metrics, consumers ...*messaging.Consumer) *Worker {
	if cfg.DLQCheckInterval <= 0 {
		cfg.DLQCheckInterval = DefaultDLQCheckInterval
	}
	return &Worker{
		broker:    broker,
		consumers: consumers,
		metrics:   m,
		cfg:       cfg,
	}
}

// Run blocks until ctx is cancelled or a consumer fails permanently.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, c := range w.consumers {
		c := c
		g.Go(func() error {
			return c.Run(ctx)
		})
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(w.cfg.DLQCheckInterval),
			gocron.NewTask(func() {
				w.CheckDeadLetters(ctx)
			}),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}

		log.Info().Dur("interval", w.cfg.DLQCheckInterval).Msg("Starting dead-letter queue monitor")
		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// CheckDeadLetters records the depth of every consumed queue's dead-letter
// queue and warns when messages are waiting for an operator.
func (w *Worker) CheckDeadLetters(ctx context.Context) {
	for _, c := range w.consumers {
		dlq := messaging.DeadLetterQueueName(c.Queue())
		n, err := w.broker.QueueDepth(ctx, dlq)
		if err != nil {
			log.Error().Err(err).Str("queue", dlq).Msg("Failed to read dead-letter queue depth")
			w.metrics.SetHealth("broker", false)
			continue
		}
		w.metrics.SetHealth("broker", true)
		w.metrics.SetGauge(metrics.Key(metrics.DeadLetterDepth, dlq), int64(n))
		if n > 0 {
			log.Warn().Str("queue", dlq).Int("depth", n).Msg("Dead-letter queue has messages awaiting replay")
		}
	}
}
