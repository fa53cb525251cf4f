package messaging

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// replayIdleTimeout ends a replay that stops receiving messages before it has
// seen every message counted at the start.
var replayIdleTimeout = 10 * time.Second

// ReplayDeadLetters moves the messages parked in queue's dead-letter queue
// back onto the exchange queue is bound to, so its consumer sees them again.
// Only the messages present when the replay starts are moved. A message that
// cannot be republished is parked again and the replay stops with an error.
func ReplayDeadLetters(ctx context.Context, broker Broker, topology Topology, queue string) (int, error) {
	def, ok := topology.Queue(queue)
	if !ok || def.IsDeadLetter() {
		return 0, errors.Errorf("%s is not a primary queue", queue)
	}
	var exchange, routingKey string
	for _, b := range topology.Bindings {
		if b.Queue == queue {
			exchange, routingKey = b.Exchange, b.RoutingKey
			break
		}
	}
	if exchange == "" {
		return 0, errors.Errorf("queue %s has no binding", queue)
	}

	dlq := DeadLetterQueueName(queue)
	pending, err := broker.QueueDepth(ctx, dlq)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read depth of %s", dlq)
	}
	if pending == 0 {
		return 0, nil
	}
	log.Info().Str("queue", dlq).Int("pending", pending).Msg("Replaying dead letters")

	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	idle := time.AfterFunc(replayIdleTimeout, stop)
	defer idle.Stop()

	var replayed, seen int
	var failed error
	handler := func(hctx context.Context, msg Message) error {
		idle.Stop()
		defer idle.Reset(replayIdleTimeout)
		seen++
		msg.RoutingKey = routingKey
		if err := broker.Publish(hctx, exchange, routingKey, msg); err != nil {
			failed = errors.Wrapf(err, "failed to republish message %s", msg.ID)
			stop()
			msg.RoutingKey = def.DeadLetterRoutingKey
			return broker.Publish(context.WithoutCancel(hctx), def.DeadLetterExchange, def.DeadLetterRoutingKey, msg)
		}
		replayed++
		log.Debug().Str("queue", queue).Str("message_id", msg.ID).Msg("Dead letter replayed")
		if seen >= pending {
			stop()
		}
		return nil
	}

	if err := broker.Consume(consumeCtx, dlq, handler); err != nil {
		return replayed, errors.Wrapf(err, "replay of %s interrupted", dlq)
	}
	if failed != nil {
		return replayed, failed
	}
	if replayed < pending && ctx.Err() != nil {
		return replayed, errors.Wrapf(ctx.Err(), "replay of %s stopped after %d of %d", dlq, replayed, pending)
	}
	if replayed < pending {
		log.Warn().Str("queue", dlq).Int("replayed", replayed).Int("pending", pending).
			Msg("Dead-letter queue went idle before every counted message arrived")
	}
	return replayed, nil
}
