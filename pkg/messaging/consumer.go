package messaging

import (
	"context"
	"time"

	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/tracing"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultReconnectDelay = 5 * time.Second

	// handleTimeout bounds one delivery. A delivery in progress outlives
	// cancellation of the consumer's context.
	handleTimeout = 30 * time.Second
)

// EventHandler applies a decoded event to local state.
type EventHandler interface {
	HandleEvent(ctx context.Context, event events.Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event events.Event) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, event events.Event) error {
	return f(ctx, event)
}

// Consumer subscribes to one queue and feeds every delivery, decoded as
// eventType, to a handler. Handler and decode errors reject the delivery,
// which sends it to the queue's dead-letter queue.
type Consumer struct {
	broker         Broker
	queue          string
	eventType      events.Type
	handler        EventHandler
	tracer         tracing.Tracer
	metrics        *metrics.Metrics
	reconnectDelay time.Duration
}

// NewConsumer creates a consumer for queue.
func NewConsumer(broker Broker, queue string, eventType events.Type, handler EventHandler, tracer tracing.Tracer, m *metrics.Metrics, reconnectDelay time.Duration) *Consumer {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	return &Consumer{
		broker:         broker,
		queue:          queue,
		eventType:      eventType,
		handler:        handler,
		tracer:         tracer,
		metrics:        m,
		reconnectDelay: reconnectDelay,
	}
}

// Queue returns the queue this consumer reads.
func (c *Consumer) Queue() string {
	return c.queue
}

// Run consumes until ctx is cancelled, resubscribing with exponential backoff
// capped at the reconnect delay whenever the subscription breaks.
func (c *Consumer) Run(ctx context.Context) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.reconnectDelay / 10
	policy.MaxInterval = c.reconnectDelay
	policy.MaxElapsedTime = 0

	operation := func() error {
		log.Info().Str("queue", c.queue).Msg("Starting consumer")
		c.metrics.SetHealth("consumer:"+c.queue, true)
		err := c.broker.Consume(ctx, c.queue, c.Handle)
		if ctx.Err() != nil {
			return nil
		}
		c.metrics.SetHealth("consumer:"+c.queue, false)
		if err == nil {
			err = errors.New("subscription ended")
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("queue", c.queue).Dur("retry_in", wait).Msg("Consumer subscription lost, reconnecting")
	}

	err := backoff.RetryNotify(operation, backoff.WithContext(policy, ctx), notify)
	if ctx.Err() != nil {
		log.Info().Str("queue", c.queue).Msg("Consumer stopped")
		return nil
	}
	return err
}

// Handle decodes one delivery and dispatches it. It is the Handler passed to
// the broker.
func (c *Consumer) Handle(ctx context.Context, msg Message) error {
	txn := c.tracer.StartTransaction("consume-" + c.queue)
	defer c.tracer.EndTransaction(txn)
	c.tracer.AddAttribute(txn, "message_id", msg.ID)

	logger := log.With().Str("queue", c.queue).Str("message_id", msg.ID).Logger()

	event, err := events.Decode(c.eventType, msg.Body)
	if err != nil {
		logger.Error().Err(err).Bytes("body", msg.Body).Msg("Rejecting undecodable message")
		c.tracer.RecordError(txn, err)
		c.metrics.IncrementCounter(metrics.Key(metrics.EventsRejected, c.queue))
		return err
	}

	c.tracer.AddAttribute(txn, "deck_id", event.Deck().String())
	handleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
	defer cancel()

	start := time.Now()
	if err := c.handler.HandleEvent(handleCtx, event); err != nil {
		logger.Error().Err(err).Str("deck_id", event.Deck().String()).Msg("Rejecting message after handler failure")
		c.tracer.RecordError(txn, err)
		c.metrics.IncrementCounter(metrics.Key(metrics.EventsRejected, c.queue))
		return errors.Wrapf(err, "handle %s", c.eventType)
	}

	c.metrics.RecordTimer(metrics.Key(metrics.EventsConsumed, c.queue), time.Since(start))
	c.metrics.IncrementCounter(metrics.Key(metrics.EventsConsumed, c.queue))
	logger.Debug().Str("deck_id", event.Deck().String()).Msg("Message processed")
	return nil
}
