package messaging

import (
	"context"
	"sync"
	"time"

	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/tracing"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second

	publishAttemptTimeout = 5 * time.Second
	contentTypeJSON       = "application/json"
)

// PublisherConfig holds retry settings for event publishing
type PublisherConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryDelay  time.Duration `mapstructure:"retry_delay"`
}

// Publisher sends domain events to the broker in the background. A send is
// retried with a fixed delay and abandoned once the attempts run out.
type Publisher struct {
	broker  Broker
	cfg     PublisherConfig
	tracer  tracing.Tracer
	metrics *metrics.Metrics

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// NewPublisher creates a publisher. Zero config values take the defaults.
func NewPublisher(broker Broker, cfg PublisherConfig, tracer tracing.Tracer, m *metrics.Metrics) *Publisher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &Publisher{
		broker:  broker,
		cfg:     cfg,
		tracer:  tracer,
		metrics: m,
	}
}

// Publish hands event to a background goroutine and returns immediately. The
// send is detached from ctx so finishing the caller's request does not abort it.
func (p *Publisher) Publish(ctx context.Context, event events.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Error().Str("event_type", string(event.Type())).Str("deck_id", event.Deck().String()).
			Msg("Publisher closed, dropping event")
		p.metrics.IncrementCounter(metrics.Key(metrics.EventsPublishDropped, string(event.Type())))
		return
	}
	p.inflight.Add(1)
	p.mu.Unlock()

	detached := context.WithoutCancel(ctx)
	go func() {
		defer p.inflight.Done()
		if err := p.Send(detached, event); err != nil {
			log.Error().Err(err).
				Str("event_type", string(event.Type())).
				Str("deck_id", event.Deck().String()).
				Msg("Abandoning event after failed publish attempts")
			p.metrics.IncrementCounter(metrics.Key(metrics.EventsPublishDropped, string(event.Type())))
		}
	}()
}

// Send publishes event synchronously, retrying transient broker failures.
func (p *Publisher) Send(ctx context.Context, event events.Event) error {
	txn := p.tracer.StartTransaction("publish-" + string(event.Type()))
	defer p.tracer.EndTransaction(txn)
	p.tracer.AddAttribute(txn, "deck_id", event.Deck().String())

	exchange, err := ExchangeFor(event.Type())
	if err != nil {
		p.tracer.RecordError(txn, err)
		return err
	}
	body, err := events.Encode(event)
	if err != nil {
		p.tracer.RecordError(txn, err)
		return errors.Wrap(err, "failed to encode event")
	}

	msg := Message{
		ID:          uuid.NewString(),
		RoutingKey:  string(event.Type()),
		ContentType: contentTypeJSON,
		Timestamp:   time.Now(),
		Body:        body,
	}

	attempt := 0
	operation := func() error {
		attempt++
		attemptCtx, cancel := context.WithTimeout(ctx, publishAttemptTimeout)
		defer cancel()

		segment := p.tracer.StartSpan("broker-publish", txn)
		err := p.broker.Publish(attemptCtx, exchange, msg.RoutingKey, msg)
		segment.End()
		if errors.Is(err, ErrUnroutable) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Int("attempt", attempt).
			Str("event_type", string(event.Type())).
			Dur("retry_in", wait).
			Msg("Event publish failed, retrying")
		p.metrics.IncrementCounter(metrics.Key(metrics.EventsPublishRetried, string(event.Type())))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(p.cfg.RetryDelay), uint64(p.cfg.MaxAttempts-1)),
		ctx,
	)
	start := time.Now()
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		p.tracer.RecordError(txn, err)
		return errors.Wrapf(err, "publish %s failed after %d attempts", event.Type(), attempt)
	}

	p.metrics.RecordTimer(metrics.Key(metrics.EventsPublished, string(event.Type())), time.Since(start))
	p.metrics.IncrementCounter(metrics.Key(metrics.EventsPublished, string(event.Type())))
	log.Debug().
		Str("event_type", string(event.Type())).
		Str("deck_id", event.Deck().String()).
		Str("routing_key", msg.RoutingKey).
		Int("attempt", attempt).
		Msg("Event published")
	return nil
}

// Close stops accepting events and waits for in-flight sends until ctx is done.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "timed out waiting for in-flight publishes")
	}
}
