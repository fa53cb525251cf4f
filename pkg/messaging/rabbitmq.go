package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// RabbitMQBroker implements Broker on an AMQP 0-9-1 broker. Publishes go
// through a dedicated confirm-mode channel; each Consume call opens its own
// channel with the configured prefetch.
type RabbitMQBroker struct {
	url      string
	prefetch int

	mu    sync.Mutex
	conn  *amqp.Connection
	pubMu   sync.Mutex
	pubCh   *amqp.Channel
	returns chan amqp.Return
}

// NewRabbitMQBroker dials the broker at cfg.URL.
func NewRabbitMQBroker(cfg Config) (*RabbitMQBroker, error) {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = 1
	}
	r := &RabbitMQBroker{url: cfg.URL, prefetch: prefetch}
	if _, err := r.connection(); err != nil {
		return nil, err
	}
	return r, nil
}

// connection returns the live connection, redialing if it was closed.
func (r *RabbitMQBroker) connection() (*amqp.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil && !r.conn.IsClosed() {
		return r.conn, nil
	}

	log.Info().Msg("Connecting to RabbitMQ")
	conn, err := amqp.DialConfig(r.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"connection_name": "memorix",
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to dial RabbitMQ")
	}
	r.conn = conn
	return conn, nil
}

func (r *RabbitMQBroker) channel() (*amqp.Channel, error) {
	conn, err := r.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open channel")
	}
	return ch, nil
}

func (r *RabbitMQBroker) Declare(ctx context.Context, topology Topology) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	for _, e := range topology.Exchanges {
		log.Info().Str("exchange", e.Name).Str("type", e.Kind).Msg("Declaring exchange")
		if err := ch.ExchangeDeclare(
			e.Name,    // name
			e.Kind,    // type
			e.Durable, // durable
			false,     // auto-deleted
			false,     // internal
			false,     // no-wait
			nil,       // arguments
		); err != nil {
			return errors.Wrapf(err, "failed to declare exchange %s", e.Name)
		}
	}

	for _, q := range topology.Queues {
		args := amqp.Table(q.Arguments())
		log.Info().Str("queue", q.Name).Interface("args", args).Msg("Declaring queue")
		if _, err := ch.QueueDeclare(
			q.Name,    // name
			q.Durable, // durable
			false,     // delete when unused
			false,     // exclusive
			false,     // no-wait
			args,      // arguments
		); err != nil {
			return errors.Wrapf(err, "failed to declare queue %s", q.Name)
		}
	}

	for _, b := range topology.Bindings {
		log.Info().Str("queue", b.Queue).Str("exchange", b.Exchange).Str("routing_key", b.RoutingKey).Msg("Binding queue")
		if err := ch.QueueBind(b.Queue, b.RoutingKey, b.Exchange, false, nil); err != nil {
			return errors.Wrapf(err, "failed to bind queue %s to %s", b.Queue, b.Exchange)
		}
	}
	return nil
}

func (r *RabbitMQBroker) publishChannel() (*amqp.Channel, error) {
	if r.pubCh != nil && !r.pubCh.IsClosed() {
		return r.pubCh, nil
	}
	ch, err := r.channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "producer channel could not be put into confirm mode")
	}
	r.returns = ch.NotifyReturn(make(chan amqp.Return, 16))
	r.pubCh = ch
	return ch, nil
}

// Publish waits for the broker's publisher confirm before returning. Messages
// are mandatory, so a publish no queue is bound for fails with ErrUnroutable.
func (r *RabbitMQBroker) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	ch, err := r.publishChannel()
	if err != nil {
		return err
	}
	r.drainReturns("")

	confirm, err := ch.PublishWithDeferredConfirmWithContext(ctx,
		exchange,   // exchange
		routingKey, // routing key
		true,       // mandatory
		false,      // immediate
		amqp.Publishing{
			ContentType:  msg.ContentType,
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.ID,
			Timestamp:    msg.Timestamp,
			Type:         routingKey,
			Body:         msg.Body,
		},
	)
	if err != nil {
		return errors.Wrapf(err, "failed to publish to %s/%s", exchange, routingKey)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.Wrap(err, "failed waiting for publisher confirm")
	}
	if !acked {
		return errors.Errorf("broker nacked message %s", msg.ID)
	}
	// basic.return precedes the ack on the wire
	if r.drainReturns(msg.ID) {
		return errors.Wrapf(ErrUnroutable, "%s/%s", exchange, routingKey)
	}
	return nil
}

// drainReturns empties the return channel and reports whether a message with
// id was among the returns.
func (r *RabbitMQBroker) drainReturns(id string) bool {
	found := false
	for {
		select {
		case ret, ok := <-r.returns:
			if !ok {
				return found
			}
			if id != "" && ret.MessageId == id {
				found = true
			}
		default:
			return found
		}
	}
}

func (r *RabbitMQBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	ch, err := r.channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(
		r.prefetch, // prefetchCount
		0,          // prefetchSize
		false,      // global
	); err != nil {
		return errors.Wrap(err, "failed to set QoS on consumer channel")
	}

	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(
		queue, // queue
		"",    // consumer tag
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return errors.Wrapf(err, "failed to consume from %s", queue)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return errors.Errorf("consumer channel for %s closed: %v", queue, amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.Errorf("delivery stream for %s closed", queue)
			}
			if ctx.Err() != nil {
				// left unacked; closing the channel requeues it
				return nil
			}
			msg := Message{
				ID:          d.MessageId,
				RoutingKey:  d.RoutingKey,
				ContentType: d.ContentType,
				Timestamp:   d.Timestamp,
				Body:        d.Body,
			}
			if err := handler(ctx, msg); err != nil {
				// requeue=false hands the message to the queue's dead-letter exchange
				if nackErr := d.Nack(false, false); nackErr != nil {
					return errors.Wrap(nackErr, "failed to nack delivery")
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				return errors.Wrap(err, "failed to ack delivery")
			}
		}
	}
}

func (r *RabbitMQBroker) QueueDepth(ctx context.Context, queue string) (int, error) {
	ch, err := r.channel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to inspect queue %s", queue)
	}
	return q.Messages, nil
}

func (r *RabbitMQBroker) Close() error {
	r.pubMu.Lock()
	if r.pubCh != nil {
		_ = r.pubCh.Close()
		r.pubCh = nil
	}
	r.pubMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil || r.conn.IsClosed() {
		return nil
	}
	return r.conn.Close()
}
