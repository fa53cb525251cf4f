package messaging

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Broker drivers selectable through configuration.
const (
	DriverRabbitMQ   = "rabbitmq"
	DriverServiceBus = "servicebus"
	DriverMemory     = "memory"
)

var (
	// ErrUnroutable is returned when a publish matches no bound queue.
	ErrUnroutable = errors.New("message unroutable")
	// ErrDeadLetterTarget is returned by drivers whose dead-letter queues
	// cannot be published to directly.
	ErrDeadLetterTarget = errors.New("dead-letter queue is not publishable")
)

// Message is the broker-neutral envelope carried on the wire.
type Message struct {
	ID          string
	RoutingKey  string
	ContentType string
	Timestamp   time.Time
	Body        []byte
}

// Handler processes one delivery. A nil error acknowledges the message; any
// error rejects it without requeue so it lands in the dead-letter queue.
type Handler func(ctx context.Context, msg Message) error

// Broker is the durable message channel shared by both services.
type Broker interface {
	// Declare creates exchanges, queues and bindings. It is idempotent.
	Declare(ctx context.Context, topology Topology) error
	// Publish sends msg to exchange with routingKey and returns once the
	// broker has accepted it.
	Publish(ctx context.Context, exchange, routingKey string, msg Message) error
	// Consume delivers messages from queue to handler one at a time until
	// ctx is cancelled (returns nil) or the subscription breaks (returns error).
	Consume(ctx context.Context, queue string, handler Handler) error
	// QueueDepth reports the number of messages waiting in queue.
	QueueDepth(ctx context.Context, queue string) (int, error)
	Close() error
}

// Config holds broker settings
type Config struct {
	Driver           string        `mapstructure:"driver"`
	URL              string        `mapstructure:"url"`
	ConnectionString string        `mapstructure:"connection_string"`
	PrefetchCount    int           `mapstructure:"prefetch_count"`
	MessageTTL       time.Duration `mapstructure:"message_ttl"`
	DeckDeletedTTL   time.Duration `mapstructure:"deck_deleted_ttl"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
}

// Topology returns the topology described by the configured TTLs.
func (c Config) Topology() Topology {
	return DefaultTopology(c.MessageTTL, c.DeckDeletedTTL)
}

// NewBroker builds the broker selected by cfg.Driver.
func NewBroker(cfg Config) (Broker, error) {
	switch strings.ToLower(cfg.Driver) {
	case DriverRabbitMQ, "":
		return NewRabbitMQBroker(cfg)
	case DriverServiceBus:
		return NewServiceBusBroker(cfg)
	case DriverMemory:
		return NewMemoryBroker(), nil
	}
	return nil, errors.Errorf("unknown broker driver %q", cfg.Driver)
}

// DeclareTopology validates topology and declares it on broker.
func DeclareTopology(ctx context.Context, broker Broker, topology Topology) error {
	if err := topology.Validate(); err != nil {
		return errors.Wrap(err, "invalid topology")
	}
	if err := broker.Declare(ctx, topology); err != nil {
		return errors.Wrap(err, "failed to declare topology")
	}
	return nil
}
