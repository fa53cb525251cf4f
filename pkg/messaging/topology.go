package messaging

import (
	"fmt"
	"time"

	"example.com/memorix/pkg/events"
)

// Exchange and queue names. Routing keys equal the event types.
const (
	CardExchange = "card.exchange"
	CardDLX      = "card.dlx"
	DeckExchange = "deck.exchange"
	DeckDLX      = "deck.dlx"

	QueueCardCreated = "card.created"
	QueueCardDeleted = "card.deleted"
	QueueDeckDeleted = "deck.deleted"

	deadLetterSuffix = ".dlq"

	// DefaultMessageTTL is how long a message may sit unconsumed in a primary
	// queue before the broker moves it to the dead-letter queue.
	DefaultMessageTTL = 300000 * time.Millisecond
)

// ExchangeKindDirect delivers a message only to queues bound with the exact
// routing key it was published with.
const ExchangeKindDirect = "direct"

// Exchange is a durable routing point.
type Exchange struct {
	Name    string
	Kind    string
	Durable bool
}

// Queue is a durable queue. Primary queues carry dead-letter settings and an
// optional TTL; dead-letter queues carry neither and are never redelivered.
type Queue struct {
	Name                 string
	Durable              bool
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MessageTTL           time.Duration
	// DeadLetterOf names the primary queue when this is a dead-letter queue.
	DeadLetterOf string
}

// IsDeadLetter reports whether q is a terminal holding queue.
func (q Queue) IsDeadLetter() bool {
	return q.DeadLetterOf != ""
}

// Arguments renders the x-arguments used when declaring q on an AMQP broker.
func (q Queue) Arguments() map[string]interface{} {
	args := map[string]interface{}{}
	if q.DeadLetterExchange != "" {
		args["x-dead-letter-exchange"] = q.DeadLetterExchange
		args["x-dead-letter-routing-key"] = q.DeadLetterRoutingKey
	}
	if q.MessageTTL > 0 {
		args["x-message-ttl"] = int32(q.MessageTTL.Milliseconds())
	}
	return args
}

// Binding attaches a queue to an exchange under one routing key.
type Binding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

// Topology is the full set of exchanges, queues and bindings a service
// declares at startup.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DeadLetterQueueName returns the dead-letter queue paired with a primary queue.
func DeadLetterQueueName(queue string) string {
	return queue + deadLetterSuffix
}

// ExchangeFor returns the exchange events of type t are published to.
func ExchangeFor(t events.Type) (string, error) {
	switch t {
	case events.TypeCardCreated, events.TypeCardDeleted:
		return CardExchange, nil
	case events.TypeDeckDeleted:
		return DeckExchange, nil
	}
	return "", fmt.Errorf("no exchange for event type %q", t)
}

// DefaultTopology builds the card/deck topology. deckDeletedTTL applies to the
// deck.deleted queue only; zero leaves that queue without a TTL.
func DefaultTopology(ttl, deckDeletedTTL time.Duration) Topology {
	var t Topology
	for _, name := range []string{CardExchange, CardDLX, DeckExchange, DeckDLX} {
		t.Exchanges = append(t.Exchanges, Exchange{Name: name, Kind: ExchangeKindDirect, Durable: true})
	}

	t.addRoute(QueueCardCreated, CardExchange, CardDLX, ttl)
	t.addRoute(QueueCardDeleted, CardExchange, CardDLX, ttl)
	t.addRoute(QueueDeckDeleted, DeckExchange, DeckDLX, deckDeletedTTL)
	return t
}

func (t *Topology) addRoute(queue, exchange, dlx string, ttl time.Duration) {
	dlq := DeadLetterQueueName(queue)
	t.Queues = append(t.Queues,
		Queue{
			Name:                 queue,
			Durable:              true,
			DeadLetterExchange:   dlx,
			DeadLetterRoutingKey: dlq,
			MessageTTL:           ttl,
		},
		Queue{Name: dlq, Durable: true, DeadLetterOf: queue},
	)
	t.Bindings = append(t.Bindings,
		Binding{Queue: queue, Exchange: exchange, RoutingKey: queue},
		Binding{Queue: dlq, Exchange: dlx, RoutingKey: dlq},
	)
}

// Queue looks up a queue by name.
func (t Topology) Queue(name string) (Queue, bool) {
	for _, q := range t.Queues {
		if q.Name == name {
			return q, true
		}
	}
	return Queue{}, false
}

// Route returns the queues a message published to exchange with routingKey
// reaches. Only exact routing key matches are delivered.
func (t Topology) Route(exchange, routingKey string) []string {
	var queues []string
	for _, b := range t.Bindings {
		if b.Exchange == exchange && b.RoutingKey == routingKey {
			queues = append(queues, b.Queue)
		}
	}
	return queues
}

// Validate checks that every binding and dead-letter reference points at a
// declared exchange or queue.
func (t Topology) Validate() error {
	exchanges := make(map[string]bool, len(t.Exchanges))
	for _, e := range t.Exchanges {
		if e.Kind != ExchangeKindDirect {
			return fmt.Errorf("exchange %s: unsupported kind %q", e.Name, e.Kind)
		}
		exchanges[e.Name] = true
	}
	for _, q := range t.Queues {
		if q.DeadLetterExchange != "" && !exchanges[q.DeadLetterExchange] {
			return fmt.Errorf("queue %s: dead-letter exchange %s not declared", q.Name, q.DeadLetterExchange)
		}
		if q.IsDeadLetter() && (q.MessageTTL > 0 || q.DeadLetterExchange != "") {
			return fmt.Errorf("dead-letter queue %s must not expire or dead-letter", q.Name)
		}
	}
	for _, b := range t.Bindings {
		if !exchanges[b.Exchange] {
			return fmt.Errorf("binding %s: exchange %s not declared", b.Queue, b.Exchange)
		}
		if _, ok := t.Queue(b.Queue); !ok {
			return fmt.Errorf("binding %s: queue not declared", b.Queue)
		}
	}
	return nil
}
