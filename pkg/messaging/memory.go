package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const memoryPollInterval = 20 * time.Millisecond

// MemoryBroker is an in-process broker with direct-exchange routing, per-queue
// TTL and dead-lettering. It backs the memory driver and the package tests.
type MemoryBroker struct {
	mu       sync.Mutex
	topology Topology
	queues   map[string]*memoryQueue
	now      func() time.Time
	closed   bool
}

type memoryQueue struct {
	def      Queue
	messages []memoryEntry
	signal   chan struct{}
}

type memoryEntry struct {
	msg      Message
	enqueued time.Time
}

// MemoryOption configures a MemoryBroker.
type MemoryOption func(*MemoryBroker)

// WithClock replaces the wall clock used for TTL expiry.
func WithClock(now func() time.Time) MemoryOption {
	return func(b *MemoryBroker) { b.now = now }
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker(opts ...MemoryOption) *MemoryBroker {
	b := &MemoryBroker{
		queues: make(map[string]*memoryQueue),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *MemoryBroker) Declare(ctx context.Context, topology Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, def := range topology.Queues {
		if existing, ok := b.queues[def.Name]; ok {
			if existing.def != def {
				return errors.Errorf("queue %s already declared with different arguments", def.Name)
			}
			continue
		}
		b.queues[def.Name] = &memoryQueue{def: def, signal: make(chan struct{}, 1)}
		b.topology.Queues = append(b.topology.Queues, def)
	}
	for _, e := range topology.Exchanges {
		if !containsExchange(b.topology.Exchanges, e.Name) {
			b.topology.Exchanges = append(b.topology.Exchanges, e)
		}
	}
	for _, bind := range topology.Bindings {
		if !containsBinding(b.topology.Bindings, bind) {
			b.topology.Bindings = append(b.topology.Bindings, bind)
		}
	}
	return nil
}

func (b *MemoryBroker) Publish(ctx context.Context, exchange, routingKey string, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New("memory broker closed")
	}
	msg.RoutingKey = routingKey
	targets := b.topology.Route(exchange, routingKey)
	if len(targets) == 0 {
		return errors.Wrapf(ErrUnroutable, "%s/%s", exchange, routingKey)
	}
	for _, name := range targets {
		b.enqueueLocked(b.queues[name], msg)
	}
	return nil
}

func (b *MemoryBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	b.mu.Lock()
	q, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		return errors.Errorf("queue %s not declared", queue)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		msg, ok, err := b.next(q)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-q.signal:
			case <-time.After(memoryPollInterval):
			}
			continue
		}

		if err := handler(ctx, msg); err != nil {
			b.mu.Lock()
			b.deadLetterLocked(q, msg)
			b.mu.Unlock()
		}
	}
}

// QueueDepth expires overdue messages first so dead-letter depth reflects TTL
// moves even when nobody is consuming.
func (b *MemoryBroker) QueueDepth(ctx context.Context, queue string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return 0, errors.Errorf("queue %s not declared", queue)
	}
	for _, other := range b.queues {
		b.expireLocked(other)
	}
	return len(q.messages), nil
}

// Peek returns a copy of the messages waiting in queue.
func (b *MemoryBroker) Peek(queue string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queue]
	if !ok {
		return nil
	}
	out := make([]Message, 0, len(q.messages))
	for _, e := range q.messages {
		out = append(out, e.msg)
	}
	return out
}

func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *MemoryBroker) next(q *memoryQueue) (Message, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return Message{}, false, errors.New("memory broker closed")
	}
	b.expireLocked(q)
	if len(q.messages) == 0 {
		return Message{}, false, nil
	}
	entry := q.messages[0]
	q.messages = q.messages[1:]
	return entry.msg, true, nil
}

func (b *MemoryBroker) expireLocked(q *memoryQueue) {
	if q.def.MessageTTL <= 0 {
		return
	}
	now := b.now()
	kept := q.messages[:0]
	var expired []Message
	for _, e := range q.messages {
		if now.Sub(e.enqueued) >= q.def.MessageTTL {
			expired = append(expired, e.msg)
			continue
		}
		kept = append(kept, e)
	}
	q.messages = kept
	for _, msg := range expired {
		b.deadLetterLocked(q, msg)
	}
}

func (b *MemoryBroker) deadLetterLocked(q *memoryQueue, msg Message) {
	if q.def.DeadLetterExchange == "" {
		return
	}
	msg.RoutingKey = q.def.DeadLetterRoutingKey
	for _, name := range b.topology.Route(q.def.DeadLetterExchange, q.def.DeadLetterRoutingKey) {
		b.enqueueLocked(b.queues[name], msg)
	}
}

func (b *MemoryBroker) enqueueLocked(q *memoryQueue, msg Message) {
	q.messages = append(q.messages, memoryEntry{msg: msg, enqueued: b.now()})
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func containsExchange(list []Exchange, name string) bool {
	for _, e := range list {
		if e.Name == name {
			return true
		}
	}
	return false
}

func containsBinding(list []Binding, b Binding) bool {
	for _, existing := range list {
		if existing == b {
			return true
		}
	}
	return false
}
