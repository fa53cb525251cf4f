package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/metrics"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event events.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
	return h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestConsumerHandleDispatchesDecodedEvent(t *testing.T) {
	h := &recordingHandler{}
	m := metrics.NewMetrics()
	c := NewConsumer(NewMemoryBroker(), QueueCardCreated, events.TypeCardCreated, h, nil, m, 0)

	event := events.NewCardCreated(uuid.New(), uuid.New())
	body, err := events.Encode(event)
	require.NoError(t, err)

	require.NoError(t, c.Handle(context.Background(), Message{ID: "m1", Body: body}))
	require.Len(t, h.events, 1)
	assert.Equal(t, event, h.events[0])
	assert.EqualValues(t, 1, m.Counter(metrics.Key(metrics.EventsConsumed, QueueCardCreated)))
}

func TestConsumerHandleRejectsBadPayload(t *testing.T) {
	h := &recordingHandler{}
	m := metrics.NewMetrics()
	c := NewConsumer(NewMemoryBroker(), QueueCardDeleted, events.TypeCardDeleted, h, nil, m, 0)

	for _, body := range []string{`not json`, `{"cardId":"x"}`, `"3f0c"`} {
		assert.Error(t, c.Handle(context.Background(), Message{Body: []byte(body)}), body)
	}
	assert.Zero(t, h.count())
	assert.EqualValues(t, 3, m.Counter(metrics.Key(metrics.EventsRejected, QueueCardDeleted)))
}

func TestConsumerHandlerErrorPropagates(t *testing.T) {
	h := &recordingHandler{err: errors.New("db down")}
	c := NewConsumer(NewMemoryBroker(), QueueDeckDeleted, events.TypeDeckDeleted, h, nil, nil, 0)

	body, err := events.Encode(events.NewDeckDeleted(uuid.New()))
	require.NoError(t, err)
	assert.Error(t, c.Handle(context.Background(), Message{Body: body}))
}

func TestConsumerRunDeadLettersFailures(t *testing.T) {
	b := newDeclaredBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	good, err := events.Encode(events.NewCardCreated(uuid.New(), uuid.New()))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, CardExchange, QueueCardCreated, Message{ID: "good", Body: good}))
	require.NoError(t, b.Publish(ctx, CardExchange, QueueCardCreated, Message{ID: "bad", Body: []byte(`{}`)}))

	h := &recordingHandler{}
	c := NewConsumer(b, QueueCardCreated, events.TypeCardCreated, h, nil, nil, 50*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		return h.count() == 1 && depth(t, b, DeadLetterQueueName(QueueCardCreated)) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	dead := b.Peek(DeadLetterQueueName(QueueCardCreated))
	require.Len(t, dead, 1)
	assert.Equal(t, "bad", dead[0].ID)
}

// brokenBroker fails the first subscriptions then hands off to a real broker.
type brokenBroker struct {
	*MemoryBroker
	mu     sync.Mutex
	breaks int
	calls  int
}

func (b *brokenBroker) Consume(ctx context.Context, queue string, handler Handler) error {
	b.mu.Lock()
	b.calls++
	broken := b.calls <= b.breaks
	b.mu.Unlock()
	if broken {
		return errors.New("channel closed")
	}
	return b.MemoryBroker.Consume(ctx, queue, handler)
}

func TestConsumerRunReconnects(t *testing.T) {
	b := &brokenBroker{MemoryBroker: newDeclaredBroker(t), breaks: 2}
	m := metrics.NewMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, err := events.Encode(events.NewDeckDeleted(uuid.New()))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, DeckExchange, QueueDeckDeleted, Message{Body: body}))

	h := &recordingHandler{}
	c := NewConsumer(b, QueueDeckDeleted, events.TypeDeckDeleted, h, nil, m, 20*time.Millisecond)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.GetHealthChecks()["consumer:"+QueueDeckDeleted])

	cancel()
	require.NoError(t, <-done)
	b.mu.Lock()
	assert.Equal(t, 3, b.calls)
	b.mu.Unlock()
}

func TestConsumerFinishesDeliveryAfterShutdown(t *testing.T) {
	b := newDeclaredBroker(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, err := events.Encode(events.NewCardCreated(uuid.New(), uuid.New()))
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, CardExchange, QueueCardCreated, Message{ID: "inflight", Body: body}))

	var handled atomic.Bool
	h := EventHandlerFunc(func(hctx context.Context, event events.Event) error {
		cancel()
		if err := hctx.Err(); err != nil {
			return err
		}
		handled.Store(true)
		return nil
	})
	c := NewConsumer(b, QueueCardCreated, events.TypeCardCreated, h, nil, nil, 0)

	require.NoError(t, c.Run(ctx))
	assert.True(t, handled.Load())
	assert.Equal(t, 0, depth(t, b, DeadLetterQueueName(QueueCardCreated)))
	assert.Equal(t, 0, depth(t, b, QueueCardCreated))
}
