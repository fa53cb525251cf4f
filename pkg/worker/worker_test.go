package worker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/pkg/metrics"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerConsumesAndReportsDeadLetters(t *testing.T) {
	broker := messaging.NewMemoryBroker()
	require.NoError(t, messaging.DeclareTopology(context.Background(), broker,
		messaging.DefaultTopology(messaging.DefaultMessageTTL, messaging.DefaultMessageTTL)))
	m := metrics.NewMetrics()

	var handled int32
	handler := messaging.EventHandlerFunc(func(ctx context.Context, e events.Event) error {
		atomic.AddInt32(&handled, 1)
		return nil
	})
	created := messaging.NewConsumer(broker, messaging.QueueCardCreated, events.TypeCardCreated, handler, nil, m, 0)
	deleted := messaging.NewConsumer(broker, messaging.QueueCardDeleted, events.TypeCardDeleted, handler, nil, m, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	body, err := events.Encode(events.NewCardCreated(uuid.New(), uuid.New()))
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, messaging.CardExchange, messaging.QueueCardCreated, messaging.Message{Body: body}))
	require.NoError(t, broker.Publish(ctx, messaging.CardExchange, messaging.QueueCardDeleted, messaging.Message{Body: []byte("garbage")}))

	w := New(Config{DLQCheckInterval: 20 * time.Millisecond}, broker, m, created, deleted)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	dlqGauge := metrics.Key(metrics.DeadLetterDepth, "card.deleted.dlq")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&handled) == 1 && m.Gauge(dlqGauge) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, m.Gauge(metrics.Key(metrics.DeadLetterDepth, "card.created.dlq")))

	cancel()
	require.NoError(t, <-done)
}

func TestNewDefaultsInterval(t *testing.T) {
	w := New(Config{}, messaging.NewMemoryBroker(), nil)
	assert.Equal(t, DefaultDLQCheckInterval, w.cfg.DLQCheckInterval)
}
