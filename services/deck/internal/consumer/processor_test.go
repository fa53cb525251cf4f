package consumer

import (
	"context"
	"testing"
	"time"

	"example.com/memorix/pkg/database/dbtest"
	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/services/deck/internal/models"
	"example.com/memorix/services/deck/internal/repository"
	"example.com/memorix/services/deck/internal/service"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCountUpdater struct {
	mock.Mock
}

func (m *mockCountUpdater) ApplyCardCreated(ctx context.Context, deckID uuid.UUID) error {
	return m.Called(ctx, deckID).Error(0)
}

func (m *mockCountUpdater) ApplyCardDeleted(ctx context.Context, deckID uuid.UUID) error {
	return m.Called(ctx, deckID).Error(0)
}

func TestHandleEventDispatch(t *testing.T) {
	updater := new(mockCountUpdater)
	p := NewProcessor(updater)
	deckID := uuid.New()

	updater.On("ApplyCardCreated", mock.Anything, deckID).Return(nil).Once()
	updater.On("ApplyCardDeleted", mock.Anything, deckID).Return(nil).Once()

	require.NoError(t, p.HandleEvent(context.Background(), events.NewCardCreated(uuid.New(), deckID)))
	require.NoError(t, p.HandleEvent(context.Background(), events.NewCardDeleted(uuid.New(), deckID)))
	updater.AssertExpectations(t)
}

func TestHandleEventRejectsDeckDeleted(t *testing.T) {
	p := NewProcessor(new(mockCountUpdater))
	err := p.HandleEvent(context.Background(), events.NewDeckDeleted(uuid.New()))
	assert.ErrorIs(t, err, events.ErrUnknownType)
}

// Runs the card queues through the in-memory broker into a real store.
func TestCardEventsDriveCardsCount(t *testing.T) {
	db := dbtest.Open(t, &models.Deck{})
	svc := service.NewDeckService(repository.NewDeckRepository(db), nil, nopPublisher{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deck, err := svc.Create(ctx, service.DeckInput{Name: "Scenario"})
	require.NoError(t, err)

	broker := messaging.NewMemoryBroker()
	require.NoError(t, messaging.DeclareTopology(ctx, broker, messaging.DefaultTopology(messaging.DefaultMessageTTL, messaging.DefaultMessageTTL)))
	publisher := messaging.NewPublisher(broker, messaging.PublisherConfig{RetryDelay: time.Millisecond}, nil, nil)

	proc := NewProcessor(svc)
	for _, c := range []*messaging.Consumer{
		messaging.NewConsumer(broker, messaging.QueueCardCreated, events.TypeCardCreated, proc, nil, nil, 0),
		messaging.NewConsumer(broker, messaging.QueueCardDeleted, events.TypeCardDeleted, proc, nil, nil, 0),
	} {
		c := c
		go func() { _ = c.Run(ctx) }()
	}

	cards := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range cards {
		require.NoError(t, publisher.Send(ctx, events.NewCardCreated(id, deck.ID)))
	}
	require.Eventually(t, func() bool { return count(t, svc, deck.ID) == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, publisher.Send(ctx, events.NewCardDeleted(cards[0], deck.ID)))
	require.Eventually(t, func() bool { return count(t, svc, deck.ID) == 2 }, 2*time.Second, 10*time.Millisecond)

	// malformed payloads end up in the dead-letter queue
	require.NoError(t, broker.Publish(ctx, messaging.CardExchange, messaging.QueueCardCreated, messaging.Message{Body: []byte(`{"deckId":"nope"}`)}))
	require.Eventually(t, func() bool {
		n, err := broker.QueueDepth(ctx, messaging.DeadLetterQueueName(messaging.QueueCardCreated))
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, count(t, svc, deck.ID))
}

func count(t *testing.T, svc *service.DeckService, id uuid.UUID) int {
	t.Helper()
	deck, err := svc.Get(context.Background(), id)
	if err != nil {
		return -1
	}
	return deck.CardsCount
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}

// Shutting the worker down while a count update is in progress must not
// push the event to the dead-letter queue.
func TestShutdownDuringUpdateKeepsEvent(t *testing.T) {
	db := dbtest.Open(t, &models.Deck{})
	svc := service.NewDeckService(repository.NewDeckRepository(db), nil, nopPublisher{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deck, err := svc.Create(ctx, service.DeckInput{Name: "Shutdown"})
	require.NoError(t, err)

	broker := messaging.NewMemoryBroker()
	require.NoError(t, messaging.DeclareTopology(ctx, broker, messaging.DefaultTopology(messaging.DefaultMessageTTL, messaging.DefaultMessageTTL)))
	body, err := events.Encode(events.NewCardCreated(uuid.New(), deck.ID))
	require.NoError(t, err)
	require.NoError(t, broker.Publish(ctx, messaging.CardExchange, messaging.QueueCardCreated, messaging.Message{ID: "m1", Body: body}))

	proc := NewProcessor(svc)
	stopping := messaging.EventHandlerFunc(func(hctx context.Context, event events.Event) error {
		cancel()
		return proc.HandleEvent(hctx, event)
	})
	c := messaging.NewConsumer(broker, messaging.QueueCardCreated, events.TypeCardCreated, stopping, nil, nil, 0)
	require.NoError(t, c.Run(ctx))

	dlq, err := broker.QueueDepth(context.Background(), messaging.DeadLetterQueueName(messaging.QueueCardCreated))
	require.NoError(t, err)
	assert.Zero(t, dlq)
	assert.Equal(t, 1, count(t, svc, deck.ID))
}

// Two workers compete for each card queue; the atomic deltas still add up.
func TestCompetingConsumersConverge(t *testing.T) {
	db := dbtest.Open(t, &models.Deck{})
	svc := service.NewDeckService(repository.NewDeckRepository(db), nil, nopPublisher{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deck, err := svc.Create(ctx, service.DeckInput{Name: "Competing"})
	require.NoError(t, err)

	broker := messaging.NewMemoryBroker()
	require.NoError(t, messaging.DeclareTopology(ctx, broker, messaging.DefaultTopology(messaging.DefaultMessageTTL, messaging.DefaultMessageTTL)))
	publisher := messaging.NewPublisher(broker, messaging.PublisherConfig{RetryDelay: time.Millisecond}, nil, nil)

	proc := NewProcessor(svc)
	for i := 0; i < 2; i++ {
		for _, c := range []*messaging.Consumer{
			messaging.NewConsumer(broker, messaging.QueueCardCreated, events.TypeCardCreated, proc, nil, nil, 0),
			messaging.NewConsumer(broker, messaging.QueueCardDeleted, events.TypeCardDeleted, proc, nil, nil, 0),
		} {
			c := c
			go func() { _ = c.Run(ctx) }()
		}
	}

	const created, deleted = 20, 8
	cards := make([]uuid.UUID, created)
	for i := range cards {
		cards[i] = uuid.New()
		require.NoError(t, publisher.Send(ctx, events.NewCardCreated(cards[i], deck.ID)))
	}
	require.Eventually(t, func() bool { return count(t, svc, deck.ID) == created }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < deleted; i++ {
		require.NoError(t, publisher.Send(ctx, events.NewCardDeleted(cards[i], deck.ID)))
	}
	require.Eventually(t, func() bool { return count(t, svc, deck.ID) == created-deleted }, 5*time.Second, 10*time.Millisecond)

	dlq, err := broker.QueueDepth(ctx, messaging.DeadLetterQueueName(messaging.QueueCardDeleted))
	require.NoError(t, err)
	assert.Zero(t, dlq)
}
