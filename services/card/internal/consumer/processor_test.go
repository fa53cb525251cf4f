package consumer

import (
	"context"
	"testing"
	"time"

	"example.com/memorix/pkg/database/dbtest"
	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/messaging"
	"example.com/memorix/services/card/internal/models"
	"example.com/memorix/services/card/internal/repository"
	"example.com/memorix/services/card/internal/service"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockCascadeDeleter struct {
	mock.Mock
}

func (m *mockCascadeDeleter) DeleteByDeck(ctx context.Context, deckID uuid.UUID) (int64, error) {
	args := m.Called(ctx, deckID)
	return args.Get(0).(int64), args.Error(1)
}

func TestHandleDeckDeleted(t *testing.T) {
	cards := new(mockCascadeDeleter)
	p := NewProcessor(cards)
	deckID := uuid.New()

	cards.On("DeleteByDeck", mock.Anything, deckID).Return(int64(4), nil).Once()
	cards.On("DeleteByDeck", mock.Anything, deckID).Return(int64(0), nil).Once()

	require.NoError(t, p.HandleEvent(context.Background(), events.NewDeckDeleted(deckID)))
	require.NoError(t, p.HandleEvent(context.Background(), events.NewDeckDeleted(deckID)))
	cards.AssertExpectations(t)
}

func TestHandleDeckDeletedStoreFailure(t *testing.T) {
	cards := new(mockCascadeDeleter)
	cards.On("DeleteByDeck", mock.Anything, mock.Anything).Return(int64(0), errors.New("db down"))

	err := NewProcessor(cards).HandleEvent(context.Background(), events.NewDeckDeleted(uuid.New()))
	assert.ErrorContains(t, err, "db down")
}

func TestHandleEventRejectsCardEvents(t *testing.T) {
	p := NewProcessor(new(mockCascadeDeleter))
	err := p.HandleEvent(context.Background(), events.NewCardCreated(uuid.New(), uuid.New()))
	assert.ErrorIs(t, err, events.ErrUnknownType)
}

type staticDecks map[uuid.UUID]bool

func (s staticDecks) Exists(ctx context.Context, id uuid.UUID) bool { return s[id] }

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, events.Event) {}

// A DeckDeleted delivered twice through the broker leaves no cards behind
// and never reaches the dead-letter queue.
func TestDeckDeletedCascadesThroughBroker(t *testing.T) {
	db := dbtest.Open(t, &models.Card{})
	deckID, otherID := uuid.New(), uuid.New()
	svc := service.NewCardService(repository.NewCardRepository(db), staticDecks{deckID: true, otherID: true}, nopPublisher{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, id := range []uuid.UUID{deckID, deckID, deckID, otherID} {
		_, err := svc.Create(ctx, id, service.CardInput{Question: "q", Answer: "a"})
		require.NoError(t, err)
	}

	broker := messaging.NewMemoryBroker()
	require.NoError(t, messaging.DeclareTopology(ctx, broker, messaging.DefaultTopology(messaging.DefaultMessageTTL, messaging.DefaultMessageTTL)))
	publisher := messaging.NewPublisher(broker, messaging.PublisherConfig{RetryDelay: time.Millisecond}, nil, nil)

	c := messaging.NewConsumer(broker, messaging.QueueDeckDeleted, events.TypeDeckDeleted, NewProcessor(svc), nil, nil, 0)
	go func() { _ = c.Run(ctx) }()

	require.NoError(t, publisher.Send(ctx, events.NewDeckDeleted(deckID)))
	require.NoError(t, publisher.Send(ctx, events.NewDeckDeleted(deckID)))

	remaining := func(id uuid.UUID) int64 {
		var n int64
		if err := db.Model(&models.Card{}).Where("deck_id = ?", id).Count(&n).Error; err != nil {
			return -1
		}
		return n
	}
	require.Eventually(t, func() bool {
		depth, err := broker.QueueDepth(ctx, messaging.QueueDeckDeleted)
		return err == nil && depth == 0 && remaining(deckID) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), remaining(otherID))
	dlq, err := broker.QueueDepth(ctx, messaging.DeadLetterQueueName(messaging.QueueDeckDeleted))
	require.NoError(t, err)
	assert.Zero(t, dlq)
}
