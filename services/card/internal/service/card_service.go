package service

import (
	"context"
	"reflect"
	"strings"

	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/tracing"
	"example.com/memorix/services/card/internal/models"
	"example.com/memorix/services/card/internal/oracle"
	"example.com/memorix/services/card/internal/repository"
	"example.com/memorix/services/card/internal/search"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var validate = func() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}()

// EventPublisher hands domain events to the message channel.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

// Indexer keeps the card search index in step with the store.
type Indexer interface {
	IndexCard(ctx context.Context, card *models.Card) error
	DeleteCard(ctx context.Context, id uuid.UUID) error
	DeleteByDeck(ctx context.Context, deckID uuid.UUID) (int64, error)
	Search(ctx context.Context, text string, limit int) ([]search.Hit, error)
}

// CardInput carries the user-editable card fields.
type CardInput struct {
	Question string `json:"question" validate:"required"`
	Answer   string `json:"answer" validate:"required"`
}

func (in *CardInput) normalize() error {
	in.Question = strings.TrimSpace(in.Question)
	in.Answer = strings.TrimSpace(in.Answer)
	if err := validate.Struct(in); err != nil {
		return toValidationError(err)
	}
	return nil
}

// Page is one slice of a card listing.
type Page struct {
	Items  []models.Card `json:"content"`
	Total  int64         `json:"totalElements"`
	Limit  int           `json:"size"`
	Offset int           `json:"offset"`
}

// CardService owns cards. Creation is gated on the deck service confirming
// the deck; every create and delete is announced so the deck can keep its
// count.
type CardService struct {
	repo      repository.CardRepository
	oracle    oracle.ExistenceOracle
	publisher EventPublisher
	index     Indexer
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
}

// NewCardService creates a new card service. index may be nil when search
// is disabled.
func NewCardService(repo repository.CardRepository, decks oracle.ExistenceOracle, publisher EventPublisher, index Indexer, tracer tracing.Tracer, m *metrics.Metrics) *CardService {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	return &CardService{
		repo:      repo,
		oracle:    decks,
		publisher: publisher,
		index:     index,
		tracer:    tracer,
		metrics:   m,
	}
}

// Create persists a card in deckID once the deck service confirms the deck
// and then publishes CardCreated.
func (s *CardService) Create(ctx context.Context, deckID uuid.UUID, in CardInput) (*models.Card, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	txn := s.tracer.StartTransaction("create-card")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "deck_id", deckID.String())

	if !s.oracle.Exists(ctx, deckID) {
		s.metrics.IncrementCounter("card_create_rejected")
		return nil, ErrDeckNotFound
	}

	card := &models.Card{
		Question: in.Question,
		Answer:   in.Answer,
		DeckID:   deckID,
	}
	if err := s.repo.Create(ctx, card); err != nil {
		s.tracer.RecordError(txn, err)
		return nil, err
	}

	s.publisher.Publish(ctx, events.NewCardCreated(card.ID, deckID))
	s.reindex(ctx, card)

	log.Info().Str("card_id", card.ID.String()).Str("deck_id", deckID.String()).Msg("Card created")
	return card, nil
}

func (s *CardService) Get(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	card, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	return card, nil
}

func (s *CardService) List(ctx context.Context, limit, offset int) (*Page, error) {
	limit, offset = clampPage(limit, offset)
	cards, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	return newPage(cards, total, limit, offset), nil
}

// ListByDeck lists the cards of a deck the deck service still knows about.
func (s *CardService) ListByDeck(ctx context.Context, deckID uuid.UUID, limit, offset int) (*Page, error) {
	if !s.oracle.Exists(ctx, deckID) {
		return nil, ErrDeckNotFound
	}
	limit, offset = clampPage(limit, offset)
	cards, total, err := s.repo.ListByDeckID(ctx, deckID, limit, offset)
	if err != nil {
		return nil, err
	}
	return newPage(cards, total, limit, offset), nil
}

// Update changes question and answer. Counts are unaffected so no event is
// published.
func (s *CardService) Update(ctx context.Context, id uuid.UUID, in CardInput) (*models.Card, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}
	card, err := s.repo.UpdateContent(ctx, id, in.Question, in.Answer)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCardNotFound
		}
		return nil, err
	}
	s.reindex(ctx, card)
	return card, nil
}

// Delete removes a card and publishes CardDeleted for its deck.
func (s *CardService) Delete(ctx context.Context, id uuid.UUID) error {
	card, err := s.repo.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrCardNotFound
		}
		return err
	}

	s.publisher.Publish(ctx, events.NewCardDeleted(card.ID, card.DeckID))
	if s.index != nil {
		if err := s.index.DeleteCard(ctx, card.ID); err != nil {
			log.Warn().Err(err).Str("card_id", card.ID.String()).Msg("Failed to remove card from search index")
		}
	}

	log.Info().Str("card_id", card.ID.String()).Str("deck_id", card.DeckID.String()).Msg("Card deleted")
	return nil
}

// DeleteByDeck is the cascade for a deleted deck: it removes every card of
// the deck without per-card events. Running it again removes nothing.
func (s *CardService) DeleteByDeck(ctx context.Context, deckID uuid.UUID) (int64, error) {
	deleted, err := s.repo.DeleteAllByDeckID(ctx, deckID)
	if err != nil {
		return 0, err
	}

	if s.index != nil {
		if _, err := s.index.DeleteByDeck(ctx, deckID); err != nil {
			log.Warn().Err(err).Str("deck_id", deckID.String()).Msg("Failed to remove deck cards from search index")
		}
	}

	s.metrics.IncrementCounterBy("cards_cascade_deleted", deleted)
	log.Info().Str("deck_id", deckID.String()).Int64("deleted", deleted).Msg("Cascade deleted cards of deck")
	return deleted, nil
}

func (s *CardService) Search(ctx context.Context, text string, limit int) ([]search.Hit, error) {
	if s.index == nil {
		return nil, ErrSearchUnavailable
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, &ValidationError{Field: "q", Message: "must not be blank"}
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	return s.index.Search(ctx, text, limit)
}

func (s *CardService) reindex(ctx context.Context, card *models.Card) {
	if s.index == nil {
		return
	}
	if err := s.index.IndexCard(ctx, card); err != nil {
		log.Warn().Err(err).Str("card_id", card.ID.String()).Msg("Failed to index card")
	}
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func newPage(cards []models.Card, total int64, limit, offset int) *Page {
	if cards == nil {
		cards = []models.Card{}
	}
	return &Page{Items: cards, Total: total, Limit: limit, Offset: offset}
}
