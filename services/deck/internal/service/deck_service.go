package service

import (
	"context"
	"reflect"
	"regexp"
	"strings"

	"example.com/memorix/pkg/cache"
	"example.com/memorix/pkg/events"
	"example.com/memorix/pkg/metrics"
	"example.com/memorix/pkg/tracing"
	"example.com/memorix/services/deck/internal/models"
	"example.com/memorix/services/deck/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

var coverURLPattern = regexp.MustCompile(`^(https?|ftp)://[^\s/$.?#].[^\s]*$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("cover_url", func(fl validator.FieldLevel) bool {
		return coverURLPattern.MatchString(fl.Field().String())
	})
	return v
}

// DeckCache is the read-through cache in front of the deck store.
type DeckCache interface {
	Get(ctx context.Context, key string, value interface{}) error
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, keys ...string) error
}

// EventPublisher hands domain events to the message channel.
type EventPublisher interface {
	Publish(ctx context.Context, event events.Event)
}

// DeckInput carries the user-editable deck fields for create and update.
type DeckInput struct {
	Name          string `json:"name" validate:"required,max=100"`
	Description   string `json:"description" validate:"max=255"`
	CoverImageURL string `json:"coverImageUrl" validate:"omitempty,cover_url"`
	HexColor      string `json:"hexColor" validate:"omitempty,len=7"`
}

func (in *DeckInput) normalize() error {
	in.Name = strings.TrimSpace(in.Name)
	in.CoverImageURL = strings.TrimSpace(in.CoverImageURL)
	if in.HexColor == "" {
		in.HexColor = models.DefaultHexColor
	}
	if err := validate.Struct(in); err != nil {
		return toValidationError(err)
	}
	return nil
}

// Page is one slice of the deck listing.
type Page struct {
	Items  []models.Deck `json:"content"`
	Total  int64         `json:"totalElements"`
	Limit  int           `json:"size"`
	Offset int           `json:"offset"`
}

// DeckService owns the deck aggregate: CRUD, deletion events and the
// cards_count maintained from card events.
type DeckService struct {
	repo      repository.DeckRepository
	cache     DeckCache
	publisher EventPublisher
	tracer    tracing.Tracer
	metrics   *metrics.Metrics
}

// NewDeckService creates a new deck service
func NewDeckService(repo repository.DeckRepository, deckCache DeckCache, publisher EventPublisher, tracer tracing.Tracer, m *metrics.Metrics) *DeckService {
	if tracer == nil {
		tracer = tracing.Disabled()
	}
	if deckCache == nil {
		deckCache = cache.Disabled()
	}
	return &DeckService{
		repo:      repo,
		cache:     deckCache,
		publisher: publisher,
		tracer:    tracer,
		metrics:   m,
	}
}

func (s *DeckService) Create(ctx context.Context, in DeckInput) (*models.Deck, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	deck := &models.Deck{
		Name:          in.Name,
		Description:   in.Description,
		CoverImageURL: in.CoverImageURL,
		HexColor:      in.HexColor,
	}
	if err := s.repo.Create(ctx, deck); err != nil {
		return nil, err
	}

	log.Info().Str("deck_id", deck.ID.String()).Msg("Deck created")
	return deck, nil
}

// Get reads through the Redis cache.
func (s *DeckService) Get(ctx context.Context, id uuid.UUID) (*models.Deck, error) {
	key := cache.DeckKey(id)

	var cached models.Deck
	if err := s.cache.Get(ctx, key, &cached); err == nil {
		s.metrics.IncrementCounter("deck_cache_hit")
		return &cached, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		log.Warn().Err(err).Str("deck_id", id.String()).Msg("Deck cache read failed")
	}
	s.metrics.IncrementCounter("deck_cache_miss")

	deck, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeckNotFound
		}
		return nil, err
	}

	if err := s.cache.Set(ctx, key, deck); err != nil {
		log.Warn().Err(err).Str("deck_id", id.String()).Msg("Deck cache write failed")
		return deck, nil
	}
	s.dropIfChanged(ctx, deck)
	return deck, nil
}

// dropIfChanged removes an entry written from a row that changed between the
// read and the write.
func (s *DeckService) dropIfChanged(ctx context.Context, cached *models.Deck) {
	if rc, ok := s.cache.(*cache.RedisCache); ok && !rc.Enabled() {
		return
	}
	current, err := s.repo.GetByID(ctx, cached.ID)
	if err == nil && current.CardsCount == cached.CardsCount && current.UpdatedAt.Equal(cached.UpdatedAt) {
		return
	}
	s.metrics.IncrementCounter("deck_cache_stale_write")
	s.invalidate(ctx, cached.ID)
}

func (s *DeckService) List(ctx context.Context, limit, offset int) (*Page, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}

	decks, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, err
	}
	if decks == nil {
		decks = []models.Deck{}
	}
	return &Page{Items: decks, Total: total, Limit: limit, Offset: offset}, nil
}

func (s *DeckService) Update(ctx context.Context, id uuid.UUID, in DeckInput) (*models.Deck, error) {
	if err := in.normalize(); err != nil {
		return nil, err
	}

	deck := &models.Deck{
		ID:            id,
		Name:          in.Name,
		Description:   in.Description,
		CoverImageURL: in.CoverImageURL,
		HexColor:      in.HexColor,
	}
	if err := s.repo.Update(ctx, deck); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeckNotFound
		}
		return nil, err
	}
	s.invalidate(ctx, id)

	return s.repo.GetByID(ctx, id)
}

// Exists reports whether the deck is present in the store. It bypasses the
// cache so a freshly deleted deck is never reported as present.
func (s *DeckService) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	return s.repo.Exists(ctx, id)
}

// Delete removes the deck and announces it so the card service can cascade.
func (s *DeckService) Delete(ctx context.Context, id uuid.UUID) error {
	txn := s.tracer.StartTransaction("delete-deck")
	defer s.tracer.EndTransaction(txn)
	s.tracer.AddAttribute(txn, "deck_id", id.String())

	if err := s.repo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrDeckNotFound
		}
		s.tracer.RecordError(txn, err)
		return err
	}
	s.invalidate(ctx, id)

	s.publisher.Publish(ctx, events.NewDeckDeleted(id))
	log.Info().Str("deck_id", id.String()).Msg("Deck deleted")
	return nil
}

// DeleteMany removes the listed decks that exist and publishes one
// DeckDeleted per removed deck. Unknown ids are ignored.
func (s *DeckService) DeleteMany(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	deleted, err := s.repo.DeleteByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	for _, id := range deleted {
		s.invalidate(ctx, id)
		s.publisher.Publish(ctx, events.NewDeckDeleted(id))
	}
	log.Info().Int("requested", len(ids)).Int("deleted", len(deleted)).Msg("Decks deleted")
	return deleted, nil
}

// ApplyCardCreated increments the deck's cards_count. A missing deck is the
// orphan window and is not an error.
func (s *DeckService) ApplyCardCreated(ctx context.Context, deckID uuid.UUID) error {
	rows, err := s.repo.IncrementCardsCount(ctx, deckID)
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Warn().Str("deck_id", deckID.String()).Msg("Card created for a deck that no longer exists")
		return nil
	}
	s.invalidate(ctx, deckID)
	return nil
}

// ApplyCardDeleted decrements cards_count with a floor of zero.
func (s *DeckService) ApplyCardDeleted(ctx context.Context, deckID uuid.UUID) error {
	rows, err := s.repo.DecrementCardsCount(ctx, deckID)
	if err != nil {
		return err
	}
	if rows == 0 {
		log.Warn().Str("deck_id", deckID.String()).Msg("Card deleted but no deck count changed (deck missing or count already zero)")
		return nil
	}
	s.invalidate(ctx, deckID)
	return nil
}

func (s *DeckService) invalidate(ctx context.Context, id uuid.UUID) {
	if err := s.cache.Delete(ctx, cache.DeckKey(id)); err != nil {
		log.Warn().Err(err).Str("deck_id", id.String()).Msg("Deck cache invalidation failed")
	}
}
