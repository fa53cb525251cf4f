package consumer

import (
	"context"

	"example.com/memorix/pkg/events"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CountUpdater applies card lifecycle events to the deck aggregate.
type CountUpdater interface {
	ApplyCardCreated(ctx context.Context, deckID uuid.UUID) error
	ApplyCardDeleted(ctx context.Context, deckID uuid.UUID) error
}

// Processor dispatches card events consumed by the deck worker.
type Processor struct {
	decks CountUpdater
}

// NewProcessor creates a new event processor
func NewProcessor(decks CountUpdater) *Processor {
	return &Processor{decks: decks}
}

// HandleEvent routes the event to the matching count update.
func (p *Processor) HandleEvent(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.CardCreated:
		log.Debug().Str("card_id", e.CardID).Str("deck_id", e.DeckID).Msg("Processing card created")
		return p.decks.ApplyCardCreated(ctx, e.Deck())
	case events.CardDeleted:
		log.Debug().Str("card_id", e.CardID).Str("deck_id", e.DeckID).Msg("Processing card deleted")
		return p.decks.ApplyCardDeleted(ctx, e.Deck())
	default:
		return errors.Wrapf(events.ErrUnknownType, "deck worker cannot handle %T", event)
	}
}
