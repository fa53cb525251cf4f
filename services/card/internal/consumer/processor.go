package consumer

import (
	"context"

	"example.com/memorix/pkg/events"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// CascadeDeleter removes the cards of a deleted deck.
type CascadeDeleter interface {
	DeleteByDeck(ctx context.Context, deckID uuid.UUID) (int64, error)
}

// Processor dispatches deck events consumed by the card worker.
type Processor struct {
	cards CascadeDeleter
}

// NewProcessor creates a new event processor
func NewProcessor(cards CascadeDeleter) *Processor {
	return &Processor{cards: cards}
}

func (p *Processor) HandleEvent(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.DeckDeleted:
		deleted, err := p.cards.DeleteByDeck(ctx, e.Deck())
		if err != nil {
			return errors.Wrapf(err, "cascade delete for deck %s", e.DeckID)
		}
		if deleted == 0 {
			log.Debug().Str("deck_id", e.DeckID).Msg("Deck deleted with no cards left")
		}
		return nil
	default:
		return errors.Wrapf(events.ErrUnknownType, "card worker cannot handle %T", event)
	}
}
