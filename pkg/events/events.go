package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type identifies an event variant. It doubles as the routing key the
// event is published with.
type Type string

const (
	TypeCardCreated Type = "card.created"
	TypeCardDeleted Type = "card.deleted"
	TypeDeckDeleted Type = "deck.deleted"
)

// ErrUnknownType is returned when a payload is decoded for a type that is not
// one of the three known variants.
var ErrUnknownType = errors.New("unknown event type")

var validate = validator.New()

// Event is a closed set: only CardCreated, CardDeleted and DeckDeleted
// implement it.
type Event interface {
	Type() Type
	// Deck returns the id of the deck the event refers to.
	Deck() uuid.UUID
	isEvent()
}

// CardCreated is published by the card service after a card row is committed.
type CardCreated struct {
	CardID    string `json:"cardId" validate:"required,uuid"`
	DeckID    string `json:"deckId" validate:"required,uuid"`
	Timestamp int64  `json:"timestamp"`
}

// CardDeleted is published by the card service after a card row is removed.
type CardDeleted struct {
	CardID    string `json:"cardId" validate:"required,uuid"`
	DeckID    string `json:"deckId" validate:"required,uuid"`
	Timestamp int64  `json:"timestamp"`
}

// DeckDeleted is published by the deck service after a deck row is removed.
type DeckDeleted struct {
	DeckID    string `json:"deckId" validate:"required,uuid"`
	Timestamp int64  `json:"timestamp"`
}

func (CardCreated) Type() Type { return TypeCardCreated }
func (CardDeleted) Type() Type { return TypeCardDeleted }
func (DeckDeleted) Type() Type { return TypeDeckDeleted }

func (e CardCreated) Deck() uuid.UUID { return uuid.MustParse(e.DeckID) }
func (e CardDeleted) Deck() uuid.UUID { return uuid.MustParse(e.DeckID) }
func (e DeckDeleted) Deck() uuid.UUID { return uuid.MustParse(e.DeckID) }

func (CardCreated) isEvent() {}
func (CardDeleted) isEvent() {}
func (DeckDeleted) isEvent() {}

// NewCardCreated stamps a CardCreated with the current wall clock.
func NewCardCreated(cardID, deckID uuid.UUID) CardCreated {
	return CardCreated{CardID: cardID.String(), DeckID: deckID.String(), Timestamp: nowMillis()}
}

// NewCardDeleted stamps a CardDeleted with the current wall clock.
func NewCardDeleted(cardID, deckID uuid.UUID) CardDeleted {
	return CardDeleted{CardID: cardID.String(), DeckID: deckID.String(), Timestamp: nowMillis()}
}

// NewDeckDeleted stamps a DeckDeleted with the current wall clock.
func NewDeckDeleted(deckID uuid.UUID) DeckDeleted {
	return DeckDeleted{DeckID: deckID.String(), Timestamp: nowMillis()}
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Encode serializes an event to its JSON wire form.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("nil event")
	}
	body, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s event", e.Type())
	}
	return body, nil
}

// Decode parses body as the variant named by t and validates it. Any failure
// is returned to the caller so the message can be dead-lettered.
func Decode(t Type, body []byte) (Event, error) {
	var (
		event Event
		err   error
	)

	switch t {
	case TypeCardCreated:
		var e CardCreated
		err = decodeInto(body, &e)
		event = e
	case TypeCardDeleted:
		var e CardDeleted
		err = decodeInto(body, &e)
		event = e
	case TypeDeckDeleted:
		var e DeckDeleted
		err = decodeInto(body, &e)
		event = e
	default:
		return nil, errors.Wrapf(ErrUnknownType, "%q", t)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s event", t)
	}
	return event, nil
}

func decodeInto(body []byte, v interface{}) error {
	if err := json.Unmarshal(body, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}
