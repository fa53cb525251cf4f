package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Card belongs to a deck owned by the deck service. DeckID is indexed but has
// no foreign key: the deck lives in another store and may already be gone.
type Card struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Question  string    `gorm:"type:text;not null" json:"question"`
	Answer    string    `gorm:"type:text;not null" json:"answer"`
	DeckID    uuid.UUID `gorm:"type:uuid;not null;index" json:"deckId"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Card) TableName() string {
	return "cards"
}

func (c *Card) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

// SetupModels runs the card migrations.
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(&Card{})
}
