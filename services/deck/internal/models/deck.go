package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const DefaultHexColor = "#FFFFFF"

// Deck is the aggregate owned by the deck service. CardsCount is maintained
// asynchronously from card events and is never written by the API.
type Deck struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	Name          string    `gorm:"size:100;not null" json:"name"`
	Description   string    `gorm:"size:255" json:"description"`
	CoverImageURL string    `gorm:"column:cover_image_url" json:"coverImageUrl"`
	HexColor      string    `gorm:"size:7;not null;default:'#FFFFFF'" json:"hexColor"`
	CardsCount    int       `gorm:"not null;default:0" json:"cardsCount"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
}

func (Deck) TableName() string {
	return "decks"
}

// BeforeCreate assigns an id and the default colour.
func (d *Deck) BeforeCreate(tx *gorm.DB) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.HexColor == "" {
		d.HexColor = DefaultHexColor
	}
	return nil
}

// SetupModels runs the deck migrations.
func SetupModels(db *gorm.DB) error {
	return db.AutoMigrate(&Deck{})
}
