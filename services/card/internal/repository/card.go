package repository

import (
	"context"

	"example.com/memorix/services/card/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// CardRepository defines the interface for card persistence
type CardRepository interface {
	Create(ctx context.Context, card *models.Card) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error)
	List(ctx context.Context, limit, offset int) ([]models.Card, int64, error)
	ListByDeckID(ctx context.Context, deckID uuid.UUID, limit, offset int) ([]models.Card, int64, error)
	UpdateContent(ctx context.Context, id uuid.UUID, question, answer string) (*models.Card, error)
	Delete(ctx context.Context, id uuid.UUID) (*models.Card, error)
	DeleteAllByDeckID(ctx context.Context, deckID uuid.UUID) (int64, error)
}

// GormCardRepository implements CardRepository using GORM
type GormCardRepository struct {
	db *gorm.DB
}

// NewCardRepository creates a new card repository
func NewCardRepository(db *gorm.DB) *GormCardRepository {
	return &GormCardRepository{db: db}
}

func (r *GormCardRepository) Create(ctx context.Context, card *models.Card) error {
	if err := r.db.WithContext(ctx).Create(card).Error; err != nil {
		return errors.Wrap(ErrCreateFailed, err.Error())
	}
	return nil
}

func (r *GormCardRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	var card models.Card
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&card).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get card by ID")
	}
	return &card, nil
}

func (r *GormCardRepository) List(ctx context.Context, limit, offset int) ([]models.Card, int64, error) {
	return r.page(r.db.WithContext(ctx).Model(&models.Card{}), limit, offset)
}

func (r *GormCardRepository) ListByDeckID(ctx context.Context, deckID uuid.UUID, limit, offset int) ([]models.Card, int64, error) {
	return r.page(r.db.WithContext(ctx).Model(&models.Card{}).Where("deck_id = ?", deckID), limit, offset)
}

func (r *GormCardRepository) page(q *gorm.DB, limit, offset int) ([]models.Card, int64, error) {
	var total int64
	if err := q.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count cards")
	}

	var cards []models.Card
	err := q.Session(&gorm.Session{}).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&cards).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list cards")
	}
	return cards, total, nil
}

// UpdateContent changes question and answer only. The owning deck never
// changes after creation.
func (r *GormCardRepository) UpdateContent(ctx context.Context, id uuid.UUID, question, answer string) (*models.Card, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Card{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"question": question, "answer": answer})
	if result.Error != nil {
		return nil, errors.Wrap(ErrUpdateFailed, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return r.GetByID(ctx, id)
}

// Delete removes a card and returns it so the caller knows which deck to
// notify.
func (r *GormCardRepository) Delete(ctx context.Context, id uuid.UUID) (*models.Card, error) {
	var card models.Card
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&card).Error; err != nil {
			return err
		}
		result := tx.Where("id = ?", id).Delete(&models.Card{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(ErrDeleteFailed, err.Error())
	}
	return &card, nil
}

// DeleteAllByDeckID removes every card of a deck in one statement and returns
// how many went. Running it again for the same deck removes nothing.
func (r *GormCardRepository) DeleteAllByDeckID(ctx context.Context, deckID uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).Where("deck_id = ?", deckID).Delete(&models.Card{})
	if result.Error != nil {
		return 0, errors.Wrap(ErrDeleteFailed, result.Error.Error())
	}
	return result.RowsAffected, nil
}
