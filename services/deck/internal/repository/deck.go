package repository

import (
	"context"

	"example.com/memorix/services/deck/internal/models"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DeckRepository defines the interface for deck persistence
type DeckRepository interface {
	Create(ctx context.Context, deck *models.Deck) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Deck, error)
	List(ctx context.Context, limit, offset int) ([]models.Deck, int64, error)
	Update(ctx context.Context, deck *models.Deck) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	IncrementCardsCount(ctx context.Context, id uuid.UUID) (int64, error)
	DecrementCardsCount(ctx context.Context, id uuid.UUID) (int64, error)
}

// GormDeckRepository implements DeckRepository using GORM
type GormDeckRepository struct {
	db *gorm.DB
}

// NewDeckRepository creates a new deck repository
func NewDeckRepository(db *gorm.DB) *GormDeckRepository {
	return &GormDeckRepository{db: db}
}

func (r *GormDeckRepository) Create(ctx context.Context, deck *models.Deck) error {
	if err := r.db.WithContext(ctx).Create(deck).Error; err != nil {
		return errors.Wrap(ErrCreateFailed, err.Error())
	}
	return nil
}

func (r *GormDeckRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Deck, error) {
	var deck models.Deck
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&deck).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrap(err, "failed to get deck by ID")
	}
	return &deck, nil
}

// List returns one page of decks ordered by creation time and the total count.
func (r *GormDeckRepository) List(ctx context.Context, limit, offset int) ([]models.Deck, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Deck{}).Count(&total).Error; err != nil {
		return nil, 0, errors.Wrap(err, "failed to count decks")
	}

	var decks []models.Deck
	err := r.db.WithContext(ctx).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).Offset(offset).
		Find(&decks).Error
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to list decks")
	}
	return decks, total, nil
}

// Update writes the user-editable columns only. cards_count is left alone so
// a concurrent counter update is never overwritten with a stale value.
func (r *GormDeckRepository) Update(ctx context.Context, deck *models.Deck) error {
	result := r.db.WithContext(ctx).
		Model(&models.Deck{}).
		Where("id = ?", deck.ID).
		Updates(map[string]interface{}{
			"name":            deck.Name,
			"description":     deck.Description,
			"cover_image_url": deck.CoverImageURL,
			"hex_color":       deck.HexColor,
		})
	if result.Error != nil {
		return errors.Wrap(ErrUpdateFailed, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormDeckRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Deck{})
	if result.Error != nil {
		return errors.Wrap(ErrDeleteFailed, result.Error.Error())
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByIDs removes every listed deck that exists and returns the ids that
// were actually removed.
func (r *GormDeckRepository) DeleteByIDs(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var deleted []uuid.UUID
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Deck{}).Where("id IN ?", ids).Pluck("id", &deleted).Error; err != nil {
			return err
		}
		if len(deleted) == 0 {
			return nil
		}
		return tx.Where("id IN ?", deleted).Delete(&models.Deck{}).Error
	})
	if err != nil {
		return nil, errors.Wrap(ErrDeleteFailed, err.Error())
	}
	return deleted, nil
}

func (r *GormDeckRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Deck{}).Where("id = ?", id).Limit(1).Count(&count).Error
	if err != nil {
		return false, errors.Wrap(err, "failed to check deck existence")
	}
	return count > 0, nil
}

// IncrementCardsCount adds one to cards_count in a single atomic update and
// returns the number of rows touched (0 when the deck is gone).
func (r *GormDeckRepository) IncrementCardsCount(ctx context.Context, id uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Deck{}).
		Where("id = ?", id).
		UpdateColumn("cards_count", gorm.Expr("cards_count + ?", 1))
	if result.Error != nil {
		return 0, errors.Wrap(ErrUpdateFailed, result.Error.Error())
	}
	return result.RowsAffected, nil
}

// DecrementCardsCount subtracts one from cards_count unless it is already
// zero. The floor is part of the WHERE clause so it holds under concurrent
// and duplicated deliveries.
func (r *GormDeckRepository) DecrementCardsCount(ctx context.Context, id uuid.UUID) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Deck{}).
		Where("id = ? AND cards_count > 0", id).
		UpdateColumn("cards_count", gorm.Expr("cards_count - ?", 1))
	if result.Error != nil {
		return 0, errors.Wrap(ErrUpdateFailed, result.Error.Error())
	}
	return result.RowsAffected, nil
}
