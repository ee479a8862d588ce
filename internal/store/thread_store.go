package store

import (
	"context"
	"time"

	"chatcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ThreadStore struct{ db *gorm.DB }

func (s *Store) Threads() *ThreadStore { return &ThreadStore{db: s.DB} }

// Create inserts t; a concurrent insert of the same pair fails the unique
// index and is reported by IsUniqueViolation.
func (t *ThreadStore) Create(ctx context.Context, th *domain.Thread) error {
	if th.ID == uuid.Nil {
		th.ID = uuid.New()
	}
	return t.db.WithContext(ctx).Create(th).Error
}

func (t *ThreadStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Thread, error) {
	var th domain.Thread
	if err := t.db.WithContext(ctx).First(&th, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &th, nil
}

// GetByPair expects the pair already in canonical order.
func (t *ThreadStore) GetByPair(ctx context.Context, one, two uuid.UUID) (*domain.Thread, error) {
	var th domain.Thread
	err := t.db.WithContext(ctx).
		Where("user_one_id = ? AND user_two_id = ?", one, two).
		First(&th).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &th, nil
}

func (t *ThreadStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Thread, error) {
	var out []domain.Thread
	err := t.db.WithContext(ctx).
		Where("user_one_id = ? OR user_two_id = ?", userID, userID).
		Order("last_message_at desc").
		Find(&out).Error
	return out, err
}

func (t *ThreadStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return t.db.WithContext(ctx).Model(&domain.Thread{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_message_at": at, "updated_at": at}).Error
}
