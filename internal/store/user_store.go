package store

import (
	"context"

	"chatcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type UserStore struct{ db *gorm.DB }

func (s *Store) Users() *UserStore { return &UserStore{db: s.DB} }

// Upsert writes the identity projection, replacing profile and role flags.
func (u *UserStore) Upsert(ctx context.Context, usr *domain.User) error {
	if usr.ID == uuid.Nil {
		usr.ID = uuid.New()
	}
	return u.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "is_active", "is_executive", "is_staff", "is_superuser", "updated_at"}),
	}).Create(usr).Error
}

func (u *UserStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	var user domain.User
	if err := u.db.WithContext(ctx).First(&user, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &user, nil
}

func (u *UserStore) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.User, error) {
	out := make(map[uuid.UUID]domain.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []domain.User
	if err := u.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, usr := range users {
		out[usr.ID] = usr
	}
	return out, nil
}

func (u *UserStore) ListActive(ctx context.Context, exclude uuid.UUID) ([]domain.User, error) {
	var users []domain.User
	err := u.db.WithContext(ctx).
		Where("is_active = ? AND id <> ?", true, exclude).
		Order("display_name asc").
		Find(&users).Error
	return users, err
}

func (u *UserStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	res := u.db.WithContext(ctx).Model(&domain.User{}).Where("id = ?", id).Update("is_active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
