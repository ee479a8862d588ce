package store

import (
	"context"
	"time"

	"chatcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GroupStore struct{ db *gorm.DB }

func (s *Store) Groups() *GroupStore { return &GroupStore{db: s.DB} }

func (g *GroupStore) Create(ctx context.Context, grp *domain.Group) error {
	if grp.ID == uuid.Nil {
		grp.ID = uuid.New()
	}
	return g.db.WithContext(ctx).Omit(clause.Associations).Create(grp).Error
}

func (g *GroupStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Group, error) {
	var grp domain.Group
	if err := g.db.WithContext(ctx).First(&grp, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &grp, nil
}

func (g *GroupStore) GetByNameAndCreator(ctx context.Context, name string, creator uuid.UUID) (*domain.Group, error) {
	var grp domain.Group
	err := g.db.WithContext(ctx).
		Where("name = ? AND created_by_id = ?", name, creator).
		First(&grp).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &grp, nil
}

// ListForUser returns the groups userID is enrolled in.
func (g *GroupStore) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Group, error) {
	var out []domain.Group
	err := g.db.WithContext(ctx).
		Joins("JOIN group_memberships gm ON gm.group_id = chat_groups.id").
		Where("gm.user_id = ?", userID).
		Order("chat_groups.last_message_at desc").
		Find(&out).Error
	return out, err
}

func (g *GroupStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	return g.db.WithContext(ctx).Model(&domain.Group{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_message_at": at, "updated_at": at}).Error
}

// AddMembership inserts the row unless it exists and reports whether it was new.
func (g *GroupStore) AddMembership(ctx context.Context, m *domain.GroupMembership) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (g *GroupStore) RemoveMembership(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	res := g.db.WithContext(ctx).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Delete(&domain.GroupMembership{})
	return res.RowsAffected > 0, res.Error
}

func (g *GroupStore) IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&domain.GroupMembership{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Count(&n).Error
	return n > 0, err
}

func (g *GroupStore) Members(ctx context.Context, groupID uuid.UUID) ([]domain.GroupMembership, error) {
	var out []domain.GroupMembership
	err := g.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("added_at asc").
		Find(&out).Error
	return out, err
}

func (g *GroupStore) MemberCount(ctx context.Context, groupID uuid.UUID) (int64, error) {
	var n int64
	err := g.db.WithContext(ctx).Model(&domain.GroupMembership{}).
		Where("group_id = ?", groupID).
		Count(&n).Error
	return n, err
}
