package store

import (
	"context"

	"chatcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type AttachmentStore struct{ db *gorm.DB }

func (s *Store) Attachments() *AttachmentStore { return &AttachmentStore{db: s.DB} }

func (a *AttachmentStore) Create(ctx context.Context, att *domain.Attachment) error {
	if att.ID == uuid.Nil {
		att.ID = uuid.New()
	}
	return a.db.WithContext(ctx).Create(att).Error
}

func (a *AttachmentStore) GetByID(ctx context.Context, kind domain.ConversationKind, id uuid.UUID) (*domain.Attachment, error) {
	var att domain.Attachment
	if err := a.db.WithContext(ctx).First(&att, "id = ? AND kind = ?", id, kind).Error; err != nil {
		return nil, notFound(err)
	}
	return &att, nil
}

func (a *AttachmentStore) ListForMessages(ctx context.Context, kind domain.ConversationKind, messageIDs []uuid.UUID) (map[uuid.UUID][]domain.Attachment, error) {
	out := make(map[uuid.UUID][]domain.Attachment, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var atts []domain.Attachment
	err := a.db.WithContext(ctx).
		Where("kind = ? AND message_id IN ?", kind, messageIDs).
		Order("created_at asc").
		Find(&atts).Error
	if err != nil {
		return nil, err
	}
	for _, att := range atts {
		out[att.MessageID] = append(out[att.MessageID], att)
	}
	return out, nil
}
