package store

import (
	"context"
	"time"

	"chatcore/internal/domain"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type MessageStore struct{ db *gorm.DB }

func (s *Store) Messages() *MessageStore { return &MessageStore{db: s.DB} }

type countRow struct {
	ID uuid.UUID
	N  int64
}

func (m *MessageStore) CreateDirect(ctx context.Context, msg *domain.DirectMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	return m.db.WithContext(ctx).Create(msg).Error
}

func (m *MessageStore) CreateGroup(ctx context.Context, msg *domain.GroupMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	return m.db.WithContext(ctx).Create(msg).Error
}

func (m *MessageStore) GetDirect(ctx context.Context, id uuid.UUID) (*domain.DirectMessage, error) {
	var msg domain.DirectMessage
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

func (m *MessageStore) GetGroup(ctx context.Context, id uuid.UUID) (*domain.GroupMessage, error) {
	var msg domain.GroupMessage
	if err := m.db.WithContext(ctx).First(&msg, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &msg, nil
}

// DeleteDirect removes a direct message. Attachments are left to the caller.
func (m *MessageStore) DeleteDirect(ctx context.Context, id uuid.UUID) error {
	return m.db.WithContext(ctx).Delete(&domain.DirectMessage{}, "id = ?", id).Error
}

// DeleteGroup removes a group message with its read receipts.
func (m *MessageStore) DeleteGroup(ctx context.Context, id uuid.UUID) error {
	db := m.db.WithContext(ctx)
	if err := db.Delete(&domain.GroupMessageRead{}, "message_id = ?", id).Error; err != nil {
		return err
	}
	return db.Delete(&domain.GroupMessage{}, "id = ?", id).Error
}

// ListDirect returns the newest limit messages in ascending order.
func (m *MessageStore) ListDirect(ctx context.Context, threadID uuid.UUID, limit int) ([]domain.DirectMessage, error) {
	var msgs []domain.DirectMessage
	tx := m.db.WithContext(ctx).Where("thread_id = ?", threadID).Order("created_at desc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

func (m *MessageStore) ListGroup(ctx context.Context, groupID uuid.UUID, limit int) ([]domain.GroupMessage, error) {
	var msgs []domain.GroupMessage
	tx := m.db.WithContext(ctx).Where("group_id = ?", groupID).Order("created_at desc")
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	if err := tx.Find(&msgs).Error; err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MarkThreadRead stamps unread messages sent by anyone but reader.
func (m *MessageStore) MarkThreadRead(ctx context.Context, threadID, reader uuid.UUID, at time.Time) (int64, error) {
	res := m.db.WithContext(ctx).Model(&domain.DirectMessage{}).
		Where("thread_id = ? AND sender_id <> ? AND read_at IS NULL", threadID, reader).
		Update("read_at", at)
	return res.RowsAffected, res.Error
}

// InsertReads is idempotent per (message, user).
func (m *MessageStore) InsertReads(ctx context.Context, reads []domain.GroupMessageRead) (int64, error) {
	if len(reads) == 0 {
		return 0, nil
	}
	res := m.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(reads, 200)
	return res.RowsAffected, res.Error
}

// UnreadGroupMessageIDs lists messages in groupID that reader neither sent nor read.
func (m *MessageStore) UnreadGroupMessageIDs(ctx context.Context, groupID, reader uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := m.db.WithContext(ctx).Model(&domain.GroupMessage{}).
		Where("group_id = ? AND sender_id <> ?", groupID, reader).
		Where("NOT EXISTS (SELECT 1 FROM group_message_reads r WHERE r.message_id = group_messages.id AND r.user_id = ?)", reader).
		Order("created_at asc").
		Pluck("id", &ids).Error
	return ids, err
}

func (m *MessageStore) UnreadDirectCounts(ctx context.Context, threadIDs []uuid.UUID, reader uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(threadIDs))
	if len(threadIDs) == 0 {
		return out, nil
	}
	var rows []countRow
	err := m.db.WithContext(ctx).Model(&domain.DirectMessage{}).
		Select("thread_id AS id, COUNT(*) AS n").
		Where("thread_id IN ? AND sender_id <> ? AND read_at IS NULL", threadIDs, reader).
		Group("thread_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = r.N
	}
	return out, nil
}

func (m *MessageStore) UnreadGroupCounts(ctx context.Context, groupIDs []uuid.UUID, reader uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(groupIDs))
	if len(groupIDs) == 0 {
		return out, nil
	}
	var rows []countRow
	err := m.db.WithContext(ctx).Model(&domain.GroupMessage{}).
		Select("group_id AS id, COUNT(*) AS n").
		Where("group_id IN ? AND sender_id <> ?", groupIDs, reader).
		Where("NOT EXISTS (SELECT 1 FROM group_message_reads r WHERE r.message_id = group_messages.id AND r.user_id = ?)", reader).
		Group("group_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.ID] = r.N
	}
	return out, nil
}

// Readers maps each message id to the users that have read it.
func (m *MessageStore) Readers(ctx context.Context, messageIDs []uuid.UUID) (map[uuid.UUID][]uuid.UUID, error) {
	out := make(map[uuid.UUID][]uuid.UUID, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	var reads []domain.GroupMessageRead
	err := m.db.WithContext(ctx).
		Where("message_id IN ?", messageIDs).
		Order("read_at asc").
		Find(&reads).Error
	if err != nil {
		return nil, err
	}
	for _, r := range reads {
		out[r.MessageID] = append(out[r.MessageID], r.UserID)
	}
	return out, nil
}

func (m *MessageStore) HasRead(ctx context.Context, messageID, userID uuid.UUID) (bool, error) {
	var n int64
	err := m.db.WithContext(ctx).Model(&domain.GroupMessageRead{}).
		Where("message_id = ? AND user_id = ?", messageID, userID).
		Count(&n).Error
	return n > 0, err
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
