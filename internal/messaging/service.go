// Package messaging stores chat messages as ciphertext under their
// conversation's key and tracks read state: a single read timestamp for
// direct messages and a per-recipient receipt set for group messages.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/domain"
	"chatcore/internal/observability/metrics"
	"chatcore/internal/store"

	"github.com/google/uuid"
)

const DefaultHistoryLimit = 200

type Cipher interface {
	Seal(wrappedKey []byte, scope string, plaintext []byte) ([]byte, error)
	Open(wrappedKey []byte, scope string, sealed []byte) ([]byte, error)
}

type Conversations interface {
	ConversationKey(ctx context.Context, ref domain.ConversationRef) ([]byte, error)
	Authorize(ctx context.Context, ref domain.ConversationRef, userID uuid.UUID) (*domain.Conversation, error)
}

// Message is a decrypted message as handed to callers.
type Message struct {
	ID          uuid.UUID
	Ref         domain.ConversationRef
	SenderID    uuid.UUID
	Body        string
	CreatedAt   time.Time
	ReadAt      *time.Time  // direct messages
	ReadBy      []uuid.UUID // group messages
	Attachments []domain.Attachment
}

type Service struct {
	store  *store.Store
	convs  Conversations
	cipher Cipher
	now    func() time.Time
}

func New(st *store.Store, convs Conversations, cipher Cipher) *Service {
	return &Service{store: st, convs: convs, cipher: cipher, now: time.Now}
}

// MessageScope is the associated data binding message ciphertext to ref.
func MessageScope(ref domain.ConversationRef) string { return ref.String() + "/message" }

// ValidateBody trims text and enforces the non-empty and length rules.
func ValidateBody(text string) (string, error) {
	body := strings.TrimSpace(text)
	if body == "" {
		return "", domain.ErrEmptyMessage
	}
	if utf8.RuneCountInString(body) > domain.MaxMessageLength {
		return "", domain.ErrMessageTooLong
	}
	return body, nil
}

// Send encrypts and stores plaintext from sender, bumping the conversation's
// activity timestamp in the same transaction. The returned message carries
// the plaintext body for immediate display.
func (s *Service) Send(ctx context.Context, ref domain.ConversationRef, sender uuid.UUID, plaintext string) (*Message, error) {
	conv, err := s.convs.Authorize(ctx, ref, sender)
	if err != nil {
		return nil, err
	}
	body, err := ValidateBody(plaintext)
	if err != nil {
		return nil, err
	}
	sealed, err := s.cipher.Seal(conv.EncryptionKey, MessageScope(ref), []byte(body))
	if err != nil {
		return nil, fmt.Errorf("messaging: seal: %w", err)
	}

	now := s.now().UTC()
	out := &Message{ID: uuid.New(), Ref: ref, SenderID: sender, Body: body, CreatedAt: now}

	err = s.store.WithTx(ctx, func(tx *store.Store) error {
		switch ref.Kind {
		case domain.KindThread:
			msg := &domain.DirectMessage{ID: out.ID, ThreadID: ref.ID, SenderID: sender, Ciphertext: sealed, CreatedAt: now}
			if err := tx.Messages().CreateDirect(ctx, msg); err != nil {
				return err
			}
			return tx.Threads().Touch(ctx, ref.ID, now)
		case domain.KindGroup:
			msg := &domain.GroupMessage{ID: out.ID, GroupID: ref.ID, SenderID: sender, Ciphertext: sealed, CreatedAt: now}
			if err := tx.Messages().CreateGroup(ctx, msg); err != nil {
				return err
			}
			if _, err := tx.Messages().InsertReads(ctx, []domain.GroupMessageRead{{MessageID: msg.ID, UserID: sender, ReadAt: now}}); err != nil {
				return err
			}
			out.ReadBy = []uuid.UUID{sender}
			return tx.Groups().Touch(ctx, ref.ID, now)
		}
		return domain.ErrInvalidRequest
	})
	if err != nil {
		return nil, err
	}

	metrics.MessagesStoredTotal.WithLabelValues(string(ref.Kind)).Inc()
	metrics.MessagesCiphertextBytes.WithLabelValues(string(ref.Kind)).Observe(float64(len(sealed)))
	slog.Debug("message stored", "conversation", ref.String(), "message_id", out.ID, "sender_id", sender, "ciphertext_bytes", len(sealed))
	return out, nil
}

// Retract deletes a message that was stored moments ago, used when a send
// that carries an attachment cannot complete.
func (s *Service) Retract(ctx context.Context, ref domain.ConversationRef, messageID uuid.UUID) error {
	return s.store.WithTx(ctx, func(tx *store.Store) error {
		switch ref.Kind {
		case domain.KindThread:
			return tx.Messages().DeleteDirect(ctx, messageID)
		case domain.KindGroup:
			return tx.Messages().DeleteGroup(ctx, messageID)
		}
		return domain.ErrInvalidRequest
	})
}

// ReadPlaintext decrypts one stored message on demand.
func (s *Service) ReadPlaintext(ctx context.Context, kind domain.ConversationKind, messageID uuid.UUID) (string, error) {
	var (
		ref        domain.ConversationRef
		ciphertext []byte
	)
	switch kind {
	case domain.KindThread:
		msg, err := s.store.Messages().GetDirect(ctx, messageID)
		if err != nil {
			return "", mapNotFound(err, "message")
		}
		ref, ciphertext = domain.ThreadRef(msg.ThreadID), msg.Ciphertext
	case domain.KindGroup:
		msg, err := s.store.Messages().GetGroup(ctx, messageID)
		if err != nil {
			return "", mapNotFound(err, "message")
		}
		ref, ciphertext = domain.GroupRef(msg.GroupID), msg.Ciphertext
	default:
		return "", domain.ErrInvalidRequest
	}
	key, err := s.convs.ConversationKey(ctx, ref)
	if err != nil {
		return "", err
	}
	return s.open(ref, key, messageID, ciphertext)
}

func (s *Service) open(ref domain.ConversationRef, key []byte, messageID uuid.UUID, ciphertext []byte) (string, error) {
	plain, err := s.cipher.Open(key, MessageScope(ref), ciphertext)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			metrics.DecryptionFailuresTotal.WithLabelValues("message").Inc()
			slog.Error("message decryption failed", "conversation", ref.String(), "message_id", messageID, "error", err)
		}
		return "", err
	}
	return string(plain), nil
}

// MarkThreadRead stamps every unread message the other participant sent.
func (s *Service) MarkThreadRead(ctx context.Context, threadID, reader uuid.UUID) (int64, error) {
	if _, err := s.convs.Authorize(ctx, domain.ThreadRef(threadID), reader); err != nil {
		return 0, err
	}
	return s.store.Messages().MarkThreadRead(ctx, threadID, reader, s.now().UTC())
}

// InGroup returns not_found unless messageID was posted to groupID.
func (s *Service) InGroup(ctx context.Context, groupID, messageID uuid.UUID) error {
	msg, err := s.store.Messages().GetGroup(ctx, messageID)
	if err != nil {
		return mapNotFound(err, "message")
	}
	if msg.GroupID != groupID {
		return fmt.Errorf("%w: message %s in group %s", domain.ErrNotFound, messageID, groupID)
	}
	return nil
}

// MarkGroupMessageRead records a receipt for reader; repeat calls are no-ops.
func (s *Service) MarkGroupMessageRead(ctx context.Context, messageID, reader uuid.UUID) error {
	msg, err := s.store.Messages().GetGroup(ctx, messageID)
	if err != nil {
		return mapNotFound(err, "message")
	}
	if _, err := s.convs.Authorize(ctx, domain.GroupRef(msg.GroupID), reader); err != nil {
		return err
	}
	_, err = s.store.Messages().InsertReads(ctx, []domain.GroupMessageRead{{MessageID: msg.ID, UserID: reader, ReadAt: s.now().UTC()}})
	return err
}

// MarkGroupRead records receipts for every message in the group that reader
// has not read yet.
func (s *Service) MarkGroupRead(ctx context.Context, groupID, reader uuid.UUID) (int64, error) {
	if _, err := s.convs.Authorize(ctx, domain.GroupRef(groupID), reader); err != nil {
		return 0, err
	}
	ids, err := s.store.Messages().UnreadGroupMessageIDs(ctx, groupID, reader)
	if err != nil || len(ids) == 0 {
		return 0, err
	}
	now := s.now().UTC()
	reads := make([]domain.GroupMessageRead, 0, len(ids))
	for _, id := range ids {
		reads = append(reads, domain.GroupMessageRead{MessageID: id, UserID: reader, ReadAt: now})
	}
	return s.store.Messages().InsertReads(ctx, reads)
}

// MarkRead dispatches to the thread or group sweep.
func (s *Service) MarkRead(ctx context.Context, ref domain.ConversationRef, reader uuid.UUID) (int64, error) {
	switch ref.Kind {
	case domain.KindThread:
		return s.MarkThreadRead(ctx, ref.ID, reader)
	case domain.KindGroup:
		return s.MarkGroupRead(ctx, ref.ID, reader)
	}
	return 0, domain.ErrInvalidRequest
}

func (s *Service) UnreadCount(ctx context.Context, ref domain.ConversationRef, userID uuid.UUID) (int64, error) {
	var (
		counts map[uuid.UUID]int64
		err    error
	)
	switch ref.Kind {
	case domain.KindThread:
		counts, err = s.store.Messages().UnreadDirectCounts(ctx, []uuid.UUID{ref.ID}, userID)
	case domain.KindGroup:
		counts, err = s.store.Messages().UnreadGroupCounts(ctx, []uuid.UUID{ref.ID}, userID)
	default:
		return 0, domain.ErrInvalidRequest
	}
	if err != nil {
		return 0, err
	}
	return counts[ref.ID], nil
}

// History returns the newest limit messages of ref in chronological order,
// decrypted, with attachment metadata and group receipts.
func (s *Service) History(ctx context.Context, ref domain.ConversationRef, reader uuid.UUID, limit int) ([]Message, error) {
	conv, err := s.convs.Authorize(ctx, ref, reader)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultHistoryLimit {
		limit = DefaultHistoryLimit
	}

	var out []Message
	switch ref.Kind {
	case domain.KindThread:
		msgs, err := s.store.Messages().ListDirect(ctx, ref.ID, limit)
		if err != nil {
			return nil, err
		}
		out = make([]Message, 0, len(msgs))
		for _, m := range msgs {
			body, err := s.open(conv.Ref, conv.EncryptionKey, m.ID, m.Ciphertext)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{ID: m.ID, Ref: ref, SenderID: m.SenderID, Body: body, CreatedAt: m.CreatedAt, ReadAt: m.ReadAt})
		}
	case domain.KindGroup:
		msgs, err := s.store.Messages().ListGroup(ctx, ref.ID, limit)
		if err != nil {
			return nil, err
		}
		ids := make([]uuid.UUID, 0, len(msgs))
		for _, m := range msgs {
			ids = append(ids, m.ID)
		}
		readers, err := s.store.Messages().Readers(ctx, ids)
		if err != nil {
			return nil, err
		}
		out = make([]Message, 0, len(msgs))
		for _, m := range msgs {
			body, err := s.open(conv.Ref, conv.EncryptionKey, m.ID, m.Ciphertext)
			if err != nil {
				return nil, err
			}
			out = append(out, Message{ID: m.ID, Ref: ref, SenderID: m.SenderID, Body: body, CreatedAt: m.CreatedAt, ReadBy: readers[m.ID]})
		}
	}

	if len(out) > 0 {
		ids := make([]uuid.UUID, 0, len(out))
		for _, m := range out {
			ids = append(ids, m.ID)
		}
		atts, err := s.store.Attachments().ListForMessages(ctx, ref.Kind, ids)
		if err != nil {
			return nil, err
		}
		for i := range out {
			out[i].Attachments = atts[out[i].ID]
		}
	}

	metrics.MessageHistoryFetchedTotal.WithLabelValues(string(ref.Kind)).Inc()
	return out, nil
}

func mapNotFound(err error, what string) error {
	if errors.Is(err, store.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return err
}
