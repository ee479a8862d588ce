// Package directory creates and resolves conversations: two-party threads
// keyed by their canonical participant pair, and named groups with an
// explicit roster. Its membership predicates are the only authorization
// rule the rest of the chat core relies on.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/domain"
	"chatcore/internal/observability/metrics"
	"chatcore/internal/store"

	"github.com/google/uuid"
)

const MaxGroupNameLength = 255

type KeyGenerator interface {
	NewConversationKey() ([]byte, error)
}

type Directory struct {
	store *store.Store
	keys  KeyGenerator
	now   func() time.Time
}

func New(st *store.Store, keys KeyGenerator) *Directory {
	return &Directory{store: st, keys: keys, now: time.Now}
}

// GetOrCreateThread returns the unique thread between a and b, creating it
// with a fresh key on first use. created reports whether this call made it.
func (d *Directory) GetOrCreateThread(ctx context.Context, a, b uuid.UUID) (*domain.Thread, bool, error) {
	if a == uuid.Nil || b == uuid.Nil {
		return nil, false, fmt.Errorf("%w: participant id required", domain.ErrInvalidRequest)
	}
	if a == b {
		return nil, false, domain.ErrInvalidParticipants
	}
	one, two := domain.CanonicalPair(a, b)

	th, err := d.store.Threads().GetByPair(ctx, one, two)
	if err == nil {
		return th, false, nil
	}
	if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, false, err
	}

	key, err := d.keys.NewConversationKey()
	if err != nil {
		return nil, false, err
	}
	now := d.now().UTC()
	th = &domain.Thread{
		ID:            uuid.New(),
		UserOneID:     one,
		UserTwoID:     two,
		EncryptionKey: key,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}
	if err := d.store.Threads().Create(ctx, th); err != nil {
		if store.IsUniqueViolation(err) {
			// Lost the race to a concurrent creator; the winner's row is the thread.
			existing, ferr := d.store.Threads().GetByPair(ctx, one, two)
			if ferr != nil {
				return nil, false, ferr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	metrics.ConversationsCreatedTotal.WithLabelValues(string(domain.KindThread)).Inc()
	slog.Info("thread created", "thread_id", th.ID, "user_one_id", one, "user_two_id", two)
	return th, true, nil
}

// CreateGroup creates a group owned by creator and enrolls creator plus every
// distinct, active member. Unknown or inactive members, duplicates and the
// creator itself are skipped. If creator already owns a group with this name
// the existing group is returned together with domain.ErrDuplicateGroupName.
func (d *Directory) CreateGroup(ctx context.Context, name string, creator *domain.User, memberIDs []uuid.UUID) (*domain.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: group name required", domain.ErrInvalidRequest)
	}
	if utf8.RuneCountInString(name) > MaxGroupNameLength {
		return nil, fmt.Errorf("%w: group name too long", domain.ErrInvalidRequest)
	}
	if creator == nil || !creator.CanCreateGroups() {
		return nil, fmt.Errorf("%w: only executives and staff can create groups", domain.ErrForbidden)
	}

	if existing, err := d.store.Groups().GetByNameAndCreator(ctx, name, creator.ID); err == nil {
		return existing, domain.ErrDuplicateGroupName
	} else if !errors.Is(err, store.ErrRecordNotFound) {
		return nil, err
	}

	members, err := d.eligibleMembers(ctx, creator.ID, memberIDs)
	if err != nil {
		return nil, err
	}

	key, err := d.keys.NewConversationKey()
	if err != nil {
		return nil, err
	}
	now := d.now().UTC()
	grp := &domain.Group{
		ID:            uuid.New(),
		Name:          name,
		CreatedByID:   creator.ID,
		EncryptionKey: key,
		CreatedAt:     now,
		UpdatedAt:     now,
		LastMessageAt: now,
	}

	added := 0
	err = d.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.Groups().Create(ctx, grp); err != nil {
			return err
		}
		addedBy := creator.ID
		for _, uid := range append([]uuid.UUID{creator.ID}, members...) {
			ok, err := tx.Groups().AddMembership(ctx, &domain.GroupMembership{
				GroupID:   grp.ID,
				UserID:    uid,
				AddedByID: &addedBy,
				AddedAt:   now,
			})
			if err != nil {
				return err
			}
			if ok {
				added++
			}
		}
		return nil
	})
	if err != nil {
		if store.IsUniqueViolation(err) {
			existing, ferr := d.store.Groups().GetByNameAndCreator(ctx, name, creator.ID)
			if ferr != nil {
				return nil, ferr
			}
			return existing, domain.ErrDuplicateGroupName
		}
		return nil, err
	}

	metrics.ConversationsCreatedTotal.WithLabelValues(string(domain.KindGroup)).Inc()
	slog.Info("group created", "group_id", grp.ID, "created_by_id", creator.ID, "members", added)
	return grp, nil
}

func (d *Directory) eligibleMembers(ctx context.Context, creatorID uuid.UUID, ids []uuid.UUID) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]struct{}{creatorID: {}}
	candidates := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id == uuid.Nil {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		candidates = append(candidates, id)
	}

	users, err := d.store.Users().GetMany(ctx, candidates)
	if err != nil {
		return nil, err
	}
	out := candidates[:0]
	for _, id := range candidates {
		if u, ok := users[id]; ok && u.IsActive {
			out = append(out, id)
		}
	}
	return out, nil
}

// AddMember enrolls userID. Only the creator or a superuser may add members.
func (d *Directory) AddMember(ctx context.Context, groupID, userID uuid.UUID, actor *domain.User) (*domain.GroupMembership, error) {
	grp, err := d.group(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !canManage(grp, actor) {
		return nil, fmt.Errorf("%w: only the group creator can add members", domain.ErrForbidden)
	}
	target, err := d.store.Users().GetByID(ctx, userID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: user %s", domain.ErrNotFound, userID)
	}
	if err != nil {
		return nil, err
	}
	if !target.IsActive {
		return nil, domain.ErrInactiveUser
	}

	addedBy := actor.ID
	m := &domain.GroupMembership{
		GroupID:   grp.ID,
		UserID:    target.ID,
		AddedByID: &addedBy,
		AddedAt:   d.now().UTC(),
	}
	ok, err := d.store.Groups().AddMembership(ctx, m)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrAlreadyMember
	}
	slog.Info("group member added", "group_id", grp.ID, "user_id", target.ID, "added_by_id", actor.ID)
	return m, nil
}

// RemoveMember revokes userID's membership. Members may remove themselves;
// the creator cannot be removed.
func (d *Directory) RemoveMember(ctx context.Context, groupID, userID uuid.UUID, actor *domain.User) error {
	grp, err := d.group(ctx, groupID)
	if err != nil {
		return err
	}
	if actor == nil || (actor.ID != userID && !canManage(grp, actor)) {
		return fmt.Errorf("%w: only the group creator can remove members", domain.ErrForbidden)
	}
	if userID == grp.CreatedByID {
		return fmt.Errorf("%w: the group creator cannot be removed", domain.ErrInvalidRequest)
	}
	removed, err := d.store.Groups().RemoveMembership(ctx, grp.ID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: membership", domain.ErrNotFound)
	}
	slog.Info("group member removed", "group_id", grp.ID, "user_id", userID, "removed_by_id", actor.ID)
	return nil
}

func canManage(grp *domain.Group, actor *domain.User) bool {
	return actor != nil && actor.IsActive && (actor.ID == grp.CreatedByID || actor.IsSuperuser)
}

func IsParticipant(th *domain.Thread, userID uuid.UUID) bool {
	return userID != uuid.Nil && (th.UserOneID == userID || th.UserTwoID == userID)
}

func (d *Directory) IsMember(ctx context.Context, groupID, userID uuid.UUID) (bool, error) {
	return d.store.Groups().IsMember(ctx, groupID, userID)
}

// Members lists the user ids enrolled in groupID.
func (d *Directory) Members(ctx context.Context, groupID uuid.UUID) ([]uuid.UUID, error) {
	ms, err := d.store.Groups().Members(ctx, groupID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(ms))
	for _, m := range ms {
		ids = append(ids, m.UserID)
	}
	return ids, nil
}

// Resolve loads a conversation without any identity check.
func (d *Directory) Resolve(ctx context.Context, ref domain.ConversationRef) (*domain.Conversation, error) {
	switch ref.Kind {
	case domain.KindThread:
		th, err := d.store.Threads().GetByID(ctx, ref.ID)
		if errors.Is(err, store.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: thread %s", domain.ErrNotFound, ref.ID)
		}
		if err != nil {
			return nil, err
		}
		return &domain.Conversation{Ref: ref, EncryptionKey: th.EncryptionKey, Thread: th}, nil
	case domain.KindGroup:
		grp, err := d.group(ctx, ref.ID)
		if err != nil {
			return nil, err
		}
		return &domain.Conversation{Ref: ref, EncryptionKey: grp.EncryptionKey, Group: grp}, nil
	}
	return nil, fmt.Errorf("%w: unknown conversation kind %q", domain.ErrInvalidRequest, ref.Kind)
}

// Authorize resolves ref and verifies userID participates in it.
func (d *Directory) Authorize(ctx context.Context, ref domain.ConversationRef, userID uuid.UUID) (*domain.Conversation, error) {
	conv, err := d.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	switch ref.Kind {
	case domain.KindThread:
		if !IsParticipant(conv.Thread, userID) {
			return nil, domain.ErrNotAParticipant
		}
	case domain.KindGroup:
		ok, err := d.IsMember(ctx, ref.ID, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, domain.ErrNotAParticipant
		}
	}
	return conv, nil
}

// ConversationKey returns the wrapped key of ref.
func (d *Directory) ConversationKey(ctx context.Context, ref domain.ConversationRef) ([]byte, error) {
	conv, err := d.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return conv.EncryptionKey, nil
}

func (d *Directory) group(ctx context.Context, id uuid.UUID) (*domain.Group, error) {
	grp, err := d.store.Groups().GetByID(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: group %s", domain.ErrNotFound, id)
	}
	return grp, err
}

type Summary struct {
	Ref          domain.ConversationRef
	Title        string
	OtherUserID  uuid.UUID // threads only
	MemberCount  int64     // groups only
	UnreadCount  int64
	LastActivity time.Time
}

// ListConversations returns every thread and group of userID, most recently
// active first.
func (d *Directory) ListConversations(ctx context.Context, userID uuid.UUID) ([]Summary, error) {
	threads, err := d.store.Threads().ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	groups, err := d.store.Groups().ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	threadIDs := make([]uuid.UUID, 0, len(threads))
	others := make([]uuid.UUID, 0, len(threads))
	for _, th := range threads {
		threadIDs = append(threadIDs, th.ID)
		others = append(others, th.Other(userID))
	}
	groupIDs := make([]uuid.UUID, 0, len(groups))
	for _, g := range groups {
		groupIDs = append(groupIDs, g.ID)
	}

	names, err := d.store.Users().GetMany(ctx, others)
	if err != nil {
		return nil, err
	}
	threadUnread, err := d.store.Messages().UnreadDirectCounts(ctx, threadIDs, userID)
	if err != nil {
		return nil, err
	}
	groupUnread, err := d.store.Messages().UnreadGroupCounts(ctx, groupIDs, userID)
	if err != nil {
		return nil, err
	}

	out := make([]Summary, 0, len(threads)+len(groups))
	for _, th := range threads {
		other := th.Other(userID)
		title := "Unknown user"
		if u, ok := names[other]; ok {
			title = u.DisplayName
		}
		out = append(out, Summary{
			Ref:          th.Ref(),
			Title:        title,
			OtherUserID:  other,
			UnreadCount:  threadUnread[th.ID],
			LastActivity: th.LastMessageAt,
		})
	}
	for _, g := range groups {
		n, err := d.store.Groups().MemberCount(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			Ref:          g.Ref(),
			Title:        g.Name,
			MemberCount:  n,
			UnreadCount:  groupUnread[g.ID],
			LastActivity: g.LastMessageAt,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastActivity.Equal(out[j].LastActivity) {
			return out[i].LastActivity.After(out[j].LastActivity)
		}
		return out[i].Ref.String() < out[j].Ref.String()
	})
	return out, nil
}

// ListUsers returns active users other than self, for starting conversations.
func (d *Directory) ListUsers(ctx context.Context, self uuid.UUID) ([]domain.User, error) {
	return d.store.Users().ListActive(ctx, self)
}
