package http

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/identity"

	"github.com/google/uuid"
)

type userDTO struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name"`
}

type conversationDTO struct {
	Kind         domain.ConversationKind `json:"kind"`
	ID           uuid.UUID               `json:"id"`
	Title        string                  `json:"title"`
	OtherUserID  *uuid.UUID              `json:"other_user_id,omitempty"`
	MemberCount  int64                   `json:"member_count,omitempty"`
	UnreadCount  int64                   `json:"unread_count"`
	LastActivity time.Time               `json:"last_activity"`
	SocketURL    string                  `json:"ws_url"`
}

func socketURL(ref domain.ConversationRef) string {
	return fmt.Sprintf("/ws/chat/%s/%s", ref.Kind, ref.ID)
}

func (h *Handler) listUsers(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	users, err := h.dir.ListUsers(r.Context(), me.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]userDTO, 0, len(users))
	for _, u := range users {
		out = append(out, userDTO{ID: u.ID, DisplayName: u.DisplayName})
	}
	writeOK(w, http.StatusOK, map[string]any{"users": out})
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	summaries, err := h.dir.ListConversations(r.Context(), me.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]conversationDTO, 0, len(summaries))
	for _, s := range summaries {
		dto := conversationDTO{
			Kind:         s.Ref.Kind,
			ID:           s.Ref.ID,
			Title:        s.Title,
			MemberCount:  s.MemberCount,
			UnreadCount:  s.UnreadCount,
			LastActivity: s.LastActivity,
			SocketURL:    socketURL(s.Ref),
		}
		if s.Ref.Kind == domain.KindThread {
			other := s.OtherUserID
			dto.OtherUserID = &other
		}
		out = append(out, dto)
	}
	writeOK(w, http.StatusOK, map[string]any{"conversations": out})
}

type createThreadRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *Handler) createThread(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	var req createThreadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.UserID == uuid.Nil {
		writeError(w, r, fmt.Errorf("%w: user_id required", domain.ErrInvalidRequest))
		return
	}
	other, err := h.users.Lookup(r.Context(), req.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !other.IsActive {
		writeError(w, r, fmt.Errorf("%w: user %s", domain.ErrNotFound, req.UserID))
		return
	}

	th, created, err := h.dir.GetOrCreateThread(r.Context(), me.ID, other.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeOK(w, status, map[string]any{
		"id":      th.ID,
		"kind":    domain.KindThread,
		"created": created,
		"ws_url":  socketURL(th.Ref()),
	})
}

type createGroupRequest struct {
	Name      string      `json:"name"`
	MemberIDs []uuid.UUID `json:"member_ids"`
}

func (h *Handler) createGroup(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	var req createGroupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	grp, err := h.dir.CreateGroup(r.Context(), req.Name, me, req.MemberIDs)
	created := err == nil
	if errors.Is(err, domain.ErrDuplicateGroupName) && grp != nil {
		err = nil
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	members, err := h.dir.Members(r.Context(), grp.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, status, map[string]any{
		"id":         grp.ID,
		"kind":       domain.KindGroup,
		"name":       grp.Name,
		"created":    created,
		"member_ids": members,
		"ws_url":     socketURL(grp.Ref()),
	})
}

type memberRequest struct {
	UserID uuid.UUID `json:"user_id"`
}

func (h *Handler) addMember(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	gid, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req memberRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	m, err := h.dir.AddMember(r.Context(), gid, req.UserID, me)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusCreated, map[string]any{"group_id": m.GroupID, "user_id": m.UserID, "added_at": m.AddedAt})
}

func (h *Handler) removeMember(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	gid, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	uid, err := uuidParam(r, "userID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.dir.RemoveMember(r.Context(), gid, uid, me); err != nil {
		writeError(w, r, err)
		return
	}
	writeOK(w, http.StatusOK, nil)
}
