package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"chatcore/internal/domain"
	"chatcore/internal/httpx"
	obsmw "chatcore/internal/observability/middleware"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidRequest, domain.CodeInvalidParticipants, domain.CodeEmptyMessage,
		domain.CodeMessageTooLong, domain.CodeInactiveUser, domain.CodeUnsupportedType:
		return http.StatusBadRequest
	case domain.CodeAttachmentTooLarge:
		return http.StatusRequestEntityTooLarge
	case domain.CodeAlreadyMember, domain.CodeDuplicateGroupName:
		return http.StatusConflict
	case domain.CodeForbidden, domain.CodeNotAParticipant:
		return http.StatusForbidden
	case domain.CodeNotFound, domain.CodeConversationNotBound:
		return http.StatusNotFound
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeOK(w http.ResponseWriter, status int, body map[string]any) {
	if body == nil {
		body = map[string]any{}
	}
	body["success"] = true
	httpx.WriteJSON(w, status, body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	status := statusFor(code)
	if status >= 500 {
		slog.Error("request failed", append(obsmw.LogAttrs(r.Context()), "path", r.URL.Path, "code", code, "error", err)...)
		msg := "internal error"
		if code == domain.CodeDecryptionFailed {
			msg = domain.ErrDecryptionFailed.Message
		}
		httpx.WriteFailure(w, status, code, msg)
		return
	}
	httpx.WriteFailure(w, status, code, err.Error())
}

// hideMembership reports conversation-scoped authorization failures as not
// found so non-participants cannot learn whether it exists.
func hideMembership(err error) error {
	if errors.Is(err, domain.ErrNotAParticipant) {
		return fmt.Errorf("%w: conversation", domain.ErrNotFound)
	}
	return err
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: malformed JSON body", domain.ErrInvalidRequest)
	}
	return nil
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", domain.ErrNotFound, name)
	}
	return id, nil
}

func refParam(r *http.Request) (domain.ConversationRef, error) {
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		return domain.ConversationRef{}, fmt.Errorf("%w: conversation kind", domain.ErrNotFound)
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		return domain.ConversationRef{}, err
	}
	return domain.ConversationRef{Kind: kind, ID: id}, nil
}
