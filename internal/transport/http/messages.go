package http

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"chatcore/internal/domain"
	"chatcore/internal/identity"
	"chatcore/internal/messaging"
	obsmw "chatcore/internal/observability/middleware"

	"github.com/google/uuid"
)

type attachmentDTO struct {
	ID           uuid.UUID `json:"id"`
	Filename     string    `json:"filename"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	URL          string    `json:"url"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

type messageDTO struct {
	ID          uuid.UUID       `json:"id"`
	Body        string          `json:"body"`
	SenderID    uuid.UUID       `json:"sender_id"`
	CreatedAt   time.Time       `json:"created_at"`
	ReadAt      *time.Time      `json:"read_at,omitempty"`
	ReadBy      []uuid.UUID     `json:"read_by,omitempty"`
	Attachments []attachmentDTO `json:"attachments"`
}

func attachmentURL(kind domain.ConversationKind, id uuid.UUID) string {
	return fmt.Sprintf("/v1/attachments/%ss/%s", kind, id)
}

func toMessageDTO(m *messaging.Message) messageDTO {
	dto := messageDTO{
		ID:          m.ID,
		Body:        m.Body,
		SenderID:    m.SenderID,
		CreatedAt:   m.CreatedAt,
		ReadAt:      m.ReadAt,
		ReadBy:      m.ReadBy,
		Attachments: make([]attachmentDTO, 0, len(m.Attachments)),
	}
	for i := range m.Attachments {
		a := &m.Attachments[i]
		ad := attachmentDTO{
			ID:          a.ID,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Size:        a.Size,
			URL:         attachmentURL(m.Ref.Kind, a.ID),
		}
		if a.HasThumbnail() {
			ad.ThumbnailURL = ad.URL + "/thumb"
		}
		dto.Attachments = append(dto.Attachments, ad)
	}
	return dto
}

// listMessages returns the conversation history and, as viewing it does,
// marks the caller's unread messages read.
func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	ref, err := refParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, r, fmt.Errorf("%w: limit", domain.ErrInvalidRequest))
			return
		}
	}

	history, err := h.msgs.History(r.Context(), ref, me.ID, limit)
	if err != nil {
		writeError(w, r, hideMembership(err))
		return
	}
	if _, err := h.msgs.MarkRead(r.Context(), ref, me.ID); err != nil {
		slog.Warn("mark read after history failed", append(obsmw.LogAttrs(r.Context()), "conversation", ref.String(), "error", err)...)
	}

	out := make([]messageDTO, 0, len(history))
	for i := range history {
		out = append(out, toMessageDTO(&history[i]))
	}
	writeOK(w, http.StatusOK, map[string]any{"kind": ref.Kind, "id": ref.ID, "messages": out})
}

type sendRequest struct {
	Message string `json:"message"`
}

type upload struct {
	filename    string
	contentType string
	data        []byte
}

// postMessage accepts a JSON {"message": ...} body or a multipart form with a
// "body" field and an optional "attachment" file.
func (h *Handler) postMessage(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	ref, err := refParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var (
		text string
		file *upload
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		text, file, err = h.readMultipart(w, r)
	} else {
		var req sendRequest
		err = decodeJSON(r, &req)
		text = req.Message
	}
	if err != nil {
		writeError(w, r, err)
		return
	}

	msg, err := h.msgs.Send(r.Context(), ref, me.ID, text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if file != nil {
		att, err := h.vault.Store(r.Context(), ref.Kind, msg.ID, file.filename, file.contentType, file.data)
		if err != nil {
			slog.Error("attachment store failed", append(obsmw.LogAttrs(r.Context()), "message_id", msg.ID, "error", err)...)
			if rerr := h.msgs.Retract(r.Context(), ref, msg.ID); rerr != nil {
				slog.Error("message retract failed", append(obsmw.LogAttrs(r.Context()), "message_id", msg.ID, "error", rerr)...)
			}
			writeError(w, r, err)
			return
		}
		msg.Attachments = append(msg.Attachments, *att)
	}

	if h.bcast != nil {
		if err := h.bcast.Broadcast(r.Context(), msg, me.DisplayName); err != nil {
			slog.Warn("broadcast failed", append(obsmw.LogAttrs(r.Context()), "message_id", msg.ID, "error", err)...)
		}
	}
	writeOK(w, http.StatusCreated, map[string]any{"message": toMessageDTO(msg)})
}

const maxFieldBytes = 64 << 10

func (h *Handler) readMultipart(w http.ResponseWriter, r *http.Request) (string, *upload, error) {
	maxBytes := h.vault.MaxBytes()
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+maxFieldBytes+(1<<20))
	mr, err := r.MultipartReader()
	if err != nil {
		return "", nil, fmt.Errorf("%w: multipart body", domain.ErrInvalidRequest)
	}

	var (
		text string
		file *upload
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, multipartError(err)
		}
		switch name := part.FormName(); {
		case part.FileName() == "" && (name == "body" || name == "message"):
			raw, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				return "", nil, multipartError(err)
			}
			text = string(raw)
		case part.FileName() != "" && name == "attachment":
			if file != nil {
				return "", nil, fmt.Errorf("%w: one attachment per message", domain.ErrInvalidRequest)
			}
			data, err := io.ReadAll(io.LimitReader(part, maxBytes+1))
			if err != nil {
				return "", nil, multipartError(err)
			}
			if int64(len(data)) > maxBytes {
				return "", nil, fmt.Errorf("%w: max %d bytes", domain.ErrAttachmentTooLarge, maxBytes)
			}
			file = &upload{filename: part.FileName(), contentType: part.Header.Get("Content-Type"), data: data}
		}
		_ = part.Close()
	}
	if file != nil {
		// Reject before the message is stored so a bad upload leaves nothing behind.
		if _, err := messaging.ValidateBody(text); err != nil {
			return "", nil, err
		}
	}
	return text, file, nil
}

func multipartError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return fmt.Errorf("%w: request body too large", domain.ErrAttachmentTooLarge)
	}
	return fmt.Errorf("%w: multipart body", domain.ErrInvalidRequest)
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	ref, err := refParam(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	n, err := h.msgs.MarkRead(r.Context(), ref, me.ID)
	if err != nil {
		writeError(w, r, hideMembership(err))
		return
	}
	writeOK(w, http.StatusOK, map[string]any{"marked": n})
}

func (h *Handler) markGroupMessageRead(w http.ResponseWriter, r *http.Request) {
	me, _ := identity.UserFrom(r.Context())
	gid, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	mid, err := uuidParam(r, "messageID")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if _, err := h.dir.Authorize(r.Context(), domain.GroupRef(gid), me.ID); err != nil {
		writeError(w, r, hideMembership(err))
		return
	}
	if err := h.msgs.InGroup(r.Context(), gid, mid); err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.msgs.MarkGroupMessageRead(r.Context(), mid, me.ID); err != nil {
		writeError(w, r, hideMembership(err))
		return
	}
	writeOK(w, http.StatusOK, nil)
}
