package http

import (
	"mime"
	"net/http"
	"strconv"

	"chatcore/internal/attachments"
	"chatcore/internal/domain"
	"chatcore/internal/identity"

	"github.com/go-chi/chi/v5"
)

// locate resolves the attachment in the URL and checks the caller
// participates in its conversation. Failures of either kind are not_found.
func (h *Handler) locate(w http.ResponseWriter, r *http.Request) (*domain.Attachment, bool) {
	me, _ := identity.UserFrom(r.Context())
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		writeError(w, r, domain.ErrNotFound)
		return nil, false
	}
	id, err := uuidParam(r, "id")
	if err != nil {
		writeError(w, r, err)
		return nil, false
	}
	att, ref, err := h.vault.Locate(r.Context(), kind, id)
	if err != nil {
		writeError(w, r, hideUnbound(err))
		return nil, false
	}
	if _, err := h.dir.Authorize(r.Context(), ref, me.ID); err != nil {
		writeError(w, r, hideMembership(hideUnbound(err)))
		return nil, false
	}
	return att, true
}

func hideUnbound(err error) error {
	if domain.CodeOf(err) == domain.CodeConversationNotBound {
		return domain.ErrNotFound
	}
	return err
}

func (h *Handler) downloadAttachment(w http.ResponseWriter, r *http.Request) {
	att, ok := h.locate(w, r)
	if !ok {
		return
	}
	data, err := h.vault.Fetch(r.Context(), att)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ct := att.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	disposition := "attachment"
	if attachments.ServeInline(ct) {
		disposition = "inline"
	}
	writeBlob(w, ct, disposition, att.Filename, data)
}

func (h *Handler) downloadThumbnail(w http.ResponseWriter, r *http.Request) {
	att, ok := h.locate(w, r)
	if !ok {
		return
	}
	data, err := h.vault.FetchThumbnail(r.Context(), att)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if data == nil {
		writeError(w, r, domain.ErrNotFound)
		return
	}
	writeBlob(w, "image/png", "inline", att.Filename+".png", data)
}

func writeBlob(w http.ResponseWriter, contentType, disposition, filename string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": filename}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}
