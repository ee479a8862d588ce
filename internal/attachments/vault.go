// Package attachments encrypts uploaded files under the owning conversation's
// key and keeps the ciphertext in blob storage, with an optional encrypted
// first-page preview for documents.
package attachments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"chatcore/internal/blob"
	"chatcore/internal/domain"
	"chatcore/internal/observability/metrics"
	"chatcore/internal/store"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
)

const (
	DefaultMaxBytes = 20 << 20

	maxNameAttempts = 1000
	fallbackName    = "attachment"

	// Blob keys add a collision suffix and an extension, so the stored base
	// stays well under the usual 255-byte file name limit.
	maxStoredNameBytes = 200
	maxExtBytes        = 32
)

type Cipher interface {
	Seal(wrappedKey []byte, scope string, plaintext []byte) ([]byte, error)
	Open(wrappedKey []byte, scope string, sealed []byte) ([]byte, error)
}

type Conversations interface {
	Resolve(ctx context.Context, ref domain.ConversationRef) (*domain.Conversation, error)
}

// PreviewRenderer rasterizes the first page of a document to PNG.
type PreviewRenderer interface {
	Supports(contentType string) bool
	RenderFirstPage(ctx context.Context, data []byte) ([]byte, error)
}

type Vault struct {
	store    *store.Store
	convs    Conversations
	cipher   Cipher
	blobs    blob.Storage
	preview  PreviewRenderer
	maxBytes int64
	now      func() time.Time
}

type Option func(*Vault)

func WithPreviewRenderer(r PreviewRenderer) Option { return func(v *Vault) { v.preview = r } }

func WithMaxBytes(n int64) Option {
	return func(v *Vault) {
		if n > 0 {
			v.maxBytes = n
		}
	}
}

// New builds a vault. A nil blobs keeps ciphertext inline on the row.
func New(st *store.Store, convs Conversations, cipher Cipher, blobs blob.Storage, opts ...Option) *Vault {
	v := &Vault{store: st, convs: convs, cipher: cipher, blobs: blobs, maxBytes: DefaultMaxBytes, now: time.Now}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Vault) MaxBytes() int64 { return v.maxBytes }

func attachmentScope(ref domain.ConversationRef) string { return ref.String() + "/attachment" }
func thumbnailScope(ref domain.ConversationRef) string  { return ref.String() + "/thumbnail" }

// Store encrypts raw and attaches it to the message identified by kind and
// messageID.
func (v *Vault) Store(ctx context.Context, kind domain.ConversationKind, messageID uuid.UUID, filename, contentType string, raw []byte) (*domain.Attachment, error) {
	conv, err := v.conversationOf(ctx, kind, messageID)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty attachment", domain.ErrInvalidRequest)
	}
	if int64(len(raw)) > v.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", domain.ErrAttachmentTooLarge, len(raw), v.maxBytes)
	}

	name := SanitizeFilename(filename)
	contentType = strings.TrimSpace(contentType)
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = mimetype.Detect(raw).String()
	}

	sealed, err := v.cipher.Seal(conv.EncryptionKey, attachmentScope(conv.Ref), raw)
	if err != nil {
		return nil, fmt.Errorf("attachments: seal: %w", err)
	}

	att := &domain.Attachment{
		ID:          uuid.New(),
		Kind:        kind,
		MessageID:   messageID,
		Filename:    name,
		ContentType: contentType,
		Size:        int64(len(raw)),
		CreatedAt:   v.now().UTC(),
	}
	var written []string
	if v.blobs != nil {
		key, err := v.createUnique(ctx, conv.Ref.StoragePrefix(), StorageName(name), ".enc", sealed)
		if err != nil {
			return nil, err
		}
		att.FilePath = key
		written = append(written, key)
	} else {
		att.Ciphertext = sealed
	}

	if thumb := v.thumbnail(ctx, conv, name, contentType, raw); thumb != "" {
		att.ThumbnailPath = thumb
		written = append(written, thumb)
	}

	if err := v.store.Attachments().Create(ctx, att); err != nil {
		for _, key := range written {
			if derr := v.blobs.Delete(ctx, key); derr != nil {
				slog.Warn("attachment blob cleanup failed", "path", key, "error", derr)
			}
		}
		return nil, err
	}

	metrics.AttachmentsStoredTotal.WithLabelValues(string(kind)).Inc()
	slog.Info("attachment stored",
		"attachment_id", att.ID,
		"conversation", conv.Ref.String(),
		"content_type", contentType,
		"size", att.Size,
		"thumbnail", att.ThumbnailPath != "",
	)
	return att, nil
}

// thumbnail is best-effort: every failure is logged and yields "".
func (v *Vault) thumbnail(ctx context.Context, conv *domain.Conversation, name, contentType string, raw []byte) string {
	if v.preview == nil || v.blobs == nil || !v.preview.Supports(contentType) {
		return ""
	}
	png, err := v.preview.RenderFirstPage(ctx, raw)
	if err != nil {
		metrics.ThumbnailsTotal.WithLabelValues("render_failed").Inc()
		slog.Warn("thumbnail render failed", "conversation", conv.Ref.String(), "filename", name, "error", err)
		return ""
	}
	sealed, err := v.cipher.Seal(conv.EncryptionKey, thumbnailScope(conv.Ref), png)
	if err != nil {
		metrics.ThumbnailsTotal.WithLabelValues("seal_failed").Inc()
		slog.Warn("thumbnail encrypt failed", "conversation", conv.Ref.String(), "error", err)
		return ""
	}
	key, err := v.createUnique(ctx, conv.Ref.StoragePrefix()+"/thumbs", StorageName(name), ".thumb.png.enc", sealed)
	if err != nil {
		metrics.ThumbnailsTotal.WithLabelValues("store_failed").Inc()
		slog.Warn("thumbnail store failed", "conversation", conv.Ref.String(), "error", err)
		return ""
	}
	metrics.ThumbnailsTotal.WithLabelValues("ok").Inc()
	return key
}

// createUnique writes data at dir/name+ext, then dir/name-1+ext and so on.
func (v *Vault) createUnique(ctx context.Context, dir, name, ext string, data []byte) (string, error) {
	for n := 0; n < maxNameAttempts; n++ {
		candidate := name
		if n > 0 {
			candidate = name + "-" + strconv.Itoa(n)
		}
		key := path.Join(dir, candidate+ext)
		err := v.blobs.Create(ctx, key, data)
		if errors.Is(err, blob.ErrExists) {
			continue
		}
		if err != nil {
			return "", err
		}
		return key, nil
	}
	return "", fmt.Errorf("attachments: no free name for %s in %s", name, dir)
}

// Fetch returns the decrypted attachment bytes.
func (v *Vault) Fetch(ctx context.Context, att *domain.Attachment) ([]byte, error) {
	conv, err := v.conversationOf(ctx, att.Kind, att.MessageID)
	if err != nil {
		return nil, err
	}
	var sealed []byte
	switch {
	case att.FilePath != "" && v.blobs != nil:
		sealed, err = v.blobs.Open(ctx, att.FilePath)
		if err != nil {
			return nil, fmt.Errorf("attachments: read blob: %w", err)
		}
	case len(att.Ciphertext) > 0:
		sealed = att.Ciphertext
	default:
		return []byte{}, nil
	}
	return v.open(conv, att, attachmentScope(conv.Ref), sealed, "attachment")
}

// FetchThumbnail returns nil, nil when the attachment has no preview.
func (v *Vault) FetchThumbnail(ctx context.Context, att *domain.Attachment) ([]byte, error) {
	if !att.HasThumbnail() || v.blobs == nil {
		return nil, nil
	}
	conv, err := v.conversationOf(ctx, att.Kind, att.MessageID)
	if err != nil {
		return nil, err
	}
	sealed, err := v.blobs.Open(ctx, att.ThumbnailPath)
	if err != nil {
		return nil, fmt.Errorf("attachments: read thumbnail: %w", err)
	}
	return v.open(conv, att, thumbnailScope(conv.Ref), sealed, "thumbnail")
}

func (v *Vault) open(conv *domain.Conversation, att *domain.Attachment, scope string, sealed []byte, object string) ([]byte, error) {
	plain, err := v.cipher.Open(conv.EncryptionKey, scope, sealed)
	if err != nil {
		if errors.Is(err, domain.ErrDecryptionFailed) {
			metrics.DecryptionFailuresTotal.WithLabelValues(object).Inc()
			slog.Error("attachment decryption failed", "attachment_id", att.ID, "object", object, "conversation", conv.Ref.String(), "error", err)
		}
		return nil, err
	}
	return plain, nil
}

// Locate loads an attachment and the conversation it belongs to, so callers
// can authorize before fetching.
func (v *Vault) Locate(ctx context.Context, kind domain.ConversationKind, attachmentID uuid.UUID) (*domain.Attachment, domain.ConversationRef, error) {
	att, err := v.store.Attachments().GetByID(ctx, kind, attachmentID)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil, domain.ConversationRef{}, fmt.Errorf("%w: attachment %s", domain.ErrNotFound, attachmentID)
	}
	if err != nil {
		return nil, domain.ConversationRef{}, err
	}
	ref, err := v.messageRef(ctx, kind, att.MessageID)
	if err != nil {
		return nil, domain.ConversationRef{}, err
	}
	return att, ref, nil
}

func (v *Vault) messageRef(ctx context.Context, kind domain.ConversationKind, messageID uuid.UUID) (domain.ConversationRef, error) {
	switch kind {
	case domain.KindThread:
		msg, err := v.store.Messages().GetDirect(ctx, messageID)
		if err != nil {
			return domain.ConversationRef{}, unbound(err)
		}
		return domain.ThreadRef(msg.ThreadID), nil
	case domain.KindGroup:
		msg, err := v.store.Messages().GetGroup(ctx, messageID)
		if err != nil {
			return domain.ConversationRef{}, unbound(err)
		}
		return domain.GroupRef(msg.GroupID), nil
	}
	return domain.ConversationRef{}, fmt.Errorf("%w: unknown conversation kind %q", domain.ErrInvalidRequest, kind)
}

func (v *Vault) conversationOf(ctx context.Context, kind domain.ConversationKind, messageID uuid.UUID) (*domain.Conversation, error) {
	ref, err := v.messageRef(ctx, kind, messageID)
	if err != nil {
		return nil, err
	}
	if ref.IsZero() {
		return nil, domain.ErrConversationNotBound
	}
	conv, err := v.convs.Resolve(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConversationNotBound, ref)
	}
	return conv, err
}

func unbound(err error) error {
	if errors.Is(err, store.ErrRecordNotFound) {
		return domain.ErrConversationNotBound
	}
	return err
}

// SanitizeFilename keeps only the base name and drops control characters.
func SanitizeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return fallbackName
	}
	return name
}

// StorageName shortens a sanitized name to at most maxStoredNameBytes,
// keeping a short extension and cutting on a rune boundary.
func StorageName(name string) string {
	if len(name) <= maxStoredNameBytes {
		return name
	}
	ext := path.Ext(name)
	if len(ext) > maxExtBytes {
		ext = ""
	}
	return truncateUTF8(strings.TrimSuffix(name, ext), maxStoredNameBytes-len(ext)) + ext
}

func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// ServeInline reports whether the content type is safe to render in a browser.
func ServeInline(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.HasPrefix(ct, "image/") || strings.HasPrefix(ct, "application/pdf")
}
