package domain

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MaxMessageLength is counted in Unicode code points after trimming.
const MaxMessageLength = 2000

type ConversationKind string

const (
	KindThread ConversationKind = "thread"
	KindGroup  ConversationKind = "group"
)

func (k ConversationKind) Valid() bool { return k == KindThread || k == KindGroup }

// ParseKind accepts both the singular form and the REST collection name.
func ParseKind(raw string) (ConversationKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "thread", "threads":
		return KindThread, nil
	case "group", "groups":
		return KindGroup, nil
	}
	return "", fmt.Errorf("%w: unknown conversation kind %q", ErrInvalidRequest, raw)
}

// ConversationRef names a thread or a group without loading it.
type ConversationRef struct {
	Kind ConversationKind
	ID   uuid.UUID
}

func ThreadRef(id uuid.UUID) ConversationRef { return ConversationRef{Kind: KindThread, ID: id} }
func GroupRef(id uuid.UUID) ConversationRef  { return ConversationRef{Kind: KindGroup, ID: id} }

func (r ConversationRef) IsZero() bool { return r.ID == uuid.Nil || !r.Kind.Valid() }

// String is the fan-out group name and the AEAD scope, e.g. "thread:<id>".
func (r ConversationRef) String() string { return string(r.Kind) + ":" + r.ID.String() }

// StoragePrefix is the blob directory for the conversation's attachments.
func (r ConversationRef) StoragePrefix() string {
	return "attachments/" + string(r.Kind) + "_" + r.ID.String()
}

// Conversation is the resolved view shared by the message store and the vault.
type Conversation struct {
	Ref           ConversationRef
	EncryptionKey []byte
	Thread        *Thread
	Group         *Group
}

// CanonicalPair orders two user ids so the smaller one comes first.
func CanonicalPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if bytes.Compare(a[:], b[:]) > 0 {
		return b, a
	}
	return a, b
}
