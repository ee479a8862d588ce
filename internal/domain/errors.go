package domain

import (
	"errors"
	"fmt"
)

// Code is the stable, client-visible identifier of a failure.
type Code string

const (
	CodeInvalidRequest       Code = "invalid_request"
	CodeInvalidParticipants  Code = "invalid_participants"
	CodeDuplicateGroupName   Code = "duplicate_group_name"
	CodeForbidden            Code = "forbidden"
	CodeAlreadyMember        Code = "already_member"
	CodeInactiveUser         Code = "inactive_user"
	CodeNotAParticipant      Code = "not_a_participant"
	CodeEmptyMessage         Code = "empty_message"
	CodeMessageTooLong       Code = "message_too_long"
	CodeConversationNotBound Code = "conversation_not_bound"
	CodeAttachmentTooLarge   Code = "attachment_too_large"
	CodeDecryptionFailed     Code = "decryption_failed"
	CodeNotFound             Code = "not_found"
	CodeUnauthorized         Code = "unauthorized"
	CodeUnsupportedType      Code = "unsupported_type"
	CodeInternal             Code = "internal"
)

// Error is a domain failure with a stable code. Sentinels below are compared
// with errors.Is; wrap them with fmt.Errorf("%w: ...") to add detail.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

func newError(code Code, msg string) *Error { return &Error{Code: code, Message: msg} }

var (
	ErrInvalidRequest       = newError(CodeInvalidRequest, "invalid request")
	ErrInvalidParticipants  = newError(CodeInvalidParticipants, "a thread needs two distinct participants")
	ErrDuplicateGroupName   = newError(CodeDuplicateGroupName, "a group with this name already exists")
	ErrForbidden            = newError(CodeForbidden, "permission denied")
	ErrAlreadyMember        = newError(CodeAlreadyMember, "user is already a member")
	ErrInactiveUser         = newError(CodeInactiveUser, "user account is inactive")
	ErrNotAParticipant      = newError(CodeNotAParticipant, "not a participant of this conversation")
	ErrEmptyMessage         = newError(CodeEmptyMessage, "message cannot be empty")
	ErrMessageTooLong       = newError(CodeMessageTooLong, fmt.Sprintf("message too long (max %d characters)", MaxMessageLength))
	ErrConversationNotBound = newError(CodeConversationNotBound, "message is not bound to a conversation")
	ErrAttachmentTooLarge   = newError(CodeAttachmentTooLarge, "attachment exceeds the size limit")
	ErrDecryptionFailed     = newError(CodeDecryptionFailed, "stored content could not be decrypted")
	ErrNotFound             = newError(CodeNotFound, "not found")
	ErrUnauthorized         = newError(CodeUnauthorized, "authentication required")
	ErrUnsupportedType      = newError(CodeUnsupportedType, "unknown message type")
)

// CodeOf reports the domain code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
