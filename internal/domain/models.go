package domain

import (
	"time"

	"github.com/google/uuid"
)

// User is the local projection of the identity provider's account.
type User struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	DisplayName string    `gorm:"not null" json:"display_name"`
	IsActive    bool      `gorm:"not null" json:"is_active"`
	IsExecutive bool      `gorm:"not null;default:false" json:"is_executive"`
	IsStaff     bool      `gorm:"not null;default:false" json:"is_staff"`
	IsSuperuser bool      `gorm:"not null;default:false" json:"is_superuser"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (User) TableName() string { return "users" }

func (u *User) CanCreateGroups() bool {
	return u.IsActive && (u.IsExecutive || u.IsStaff || u.IsSuperuser)
}

type Thread struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserOneID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_chat_threads_pair,priority:1"`
	UserTwoID     uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_chat_threads_pair,priority:2;index"`
	EncryptionKey []byte    `gorm:"not null" json:"-"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt time.Time `gorm:"not null;index"`
}

func (Thread) TableName() string { return "chat_threads" }

func (t *Thread) Ref() ConversationRef { return ThreadRef(t.ID) }

// Other returns the participant that is not userID.
func (t *Thread) Other(userID uuid.UUID) uuid.UUID {
	if t.UserOneID == userID {
		return t.UserTwoID
	}
	return t.UserOneID
}

type Group struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name          string    `gorm:"not null;uniqueIndex:ux_chat_groups_name_creator,priority:1"`
	CreatedByID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:ux_chat_groups_name_creator,priority:2"`
	EncryptionKey []byte    `gorm:"not null" json:"-"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LastMessageAt time.Time `gorm:"not null;index"`

	Memberships []GroupMembership `gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE"`
}

func (Group) TableName() string { return "chat_groups" }

func (g *Group) Ref() ConversationRef { return GroupRef(g.ID) }

type GroupMembership struct {
	ID        uuid.UUID  `gorm:"type:uuid;primaryKey"`
	GroupID   uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:ux_group_memberships_member,priority:1"`
	UserID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:ux_group_memberships_member,priority:2;index"`
	AddedByID *uuid.UUID `gorm:"type:uuid"`
	AddedAt   time.Time  `gorm:"not null"`
}

func (GroupMembership) TableName() string { return "group_memberships" }

type DirectMessage struct {
	ID         uuid.UUID  `gorm:"type:uuid;primaryKey"`
	ThreadID   uuid.UUID  `gorm:"type:uuid;not null;index:idx_direct_messages_thread_created,priority:1"`
	SenderID   uuid.UUID  `gorm:"type:uuid;not null"`
	Ciphertext []byte     `gorm:"not null"`
	CreatedAt  time.Time  `gorm:"not null;index:idx_direct_messages_thread_created,priority:2"`
	ReadAt     *time.Time `gorm:"index"`
}

func (DirectMessage) TableName() string { return "direct_messages" }

type GroupMessage struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	GroupID    uuid.UUID `gorm:"type:uuid;not null;index:idx_group_messages_group_created,priority:1"`
	SenderID   uuid.UUID `gorm:"type:uuid;not null"`
	Ciphertext []byte    `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null;index:idx_group_messages_group_created,priority:2"`
}

func (GroupMessage) TableName() string { return "group_messages" }

// GroupMessageRead records that UserID has seen MessageID.
type GroupMessageRead struct {
	MessageID uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;primaryKey;index"`
	ReadAt    time.Time `gorm:"not null"`
}

func (GroupMessageRead) TableName() string { return "group_message_reads" }

// Attachment belongs to a direct or group message, selected by Kind.
type Attachment struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey"`
	Kind          ConversationKind `gorm:"not null;index:idx_attachments_message,priority:1"`
	MessageID     uuid.UUID        `gorm:"type:uuid;not null;index:idx_attachments_message,priority:2"`
	Filename      string           `gorm:"not null"`
	ContentType   string           `gorm:"not null"`
	Size          int64            `gorm:"not null"`
	FilePath      string
	Ciphertext    []byte
	ThumbnailPath string
	CreatedAt     time.Time
}

func (Attachment) TableName() string { return "message_attachments" }

func (a *Attachment) HasThumbnail() bool { return a.ThumbnailPath != "" }

// Models lists every table for migrations.
func Models() []any {
	return []any{
		&User{},
		&Thread{},
		&Group{},
		&GroupMembership{},
		&DirectMessage{},
		&GroupMessage{},
		&GroupMessageRead{},
		&Attachment{},
	}
}
