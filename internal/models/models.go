package models

import (
	"strings"
	"time"
)

// Channel membership roles, ordered by privilege.
const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
)

// Token kinds.
const (
	TokenAccess  = "access"
	TokenRefresh = "refresh"
)

// Message kinds. System messages are authored by no user and carry a
// structured metadata payload describing the triggering action.
const (
	MessageText   = "text"
	MessageSystem = "system"
)

type User struct {
	ID           uint   `gorm:"primaryKey"`
	Username     string `gorm:"uniqueIndex;size:64;not null"`
	Email        string `gorm:"uniqueIndex;size:255;not null"`
	PasswordHash string `gorm:"not null"`
	FirstName    string `gorm:"size:64"`
	LastName     string `gorm:"size:64"`
	// TokenVersion is compared against AuthToken.Version at verification
	// time; bumping it invalidates every outstanding token at once.
	TokenVersion int `gorm:"not null;default:1"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DisplayName is "First Last" when both are set, otherwise the username.
func (u *User) DisplayName() string {
	full := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if full == "" {
		return u.Username
	}
	return full
}

// AuthToken holds the SHA-256 hash of an issued credential. The raw secret
// is returned to the caller exactly once at issuance and never stored.
type AuthToken struct {
	ID         uint      `gorm:"primaryKey"`
	TokenHash  string    `gorm:"uniqueIndex;size:64;not null"`
	UserID     uint      `gorm:"index;not null"`
	Kind       string    `gorm:"size:16;not null"`
	Version    int       `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
	LastUsedAt *time.Time
	DeviceInfo string `gorm:"size:255"`
	IP         string `gorm:"size:64"`
	CreatedAt  time.Time
}

// TokenBlacklist is append-only; an unexpired entry makes the matching
// AuthToken unusable regardless of its own expiry.
type TokenBlacklist struct {
	ID        uint      `gorm:"primaryKey"`
	TokenHash string    `gorm:"index;size:64;not null"`
	UserID    uint      `gorm:"index;not null"`
	Reason    string    `gorm:"size:128"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

type Channel struct {
	ID          uint   `gorm:"primaryKey"`
	Name        string `gorm:"uniqueIndex;size:128;not null"`
	Description string `gorm:"size:512"`
	Topic       string `gorm:"size:255"`
	IsPrivate   bool   `gorm:"not null;default:false"`
	IsArchived  bool   `gorm:"not null;default:false"`
	CreatedBy   uint   `gorm:"not null"`
	// MaxMembers of 0 means unlimited.
	MaxMembers int     `gorm:"not null;default:0"`
	InviteCode *string `gorm:"uniqueIndex;size:64"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type ChannelMembership struct {
	ID        uint   `gorm:"primaryKey"`
	ChannelID uint   `gorm:"uniqueIndex:idx_channel_user;not null"`
	UserID    uint   `gorm:"uniqueIndex:idx_channel_user;not null"`
	Role      string `gorm:"size:16;not null;default:'member'"`
	CreatedAt time.Time
}

// DirectConversation canonicalizes a pair of users: User1ID < User2ID is
// enforced by a check constraint and the ordered pair is unique, so a lookup
// for (a,b) and (b,a) always resolves to the same row.
type DirectConversation struct {
	ID                uint `gorm:"primaryKey"`
	User1ID           uint `gorm:"uniqueIndex:idx_dm_pair;not null;check:chk_dm_order,user1_id < user2_id"`
	User2ID           uint `gorm:"uniqueIndex:idx_dm_pair;not null"`
	LastMessageAt     *time.Time
	IsArchivedByUser1 bool `gorm:"not null;default:false"`
	IsArchivedByUser2 bool `gorm:"not null;default:false"`
	CreatedAt         time.Time
}

// Message targets exactly one of a channel or a direct conversation; the
// check constraint rejects both-or-neither at the storage layer. Soft delete
// keeps the row so threads stay intact.
type Message struct {
	ID                   uint   `gorm:"primaryKey"`
	Content              string `gorm:"type:text"`
	Kind                 string `gorm:"size:16;not null;default:'text'"`
	UserID               *uint  `gorm:"index"`
	ChannelID            *uint  `gorm:"index;check:chk_msg_target,(channel_id IS NULL) <> (direct_conversation_id IS NULL)"`
	DirectConversationID *uint  `gorm:"index"`
	ParentMessageID      *uint  `gorm:"index"`
	EditedAt             *time.Time
	IsDeleted            bool   `gorm:"not null;default:false"`
	Metadata             string `gorm:"type:text"`
	Attachments          []Attachment
	CreatedAt            time.Time
}

// Attachment descriptors are produced by the upload service and treated as
// opaque metadata here.
type Attachment struct {
	ID          uint   `gorm:"primaryKey"`
	MessageID   uint   `gorm:"index;not null"`
	URL         string `gorm:"size:1024;not null"`
	ContentType string `gorm:"size:128"`
	Size        int64  `gorm:"not null;default:0"`
	CreatedAt   time.Time
}
