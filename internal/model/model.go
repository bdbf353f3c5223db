// Package model defines the logical schema the backend's tables satisfy.
// Server-assigned columns (row ids, creation timestamps) carry omit tags so
// insert payloads leave them to the backend's column defaults.
package model

import (
	"strings"
	"time"
)

// Table names on the backend.
const (
	TableProfiles = "profiles"
	TableRooms    = "rooms"
	TableMembers  = "room_members"
	TableMessages = "messages"
	TableTyping   = "typing_indicators"
)

// Presence status values.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
	StatusAway    = "away"
)

// Room kinds.
const (
	RoomDirect = "direct"
	RoomGroup  = "group"
)

// Profile is a user identity row. Status and LastSeen are owned by the
// presence tracker of the user's own client.
type Profile struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Username  string    `json:"username"`
	UserTag   string    `json:"user_tag"`
	AvatarURL string    `json:"avatar_url"`
	Status    string    `json:"status"`
	LastSeen  time.Time `json:"last_seen,omitzero"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// DisplayName returns the username, or the user id as a fallback.
func (p Profile) DisplayName() string {
	if p.Username != "" {
		return p.Username
	}
	return p.ID
}

// Handle returns the exact-lookup form "username#tag".
func (p Profile) Handle() string {
	return p.Username + "#" + p.UserTag
}

// Room is a conversation container. Name and CreatedBy are meaningful for
// group rooms only; a direct room is identified by its two memberships.
type Room struct {
	ID        string    `json:"id,omitempty"`
	Name      string    `json:"name"`
	Kind      string    `json:"type"`
	AvatarURL string    `json:"avatar_url"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at,omitzero"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// IsGroup reports whether the room is a group conversation.
func (r Room) IsGroup() bool { return r.Kind == RoomGroup }

// AdminID returns the distinguished admin for group rooms, or "" for direct.
func (r Room) AdminID() string {
	if r.Kind != RoomGroup {
		return ""
	}
	return r.CreatedBy
}

// Membership links a user to a room and carries the per-user read watermark.
// One row per (room, user) pair.
type Membership struct {
	ID         string    `json:"id,omitempty"`
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	JoinedAt   time.Time `json:"joined_at,omitzero"`
	LastReadAt time.Time `json:"last_read_at,omitzero"`
}

// Attachment is a stored file reference carried inside a message row.
// Duration is set for voice messages only (seconds).
type Attachment struct {
	Name     string  `json:"name"`
	URL      string  `json:"url"`
	Type     string  `json:"type"`
	Size     int64   `json:"size"`
	Duration float64 `json:"duration,omitempty"`
}

// voiceTypes is the allow-list of audio encodings treated as voice messages.
var voiceTypes = map[string]bool{
	"audio/webm": true,
	"audio/ogg":  true,
	"audio/mpeg": true,
}

// IsImage reports whether the attachment's mime top-level type is image.
func (a Attachment) IsImage() bool { return strings.HasPrefix(a.Type, "image/") }

// IsVoice reports whether the attachment is a voice recording.
func (a Attachment) IsVoice() bool { return voiceTypes[a.Type] }

// Message is a room message. Content may be empty when attachments are
// present; the reverse never holds.
type Message struct {
	ID          string       `json:"id,omitempty"`
	RoomID      string       `json:"room_id"`
	UserID      string       `json:"user_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsEdited    bool         `json:"is_edited"`
	IsRead      bool         `json:"is_read"`
	CreatedAt   time.Time    `json:"created_at,omitzero"`
	UpdatedAt   time.Time    `json:"updated_at,omitzero"`
}

// Empty reports whether the message carries neither text nor attachments.
func (m Message) Empty() bool {
	return strings.TrimSpace(m.Content) == "" && len(m.Attachments) == 0
}

// TypingIndicator is an ephemeral row signaling active composition.
// At most one live row per (room, user).
type TypingIndicator struct {
	ID        string    `json:"id,omitempty"`
	RoomID    string    `json:"room_id"`
	UserID    string    `json:"user_id"`
	StartedAt time.Time `json:"started_at,omitzero"`
}
