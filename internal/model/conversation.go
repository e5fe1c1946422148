package model

import "time"

// ConversationKind is channel, dm or group_dm.
type ConversationKind string

const (
	KindChannel ConversationKind = "channel"
	KindDM      ConversationKind = "dm"
	KindGroupDM ConversationKind = "group_dm"
)

type Conversation struct {
	ID        string           `json:"id"`
	Kind      ConversationKind `json:"kind"`
	Name      string           `json:"name,omitempty"`
	Topic     string           `json:"topic,omitempty"`
	IsPrivate bool             `json:"is_private"`
	CreatedBy string           `json:"created_by"`
	CreatedAt time.Time        `json:"created_at"`
}

// Member is a conversation membership joined with the member's profile.
type Member struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IsDisabled  bool      `json:"is_disabled"`
	JoinedAt    time.Time `json:"joined_at"`
}

// ConversationView is a conversation as listed for one user.
type ConversationView struct {
	Conversation
	Members       []Member   `json:"members"`
	UnreadCount   int        `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}

type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	IsAdmin     bool      `json:"is_admin"`
	IsDisabled  bool      `json:"is_disabled"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReadState is a user's read watermark in one conversation.
type ReadState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// UnreadPayload drives the per-user unread.updated push.
type UnreadPayload struct {
	ConversationID           string `json:"conversation_id"`
	UnreadCount              int    `json:"unread_count"`
	TotalUnreadConversations int    `json:"total_unread_conversations"`
}

// MemberEvent is the payload for member.joined and member.left.
type MemberEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// UserNotificationPreference holds a user's global notification settings.
type UserNotificationPreference struct {
	InAppToastsEnabled bool `json:"in_app_toasts_enabled"`
}

// ConversationNotificationPreference holds a user's settings for one
// conversation.
type ConversationNotificationPreference struct {
	IsMuted bool `json:"is_muted"`
}

// Caller is the authenticated user performing an operation.
type Caller struct {
	UserID  string
	IsAdmin bool
}
