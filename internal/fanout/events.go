// Package fanout publishes domain events to realtime channels off the
// request path while keeping per-conversation order.
package fanout

import "roomcast/internal/realtime"

// Event names are part of the client wire contract.
const (
	MessageCreated         = "message.created"
	MessageUpdated         = "message.updated"
	MessageDeleted         = "message.deleted"
	MessageReactionUpdated = "message.reactionUpdated"
	ConversationUpdated    = "conversation.updated"
	MemberJoined           = "member.joined"
	MemberLeft             = realtime.EventMemberLeft
	UnreadUpdated          = "unread.updated"
)

// Publisher is the fire-and-forget contract the services depend on.
type Publisher interface {
	PublishToConversation(conversationID, event string, payload any)
	PublishToUser(userID, event string, payload any)
}

// Versioned payloads carry the row version they were built from so an
// older snapshot is never delivered after a newer one.
type Versioned interface {
	VersionKey() (id string, version int64)
}
