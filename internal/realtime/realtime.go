// Package realtime delivers event envelopes to websocket clients subscribed
// to conversation and user channels, either in-process or across instances
// through Redis pub/sub.
package realtime

import (
	"context"
	"encoding/json"
)

// EventMemberLeft is the event that ends a user's conversation subscription.
const EventMemberLeft = "member.left"

// Envelope is the frame written to clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

const (
	conversationPrefix = "conversation:"
	userPrefix         = "user:"
)

func ConversationChannel(conversationID string) string { return conversationPrefix + conversationID }

func UserChannel(userID string) string { return userPrefix + userID }

// Broker publishes an envelope to every subscriber of channel.
type Broker interface {
	Publish(ctx context.Context, channel string, env Envelope) error
}
