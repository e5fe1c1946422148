package realtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDetachedClient(userID string) *Client {
	return NewClient(nil, userID)
}

func recv(t *testing.T, c *Client) Envelope {
	t.Helper()
	select {
	case payload := <-c.send:
		var env Envelope
		require.NoError(t, json.Unmarshal(payload, &env))
		return env
	default:
		t.Fatal("expected a queued frame")
		return Envelope{}
	}
}

func TestHubRoutesByChannel(t *testing.T) {
	hub := NewHub(zap.NewNop())
	phone := newDetachedClient("alice")
	laptop := newDetachedClient("alice")
	bob := newDetachedClient("bob")
	for _, c := range []*Client{phone, laptop, bob} {
		hub.Register(c)
	}
	hub.Subscribe(phone, ConversationChannel("c1"))
	hub.Subscribe(bob, ConversationChannel("c1"))

	env, err := NewEnvelope("message.created", map[string]string{"id": "m1"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), ConversationChannel("c1"), env))

	assert.Equal(t, "message.created", recv(t, phone).Event)
	assert.Equal(t, "message.created", recv(t, bob).Event)
	assert.Len(t, laptop.send, 0)

	env, _ = NewEnvelope("unread.updated", map[string]int{"unread_count": 1})
	require.NoError(t, hub.Publish(context.Background(), UserChannel("alice"), env))
	assert.Equal(t, "unread.updated", recv(t, phone).Event, "every device of the user gets user events")
	assert.Equal(t, "unread.updated", recv(t, laptop).Event)
	assert.Len(t, bob.send, 0)
}

func TestHubUnregisterDropsSubscriptions(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := newDetachedClient("alice")
	hub.Register(c)
	hub.Subscribe(c, ConversationChannel("c1"))
	require.Equal(t, 1, hub.Subscribers(ConversationChannel("c1")))

	hub.Unregister(c)
	hub.Unregister(c)
	assert.Equal(t, 0, hub.Subscribers(ConversationChannel("c1")))
	assert.Equal(t, 0, hub.Subscribers(UserChannel("alice")))
	assert.Equal(t, 0, hub.Len())

	hub.Subscribe(c, ConversationChannel("c2"))
	assert.Equal(t, 0, hub.Subscribers(ConversationChannel("c2")), "unregistered clients cannot subscribe")
}

func TestMemberLeftEndsConversationSubscription(t *testing.T) {
	hub := NewHub(zap.NewNop())
	phone := newDetachedClient("alice")
	laptop := newDetachedClient("alice")
	bob := newDetachedClient("bob")
	for _, c := range []*Client{phone, laptop, bob} {
		hub.Register(c)
		hub.Subscribe(c, ConversationChannel("c1"))
	}
	hub.Subscribe(phone, ConversationChannel("c2"))

	env, err := NewEnvelope(EventMemberLeft, map[string]string{"conversation_id": "c1", "user_id": "alice"})
	require.NoError(t, err)
	require.NoError(t, hub.Publish(context.Background(), UserChannel("alice"), env))
	assert.Equal(t, EventMemberLeft, recv(t, phone).Event)
	assert.Equal(t, EventMemberLeft, recv(t, laptop).Event)

	assert.Equal(t, 1, hub.Subscribers(ConversationChannel("c1")), "only bob stays")
	assert.Equal(t, 1, hub.Subscribers(ConversationChannel("c2")))

	env, _ = NewEnvelope("message.created", map[string]string{"id": "m2"})
	require.NoError(t, hub.Publish(context.Background(), ConversationChannel("c1"), env))
	assert.Equal(t, "message.created", recv(t, bob).Event)
	assert.Len(t, phone.send, 0)
	assert.Len(t, laptop.send, 0)
}

func TestSlowClientIsDisconnected(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := newDetachedClient("alice")
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		require.Equal(t, 1, hub.Deliver(UserChannel("alice"), []byte(`{}`)))
	}
	assert.Equal(t, 0, hub.Deliver(UserChannel("alice"), []byte(`{}`)))
	assert.Equal(t, 0, hub.Len())

	select {
	case <-c.Done():
	default:
		t.Fatal("client should be closed")
	}
	assert.False(t, c.Send([]byte(`{}`)))
}
