package realtime

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRedisBrokerRelaysAcrossHubs(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	url := "redis://" + mr.Addr()
	publisher, err := NewRedisBroker(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer publisher.Close()

	subscriber, err := NewRedisBroker(ctx, url, zap.NewNop())
	require.NoError(t, err)
	defer subscriber.Close()

	hub := NewHub(zap.NewNop())
	c := NewClient(nil, "bob")
	hub.Register(c)
	hub.Subscribe(c, ConversationChannel("c1"))

	done, err := subscriber.Relay(ctx, hub)
	require.NoError(t, err)

	env, err := NewEnvelope("message.deleted", map[string]string{"message_id": "m1"})
	require.NoError(t, err)
	require.NoError(t, publisher.Publish(ctx, ConversationChannel("c1"), env))

	select {
	case payload := <-c.send:
		var got Envelope
		require.NoError(t, json.Unmarshal(payload, &got))
		assert.Equal(t, "message.deleted", got.Event)
		assert.JSONEq(t, `{"message_id":"m1"}`, string(got.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("relayed frame not received")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestNewRedisBrokerRejectsBadURL(t *testing.T) {
	_, err := NewRedisBroker(context.Background(), "not-a-url", zap.NewNop())
	assert.Error(t, err)
}
