package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/fanout"
	"roomcast/internal/model"
)

func TestUnreadCountsAndReadState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	b := h.user(t, "B", false)
	conv := h.channel(t, a, b)

	h.send(t, a, conv.ID, "one")
	latest := h.send(t, a, conv.ID, "two")
	h.send(t, b, conv.ID, "mine")

	n, err := h.unread.UnreadCount(ctx, b.UserID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "own messages never count")

	n, err = h.unread.UnreadCount(ctx, a.UserID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	at := latest.CreatedAt
	payload, err := h.unread.UpdateReadState(ctx, b, conv.ID, &at)
	require.NoError(t, err)
	assert.Equal(t, model.UnreadPayload{ConversationID: conv.ID, UnreadCount: 0, TotalUnreadConversations: 0}, payload)

	pushes := h.pub.named(fanout.UnreadUpdated)
	require.NotEmpty(t, pushes)
	last := pushes[len(pushes)-1]
	assert.True(t, last.userChannel)
	assert.Equal(t, b.UserID, last.target)
}

func TestReadStateIsMonotonicAndClamped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	b := h.user(t, "B", false)
	conv := h.channel(t, a, b)

	first := h.send(t, a, conv.ID, "one")
	second := h.send(t, a, conv.ID, "two")

	at := second.CreatedAt
	_, err := h.unread.UpdateReadState(ctx, b, conv.ID, &at)
	require.NoError(t, err)

	earlier := first.CreatedAt
	payload, err := h.unread.UpdateReadState(ctx, b, conv.ID, &earlier)
	require.NoError(t, err)
	assert.Equal(t, 0, payload.UnreadCount, "an earlier mark never regresses the watermark")

	future := h.clock.Now().Add(24 * time.Hour)
	_, err = h.unread.UpdateReadState(ctx, b, conv.ID, &future)
	require.NoError(t, err)
	rs, err := h.store.GetReadState(ctx, conv.ID, b.UserID)
	require.NoError(t, err)
	assert.True(t, rs.LastReadAt.Equal(second.CreatedAt), "future marks clamp to the latest message")

	h.send(t, a, conv.ID, "three")
	n, err := h.unread.UnreadCount(ctx, b.UserID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "new content after the clamp is unread")
}

func TestReadStateOnEmptyConversationClampsToNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	conv := h.channel(t, a)

	future := h.clock.Now().Add(time.Hour)
	_, err := h.unread.UpdateReadState(ctx, a, conv.ID, &future)
	require.NoError(t, err)
	rs, err := h.store.GetReadState(ctx, conv.ID, a.UserID)
	require.NoError(t, err)
	assert.True(t, rs.LastReadAt.Equal(h.clock.Now().Add(-time.Millisecond)))
}

func TestReadStateOnEmptyConversationKeepsSameMillisecondMessageUnread(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	b := h.user(t, "B", false)
	conv := h.channel(t, a, b)

	_, err := h.unread.UpdateReadState(ctx, a, conv.ID, nil)
	require.NoError(t, err)

	// Same millisecond as the mark.
	_, err = h.messages.Create(ctx, b, conv.ID, "right after", nil)
	require.NoError(t, err)

	n, err := h.unread.UnreadCount(ctx, a.UserID, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTotalUnreadConversations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	b := h.user(t, "B", false)
	c := h.user(t, "C", false)

	one := h.channel(t, a, b)
	two, err := h.conversations.CreateOrGetDM(ctx, a, b.UserID)
	require.NoError(t, err)
	three, err := h.conversations.CreateGroupDM(ctx, a, []string{b.UserID, c.UserID}, "trio")
	require.NoError(t, err)

	h.send(t, a, one.ID, "x")
	h.send(t, a, two.ID, "y")
	h.send(t, b, three.ID, "from b")

	total, err := h.unread.TotalUnreadConversations(ctx, b.UserID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	_, err = h.unread.UpdateReadState(ctx, b, one.ID, nil)
	require.NoError(t, err)
	payload, err := h.unread.BuildUnreadPayload(ctx, b.UserID, two.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, payload.UnreadCount)
	assert.Equal(t, 1, payload.TotalUnreadConversations)
}

func TestPushUnreadSkipsFormerMembers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	b := h.user(t, "B", false)
	conv := h.channel(t, a, b)
	h.send(t, a, conv.ID, "x")

	require.NoError(t, h.conversations.Leave(ctx, b, conv.ID))
	h.pub.reset()
	require.NoError(t, h.unread.PushUnread(ctx, b.UserID, conv.ID))
	assert.Empty(t, h.pub.named(fanout.UnreadUpdated))

	require.NoError(t, h.unread.PushUnread(ctx, a.UserID, conv.ID))
	assert.Len(t, h.pub.named(fanout.UnreadUpdated), 1)
}
