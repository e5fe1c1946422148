package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomcast/internal/apperr"
	"roomcast/internal/cas"
	"roomcast/internal/fanout"
	"roomcast/internal/model"
)

func TestToggleReactionTwiceRemovesKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	conv := h.channel(t, a)
	m := h.send(t, a, conv.ID, "ship it")

	got, err := h.reactions.Toggle(ctx, a, m.ID, "🔥")
	require.NoError(t, err)
	assert.Equal(t, model.Reactions{"🔥": {a.UserID}}, got.Reactions)
	require.Len(t, got.ReactionSummaries, 1)
	assert.True(t, got.ReactionSummaries[0].ReactedByMe)

	got, err = h.reactions.Toggle(ctx, a, m.ID, "🔥")
	require.NoError(t, err)
	assert.Empty(t, got.Reactions)
	assert.Empty(t, got.ReactionSummaries)

	updates := h.pub.named(fanout.MessageReactionUpdated)
	require.Len(t, updates, 2)
	full := updates[1].payload.(model.Message)
	assert.Equal(t, m.ID, full.ID, "reaction updates carry the whole message")
	assert.Equal(t, "ship it", full.Body)
}

func TestToggleReactionValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	outsider := h.user(t, "Z", false)
	conv := h.channel(t, a)
	m := h.send(t, a, conv.ID, "hi")

	_, err := h.reactions.Toggle(ctx, a, m.ID, " ")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	_, err = h.reactions.Toggle(ctx, a, "missing", "👍")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))

	_, err = h.reactions.Toggle(ctx, outsider, m.ID, "👍")
	assert.Equal(t, apperr.Forbidden, apperr.KindOf(err))
}

func TestConcurrentTogglesLoseNoUpdates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := h.user(t, "Owner", false)
	conv := h.channel(t, owner)
	m := h.send(t, owner, conv.ID, "vote")

	var users []model.Caller
	for _, name := range []string{"u1", "u2", "u3", "u4", "u5", "u6"} {
		u := h.user(t, name, false)
		_, err := h.conversations.Join(ctx, u, conv.ID)
		require.NoError(t, err)
		users = append(users, u)
	}

	// Enough attempts for six writers racing on one row.
	h.reactions.Attempts = 100
	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(u model.Caller) {
			defer wg.Done()
			_, err := h.reactions.Toggle(ctx, u, m.ID, "👍")
			assert.NoError(t, err)
		}(u)
	}
	wg.Wait()

	got, err := h.messages.Get(ctx, owner, m.ID)
	require.NoError(t, err)
	assert.Len(t, got.Reactions["👍"], len(users))
	assert.Equal(t, int64(1+len(users)), got.Version)
}

// conflictingRepo loses every version race.
type conflictingRepo struct {
	Repository
	attempts int
}

func (r *conflictingRepo) SetReaction(ctx context.Context, id string, expectedVersion int64, emoji, userID string, add bool, at time.Time) error {
	r.attempts++
	return cas.ErrConflict
}

func TestToggleReactionConflictAfterRetryBudget(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	a := h.user(t, "A", false)
	conv := h.channel(t, a)
	m := h.send(t, a, conv.ID, "hi")

	repo := &conflictingRepo{Repository: h.store}
	svc := NewReactionService(Deps{Repo: repo, Publisher: h.pub, Log: h.reactions.Log, IDs: h.reactions.IDs, Now: h.clock.Now})

	_, err := svc.Toggle(ctx, a, m.ID, "👍")
	assert.Equal(t, apperr.Conflict, apperr.KindOf(err))
	assert.Equal(t, "Could not update reaction due to concurrent writes. Retry.", apperr.PublicMessage(err))
	assert.True(t, errors.Is(err, cas.ErrConflict))
	assert.Equal(t, cas.DefaultAttempts, repo.attempts)
}
