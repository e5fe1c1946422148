package service

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"roomcast/internal/apperr"
	"roomcast/internal/cas"
	"roomcast/internal/fanout"
	"roomcast/internal/metrics"
	"roomcast/internal/model"
)

const maxEmojiLen = 64

// ReactionService toggles reactions under optimistic concurrency.
type ReactionService struct {
	Deps
	// Attempts defaults to cas.DefaultAttempts.
	Attempts int
}

func NewReactionService(deps Deps) *ReactionService {
	return &ReactionService{Deps: deps, Attempts: cas.DefaultAttempts}
}

// Toggle adds caller's emoji reaction if absent and removes it if present.
// Concurrent toggles on the same message retry against the fresh row; when
// every attempt conflicts the caller gets a Conflict error to retry.
func (s *ReactionService) Toggle(ctx context.Context, caller model.Caller, messageID, emoji string) (model.MessageView, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return model.MessageView{}, apperr.Validationf("Emoji is required.")
	}
	if utf8.RuneCountInString(emoji) > maxEmojiLen {
		return model.MessageView{}, apperr.Validationf("Emoji is too long.")
	}

	var conversationID string
	err := cas.Do(ctx, s.Attempts, func(ctx context.Context, attempt int) error {
		m, err := s.loadMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := s.requireMember(ctx, m.ConversationID, caller.UserID); err != nil {
			return err
		}
		if m.IsDeleted() {
			return apperr.Validationf("Deleted messages cannot be reacted to.")
		}
		conversationID = m.ConversationID
		add := !m.Reactions.Has(emoji, caller.UserID)
		return s.Repo.SetReaction(ctx, m.ID, m.Version, emoji, caller.UserID, add, s.now())
	})
	if errors.Is(err, cas.ErrExhausted) {
		metrics.ReactionConflicts.Inc()
		s.Log.Warn("reaction toggle exhausted retries",
			zap.String("message_id", messageID), zap.String("user_id", caller.UserID), zap.Int("attempts", s.Attempts))
		return model.MessageView{}, apperr.Conflictf(err, "Could not update reaction due to concurrent writes. Retry.")
	}
	if err != nil {
		return model.MessageView{}, err
	}

	updated, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return model.MessageView{}, err
	}
	s.Publisher.PublishToConversation(conversationID, fanout.MessageReactionUpdated, updated)
	return updated.ViewFor(caller.UserID), nil
}
