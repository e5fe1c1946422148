package service

import (
	"context"
	"fmt"

	"roomcast/internal/model"
)

func (s *UnreadService) UserPreference(ctx context.Context, caller model.Caller) (model.UserNotificationPreference, error) {
	pref, err := s.Repo.GetUserPreference(ctx, caller.UserID)
	if err != nil {
		return model.UserNotificationPreference{}, fmt.Errorf("user preference: %w", err)
	}
	return pref, nil
}

func (s *UnreadService) UpdateUserPreference(ctx context.Context, caller model.Caller, pref model.UserNotificationPreference) (model.UserNotificationPreference, error) {
	if err := s.Repo.SetUserPreference(ctx, caller.UserID, pref, s.now()); err != nil {
		return model.UserNotificationPreference{}, fmt.Errorf("update user preference: %w", err)
	}
	return pref, nil
}

// ConversationPreference returns caller's mute setting. Members only.
func (s *UnreadService) ConversationPreference(ctx context.Context, caller model.Caller, conversationID string) (model.ConversationNotificationPreference, error) {
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return model.ConversationNotificationPreference{}, err
	}
	if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return model.ConversationNotificationPreference{}, err
	}
	pref, err := s.Repo.GetConversationPreference(ctx, conversationID, caller.UserID)
	if err != nil {
		return model.ConversationNotificationPreference{}, fmt.Errorf("conversation preference: %w", err)
	}
	return pref, nil
}

func (s *UnreadService) UpdateConversationPreference(ctx context.Context, caller model.Caller, conversationID string, pref model.ConversationNotificationPreference) (model.ConversationNotificationPreference, error) {
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return model.ConversationNotificationPreference{}, err
	}
	if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return model.ConversationNotificationPreference{}, err
	}
	if err := s.Repo.SetConversationPreference(ctx, conversationID, caller.UserID, pref, s.now()); err != nil {
		return model.ConversationNotificationPreference{}, fmt.Errorf("update conversation preference: %w", err)
	}
	return pref, nil
}
