package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomcast/internal/model"
)

// GetUserPreference returns userID's notification settings. Users who never
// saved any get toasts enabled.
func (s *Store) GetUserPreference(ctx context.Context, userID string) (model.UserNotificationPreference, error) {
	pref := model.UserNotificationPreference{InAppToastsEnabled: true}
	err := s.db.QueryRowContext(ctx,
		"SELECT in_app_toasts_enabled FROM user_notification_preferences WHERE user_id = ?",
		userID).Scan(&pref.InAppToastsEnabled)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.UserNotificationPreference{}, fmt.Errorf("get user preference: %w", err)
	}
	return pref, nil
}

func (s *Store) SetUserPreference(ctx context.Context, userID string, pref model.UserNotificationPreference, at time.Time) error {
	query := `INSERT INTO user_notification_preferences (user_id, in_app_toasts_enabled, updated_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET in_app_toasts_enabled = excluded.in_app_toasts_enabled, updated_at_ms = excluded.updated_at_ms`
	if s.dialect == MySQL {
		query = `INSERT INTO user_notification_preferences (user_id, in_app_toasts_enabled, updated_at_ms) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE in_app_toasts_enabled = VALUES(in_app_toasts_enabled), updated_at_ms = VALUES(updated_at_ms)`
	}
	if _, err := s.db.ExecContext(ctx, query, userID, boolInt(pref.InAppToastsEnabled), toMillis(at)); err != nil {
		return fmt.Errorf("set user preference: %w", err)
	}
	return nil
}

// GetConversationPreference returns userID's settings for one conversation;
// unmuted unless saved otherwise.
func (s *Store) GetConversationPreference(ctx context.Context, conversationID, userID string) (model.ConversationNotificationPreference, error) {
	var pref model.ConversationNotificationPreference
	err := s.db.QueryRowContext(ctx,
		"SELECT is_muted FROM conversation_notification_preferences WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID).Scan(&pref.IsMuted)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.ConversationNotificationPreference{}, fmt.Errorf("get conversation preference: %w", err)
	}
	return pref, nil
}

func (s *Store) SetConversationPreference(ctx context.Context, conversationID, userID string, pref model.ConversationNotificationPreference, at time.Time) error {
	query := `INSERT INTO conversation_notification_preferences (conversation_id, user_id, is_muted, updated_at_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET is_muted = excluded.is_muted, updated_at_ms = excluded.updated_at_ms`
	if s.dialect == MySQL {
		query = `INSERT INTO conversation_notification_preferences (conversation_id, user_id, is_muted, updated_at_ms) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE is_muted = VALUES(is_muted), updated_at_ms = VALUES(updated_at_ms)`
	}
	if _, err := s.db.ExecContext(ctx, query, conversationID, userID, boolInt(pref.IsMuted), toMillis(at)); err != nil {
		return fmt.Errorf("set conversation preference: %w", err)
	}
	return nil
}
