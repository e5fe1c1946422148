package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"roomcast/internal/model"
)

// LatestMessageAt returns the newest non-deleted message time, or nil when
// the conversation has none.
func (s *Store) LatestMessageAt(ctx context.Context, conversationID string) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT MAX(created_at_ms) FROM messages WHERE conversation_id = ? AND deleted_at_ms IS NULL",
		conversationID).Scan(&ms)
	if err != nil {
		return nil, fmt.Errorf("latest message: %w", err)
	}
	return timePtr(ms), nil
}

func (s *Store) GetReadState(ctx context.Context, conversationID, userID string) (model.ReadState, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		"SELECT last_read_at_ms FROM read_states WHERE conversation_id = ? AND user_id = ?",
		conversationID, userID).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReadState{}, ErrNotFound
	}
	if err != nil {
		return model.ReadState{}, fmt.Errorf("get read state: %w", err)
	}
	return model.ReadState{ConversationID: conversationID, UserID: userID, LastReadAt: fromMillis(ms)}, nil
}

// AdvanceReadState raises the watermark to at, never lowering it, and
// returns the stored state. Concurrent callers converge on the maximum.
func (s *Store) AdvanceReadState(ctx context.Context, conversationID, userID string, at time.Time) (model.ReadState, error) {
	query := `INSERT INTO read_states (conversation_id, user_id, last_read_at_ms) VALUES (?, ?, ?)
		ON CONFLICT (conversation_id, user_id) DO UPDATE SET last_read_at_ms = MAX(last_read_at_ms, excluded.last_read_at_ms)`
	if s.dialect == MySQL {
		query = `INSERT INTO read_states (conversation_id, user_id, last_read_at_ms) VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE last_read_at_ms = GREATEST(last_read_at_ms, VALUES(last_read_at_ms))`
	}
	if _, err := s.db.ExecContext(ctx, query, conversationID, userID, toMillis(at)); err != nil {
		return model.ReadState{}, fmt.Errorf("advance read state: %w", err)
	}
	return s.GetReadState(ctx, conversationID, userID)
}

// CountUnread counts non-deleted messages from other senders newer than the
// user's watermark. Without a watermark every such message counts.
func (s *Store) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages m
		WHERE m.conversation_id = ?
			AND m.deleted_at_ms IS NULL
			AND m.sender_id <> ?
			AND m.created_at_ms > COALESCE(
				(SELECT rs.last_read_at_ms FROM read_states rs WHERE rs.conversation_id = ? AND rs.user_id = ?), ?)`,
		conversationID, userID, conversationID, userID, int64(math.MinInt64)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}
