package store

import (
	"context"
	"fmt"
	"strings"

	"roomcast/internal/model"
)

// likePattern builds a substring pattern escaped with '!'. Case folding is
// left to LIKE itself: ASCII-only on SQLite, the column collation on MySQL.
func likePattern(query string) string {
	r := strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")
	return "%" + r.Replace(query) + "%"
}

// SearchMessages scans non-deleted bodies in conversations userID belongs
// to, newest first. conversationID narrows the scan when non-empty.
func (s *Store) SearchMessages(ctx context.Context, userID, conversationID, query string, limit int) ([]model.SearchHit, error) {
	sqlText := `
		SELECT m.id, m.conversation_id, m.body, m.created_at_ms
		FROM messages m
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = ?
		WHERE m.deleted_at_ms IS NULL AND m.body LIKE ? ESCAPE '!'`
	qargs := []any{userID, likePattern(query)}
	if conversationID != "" {
		sqlText += " AND m.conversation_id = ?"
		qargs = append(qargs, conversationID)
	}
	sqlText += " ORDER BY m.created_at_ms DESC, m.id DESC LIMIT ?"
	qargs = append(qargs, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, qargs...)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	hits := []model.SearchHit{}
	for rows.Next() {
		var (
			h         = model.SearchHit{Kind: model.HitMessage}
			createdMs int64
		)
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &h.Snippet, &createdMs); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.CreatedAt = fromMillis(createdMs)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// SearchAttachments scans attachment file names the same way. Attachments
// of deleted messages are skipped.
func (s *Store) SearchAttachments(ctx context.Context, userID, conversationID, query string, limit int) ([]model.SearchHit, error) {
	sqlText := `
		SELECT a.message_id, m.conversation_id, a.file_name, a.share_url, a.created_at_ms
		FROM attachments a
		JOIN messages m ON m.id = a.message_id
		JOIN conversation_members cm ON cm.conversation_id = m.conversation_id AND cm.user_id = ?
		WHERE m.deleted_at_ms IS NULL AND a.file_name LIKE ? ESCAPE '!'`
	qargs := []any{userID, likePattern(query)}
	if conversationID != "" {
		sqlText += " AND m.conversation_id = ?"
		qargs = append(qargs, conversationID)
	}
	sqlText += " ORDER BY a.created_at_ms DESC, a.id DESC LIMIT ?"
	qargs = append(qargs, limit)

	rows, err := s.db.QueryContext(ctx, sqlText, qargs...)
	if err != nil {
		return nil, fmt.Errorf("search attachments: %w", err)
	}
	defer rows.Close()

	hits := []model.SearchHit{}
	for rows.Next() {
		var (
			h         = model.SearchHit{Kind: model.HitAttachment}
			createdMs int64
		)
		if err := rows.Scan(&h.MessageID, &h.ConversationID, &h.FileName, &h.ShareURL, &createdMs); err != nil {
			return nil, fmt.Errorf("scan hit: %w", err)
		}
		h.CreatedAt = fromMillis(createdMs)
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
