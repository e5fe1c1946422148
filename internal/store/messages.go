package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomcast/internal/cas"
	"roomcast/internal/cursor"
	"roomcast/internal/model"
)

const messageSelect = `
	SELECT m.id, m.conversation_id, m.sender_id, COALESCE(u.display_name, ''), m.body,
		m.created_at_ms, m.edited_at_ms, m.deleted_at_ms, m.version
	FROM messages m
	LEFT JOIN users u ON u.id = m.sender_id`

// InsertMessage persists m with its mentions and attachments at version 1.
func (s *Store) InsertMessage(ctx context.Context, m *model.Message) error {
	m.Version = 1
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_id, body, created_at_ms, edited_at_ms, deleted_at_ms, version)
			VALUES (?, ?, ?, ?, ?, NULL, NULL, ?)`,
			m.ID, m.ConversationID, m.SenderID, m.Body, toMillis(m.CreatedAt), m.Version); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if err := insertMentions(ctx, tx, m.ID, m.MentionUserIDs); err != nil {
			return err
		}
		for i, a := range m.Attachments {
			var size sql.NullInt64
			if a.SizeBytes != nil {
				size = sql.NullInt64{Int64: *a.SizeBytes, Valid: true}
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO attachments (id, message_id, position, provider, file_id, file_name, content_type, size_bytes, share_url, created_at_ms)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				a.ID, m.ID, i, string(a.Provider), a.FileID, a.FileName, a.ContentType, size, a.ShareURL, toMillis(a.CreatedAt)); err != nil {
				return fmt.Errorf("insert attachment: %w", err)
			}
		}
		return nil
	})
}

// GetMessage loads one message with mentions, reactions and attachments.
func (s *Store) GetMessage(ctx context.Context, id string) (model.Message, error) {
	row := s.db.QueryRowContext(ctx, messageSelect+" WHERE m.id = ?", id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, ErrNotFound
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("get message: %w", err)
	}
	msgs := []model.Message{m}
	if err := s.hydrate(ctx, msgs); err != nil {
		return model.Message{}, err
	}
	return msgs[0], nil
}

// ListMessages returns up to limit messages of a conversation, newest first,
// strictly older than before on (created_at, id) when before is set.
// Soft-deleted messages are included.
func (s *Store) ListMessages(ctx context.Context, conversationID string, before *cursor.Cursor, limit int) ([]model.Message, error) {
	query := messageSelect + " WHERE m.conversation_id = ?"
	qargs := []any{conversationID}
	if before != nil {
		ms := toMillis(before.CreatedAt)
		query += " AND (m.created_at_ms < ? OR (m.created_at_ms = ? AND m.id < ?))"
		qargs = append(qargs, ms, ms, before.ID)
	}
	query += " ORDER BY m.created_at_ms DESC, m.id DESC LIMIT ?"
	qargs = append(qargs, limit)

	rows, err := s.db.QueryContext(ctx, query, qargs...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	if err := s.hydrate(ctx, msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// UpdateMessageBody rewrites body and mentions if the row is still at
// expectedVersion and not deleted; otherwise it returns cas.ErrConflict.
func (s *Store) UpdateMessageBody(ctx context.Context, id string, expectedVersion int64, body string, mentionIDs []string, editedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET body = ?, edited_at_ms = ?, version = version + 1
			WHERE id = ? AND version = ? AND deleted_at_ms IS NULL`,
			body, toMillis(editedAt), id, expectedVersion)
		if err := checkSwapped(res, err); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_mentions WHERE message_id = ?", id); err != nil {
			return fmt.Errorf("clear mentions: %w", err)
		}
		return insertMentions(ctx, tx, id, mentionIDs)
	})
}

// SoftDeleteMessage clears body and mentions and stamps deleted_at, guarded
// by expectedVersion.
func (s *Store) SoftDeleteMessage(ctx context.Context, id string, expectedVersion int64, deletedAt time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET body = '', deleted_at_ms = ?, version = version + 1
			WHERE id = ? AND version = ? AND deleted_at_ms IS NULL`,
			toMillis(deletedAt), id, expectedVersion)
		if err := checkSwapped(res, err); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM message_mentions WHERE message_id = ?", id); err != nil {
			return fmt.Errorf("clear mentions: %w", err)
		}
		return nil
	})
}

// SetReaction adds or removes one user's emoji reaction, bumping the message
// version. A stale expectedVersion yields cas.ErrConflict.
func (s *Store) SetReaction(ctx context.Context, id string, expectedVersion int64, emoji, userID string, add bool, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE messages SET version = version + 1 WHERE id = ? AND version = ?", id, expectedVersion)
		if err := checkSwapped(res, err); err != nil {
			return err
		}
		if add {
			_, err = tx.ExecContext(ctx,
				"INSERT INTO message_reactions (message_id, emoji, user_id, created_at_ms) VALUES (?, ?, ?, ?)",
				id, emoji, userID, toMillis(at))
		} else {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM message_reactions WHERE message_id = ? AND emoji = ? AND user_id = ?",
				id, emoji, userID)
		}
		if err != nil {
			return fmt.Errorf("write reaction: %w", err)
		}
		return nil
	})
}

func checkSwapped(res sql.Result, err error) error {
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if n == 0 {
		return cas.ErrConflict
	}
	return nil
}

func insertMentions(ctx context.Context, tx *sql.Tx, messageID string, userIDs []string) error {
	for _, uid := range userIDs {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO message_mentions (message_id, user_id) VALUES (?, ?)", messageID, uid); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return nil
}

// hydrate batch-loads the child rows of msgs in three queries.
func (s *Store) hydrate(ctx context.Context, msgs []model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	index := make(map[string]int, len(msgs))
	ids := make([]string, len(msgs))
	for i := range msgs {
		msgs[i].MentionUserIDs = []string{}
		msgs[i].Reactions = model.Reactions{}
		msgs[i].Attachments = []model.Attachment{}
		index[msgs[i].ID] = i
		ids[i] = msgs[i].ID
	}
	in := placeholders(len(ids))

	rows, err := s.db.QueryContext(ctx,
		"SELECT message_id, user_id FROM message_mentions WHERE message_id IN ("+in+") ORDER BY message_id, user_id", args(ids)...)
	if err != nil {
		return fmt.Errorf("load mentions: %w", err)
	}
	for rows.Next() {
		var mid, uid string
		if err := rows.Scan(&mid, &uid); err != nil {
			rows.Close()
			return fmt.Errorf("scan mention: %w", err)
		}
		m := &msgs[index[mid]]
		m.MentionUserIDs = append(m.MentionUserIDs, uid)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("load mentions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx,
		"SELECT message_id, emoji, user_id FROM message_reactions WHERE message_id IN ("+in+") ORDER BY message_id, emoji, user_id", args(ids)...)
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}
	for rows.Next() {
		var mid, emoji, uid string
		if err := rows.Scan(&mid, &emoji, &uid); err != nil {
			rows.Close()
			return fmt.Errorf("scan reaction: %w", err)
		}
		m := &msgs[index[mid]]
		m.Reactions[emoji] = append(m.Reactions[emoji], uid)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return fmt.Errorf("load reactions: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, message_id, provider, file_id, file_name, content_type, size_bytes, share_url, created_at_ms
		FROM attachments WHERE message_id IN (`+in+`) ORDER BY message_id, position`, args(ids)...)
	if err != nil {
		return fmt.Errorf("load attachments: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a         model.Attachment
			provider  string
			size      sql.NullInt64
			createdMs int64
		)
		if err := rows.Scan(&a.ID, &a.MessageID, &provider, &a.FileID, &a.FileName, &a.ContentType, &size, &a.ShareURL, &createdMs); err != nil {
			return fmt.Errorf("scan attachment: %w", err)
		}
		a.Provider = model.Provider(provider)
		if size.Valid {
			n := size.Int64
			a.SizeBytes = &n
		}
		a.CreatedAt = fromMillis(createdMs)
		m := &msgs[index[a.MessageID]]
		m.Attachments = append(m.Attachments, a)
	}
	return rows.Err()
}

func scanMessage(sc scanner) (model.Message, error) {
	var (
		m                   model.Message
		createdMs           int64
		editedMs, deletedMs sql.NullInt64
	)
	if err := sc.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderDisplayName, &m.Body,
		&createdMs, &editedMs, &deletedMs, &m.Version); err != nil {
		return model.Message{}, err
	}
	m.CreatedAt = fromMillis(createdMs)
	m.EditedAt = timePtr(editedMs)
	m.DeletedAt = timePtr(deletedMs)
	return m, nil
}
