package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"roomcast/internal/model"
)

const conversationColumns = "c.id, c.kind, c.name, c.topic, c.is_private, c.created_by, c.created_at_ms"

// DMKey orders a user pair so both orderings address the same DM.
func DMKey(a, b string) (string, string) {
	if b < a {
		return b, a
	}
	return a, b
}

// CreateConversation inserts c with its initial members. For a DM, pass the
// two participants as dmPair; a concurrent DM for the same pair yields
// ErrDuplicate and nothing is written.
func (s *Store) CreateConversation(ctx context.Context, c model.Conversation, memberIDs []string, dmPair []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO conversations (id, kind, name, topic, is_private, created_by, created_at_ms) VALUES (?, ?, ?, ?, ?, ?, ?)",
			c.ID, string(c.Kind), c.Name, c.Topic, boolInt(c.IsPrivate), c.CreatedBy, toMillis(c.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert conversation: %w", err)
		}

		if len(dmPair) == 2 {
			a, b := DMKey(dmPair[0], dmPair[1])
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO dm_pairs (user_a, user_b, conversation_id) VALUES (?, ?, ?)", a, b, c.ID); err != nil {
				if isDuplicate(err) {
					return ErrDuplicate
				}
				return fmt.Errorf("insert dm pair: %w", err)
			}
		}

		for _, uid := range memberIDs {
			if _, err := tx.ExecContext(ctx,
				"INSERT INTO conversation_members (conversation_id, user_id, joined_at_ms) VALUES (?, ?, ?)",
				c.ID, uid, toMillis(c.CreatedAt)); err != nil {
				return fmt.Errorf("insert member: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetConversation(ctx context.Context, id string) (model.Conversation, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+conversationColumns+" FROM conversations c WHERE c.id = ?", id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conversation{}, ErrNotFound
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// UpdateConversation writes the mutable channel fields.
func (s *Store) UpdateConversation(ctx context.Context, c model.Conversation) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE conversations SET name = ?, topic = ?, is_private = ? WHERE id = ?",
		c.Name, c.Topic, boolInt(c.IsPrivate), c.ID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// MySQL reports zero affected rows when nothing changed.
		if _, err := s.GetConversation(ctx, c.ID); err != nil {
			return err
		}
	}
	return nil
}

// FindDM returns the DM conversation id for the unordered pair.
func (s *Store) FindDM(ctx context.Context, userA, userB string) (string, error) {
	a, b := DMKey(userA, userB)
	var id string
	err := s.db.QueryRowContext(ctx,
		"SELECT conversation_id FROM dm_pairs WHERE user_a = ? AND user_b = ?", a, b).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find dm: %w", err)
	}
	return id, nil
}

// AddMember is idempotent; added reports whether a row was inserted.
func (s *Store) AddMember(ctx context.Context, conversationID, userID string, joinedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		s.insertIgnore()+" INTO conversation_members (conversation_id, user_id, joined_at_ms) VALUES (?, ?, ?)",
		conversationID, userID, toMillis(joinedAt))
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add member: %w", err)
	}
	return n > 0, nil
}

// RemoveMember revokes membership and drops the member's read state.
func (s *Store) RemoveMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var removed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM conversation_members WHERE conversation_id = ? AND user_id = ?", conversationID, userID)
		if err != nil {
			return fmt.Errorf("remove member: %w", err)
		}
		n, _ := res.RowsAffected()
		removed = n > 0
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM read_states WHERE conversation_id = ? AND user_id = ?", conversationID, userID); err != nil {
			return fmt.Errorf("remove read state: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM conversation_notification_preferences WHERE conversation_id = ? AND user_id = ?", conversationID, userID); err != nil {
			return fmt.Errorf("remove notification preference: %w", err)
		}
		return nil
	})
	return removed, err
}

func (s *Store) IsMember(ctx context.Context, conversationID, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM conversation_members WHERE conversation_id = ? AND user_id = ?)",
		conversationID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return exists, nil
}

// ListMembers returns the roster joined with user profiles, oldest member first.
func (s *Store) ListMembers(ctx context.Context, conversationID string) ([]model.Member, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cm.user_id, u.email, u.display_name, u.is_disabled, cm.joined_at_ms
		FROM conversation_members cm
		JOIN users u ON u.id = cm.user_id
		WHERE cm.conversation_id = ?
		ORDER BY cm.joined_at_ms, cm.user_id`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	members := []model.Member{}
	for rows.Next() {
		var (
			m        model.Member
			joinedMs int64
		)
		if err := rows.Scan(&m.UserID, &m.Email, &m.DisplayName, &m.IsDisabled, &joinedMs); err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		m.JoinedAt = fromMillis(joinedMs)
		members = append(members, m)
	}
	return members, rows.Err()
}

// ListConversationsForUser returns every conversation userID belongs to.
func (s *Store) ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations c
		JOIN conversation_members cm ON cm.conversation_id = c.id
		WHERE cm.user_id = ?
		ORDER BY c.created_at_ms DESC, c.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	convs := []model.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// ConversationIDsForUser lists the ids of userID's memberships.
func (s *Store) ConversationIDsForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT conversation_id FROM conversation_members WHERE user_id = ? ORDER BY conversation_id", userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanConversation(sc scanner) (model.Conversation, error) {
	var (
		c         model.Conversation
		kind      string
		createdMs int64
	)
	if err := sc.Scan(&c.ID, &kind, &c.Name, &c.Topic, &c.IsPrivate, &c.CreatedBy, &createdMs); err != nil {
		return model.Conversation{}, err
	}
	c.Kind = model.ConversationKind(kind)
	c.CreatedAt = fromMillis(createdMs)
	return c, nil
}
