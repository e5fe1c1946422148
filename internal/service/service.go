// Package service implements the messaging and notification operations on
// top of a Repository, publishing realtime events as a side effect.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"roomcast/internal/apperr"
	"roomcast/internal/cursor"
	"roomcast/internal/fanout"
	"roomcast/internal/ids"
	"roomcast/internal/model"
	"roomcast/internal/store"
)

const (
	DefaultLimit = 50
	MaxLimit     = 100
)

// Repository is the persistence the services need. *store.Store satisfies it.
type Repository interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	GetUsers(ctx context.Context, ids []string) (map[string]model.User, error)

	CreateConversation(ctx context.Context, c model.Conversation, memberIDs []string, dmPair []string) error
	GetConversation(ctx context.Context, id string) (model.Conversation, error)
	UpdateConversation(ctx context.Context, c model.Conversation) error
	FindDM(ctx context.Context, userA, userB string) (string, error)
	AddMember(ctx context.Context, conversationID, userID string, joinedAt time.Time) (bool, error)
	RemoveMember(ctx context.Context, conversationID, userID string) (bool, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	ListMembers(ctx context.Context, conversationID string) ([]model.Member, error)
	ListConversationsForUser(ctx context.Context, userID string) ([]model.Conversation, error)
	ConversationIDsForUser(ctx context.Context, userID string) ([]string, error)

	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (model.Message, error)
	ListMessages(ctx context.Context, conversationID string, before *cursor.Cursor, limit int) ([]model.Message, error)
	UpdateMessageBody(ctx context.Context, id string, expectedVersion int64, body string, mentionIDs []string, editedAt time.Time) error
	SoftDeleteMessage(ctx context.Context, id string, expectedVersion int64, deletedAt time.Time) error
	SetReaction(ctx context.Context, id string, expectedVersion int64, emoji, userID string, add bool, at time.Time) error

	LatestMessageAt(ctx context.Context, conversationID string) (*time.Time, error)
	AdvanceReadState(ctx context.Context, conversationID, userID string, at time.Time) (model.ReadState, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)

	GetUserPreference(ctx context.Context, userID string) (model.UserNotificationPreference, error)
	SetUserPreference(ctx context.Context, userID string, pref model.UserNotificationPreference, at time.Time) error
	GetConversationPreference(ctx context.Context, conversationID, userID string) (model.ConversationNotificationPreference, error)
	SetConversationPreference(ctx context.Context, conversationID, userID string, pref model.ConversationNotificationPreference, at time.Time) error

	SearchMessages(ctx context.Context, userID, conversationID, query string, limit int) ([]model.SearchHit, error)
	SearchAttachments(ctx context.Context, userID, conversationID, query string, limit int) ([]model.SearchHit, error)
}

// UnreadScheduler queues unread.updated pushes for the given members.
type UnreadScheduler interface {
	ScheduleUnreadPush(ctx context.Context, conversationID string, userIDs []string) error
}

// Deps are shared by every service.
type Deps struct {
	Repo      Repository
	Publisher fanout.Publisher
	Log       *zap.Logger
	IDs       *ids.Generator
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	now := time.Now
	if d.Now != nil {
		now = d.Now
	}
	// Millisecond precision is what storage and cursors keep.
	return now().UTC().Truncate(time.Millisecond)
}

// ClampLimit keeps limit within (0, MaxLimit], defaulting when out of range.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxLimit {
		return DefaultLimit
	}
	return limit
}

func (d Deps) loadConversation(ctx context.Context, id string) (model.Conversation, error) {
	c, err := d.Repo.GetConversation(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Conversation{}, apperr.NotFoundf("Conversation not found.")
	}
	if err != nil {
		return model.Conversation{}, fmt.Errorf("load conversation %s: %w", id, err)
	}
	return c, nil
}

func (d Deps) loadMessage(ctx context.Context, id string) (model.Message, error) {
	m, err := d.Repo.GetMessage(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return model.Message{}, apperr.NotFoundf("Message not found.")
	}
	if err != nil {
		return model.Message{}, fmt.Errorf("load message %s: %w", id, err)
	}
	return m, nil
}

func (d Deps) requireMember(ctx context.Context, conversationID, userID string) error {
	ok, err := d.Repo.IsMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return apperr.Forbiddenf("You are not a member of this conversation.")
	}
	return nil
}

func otherMembers(members []model.Member, exclude string) []string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m.UserID != exclude {
			out = append(out, m.UserID)
		}
	}
	return out
}
