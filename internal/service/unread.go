package service

import (
	"context"
	"fmt"
	"time"

	"roomcast/internal/fanout"
	"roomcast/internal/model"
)

// UnreadService maintains read watermarks and derives unread counts.
type UnreadService struct {
	Deps
}

func NewUnreadService(deps Deps) *UnreadService {
	return &UnreadService{Deps: deps}
}

// UpdateReadState advances caller's watermark towards requestedAt (nil means
// "everything"). The watermark is clamped to the newest live message, or to
// just before now for an empty conversation, and never moves backwards.
func (s *UnreadService) UpdateReadState(ctx context.Context, caller model.Caller, conversationID string, requestedAt *time.Time) (model.UnreadPayload, error) {
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return model.UnreadPayload{}, err
	}
	if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return model.UnreadPayload{}, err
	}

	// With nothing posted yet, stop just short of now so a message created
	// in the same millisecond still counts as unread.
	ceiling := s.now().Add(-time.Millisecond)
	latest, err := s.Repo.LatestMessageAt(ctx, conversationID)
	if err != nil {
		return model.UnreadPayload{}, fmt.Errorf("latest message: %w", err)
	}
	if latest != nil {
		ceiling = *latest
	}
	target := ceiling
	if requestedAt != nil && requestedAt.Before(ceiling) {
		target = requestedAt.UTC()
	}

	if _, err := s.Repo.AdvanceReadState(ctx, conversationID, caller.UserID, target); err != nil {
		return model.UnreadPayload{}, fmt.Errorf("advance read state: %w", err)
	}

	payload, err := s.BuildUnreadPayload(ctx, caller.UserID, conversationID)
	if err != nil {
		return model.UnreadPayload{}, err
	}
	s.Publisher.PublishToUser(caller.UserID, fanout.UnreadUpdated, payload)
	return payload, nil
}

// UnreadCount counts live messages from others newer than the watermark.
func (s *UnreadService) UnreadCount(ctx context.Context, userID, conversationID string) (int, error) {
	n, err := s.Repo.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// TotalUnreadConversations checks each membership in turn since every
// conversation has its own watermark.
func (s *UnreadService) TotalUnreadConversations(ctx context.Context, userID string) (int, error) {
	convIDs, err := s.Repo.ConversationIDsForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("list memberships: %w", err)
	}
	total := 0
	for _, id := range convIDs {
		n, err := s.UnreadCount(ctx, userID, id)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			total++
		}
	}
	return total, nil
}

func (s *UnreadService) BuildUnreadPayload(ctx context.Context, userID, conversationID string) (model.UnreadPayload, error) {
	count, err := s.UnreadCount(ctx, userID, conversationID)
	if err != nil {
		return model.UnreadPayload{}, err
	}
	total, err := s.TotalUnreadConversations(ctx, userID)
	if err != nil {
		return model.UnreadPayload{}, err
	}
	return model.UnreadPayload{
		ConversationID:           conversationID,
		UnreadCount:              count,
		TotalUnreadConversations: total,
	}, nil
}

// PushUnread recomputes and publishes userID's payload. Users who left the
// conversation in the meantime are skipped.
func (s *UnreadService) PushUnread(ctx context.Context, userID, conversationID string) error {
	ok, err := s.Repo.IsMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return nil
	}
	payload, err := s.BuildUnreadPayload(ctx, userID, conversationID)
	if err != nil {
		return err
	}
	s.Publisher.PublishToUser(userID, fanout.UnreadUpdated, payload)
	return nil
}

// Unread returns caller's payload for one conversation.
func (s *UnreadService) Unread(ctx context.Context, caller model.Caller, conversationID string) (model.UnreadPayload, error) {
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return model.UnreadPayload{}, err
	}
	if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return model.UnreadPayload{}, err
	}
	return s.BuildUnreadPayload(ctx, caller.UserID, conversationID)
}
