package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"go.uber.org/zap"

	"roomcast/internal/apperr"
	"roomcast/internal/cas"
	"roomcast/internal/cursor"
	"roomcast/internal/fanout"
	"roomcast/internal/ids"
	"roomcast/internal/mention"
	"roomcast/internal/model"
)

// MessageService creates, edits, deletes and lists messages.
type MessageService struct {
	Deps
	unread UnreadScheduler
}

func NewMessageService(deps Deps, unread UnreadScheduler) *MessageService {
	return &MessageService{Deps: deps, unread: unread}
}

// Create stores a message from caller and announces it. Mentions are
// resolved against the roster as it is now.
func (s *MessageService) Create(ctx context.Context, caller model.Caller, conversationID, body string, inputs []model.AttachmentInput) (model.MessageView, error) {
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return model.MessageView{}, err
	}
	if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return model.MessageView{}, err
	}

	body = strings.TrimSpace(body)
	if body == "" && len(inputs) == 0 {
		return model.MessageView{}, apperr.Validationf("Message body or attachments are required.")
	}
	if err := validateAttachments(inputs); err != nil {
		return model.MessageView{}, err
	}

	roster, err := s.Repo.ListMembers(ctx, conversationID)
	if err != nil {
		return model.MessageView{}, fmt.Errorf("list members: %w", err)
	}

	now := s.now()
	m := model.Message{
		ID:             s.IDs.MessageID(now),
		ConversationID: conversationID,
		SenderID:       caller.UserID,
		Body:           body,
		CreatedAt:      now,
		MentionUserIDs: mention.Resolve(body, candidates(roster)),
		Reactions:      model.Reactions{},
		Attachments:    make([]model.Attachment, 0, len(inputs)),
	}
	for _, in := range inputs {
		provider := in.Provider
		if provider == "" {
			provider = model.ProviderOther
		}
		m.Attachments = append(m.Attachments, model.Attachment{
			ID:          ids.NewID(),
			MessageID:   m.ID,
			Provider:    provider,
			FileID:      strings.TrimSpace(in.FileID),
			FileName:    strings.TrimSpace(in.FileName),
			ContentType: strings.TrimSpace(in.ContentType),
			SizeBytes:   in.SizeBytes,
			ShareURL:    strings.TrimSpace(in.ShareURL),
			CreatedAt:   now,
		})
	}
	for _, member := range roster {
		if member.UserID == caller.UserID {
			m.SenderDisplayName = member.DisplayName
		}
	}

	if err := s.Repo.InsertMessage(ctx, &m); err != nil {
		return model.MessageView{}, fmt.Errorf("insert message: %w", err)
	}

	s.Publisher.PublishToConversation(conversationID, fanout.MessageCreated, m)
	s.scheduleUnread(ctx, conversationID, otherMembers(roster, caller.UserID))

	return m.ViewFor(caller.UserID), nil
}

// Get returns one message to a member of its conversation.
func (s *MessageService) Get(ctx context.Context, caller model.Caller, messageID string) (model.MessageView, error) {
	m, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return model.MessageView{}, err
	}
	if err := s.requireMember(ctx, m.ConversationID, caller.UserID); err != nil {
		return model.MessageView{}, err
	}
	return m.ViewFor(caller.UserID), nil
}

// Edit replaces the body of a live message and re-resolves its mentions.
func (s *MessageService) Edit(ctx context.Context, caller model.Caller, messageID, body string) (model.MessageView, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return model.MessageView{}, apperr.Validationf("Message body is required.")
	}

	var conversationID string
	err := cas.Do(ctx, cas.DefaultAttempts, func(ctx context.Context, attempt int) error {
		m, err := s.loadMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := s.requireMember(ctx, m.ConversationID, caller.UserID); err != nil {
			return err
		}
		if m.SenderID != caller.UserID && !caller.IsAdmin {
			return apperr.Forbiddenf("Only the sender or an admin can edit this message.")
		}
		if m.IsDeleted() {
			return apperr.Validationf("Deleted messages cannot be edited.")
		}

		roster, err := s.Repo.ListMembers(ctx, m.ConversationID)
		if err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		conversationID = m.ConversationID
		return s.Repo.UpdateMessageBody(ctx, m.ID, m.Version, body, mention.Resolve(body, candidates(roster)), s.now())
	})
	if errors.Is(err, cas.ErrExhausted) {
		return model.MessageView{}, apperr.Conflictf(err, "Could not edit message due to concurrent writes. Retry.")
	}
	if err != nil {
		return model.MessageView{}, err
	}

	updated, err := s.loadMessage(ctx, messageID)
	if err != nil {
		return model.MessageView{}, err
	}
	s.Publisher.PublishToConversation(conversationID, fanout.MessageUpdated, updated)
	return updated.ViewFor(caller.UserID), nil
}

// Delete soft-deletes a message. Deleting an already deleted message is a
// no-op.
func (s *MessageService) Delete(ctx context.Context, caller model.Caller, messageID string) error {
	var (
		deleted model.Message
		noop    bool
	)
	err := cas.Do(ctx, cas.DefaultAttempts, func(ctx context.Context, attempt int) error {
		m, err := s.loadMessage(ctx, messageID)
		if err != nil {
			return err
		}
		if err := s.requireMember(ctx, m.ConversationID, caller.UserID); err != nil {
			return err
		}
		if m.SenderID != caller.UserID && !caller.IsAdmin {
			return apperr.Forbiddenf("Only the sender or an admin can delete this message.")
		}
		if m.IsDeleted() {
			noop = true
			return nil
		}
		deleted = m
		return s.Repo.SoftDeleteMessage(ctx, m.ID, m.Version, s.now())
	})
	if errors.Is(err, cas.ErrExhausted) {
		return apperr.Conflictf(err, "Could not delete message due to concurrent writes. Retry.")
	}
	if err != nil || noop {
		return err
	}

	s.Publisher.PublishToConversation(deleted.ConversationID, fanout.MessageDeleted,
		model.MessageDeletedEvent{MessageID: deleted.ID, Version: deleted.Version + 1})

	// The message may have been counted as unread by the other members.
	roster, err := s.Repo.ListMembers(ctx, deleted.ConversationID)
	if err != nil {
		s.Log.Warn("unread refresh skipped", zap.String("message_id", messageID), zap.Error(err))
		return nil
	}
	s.scheduleUnread(ctx, deleted.ConversationID, otherMembers(roster, caller.UserID))
	return nil
}

// List returns one page of a conversation, oldest to newest. before is an
// opaque cursor from a previous page; an unreadable cursor means "latest".
// Soft-deleted messages keep their slot with empty content.
func (s *MessageService) List(ctx context.Context, caller model.Caller, conversationID, before string, limit int) (model.Page[model.MessageView], error) {
	if _, err := s.loadConversation(ctx, conversationID); err != nil {
		return model.Page[model.MessageView]{}, err
	}
	if err := s.requireMember(ctx, conversationID, caller.UserID); err != nil {
		return model.Page[model.MessageView]{}, err
	}

	limit = ClampLimit(limit)
	var boundary *cursor.Cursor
	if c, ok := cursor.Decode(before); ok {
		boundary = &c
	}

	msgs, err := s.Repo.ListMessages(ctx, conversationID, boundary, limit)
	if err != nil {
		return model.Page[model.MessageView]{}, fmt.Errorf("list messages: %w", err)
	}
	slices.Reverse(msgs)

	page := model.Page[model.MessageView]{Items: make([]model.MessageView, 0, len(msgs))}
	for _, m := range msgs {
		page.Items = append(page.Items, m.ViewFor(caller.UserID))
	}
	if len(msgs) == limit {
		oldest := msgs[0]
		next := cursor.Encode(cursor.Cursor{CreatedAt: oldest.CreatedAt, ID: oldest.ID})
		page.NextCursor = &next
	}
	return page, nil
}

func (s *MessageService) scheduleUnread(ctx context.Context, conversationID string, userIDs []string) {
	if len(userIDs) == 0 || s.unread == nil {
		return
	}
	if err := s.unread.ScheduleUnreadPush(context.WithoutCancel(ctx), conversationID, userIDs); err != nil {
		s.Log.Warn("unread push not scheduled",
			zap.String("conversation_id", conversationID), zap.Int("recipients", len(userIDs)), zap.Error(err))
	}
}

func validateAttachments(inputs []model.AttachmentInput) error {
	for _, in := range inputs {
		if strings.TrimSpace(in.FileName) == "" {
			return apperr.Validationf("Attachment file_name is required.")
		}
		if in.Provider != "" && !in.Provider.Valid() {
			return apperr.Validationf("Attachment provider %q is not supported.", in.Provider)
		}
		u, err := url.Parse(strings.TrimSpace(in.ShareURL))
		if err != nil || !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return apperr.Validationf("Attachment share_url must be a valid absolute URL.")
		}
		if in.SizeBytes != nil && *in.SizeBytes < 0 {
			return apperr.Validationf("Attachment size_bytes cannot be negative.")
		}
	}
	return nil
}

func candidates(roster []model.Member) []mention.Candidate {
	out := make([]mention.Candidate, len(roster))
	for i, m := range roster {
		out[i] = mention.Candidate{UserID: m.UserID, DisplayName: m.DisplayName, Email: m.Email, Disabled: m.IsDisabled}
	}
	return out
}
