package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"roomcast/internal/apperr"
	"roomcast/internal/fanout"
	"roomcast/internal/ids"
	"roomcast/internal/model"
	"roomcast/internal/store"
)

const maxChannelName = 80

// ConversationService manages channels, DMs and group DMs.
type ConversationService struct {
	Deps
}

func NewConversationService(deps Deps) *ConversationService {
	return &ConversationService{Deps: deps}
}

// ConversationPatch holds the optional fields of a channel update.
type ConversationPatch struct {
	Name      *string `json:"name"`
	Topic     *string `json:"topic"`
	IsPrivate *bool   `json:"is_private"`
}

func (s *ConversationService) CreateChannel(ctx context.Context, caller model.Caller, name, topic string, isPrivate bool) (model.ConversationView, error) {
	name, err := channelName(name)
	if err != nil {
		return model.ConversationView{}, err
	}
	c := model.Conversation{
		ID:        ids.NewID(),
		Kind:      model.KindChannel,
		Name:      name,
		Topic:     strings.TrimSpace(topic),
		IsPrivate: isPrivate,
		CreatedBy: caller.UserID,
		CreatedAt: s.now(),
	}
	if err := s.Repo.CreateConversation(ctx, c, []string{caller.UserID}, nil); err != nil {
		return model.ConversationView{}, fmt.Errorf("create channel: %w", err)
	}
	return s.announceNew(ctx, c, caller.UserID)
}

// CreateOrGetDM returns the DM between caller and otherUserID, creating it
// on first use. Both orderings of the pair resolve to the same conversation.
func (s *ConversationService) CreateOrGetDM(ctx context.Context, caller model.Caller, otherUserID string) (model.ConversationView, error) {
	otherUserID = strings.TrimSpace(otherUserID)
	if otherUserID == "" {
		return model.ConversationView{}, apperr.Validationf("Target user is required.")
	}
	if otherUserID == caller.UserID {
		return model.ConversationView{}, apperr.Validationf("Cannot start a DM with yourself.")
	}
	other, err := s.Repo.GetUser(ctx, otherUserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && other.IsDisabled) {
		return model.ConversationView{}, apperr.NotFoundf("Target user not found.")
	}
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("load user: %w", err)
	}

	if view, found, err := s.existingDM(ctx, caller, otherUserID); err != nil || found {
		return view, err
	}

	c := model.Conversation{
		ID:        ids.NewID(),
		Kind:      model.KindDM,
		CreatedBy: caller.UserID,
		CreatedAt: s.now(),
	}
	pair := []string{caller.UserID, otherUserID}
	err = s.Repo.CreateConversation(ctx, c, pair, pair)
	if errors.Is(err, store.ErrDuplicate) {
		// Lost a race with the other participant.
		view, _, err := s.existingDM(ctx, caller, otherUserID)
		return view, err
	}
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("create dm: %w", err)
	}
	return s.announceNew(ctx, c, caller.UserID)
}

func (s *ConversationService) existingDM(ctx context.Context, caller model.Caller, otherUserID string) (model.ConversationView, bool, error) {
	id, err := s.Repo.FindDM(ctx, caller.UserID, otherUserID)
	if errors.Is(err, store.ErrNotFound) {
		return model.ConversationView{}, false, nil
	}
	if err != nil {
		return model.ConversationView{}, false, fmt.Errorf("find dm: %w", err)
	}
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return model.ConversationView{}, false, err
	}
	view, err := s.view(ctx, c, caller.UserID)
	return view, true, err
}

// CreateGroupDM starts a private conversation between caller and userIDs.
func (s *ConversationService) CreateGroupDM(ctx context.Context, caller model.Caller, userIDs []string, name string) (model.ConversationView, error) {
	participants := []string{caller.UserID}
	seen := map[string]struct{}{caller.UserID: {}}
	for _, id := range userIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	if len(participants) < 3 {
		return model.ConversationView{}, apperr.Validationf("A group DM needs at least 3 participants.")
	}

	users, err := s.Repo.GetUsers(ctx, participants)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("load users: %w", err)
	}
	for _, id := range participants {
		if u, ok := users[id]; !ok || u.IsDisabled {
			return model.ConversationView{}, apperr.Validationf("One or more users were not found.")
		}
	}

	c := model.Conversation{
		ID:        ids.NewID(),
		Kind:      model.KindGroupDM,
		Name:      strings.TrimSpace(name),
		IsPrivate: true,
		CreatedBy: caller.UserID,
		CreatedAt: s.now(),
	}
	if err := s.Repo.CreateConversation(ctx, c, participants, nil); err != nil {
		return model.ConversationView{}, fmt.Errorf("create group dm: %w", err)
	}
	return s.announceNew(ctx, c, caller.UserID)
}

// Get returns a conversation to a member, or a public channel to anyone.
func (s *ConversationService) Get(ctx context.Context, caller model.Caller, id string) (model.ConversationView, error) {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return model.ConversationView{}, err
	}
	if !isPublicChannel(c) {
		if err := s.requireMember(ctx, id, caller.UserID); err != nil {
			return model.ConversationView{}, err
		}
	}
	return s.view(ctx, c, caller.UserID)
}

// ListMine returns caller's conversations, most recently active first.
func (s *ConversationService) ListMine(ctx context.Context, caller model.Caller) ([]model.ConversationView, error) {
	convs, err := s.Repo.ListConversationsForUser(ctx, caller.UserID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	views := make([]model.ConversationView, 0, len(convs))
	for _, c := range convs {
		v, err := s.view(ctx, c, caller.UserID)
		if err != nil {
			return nil, err
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool {
		return activity(views[i]).After(activity(views[j]))
	})
	return views, nil
}

// Update edits a channel. Only its creator or an admin may do so.
func (s *ConversationService) Update(ctx context.Context, caller model.Caller, id string, patch ConversationPatch) (model.ConversationView, error) {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return model.ConversationView{}, err
	}
	if c.Kind != model.KindChannel {
		return model.ConversationView{}, apperr.Validationf("Only channels can be updated.")
	}
	if !canManage(c, caller) {
		return model.ConversationView{}, apperr.Forbiddenf("Only the channel creator or an admin can update this channel.")
	}

	if patch.Name != nil {
		if c.Name, err = channelName(*patch.Name); err != nil {
			return model.ConversationView{}, err
		}
	}
	if patch.Topic != nil {
		c.Topic = strings.TrimSpace(*patch.Topic)
	}
	if patch.IsPrivate != nil {
		c.IsPrivate = *patch.IsPrivate
	}
	if err := s.Repo.UpdateConversation(ctx, c); err != nil {
		return model.ConversationView{}, fmt.Errorf("update conversation: %w", err)
	}

	view, err := s.view(ctx, c, caller.UserID)
	if err != nil {
		return model.ConversationView{}, err
	}
	s.Publisher.PublishToConversation(c.ID, fanout.ConversationUpdated, view.Conversation)
	return view, nil
}

// Join adds caller to a public channel.
func (s *ConversationService) Join(ctx context.Context, caller model.Caller, id string) (model.ConversationView, error) {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return model.ConversationView{}, err
	}
	if !isPublicChannel(c) {
		return model.ConversationView{}, apperr.Forbiddenf("Only public channels can be joined.")
	}
	if err := s.addMember(ctx, c.ID, caller.UserID); err != nil {
		return model.ConversationView{}, err
	}
	return s.view(ctx, c, caller.UserID)
}

// Leave removes caller from a channel or group DM.
func (s *ConversationService) Leave(ctx context.Context, caller model.Caller, id string) error {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return err
	}
	if c.Kind == model.KindDM {
		return apperr.Validationf("Direct messages cannot be left.")
	}
	if err := s.requireMember(ctx, id, caller.UserID); err != nil {
		return err
	}
	return s.removeMember(ctx, c.ID, caller.UserID)
}

// AddMember adds userID to a channel managed by caller. Adding an existing
// member is a no-op.
func (s *ConversationService) AddMember(ctx context.Context, caller model.Caller, id, userID string) (model.ConversationView, error) {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return model.ConversationView{}, err
	}
	if c.Kind != model.KindChannel {
		return model.ConversationView{}, apperr.Validationf("Members can only be added to channels.")
	}
	if !canManage(c, caller) {
		return model.ConversationView{}, apperr.Forbiddenf("Only the channel creator or an admin can add members.")
	}
	u, err := s.Repo.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && u.IsDisabled) {
		return model.ConversationView{}, apperr.NotFoundf("User not found.")
	}
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("load user: %w", err)
	}
	if err := s.addMember(ctx, c.ID, userID); err != nil {
		return model.ConversationView{}, err
	}
	return s.view(ctx, c, caller.UserID)
}

// RemoveMember revokes userID's membership. DMs never change; a group DM
// member may only remove themselves; channels need a manager or the member.
func (s *ConversationService) RemoveMember(ctx context.Context, caller model.Caller, id, userID string) error {
	c, err := s.loadConversation(ctx, id)
	if err != nil {
		return err
	}
	switch c.Kind {
	case model.KindDM:
		return apperr.Validationf("Direct message membership cannot be changed.")
	case model.KindGroupDM:
		if userID != caller.UserID {
			return apperr.Forbiddenf("You can only remove yourself from a group DM.")
		}
	default:
		if userID != caller.UserID && !canManage(c, caller) {
			return apperr.Forbiddenf("Only the channel creator or an admin can remove members.")
		}
	}
	ok, err := s.Repo.IsMember(ctx, id, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !ok {
		return apperr.NotFoundf("Member not found.")
	}
	return s.removeMember(ctx, c.ID, userID)
}

func (s *ConversationService) addMember(ctx context.Context, conversationID, userID string) error {
	added, err := s.Repo.AddMember(ctx, conversationID, userID, s.now())
	if err != nil {
		return fmt.Errorf("add member: %w", err)
	}
	if added {
		ev := model.MemberEvent{ConversationID: conversationID, UserID: userID}
		s.Publisher.PublishToConversation(conversationID, fanout.MemberJoined, ev)
		s.Publisher.PublishToUser(userID, fanout.MemberJoined, ev)
	}
	return nil
}

func (s *ConversationService) removeMember(ctx context.Context, conversationID, userID string) error {
	removed, err := s.Repo.RemoveMember(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if removed {
		ev := model.MemberEvent{ConversationID: conversationID, UserID: userID}
		s.Publisher.PublishToConversation(conversationID, fanout.MemberLeft, ev)
		s.Publisher.PublishToUser(userID, fanout.MemberLeft, ev)
	}
	return nil
}

// announceNew tells every initial member about a new conversation on their
// user channel, since nobody is subscribed to it yet.
func (s *ConversationService) announceNew(ctx context.Context, c model.Conversation, viewerID string) (model.ConversationView, error) {
	view, err := s.view(ctx, c, viewerID)
	if err != nil {
		return model.ConversationView{}, err
	}
	for _, m := range view.Members {
		s.Publisher.PublishToUser(m.UserID, fanout.ConversationUpdated, view.Conversation)
	}
	return view, nil
}

func (s *ConversationService) view(ctx context.Context, c model.Conversation, viewerID string) (model.ConversationView, error) {
	members, err := s.Repo.ListMembers(ctx, c.ID)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("list members: %w", err)
	}
	unread, err := s.Repo.CountUnread(ctx, c.ID, viewerID)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("count unread: %w", err)
	}
	last, err := s.Repo.LatestMessageAt(ctx, c.ID)
	if err != nil {
		return model.ConversationView{}, fmt.Errorf("latest message: %w", err)
	}
	return model.ConversationView{Conversation: c, Members: members, UnreadCount: unread, LastMessageAt: last}, nil
}

func activity(v model.ConversationView) time.Time {
	if v.LastMessageAt != nil {
		return *v.LastMessageAt
	}
	return v.CreatedAt
}

func channelName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", apperr.Validationf("Channel name is required.")
	}
	if utf8.RuneCountInString(name) > maxChannelName {
		return "", apperr.Validationf("Channel name must be at most %d characters.", maxChannelName)
	}
	return name, nil
}

func canManage(c model.Conversation, caller model.Caller) bool {
	return caller.IsAdmin || c.CreatedBy == caller.UserID
}

func isPublicChannel(c model.Conversation) bool {
	return c.Kind == model.KindChannel && !c.IsPrivate
}
