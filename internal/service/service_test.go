package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"roomcast/internal/ids"
	"roomcast/internal/model"
	"roomcast/internal/store"
)

type published struct {
	userChannel bool
	target      string
	event       string
	payload     any
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
}

func (p *recordingPublisher) PublishToConversation(conversationID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{target: conversationID, event: event, payload: payload})
}

func (p *recordingPublisher) PublishToUser(userID, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, published{userChannel: true, target: userID, event: event, payload: payload})
}

func (p *recordingPublisher) named(event string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, e := range p.events {
		if e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type scheduled struct {
	conversationID string
	userIDs        []string
}

type recordingScheduler struct {
	mu    sync.Mutex
	calls []scheduled
}

func (s *recordingScheduler) ScheduleUnreadPush(_ context.Context, conversationID string, userIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, scheduled{conversationID, userIDs})
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type harness struct {
	store     *store.Store
	pub       *recordingPublisher
	scheduler *recordingScheduler
	clock     *fakeClock

	messages      *MessageService
	reactions     *ReactionService
	unread        *UnreadService
	search        *SearchService
	conversations *ConversationService
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "roomcast.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { st.Close() })

	h := &harness{
		store:     st,
		pub:       &recordingPublisher{},
		scheduler: &recordingScheduler{},
		clock:     &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	deps := Deps{Repo: st, Publisher: h.pub, Log: zap.NewNop(), IDs: ids.NewGenerator(), Now: h.clock.Now}
	h.messages = NewMessageService(deps, h.scheduler)
	h.reactions = NewReactionService(deps)
	h.unread = NewUnreadService(deps)
	h.search = NewSearchService(deps)
	h.conversations = NewConversationService(deps)
	return h
}

// user creates a user whose display name and e-mail local part are name.
func (h *harness) user(t *testing.T, name string, admin bool) model.Caller {
	t.Helper()
	u := model.User{ID: ids.NewID(), Email: name + "@example.com", DisplayName: name, IsAdmin: admin, CreatedAt: h.clock.Now()}
	require.NoError(t, h.store.CreateUser(context.Background(), u))
	return model.Caller{UserID: u.ID, IsAdmin: admin}
}

func (h *harness) channel(t *testing.T, owner model.Caller, members ...model.Caller) model.ConversationView {
	t.Helper()
	ctx := context.Background()
	c, err := h.conversations.CreateChannel(ctx, owner, "general", "", false)
	require.NoError(t, err)
	for _, m := range members {
		_, err := h.conversations.Join(ctx, m, c.ID)
		require.NoError(t, err)
	}
	return c
}

func (h *harness) send(t *testing.T, from model.Caller, conversationID, body string) model.MessageView {
	t.Helper()
	h.clock.Advance(time.Second)
	m, err := h.messages.Create(context.Background(), from, conversationID, body, nil)
	require.NoError(t, err)
	return m
}
