package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"roomcast/internal/config"
	"roomcast/internal/fanout"
	"roomcast/internal/ids"
	"roomcast/internal/jobs"
	"roomcast/internal/model"
	"roomcast/internal/realtime"
	"roomcast/internal/service"
	"roomcast/internal/store"
)

func TestMain(m *testing.M) {
	_ = godotenv.Load("../../.env")
	os.Exit(m.Run())
}

type testEnv struct {
	h     *Handler
	store *store.Store
}

// newTestHandler wires a Handler over a fresh SQLite database. mutate may
// adjust the configuration before the handler is built.
func newTestHandler(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	ctx := context.Background()

	st, err := store.OpenSQLite(ctx, filepath.Join(t.TempDir(), "handler.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	cfg := config.Defaults()
	cfg.AllowedOrigins = []string{"http://localhost:8080", "http://127.0.0.1:8080"}
	cfg.RateLimitRPS = 0
	if mutate != nil {
		mutate(&cfg)
	}

	log := zap.NewNop()
	hub := realtime.NewHub(log)
	dispatcher := fanout.NewDispatcher(hub, 2, log)
	t.Cleanup(func() {
		dispatcher.Close()
		st.Close()
	})

	deps := service.Deps{Repo: st, Publisher: dispatcher, Log: log, IDs: ids.NewGenerator()}
	unread := service.NewUnreadService(deps)
	svc := Services{
		Conversations: service.NewConversationService(deps),
		Messages:      service.NewMessageService(deps, jobs.NewInlineScheduler(dispatcher, unread, log)),
		Reactions:     service.NewReactionService(deps),
		Unread:        unread,
		Search:        service.NewSearchService(deps),
	}
	return &testEnv{h: New(cfg, log, st, hub, svc), store: st}
}

func (e *testEnv) createUser(t *testing.T, name string) string {
	t.Helper()
	u := model.User{ID: ids.NewID(), Email: name + "@example.com", DisplayName: name, CreatedAt: time.Now()}
	if err := e.store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u.ID
}

func (e *testEnv) do(t *testing.T, method, path, userID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if userID != "" {
		req.Header.Set(headerUserID, userID)
	}
	w := httptest.NewRecorder()
	e.h.SetupRouter().ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode body %q: %v", w.Body.String(), err)
	}
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, w, &body)
	return body["error"]
}

// createChannel makes owner create a public channel that members join.
func (e *testEnv) createChannel(t *testing.T, owner string, members ...string) string {
	t.Helper()
	w := e.do(t, "POST", "/conversations/channel", owner, map[string]any{"name": "general"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create channel: %d %s", w.Code, w.Body.String())
	}
	var view model.ConversationView
	decodeBody(t, w, &view)
	for _, m := range members {
		if w := e.do(t, "POST", "/conversations/"+view.ID+"/join", m, nil); w.Code != http.StatusOK {
			t.Fatalf("join: %d %s", w.Code, w.Body.String())
		}
	}
	return view.ID
}

// TestHealthz ヘルスチェック
func TestHealthz(t *testing.T) {
	env := newTestHandler(t, nil)

	w := env.do(t, "GET", "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
}

// TestAuthentication 認証ヘッダーのテスト
func TestAuthentication(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	disabled := env.createUser(t, "mallory")
	if err := env.store.SetUserDisabled(context.Background(), disabled, true); err != nil {
		t.Fatalf("disable user: %v", err)
	}

	tests := []struct {
		name   string
		userID string
		status int
		error  string
	}{
		{"missing header", "", http.StatusUnauthorized, "Authentication required."},
		{"unknown user", "nobody", http.StatusUnauthorized, "Unknown user."},
		{"disabled user", disabled, http.StatusUnauthorized, "User is disabled."},
		{"valid user", alice, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "GET", "/conversations", tt.userID, nil)
			if w.Code != tt.status {
				t.Fatalf("Expected status %d, got %d. Body: %s", tt.status, w.Code, w.Body.String())
			}
			if w.Header().Get("Content-Type") != "application/json" {
				t.Errorf("Expected Content-Type: application/json, got %s", w.Header().Get("Content-Type"))
			}
			if tt.error != "" {
				if got := errorMessage(t, w); got != tt.error {
					t.Errorf("Expected error %q, got %q", tt.error, got)
				}
			}
		})
	}
}

// TestSignedIdentity 署名付きヘッダーのテスト
func TestSignedIdentity(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) { c.SigningSecret = "s3cret" })
	alice := env.createUser(t, "alice")
	router := env.h.SetupRouter()

	req := httptest.NewRequest("GET", "/conversations", nil)
	req.Header.Set(headerUserID, alice)
	req.Header.Set(headerSignature, Sign("other", alice))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("Expected status %d for a bad signature, got %d", http.StatusUnauthorized, w.Code)
	}

	req = httptest.NewRequest("GET", "/conversations", nil)
	req.Header.Set(headerUserID, alice)
	req.Header.Set(headerSignature, Sign("s3cret", alice))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
}

// TestMessageLifecycle 作成・一覧・リアクション・編集・削除
func TestMessageLifecycle(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	convID := env.createChannel(t, alice, bob)

	w := env.do(t, "POST", "/conversations/"+convID+"/messages", alice, map[string]any{"body": "hi @bob"})
	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	var created model.MessageView
	decodeBody(t, w, &created)
	if len(created.ID) != 26 {
		t.Errorf("Expected a 26 character id, got %q", created.ID)
	}
	if len(created.MentionUserIDs) != 1 || created.MentionUserIDs[0] != bob {
		t.Errorf("Expected bob to be mentioned, got %v", created.MentionUserIDs)
	}

	w = env.do(t, "GET", "/conversations/"+convID+"/messages?limit=10", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, w.Code)
	}
	var page model.Page[model.MessageView]
	decodeBody(t, w, &page)
	if len(page.Items) != 1 || page.NextCursor != nil {
		t.Errorf("Expected one message and no cursor, got %d items, cursor %v", len(page.Items), page.NextCursor)
	}

	w = env.do(t, "PUT", "/messages/"+created.ID+"/reactions/%F0%9F%94%A5", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var reacted model.MessageView
	decodeBody(t, w, &reacted)
	if len(reacted.ReactionSummaries) != 1 || reacted.ReactionSummaries[0].Emoji != "🔥" ||
		reacted.ReactionSummaries[0].Count != 1 || !reacted.ReactionSummaries[0].ReactedByMe {
		t.Errorf("Unexpected reaction summaries: %+v", reacted.ReactionSummaries)
	}

	w = env.do(t, "PATCH", "/messages/"+created.ID, bob, map[string]any{"body": "hijack"})
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for editing someone else's message, got %d", http.StatusForbidden, w.Code)
	}
	w = env.do(t, "PATCH", "/messages/"+created.ID, alice, map[string]any{"body": "hello @bob"})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
	var edited model.MessageView
	decodeBody(t, w, &edited)
	if edited.Body != "hello @bob" || edited.EditedAt == nil {
		t.Errorf("Expected edited body with edited_at, got %q %v", edited.Body, edited.EditedAt)
	}

	w = env.do(t, "DELETE", "/messages/"+created.ID, alice, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("Expected status %d, got %d", http.StatusNoContent, w.Code)
	}
	w = env.do(t, "GET", "/messages/"+created.ID, bob, nil)
	var deleted model.MessageView
	decodeBody(t, w, &deleted)
	if deleted.DeletedAt == nil || deleted.Body != "" {
		t.Errorf("Expected a deleted message with empty body, got %+v", deleted.Message)
	}
}

// TestErrorResponses エラーのステータスとボディ
func TestErrorResponses(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) { c.MaxBodyBytes = 64 })
	alice := env.createUser(t, "alice")
	outsider := env.createUser(t, "zed")
	convID := env.createChannel(t, alice)

	w := env.do(t, "GET", "/messages/unknown", alice, nil)
	if w.Code != http.StatusNotFound || errorMessage(t, w) != "Message not found." {
		t.Errorf("Expected 404 Message not found., got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/conversations/channel", alice, "{not json")
	if w.Code != http.StatusBadRequest || errorMessage(t, w) != "Invalid request body" {
		t.Errorf("Expected 400 Invalid request body, got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/conversations/"+convID+"/messages", alice, map[string]any{"body": strings.Repeat("x", 200)})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected status %d, got %d", http.StatusRequestEntityTooLarge, w.Code)
	}

	w = env.do(t, "POST", "/conversations/"+convID+"/messages", alice, map[string]any{"body": "  "})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for an empty message, got %d", http.StatusBadRequest, w.Code)
	}

	w = env.do(t, "POST", "/conversations/"+convID+"/messages", outsider, map[string]any{"body": "hi"})
	if w.Code != http.StatusForbidden || errorMessage(t, w) != "You are not a member of this conversation." {
		t.Errorf("Expected 403 for a non-member, got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "POST", "/conversations/dm", alice, map[string]any{"user_id": alice})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for a self DM, got %d", http.StatusBadRequest, w.Code)
	}
}

// TestRateLimit 書き込みのレート制限
func TestRateLimit(t *testing.T) {
	env := newTestHandler(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 2
	})
	alice := env.createUser(t, "alice")
	router := env.h.SetupRouter()

	post := func() int {
		req := httptest.NewRequest("POST", "/conversations/channel", strings.NewReader(`{"name":"c"}`))
		req.Header.Set(headerUserID, alice)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}
	if code := post(); code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d", http.StatusCreated, code)
	}
	if code := post(); code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d", http.StatusCreated, code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Errorf("Expected status %d, got %d", http.StatusTooManyRequests, code)
	}

	req := httptest.NewRequest("GET", "/conversations", nil)
	req.Header.Set(headerUserID, alice)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Reads should not be rate limited, got %d", w.Code)
	}
}

// TestUserLimiterEvictsIdleBuckets アイドルなバケットの掃除
func TestUserLimiterEvictsIdleBuckets(t *testing.T) {
	l := newUserLimiter(1000, 1)
	l.max = 3
	for _, id := range []string{"u1", "u2", "u3"} {
		if !l.allow(id) {
			t.Fatalf("first request of %s should pass", id)
		}
	}
	time.Sleep(20 * time.Millisecond)
	l.allow("u4")
	if n := l.size(); n != 1 {
		t.Errorf("Expected refilled buckets to be evicted, got %d buckets", n)
	}

	slow := newUserLimiter(0.001, 1)
	slow.max = 1
	slow.allow("u1")
	slow.allow("u2")
	if n := slow.size(); n != 2 {
		t.Errorf("Expected throttled bucket to be kept, got %d buckets", n)
	}
	if slow.allow("u1") {
		t.Error("Throttled user should still be limited")
	}

	unlimited := newUserLimiter(0, 1)
	unlimited.allow("u1")
	if n := unlimited.size(); n != 0 {
		t.Errorf("Unlimited limiter should not track users, got %d", n)
	}
}

// TestReadStateEndpoints 既読と未読数
func TestReadStateEndpoints(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	convID := env.createChannel(t, alice, bob)

	for _, body := range []string{"one", "two"} {
		if w := env.do(t, "POST", "/conversations/"+convID+"/messages", alice, map[string]any{"body": body}); w.Code != http.StatusCreated {
			t.Fatalf("post: %d", w.Code)
		}
	}

	var payload model.UnreadPayload
	w := env.do(t, "GET", "/conversations/"+convID+"/unread", bob, nil)
	decodeBody(t, w, &payload)
	if payload.UnreadCount != 2 || payload.TotalUnreadConversations != 1 {
		t.Errorf("Expected 2 unread in 1 conversation, got %+v", payload)
	}

	w = env.do(t, "PUT", "/conversations/"+convID+"/read", bob, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
	decodeBody(t, w, &payload)
	if payload.UnreadCount != 0 || payload.TotalUnreadConversations != 0 {
		t.Errorf("Expected everything read, got %+v", payload)
	}
}

// TestNotificationPreferenceEndpoints 通知設定
func TestNotificationPreferenceEndpoints(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	convID := env.createChannel(t, alice)

	var user model.UserNotificationPreference
	w := env.do(t, "GET", "/notifications/preferences", alice, nil)
	decodeBody(t, w, &user)
	if !user.InAppToastsEnabled {
		t.Errorf("Toasts should be enabled by default")
	}

	w = env.do(t, "PUT", "/notifications/preferences", alice, map[string]any{"in_app_toasts_enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/notifications/preferences", alice, nil)
	decodeBody(t, w, &user)
	if user.InAppToastsEnabled {
		t.Errorf("Expected toasts to be disabled after update")
	}

	var conv model.ConversationNotificationPreference
	w = env.do(t, "PUT", "/conversations/"+convID+"/notification", alice, map[string]any{"is_muted": true})
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d. Body: %s", http.StatusOK, w.Code, w.Body.String())
	}
	w = env.do(t, "GET", "/conversations/"+convID+"/notification", alice, nil)
	decodeBody(t, w, &conv)
	if !conv.IsMuted {
		t.Errorf("Expected conversation to be muted")
	}

	w = env.do(t, "GET", "/conversations/"+convID+"/notification", bob, nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("Expected status %d for non-member, got %d", http.StatusForbidden, w.Code)
	}
	w = env.do(t, "PUT", "/conversations/"+convID+"/notification", alice, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d for missing body, got %d", http.StatusBadRequest, w.Code)
	}
}

// TestSearchEndpoint 検索
func TestSearchEndpoint(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	convID := env.createChannel(t, alice)
	env.do(t, "POST", "/conversations/"+convID+"/messages", alice, map[string]any{"body": "quarterly numbers"})

	w := env.do(t, "GET", "/search?q=", alice, nil)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("Expected an empty array, got %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/search?q=QUARTER&conversation_id="+convID, alice, nil)
	var hits []model.SearchHit
	decodeBody(t, w, &hits)
	if len(hits) != 1 || hits[0].Kind != model.HitMessage {
		t.Errorf("Expected one message hit, got %+v", hits)
	}
}

func dialWS(t *testing.T, server *httptest.Server, userID, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	header := http.Header{}
	header.Set("Origin", origin)
	header.Set(headerUserID, userID)
	return websocket.DefaultDialer.Dial(url, header)
}

// readEvent reads frames until one carries event.
func readEvent(t *testing.T, conn *websocket.Conn, event string) realtime.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var env realtime.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("waiting for %s: %v", event, err)
		}
		if env.Event == event {
			return env
		}
	}
}

// TestWebSocketReceivesConversationEvents WebSocket経由のイベント配信
func TestWebSocketReceivesConversationEvents(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	bob := env.createUser(t, "bob")
	convID := env.createChannel(t, alice, bob)

	server := httptest.NewServer(env.h.SetupRouter())
	defer server.Close()

	conn, _, err := dialWS(t, server, bob, "http://localhost:8080")
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(realtime.ClientFrame{Action: "join", ConversationID: convID}); err != nil {
		t.Fatalf("write join: %v", err)
	}
	readEvent(t, conn, eventSubscribed)

	w := env.do(t, "POST", "/conversations/"+convID+"/messages", alice, map[string]any{"body": "ping"})
	if w.Code != http.StatusCreated {
		t.Fatalf("post: %d %s", w.Code, w.Body.String())
	}

	// The message and bob's unread push travel on different channels, so
	// either may arrive first.
	seen := map[string]realtime.Envelope{}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(seen) < 2 {
		var frame realtime.Envelope
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read frame: %v (seen %d)", err, len(seen))
		}
		if frame.Event == fanout.MessageCreated || frame.Event == fanout.UnreadUpdated {
			seen[frame.Event] = frame
		}
	}

	var msg model.Message
	if err := json.Unmarshal(seen[fanout.MessageCreated].Data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Body != "ping" || msg.ConversationID != convID {
		t.Errorf("Unexpected message payload: %+v", msg)
	}

	var payload model.UnreadPayload
	if err := json.Unmarshal(seen[fanout.UnreadUpdated].Data, &payload); err != nil {
		t.Fatalf("decode unread: %v", err)
	}
	if payload.ConversationID != convID || payload.UnreadCount != 1 {
		t.Errorf("Unexpected unread payload: %+v", payload)
	}
}

// TestWebSocketJoinRequiresMembership 非メンバーの購読拒否
func TestWebSocketJoinRequiresMembership(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")
	zed := env.createUser(t, "zed")
	convID := env.createChannel(t, alice)

	server := httptest.NewServer(env.h.SetupRouter())
	defer server.Close()

	conn, _, err := dialWS(t, server, zed, "http://127.0.0.1:8080")
	if err != nil {
		t.Fatalf("Failed to connect to WebSocket: %v", err)
	}
	defer conn.Close()

	conn.WriteJSON(realtime.ClientFrame{Action: "join", ConversationID: convID})
	readEvent(t, conn, eventError)
	if n := env.h.Hub.Subscribers(realtime.ConversationChannel(convID)); n != 0 {
		t.Errorf("Expected no subscribers, got %d", n)
	}
}

// TestWebSocketRejectsForeignOrigin 許可されていないOrigin
func TestWebSocketRejectsForeignOrigin(t *testing.T) {
	env := newTestHandler(t, nil)
	alice := env.createUser(t, "alice")

	server := httptest.NewServer(env.h.SetupRouter())
	defer server.Close()

	conn, resp, err := dialWS(t, server, alice, "http://evil.example")
	if err == nil {
		conn.Close()
		t.Fatal("Expected the handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("Expected status %d, got %v", http.StatusForbidden, resp)
	}
}
