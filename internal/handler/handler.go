package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"roomcast/internal/apperr"
	"roomcast/internal/config"
	"roomcast/internal/model"
	"roomcast/internal/realtime"
	"roomcast/internal/service"
)

// Directory is what the boundary needs from storage besides the services:
// identity lookups, websocket subscription checks and health.
type Directory interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	IsMember(ctx context.Context, conversationID, userID string) (bool, error)
	Ping(ctx context.Context) error
}

// Services groups the operations exposed over HTTP.
type Services struct {
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Reactions     *service.ReactionService
	Unread        *service.UnreadService
	Search        *service.SearchService
}

// Handler holds application dependencies
type Handler struct {
	Config    config.Config
	Log       *zap.Logger
	Directory Directory
	Hub       *realtime.Hub
	Services

	limiter *userLimiter
}

// New creates a new Handler with the given dependencies
func New(cfg config.Config, log *zap.Logger, dir Directory, hub *realtime.Hub, svc Services) *Handler {
	return &Handler{
		Config:    cfg,
		Log:       log,
		Directory: dir,
		Hub:       hub,
		Services:  svc,
		limiter:   newUserLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

// SetupRouter configures and returns the HTTP router
func (h *Handler) SetupRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.Healthz).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/").Subrouter()
	api.Use(h.authenticate, h.rateLimit)

	// Conversations
	api.HandleFunc("/conversations", h.ListConversations).Methods("GET")
	api.HandleFunc("/conversations/channel", h.CreateChannel).Methods("POST")
	api.HandleFunc("/conversations/dm", h.CreateDM).Methods("POST")
	api.HandleFunc("/conversations/groupdm", h.CreateGroupDM).Methods("POST")
	api.HandleFunc("/conversations/{id}", h.GetConversation).Methods("GET")
	api.HandleFunc("/conversations/{id}", h.UpdateConversation).Methods("PATCH")
	api.HandleFunc("/conversations/{id}/join", h.JoinConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/leave", h.LeaveConversation).Methods("POST")
	api.HandleFunc("/conversations/{id}/members", h.AddMember).Methods("POST")
	api.HandleFunc("/conversations/{id}/members/{uid}", h.RemoveMember).Methods("DELETE")

	// Messages
	api.HandleFunc("/conversations/{id}/messages", h.ListMessages).Methods("GET")
	api.HandleFunc("/conversations/{id}/messages", h.CreateMessage).Methods("POST")
	api.HandleFunc("/messages/{id}", h.GetMessage).Methods("GET")
	api.HandleFunc("/messages/{id}", h.EditMessage).Methods("PATCH")
	api.HandleFunc("/messages/{id}", h.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/messages/{id}/reactions/{emoji}", h.ToggleReaction).Methods("PUT")

	// Read state and search
	api.HandleFunc("/conversations/{id}/read", h.MarkRead).Methods("PUT")
	api.HandleFunc("/conversations/{id}/unread", h.GetUnread).Methods("GET")
	api.HandleFunc("/conversations/{id}/notification", h.GetConversationPreference).Methods("GET")
	api.HandleFunc("/conversations/{id}/notification", h.UpdateConversationPreference).Methods("PUT")
	api.HandleFunc("/notifications/preferences", h.GetUserPreference).Methods("GET")
	api.HandleFunc("/notifications/preferences", h.UpdateUserPreference).Methods("PUT")
	api.HandleFunc("/search", h.HandleSearch).Methods("GET")

	// WebSocket
	api.HandleFunc("/ws", h.HandleWebSocket).Methods("GET")

	return r
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.Directory.Ping(r.Context()); err != nil {
		h.Log.Error("[GET /healthz] ❌ Database unreachable", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// route names the matched route for log lines, e.g. "POST /messages/{id}".
func route(r *http.Request) string {
	if cur := mux.CurrentRoute(r); cur != nil {
		if tpl, err := cur.GetPathTemplate(); err == nil {
			return r.Method + " " + tpl
		}
	}
	return r.Method + " " + r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto the JSON error body. Internal faults are logged in
// full and answered with a generic message.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	msg := fmt.Sprintf("[%s] ❌ %s", route(r), kind)
	if kind == apperr.Internal {
		h.Log.Error(msg, zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
	} else {
		h.Log.Info(msg, zap.String("remote_addr", r.RemoteAddr), zap.String("reason", apperr.PublicMessage(err)))
	}
	writeJSON(w, kind.HTTPStatus(), map[string]string{"error": apperr.PublicMessage(err)})
}

// decodeJSON reads a JSON body capped at MaxBodyBytes. An empty body is
// accepted when optional is set. It reports whether the handler may go on.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)

	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}

	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		h.Log.Info(fmt.Sprintf("[%s] ❌ Request body too large", route(r)), zap.Int64("limit", tooLarge.Limit))
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Request body too large"})
		return false
	}
	h.Log.Info(fmt.Sprintf("[%s] ❌ Bad Request", route(r)), zap.Error(err))
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	return false
}
