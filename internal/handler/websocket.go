package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"roomcast/internal/realtime"
)

const (
	// Acknowledgements for client subscription frames.
	eventSubscribed   = "subscribed"
	eventUnsubscribed = "unsubscribed"
	eventError        = "error"

	frameTimeout = 5 * time.Second
)

// createUpgrader creates a WebSocket upgrader with the given allowed origins
func createUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowedMap := make(map[string]bool)
	for _, origin := range allowedOrigins {
		allowedMap[origin] = true
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return allowedMap[origin]
		},
	}
}

// HandleWebSocket handles GET /ws. The connection receives the caller's user
// channel at once and conversation channels on request.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	caller := callerFrom(r)
	upgrader := createUpgrader(h.Config.AllowedOrigins)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Info("[GET /ws] ❌ WebSocket upgrade error", zap.String("user_id", caller.UserID), zap.Error(err))
		return
	}

	client := realtime.NewClient(conn, caller.UserID)
	h.Hub.Register(client)
	defer h.Hub.Unregister(client)

	go client.WritePump()
	client.ReadPump(func(frame realtime.ClientFrame) {
		h.handleFrame(client, frame)
	})
}

func (h *Handler) handleFrame(c *realtime.Client, frame realtime.ClientFrame) {
	channel := realtime.ConversationChannel(frame.ConversationID)
	ack := map[string]string{"conversation_id": frame.ConversationID}

	switch frame.Action {
	case "join":
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		ok, err := h.Directory.IsMember(ctx, frame.ConversationID, c.UserID)
		cancel()
		if err != nil {
			h.Log.Error("[WebSocket] ❌ Membership check failed", zap.String("user_id", c.UserID), zap.Error(err))
			sendFrame(c, eventError, map[string]string{"error": "Internal server error"})
			return
		}
		if !ok {
			sendFrame(c, eventError, map[string]string{"error": "You are not a member of this conversation."})
			return
		}
		h.Hub.Subscribe(c, channel)
		sendFrame(c, eventSubscribed, ack)
	case "leave":
		h.Hub.Unsubscribe(c, channel)
		sendFrame(c, eventUnsubscribed, ack)
	default:
		sendFrame(c, eventError, map[string]string{"error": "Unknown action."})
	}
}

func sendFrame(c *realtime.Client, event string, data any) {
	env, err := realtime.NewEnvelope(event, data)
	if err != nil {
		return
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	c.Send(payload)
}
