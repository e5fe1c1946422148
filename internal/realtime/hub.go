package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"roomcast/internal/metrics"
)

// Hub tracks this instance's clients and their channel subscriptions. It is
// also the in-process Broker.
type Hub struct {
	log *zap.Logger

	mu       sync.RWMutex
	clients  map[*Client]struct{}
	channels map[string]map[*Client]struct{}
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:      log,
		clients:  make(map[*Client]struct{}),
		channels: make(map[string]map[*Client]struct{}),
	}
}

// Register adds c and subscribes it to its user channel.
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.subscribeLocked(c, UserChannel(c.UserID))
	total := len(h.clients)
	h.mu.Unlock()

	metrics.RealtimeConnections.Inc()
	h.log.Info("websocket connected", zap.String("user_id", c.UserID), zap.Int("clients", total))
}

// Unregister drops c from every channel. Safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c)
	for ch := range c.subs {
		h.unsubscribeLocked(c, ch)
	}
	total := len(h.clients)
	h.mu.Unlock()

	metrics.RealtimeConnections.Dec()
	h.log.Info("websocket disconnected", zap.String("user_id", c.UserID), zap.Int("clients", total))
}

func (h *Hub) Subscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	h.subscribeLocked(c, channel)
}

func (h *Hub) Unsubscribe(c *Client, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unsubscribeLocked(c, channel)
}

func (h *Hub) subscribeLocked(c *Client, channel string) {
	set, ok := h.channels[channel]
	if !ok {
		set = make(map[*Client]struct{})
		h.channels[channel] = set
	}
	set[c] = struct{}{}
	c.subs[channel] = struct{}{}
}

func (h *Hub) unsubscribeLocked(c *Client, channel string) {
	delete(c.subs, channel)
	set := h.channels[channel]
	delete(set, c)
	if len(set) == 0 {
		delete(h.channels, channel)
	}
}

// Deliver writes payload to every subscriber of channel and returns how many
// clients accepted it. Slow clients are disconnected rather than waited on.
func (h *Hub) Deliver(channel string, payload []byte) int {
	if userID, ok := strings.CutPrefix(channel, userPrefix); ok {
		h.applyMemberLeft(userID, payload)
	}

	// Snapshot so sends happen without holding the lock.
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.channels[channel]))
	for c := range h.channels[channel] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.Send(payload) {
			delivered++
			continue
		}
		h.Unregister(c)
	}
	return delivered
}

// applyMemberLeft unsubscribes userID's clients from a conversation they
// have just left. Relayed envelopes pass through here too, so every instance
// drops its own sockets.
func (h *Hub) applyMemberLeft(userID string, payload []byte) {
	var env struct {
		Event string `json:"event"`
		Data  struct {
			ConversationID string `json:"conversation_id"`
		} `json:"data"`
	}
	if json.Unmarshal(payload, &env) != nil || env.Event != EventMemberLeft || env.Data.ConversationID == "" {
		return
	}
	channel := ConversationChannel(env.Data.ConversationID)

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.channels[UserChannel(userID)] {
		if _, ok := c.subs[channel]; ok {
			h.unsubscribeLocked(c, channel)
			h.log.Debug("subscription ended by member.left", zap.String("user_id", userID), zap.String("channel", channel))
		}
	}
}

// Publish implements Broker for a single instance.
func (h *Hub) Publish(_ context.Context, channel string, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	h.Deliver(channel, payload)
	return nil
}

// Subscribers reports how many clients are on channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Len reports the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
