package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"roomcast/internal/model"
)

type createMessageRequest struct {
	Body        string                  `json:"body"`
	Attachments []model.AttachmentInput `json:"attachments"`
}

type editMessageRequest struct {
	Body string `json:"body"`
}

type markReadRequest struct {
	LastReadAt *time.Time `json:"last_read_at"`
}

// queryLimit parses ?limit=. Anything unparsable falls back to the default.
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		return 0
	}
	return n
}

// ListMessages handles GET /conversations/{id}/messages
func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := h.Messages.List(r.Context(), callerFrom(r), mux.Vars(r)["id"], q.Get("before"), queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CreateMessage handles POST /conversations/{id}/messages
func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	convID := mux.Vars(r)["id"]
	log := fmt.Sprintf("[POST /conversations/%s/messages]", convID)
	h.Log.Debug(log+" Request received", zap.String("remote_addr", r.RemoteAddr))

	var req createMessageRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}

	msg, err := h.Messages.Create(r.Context(), callerFrom(r), convID, req.Body, req.Attachments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.Log.Info(log+" ✅ Created message",
		zap.String("message_id", msg.ID), zap.Int("mentions", len(msg.MentionUserIDs)), zap.Int("attachments", len(msg.Attachments)))
	writeJSON(w, http.StatusCreated, msg)
}

// GetMessage handles GET /messages/{id}
func (h *Handler) GetMessage(w http.ResponseWriter, r *http.Request) {
	msg, err := h.Messages.Get(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// EditMessage handles PATCH /messages/{id}
func (h *Handler) EditMessage(w http.ResponseWriter, r *http.Request) {
	var req editMessageRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	msg, err := h.Messages.Edit(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.Body)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// DeleteMessage handles DELETE /messages/{id}
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.Messages.Delete(r.Context(), callerFrom(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Log.Info(fmt.Sprintf("[DELETE /messages/%s] ✅ Deleted successfully", id))
	w.WriteHeader(http.StatusNoContent)
}

// ToggleReaction handles PUT /messages/{id}/reactions/{emoji}
func (h *Handler) ToggleReaction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	msg, err := h.Reactions.Toggle(r.Context(), callerFrom(r), vars["id"], vars["emoji"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

// MarkRead handles PUT /conversations/{id}/read. Without last_read_at the
// whole conversation is marked read.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	var req markReadRequest
	if !h.decodeJSON(w, r, &req, true) {
		return
	}
	payload, err := h.Unread.UpdateReadState(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.LastReadAt)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// GetUnread handles GET /conversations/{id}/unread
func (h *Handler) GetUnread(w http.ResponseWriter, r *http.Request) {
	payload, err := h.Unread.Unread(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

// HandleSearch handles GET /search
func (h *Handler) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	hits, err := h.Search.Search(r.Context(), callerFrom(r), q.Get("q"), q.Get("conversation_id"), queryLimit(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Log.Debug("[GET /search] ✅ Returned hits", zap.Int("hits", len(hits)))
	writeJSON(w, http.StatusOK, hits)
}
