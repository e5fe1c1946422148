package handler

import (
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"roomcast/internal/service"
)

type createChannelRequest struct {
	Name      string `json:"name"`
	Topic     string `json:"topic"`
	IsPrivate bool   `json:"is_private"`
}

type createDMRequest struct {
	UserID string `json:"user_id"`
}

type createGroupDMRequest struct {
	UserIDs []string `json:"user_ids"`
	Name    string   `json:"name"`
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

// ListConversations handles GET /conversations
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	views, err := h.Conversations.ListMine(r.Context(), callerFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

// CreateChannel handles POST /conversations/channel
func (h *Handler) CreateChannel(w http.ResponseWriter, r *http.Request) {
	var req createChannelRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	view, err := h.Conversations.CreateChannel(r.Context(), callerFrom(r), req.Name, req.Topic, req.IsPrivate)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Log.Info("[POST /conversations/channel] ✅ Created channel", zap.String("conversation_id", view.ID))
	writeJSON(w, http.StatusCreated, view)
}

// CreateDM handles POST /conversations/dm. The DM is returned whether it was
// just created or already existed.
func (h *Handler) CreateDM(w http.ResponseWriter, r *http.Request) {
	var req createDMRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	view, err := h.Conversations.CreateOrGetDM(r.Context(), callerFrom(r), req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// CreateGroupDM handles POST /conversations/groupdm
func (h *Handler) CreateGroupDM(w http.ResponseWriter, r *http.Request) {
	var req createGroupDMRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	view, err := h.Conversations.CreateGroupDM(r.Context(), callerFrom(r), req.UserIDs, req.Name)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Log.Info("[POST /conversations/groupdm] ✅ Created group DM",
		zap.String("conversation_id", view.ID), zap.Int("members", len(view.Members)))
	writeJSON(w, http.StatusCreated, view)
}

// GetConversation handles GET /conversations/{id}
func (h *Handler) GetConversation(w http.ResponseWriter, r *http.Request) {
	view, err := h.Conversations.Get(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// UpdateConversation handles PATCH /conversations/{id}
func (h *Handler) UpdateConversation(w http.ResponseWriter, r *http.Request) {
	var patch service.ConversationPatch
	if !h.decodeJSON(w, r, &patch, false) {
		return
	}
	view, err := h.Conversations.Update(r.Context(), callerFrom(r), mux.Vars(r)["id"], patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// JoinConversation handles POST /conversations/{id}/join
func (h *Handler) JoinConversation(w http.ResponseWriter, r *http.Request) {
	view, err := h.Conversations.Join(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// LeaveConversation handles POST /conversations/{id}/leave
func (h *Handler) LeaveConversation(w http.ResponseWriter, r *http.Request) {
	if err := h.Conversations.Leave(r.Context(), callerFrom(r), mux.Vars(r)["id"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddMember handles POST /conversations/{id}/members
func (h *Handler) AddMember(w http.ResponseWriter, r *http.Request) {
	var req addMemberRequest
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	view, err := h.Conversations.AddMember(r.Context(), callerFrom(r), mux.Vars(r)["id"], req.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// RemoveMember handles DELETE /conversations/{id}/members/{uid}
func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.Conversations.RemoveMember(r.Context(), callerFrom(r), vars["id"], vars["uid"]); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.Log.Info(fmt.Sprintf("[DELETE /conversations/%s/members/%s] ✅ Removed member", vars["id"], vars["uid"]))
	w.WriteHeader(http.StatusNoContent)
}
