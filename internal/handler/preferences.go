package handler

import (
	"net/http"

	"github.com/gorilla/mux"

	"roomcast/internal/model"
)

// GetUserPreference handles GET /notifications/preferences
func (h *Handler) GetUserPreference(w http.ResponseWriter, r *http.Request) {
	pref, err := h.Unread.UserPreference(r.Context(), callerFrom(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

// UpdateUserPreference handles PUT /notifications/preferences
func (h *Handler) UpdateUserPreference(w http.ResponseWriter, r *http.Request) {
	var req model.UserNotificationPreference
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	pref, err := h.Unread.UpdateUserPreference(r.Context(), callerFrom(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

// GetConversationPreference handles GET /conversations/{id}/notification
func (h *Handler) GetConversationPreference(w http.ResponseWriter, r *http.Request) {
	pref, err := h.Unread.ConversationPreference(r.Context(), callerFrom(r), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}

// UpdateConversationPreference handles PUT /conversations/{id}/notification
func (h *Handler) UpdateConversationPreference(w http.ResponseWriter, r *http.Request) {
	var req model.ConversationNotificationPreference
	if !h.decodeJSON(w, r, &req, false) {
		return
	}
	pref, err := h.Unread.UpdateConversationPreference(r.Context(), callerFrom(r), mux.Vars(r)["id"], req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pref)
}
