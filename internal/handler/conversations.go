// Package handler provides HTTP handlers for the API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	sessions
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(manager *service.Manager, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		sessions: sessions{manager: manager},
		logger:   log,
	}
}

// List handles GET /api/v1/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	snap := sess.ConversationList().Get()
	writeJSON(w, http.StatusOK, &model.ListConversationsResponse{
		Conversations: snap.Conversations,
		Total:         len(snap.Conversations),
		Ready:         snap.State == service.DirectoryReady,
	})
}

// OpenDirect handles POST /api/v1/conversations/direct
func (h *ConversationHandler) OpenDirect(w http.ResponseWriter, r *http.Request) {
	var req model.OpenDirectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := middleware.ValidateID(req.UserID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	conv, err := sess.OpenDirect(r.Context(), req.UserID)
	if err != nil {
		h.logger.Warn("failed to open direct conversation",
			zap.String("user_id", sess.UserID()),
			zap.String("other_user_id", req.UserID),
			zap.Error(err),
		)
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Open handles POST /api/v1/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	if err := sess.OpenConversation(r.Context(), conversationID); err != nil {
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, messagesResponse(sess.CurrentMessages().Get()))
}

// Close handles DELETE /api/v1/conversations/current
func (h *ConversationHandler) Close(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	sess.CloseConversation()
	w.WriteHeader(http.StatusNoContent)
}

// Logout handles POST /api/v1/logout
func (h *ConversationHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.manager.Logout(middleware.GetUserID(r.Context()))
	w.WriteHeader(http.StatusNoContent)
}
