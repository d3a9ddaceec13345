package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// MessageHandler handles message endpoints of the open conversation.
type MessageHandler struct {
	sessions
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(manager *service.Manager, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		sessions: sessions{manager: manager},
		logger:   log,
	}
}

func messagesResponse(snap service.MessagesSnapshot) *model.ListMessagesResponse {
	return &model.ListMessagesResponse{
		ConversationID: snap.ConversationID,
		State:          string(snap.State),
		Messages:       snap.Entries,
	}
}

// List handles GET /api/v1/conversations/current/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	writeJSON(w, http.StatusOK, messagesResponse(sess.CurrentMessages().Get()))
}

// Send handles POST /api/v1/conversations/current/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	draft := model.Draft{Content: req.Content, Type: req.Type, Media: req.Media}
	if err := middleware.ValidateDraft(draft); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	msg, err := sess.SendDraft(r.Context(), draft)
	if err != nil {
		if errors.Is(err, model.ErrPersistence) {
			h.logger.Warn("send failed", zap.String("user_id", sess.UserID()), zap.Error(err))
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// Read handles POST /api/v1/conversations/current/read
func (h *MessageHandler) Read(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	if err := sess.MarkConversationRead(r.Context()); err != nil {
		writeServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
