package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
)

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusOf maps domain errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, model.ErrAuthenticationRequired):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrNotParticipant):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrNotOpen), errors.Is(err, model.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidContent), errors.Is(err, model.ErrInvalidConversation):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrSessionClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrPersistence):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with the status it maps to. Unmapped
// errors are not echoed to the client.
func writeServiceError(w http.ResponseWriter, err error) {
	status := statusOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeError(w, status, msg)
}

// sessions resolves the caller's session.
type sessions struct {
	manager *service.Manager
}

func (s sessions) current(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sess, err := s.manager.Session(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return nil, false
	}
	return sess, true
}
