package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// StreamHandler pushes a session's observable state over server-sent events.
type StreamHandler struct {
	sessions
	logger    *logger.Logger
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(manager *service.Manager, log *logger.Logger, heartbeat time.Duration) *StreamHandler {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		sessions:  sessions{manager: manager},
		logger:    log,
		heartbeat: heartbeat,
	}
}

// HealthEvent is the stream payload for connection health.
type HealthEvent struct {
	Health feed.Health `json:"health"`
}

// Stream handles GET /api/v1/stream
// Each event carries the full current value of one view: "conversations",
// "messages" or "health". A client renders the latest of each.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sess, ok := h.current(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.WithSession(sess.UserID())
	log.Debug("SSE client connected")

	convs := sess.ConversationList()
	msgs := sess.CurrentMessages()
	health := sess.Health()

	// Versions start unmatched so the first push sends every view.
	convVer, msgVer, healthVer := ^uint64(0), ^uint64(0), ^uint64(0)
	push := func() error {
		if v, ver := convs.Snapshot(); ver != convVer {
			convVer = ver
			if err := sendSSEEvent(w, flusher, "conversations", &model.ListConversationsResponse{
				Conversations: v.Conversations,
				Total:         len(v.Conversations),
				Ready:         v.State == service.DirectoryReady,
			}); err != nil {
				return err
			}
		}
		if v, ver := msgs.Snapshot(); ver != msgVer {
			msgVer = ver
			if err := sendSSEEvent(w, flusher, "messages", messagesResponse(v)); err != nil {
				return err
			}
		}
		if v, ver := health.Snapshot(); ver != healthVer {
			healthVer = ver
			if err := sendSSEEvent(w, flusher, "health", &HealthEvent{Health: v}); err != nil {
				return err
			}
		}
		return nil
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		// Take the change channels before reading so no update is missed.
		convChanged, msgChanged, healthChanged := convs.Changed(), msgs.Changed(), health.Changed()
		if err := push(); err != nil {
			log.Debug("SSE write failed", zap.Error(err))
			return
		}

		select {
		case <-ctx.Done():
			log.Debug("SSE client disconnected")
			return
		case <-convChanged:
		case <-msgChanged:
		case <-healthChanged:
		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{
				Timestamp: time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
