package handler_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/handler"
	"github.com/capitalize-ai/chatsync/internal/middleware"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

const secret = "test-secret"

type testServer struct {
	*httptest.Server
	store *memory.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := logger.NewNop()
	bus := feed.NewBus(log)
	store := memory.NewStore(bus, log)
	manager := service.NewManager(service.Deps{
		Gateway:         store,
		Feed:            bus,
		Logger:          log,
		RefreshInterval: time.Millisecond,
		RefreshBurst:    1,
	})
	router := handler.NewRouter(handler.RouterConfig{
		Manager:   manager,
		Logger:    log,
		JWTSecret: secret,
		Heartbeat: 50 * time.Millisecond,
		Checks: map[string]handler.Checker{
			"feed": bus,
		},
	})
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		manager.Shutdown()
		_ = bus.Close()
	})
	return &testServer{Server: srv, store: store}
}

func (s *testServer) do(t *testing.T, user, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		token, err := middleware.IssueToken(secret, user, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, "", http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestReady_ReportsFailingCheck(t *testing.T) {
	h := handler.NewHealthHandler(map[string]handler.Checker{
		"database": handler.CheckFunc(func() error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database: connection refused")
}

func TestAPI_RequiresAuthentication(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "", http.MethodGet, "/api/v1/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, s.URL+"/api/v1/conversations", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_ConversationFlow(t *testing.T) {
	s := newTestServer(t)

	resp := s.do(t, "alice", http.MethodPost, "/api/v1/conversations/direct", model.OpenDirectRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv := decode[model.Conversation](t, resp)
	assert.ElementsMatch(t, []string{"alice", "bob"}, conv.ParticipantIDs)

	resp = s.do(t, "alice", http.MethodPost, "/api/v1/conversations/current/messages", model.SendMessageRequest{Content: "hello"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	sent := decode[model.Message](t, resp)
	assert.Equal(t, "hello", sent.Content)
	assert.NotEmpty(t, sent.ID)

	resp = s.do(t, "alice", http.MethodGet, "/api/v1/conversations/current/messages", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[model.ListMessagesResponse](t, resp)
	assert.Equal(t, conv.ID, msgs.ConversationID)
	assert.Equal(t, string(service.SyncLive), msgs.State)
	require.Len(t, msgs.Messages, 1)
	assert.Equal(t, sent.ID, msgs.Messages[0].ID)

	// Bob sees one unread conversation, then opens it.
	resp = s.do(t, "bob", http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[model.ListConversationsResponse](t, resp)
	require.Len(t, list.Conversations, 1)
	assert.Equal(t, 1, list.Conversations[0].UnreadCount)

	resp = s.do(t, "bob", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	opened := decode[model.ListMessagesResponse](t, resp)
	require.Len(t, opened.Messages, 1)

	resp = s.do(t, "bob", http.MethodPost, "/api/v1/conversations/current/read", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodDelete, "/api/v1/conversations/current", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp = s.do(t, "alice", http.MethodPost, "/api/v1/conversations/current/messages", model.SendMessageRequest{Content: "late"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPost, "/api/v1/logout", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_OpenForeignConversation(t *testing.T) {
	s := newTestServer(t)
	conv, err := s.store.GetOrCreateDirectConversation(context.Background(), "bob", "carol")
	require.NoError(t, err)

	resp := s.do(t, "alice", http.MethodPost, "/api/v1/conversations/"+conv.ID+"/open", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestAPI_SendValidation(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "alice", http.MethodPost, "/api/v1/conversations/direct", model.OpenDirectRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPost, "/api/v1/conversations/current/messages", model.SendMessageRequest{Content: "   "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPost, "/api/v1/conversations/current/messages", model.SendMessageRequest{Content: strings.Repeat("x", middleware.MaxContentLength+1)})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = s.do(t, "alice", http.MethodPost, "/api/v1/conversations/direct", model.OpenDirectRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_PushesViews(t *testing.T) {
	s := newTestServer(t)
	resp := s.do(t, "alice", http.MethodPost, "/api/v1/conversations/direct", model.OpenDirectRequest{UserID: "bob"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	token, err := middleware.IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL+"/api/v1/stream?access_token="+token, nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	seen := map[string]bool{}
	scanner := bufio.NewScanner(stream.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if name, ok := strings.CutPrefix(line, "event: "); ok {
			seen[name] = true
		}
		if seen["conversations"] && seen["messages"] && seen["health"] && seen["heartbeat"] {
			break
		}
	}
	assert.True(t, seen["conversations"])
	assert.True(t, seen["messages"])
	assert.True(t, seen["health"])
	assert.True(t, seen["heartbeat"])
}
