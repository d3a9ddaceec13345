package service_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
	"github.com/capitalize-ai/chatsync/internal/store/memory"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fixture struct {
	log   *logger.Logger
	bus   *feed.Bus
	store *memory.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.NewNop()
	bus := feed.NewBus(log)
	t.Cleanup(func() { _ = bus.Close() })
	return &fixture{log: log, bus: bus, store: memory.NewStore(bus, log)}
}

func (f *fixture) direct(t *testing.T, a, b string) model.Conversation {
	t.Helper()
	conv, err := f.store.GetOrCreateDirectConversation(context.Background(), a, b)
	if err != nil {
		t.Fatalf("create direct conversation: %v", err)
	}
	return conv
}

func (f *fixture) send(t *testing.T, convID, senderID, content string) model.Message {
	t.Helper()
	msg, err := f.store.CreateMessage(context.Background(), gateway.CreateMessageInput{
		ConversationID: convID,
		SenderID:       senderID,
		Content:        content,
		Type:           model.MessageTypeText,
	})
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	return msg
}

func (f *fixture) synchronizer(userID string, gw gateway.Gateway, opts ...service.SyncOption) (*service.Synchronizer, *service.Lifecycle) {
	lc := service.NewLifecycle(f.bus, f.log)
	return service.NewSynchronizer(userID, gw, lc, f.log, opts...), lc
}

func (f *fixture) deps() service.Deps {
	return service.Deps{
		Gateway:         f.store,
		Feed:            f.bus,
		Logger:          f.log,
		RefreshInterval: time.Millisecond,
		RefreshBurst:    1,
		ReadTimeout:     time.Second,
	}
}

// hookGateway runs a callback after a successful CreateMessage, before
// the caller sees the result.
type hookGateway struct {
	gateway.Gateway
	afterCreate func(model.Message)
}

func (g *hookGateway) CreateMessage(ctx context.Context, in gateway.CreateMessageInput) (model.Message, error) {
	msg, err := g.Gateway.CreateMessage(ctx, in)
	if err == nil && g.afterCreate != nil {
		g.afterCreate(msg)
	}
	return msg, err
}

// countingGateway counts directory loads.
type countingGateway struct {
	gateway.Gateway
	lists atomic.Int32
}

func (g *countingGateway) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	g.lists.Add(1)
	return g.Gateway.ListConversations(ctx, userID)
}

func contents(entries []model.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Content
	}
	return out
}

func hasDurable(entries []model.Entry, id string) bool {
	for _, e := range entries {
		if !e.IsPending() && e.ID == id {
			return true
		}
	}
	return false
}
