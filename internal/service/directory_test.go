package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
)

func newDirectory(f *fixture, userID string, gw *countingGateway, interval time.Duration) *service.Directory {
	lc := service.NewLifecycle(f.bus, f.log)
	return service.NewDirectory(userID, gw, lc, f.log, interval, 1)
}

func TestDirectory_StartLoadsSortedByRecency(t *testing.T) {
	f := newFixture(t)
	older := f.direct(t, "alice", "bob")
	newer := f.direct(t, "alice", "carol")
	f.send(t, older.ID, "bob", "a while ago")
	time.Sleep(2 * time.Millisecond)
	f.send(t, newer.ID, "carol", "just now")

	d := newDirectory(f, "alice", &countingGateway{Gateway: f.store}, time.Millisecond)
	t.Cleanup(d.Close)
	assert.False(t, d.Ready())
	assert.Equal(t, service.DirectoryLoading, d.Conversations().Get().State)

	require.NoError(t, d.Start(context.Background()))
	snap := d.Conversations().Get()
	assert.Equal(t, service.DirectoryReady, snap.State)
	require.Len(t, snap.Conversations, 2)
	assert.Equal(t, newer.ID, snap.Conversations[0].ID)
	assert.Equal(t, 1, snap.Conversations[0].UnreadCount)

	_, ok := d.Lookup(older.ID)
	assert.True(t, ok)
	_, ok = d.Lookup("missing")
	assert.False(t, ok)
}

func TestDirectory_FeedTriggersReload(t *testing.T) {
	f := newFixture(t)
	first := f.direct(t, "alice", "bob")
	f.send(t, first.ID, "bob", "hi")

	d := newDirectory(f, "alice", &countingGateway{Gateway: f.store}, time.Millisecond)
	t.Cleanup(d.Close)
	require.NoError(t, d.Start(context.Background()))

	second := f.direct(t, "alice", "dave")
	f.send(t, second.ID, "dave", "new thread")

	require.Eventually(t, func() bool {
		list := d.Conversations().Get().Conversations
		return len(list) == 2 && list[0].ID == second.ID
	}, waitFor, tick)
}

func TestDirectory_SendReordersExisting(t *testing.T) {
	f := newFixture(t)
	older := f.direct(t, "alice", "bob")
	f.send(t, older.ID, "bob", "first")
	time.Sleep(2 * time.Millisecond)
	newer := f.direct(t, "alice", "carol")
	f.send(t, newer.ID, "carol", "second")

	d := newDirectory(f, "alice", &countingGateway{Gateway: f.store}, time.Millisecond)
	t.Cleanup(d.Close)
	require.NoError(t, d.Start(context.Background()))
	require.Equal(t, newer.ID, d.Conversations().Get().Conversations[0].ID)

	time.Sleep(2 * time.Millisecond)
	f.send(t, older.ID, "bob", "back on top")

	require.Eventually(t, func() bool {
		list := d.Conversations().Get().Conversations
		return len(list) == 2 && list[0].ID == older.ID && list[1].ID == newer.ID
	}, waitFor, tick)
}

// gatedGateway holds the next ListConversations result until released.
type gatedGateway struct {
	gateway.Gateway
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func (g *gatedGateway) arm() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
	g.entered = make(chan struct{})
	return g.entered, g.gate
}

func (g *gatedGateway) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	list, err := g.Gateway.ListConversations(ctx, userID)
	g.mu.Lock()
	gate, entered := g.gate, g.entered
	g.gate = nil
	g.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}
	return list, err
}

func TestDirectory_StaleLoadDoesNotRegress(t *testing.T) {
	f := newFixture(t)
	f.direct(t, "alice", "bob")
	gw := &gatedGateway{Gateway: f.store}

	d := service.NewDirectory("alice", gw, service.NewLifecycle(f.bus, f.log), f.log, time.Hour, 1)
	t.Cleanup(d.Close)
	require.NoError(t, d.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)

	entered, release := gw.arm()
	done := make(chan error, 1)
	go func() { done <- d.Refresh(context.Background()) }()
	<-entered

	// A newer load completes while the older one is still held.
	conv := f.direct(t, "alice", "carol")
	f.send(t, conv.ID, "carol", "hello")
	require.NoError(t, d.Refresh(context.Background()))
	require.Len(t, d.Conversations().Get().Conversations, 2)

	close(release)
	require.NoError(t, <-done)
	list := d.Conversations().Get().Conversations
	require.Len(t, list, 2)
	assert.Equal(t, conv.ID, list[0].ID)
}

func TestDirectory_TriggersCoalesce(t *testing.T) {
	f := newFixture(t)
	f.direct(t, "alice", "bob")
	gw := &countingGateway{Gateway: f.store}

	d := newDirectory(f, "alice", gw, 50*time.Millisecond)
	t.Cleanup(d.Close)
	require.NoError(t, d.Start(context.Background()))
	// Let the replayed membership event settle before counting.
	time.Sleep(100 * time.Millisecond)
	before := gw.lists.Load()

	for i := 0; i < 50; i++ {
		d.Trigger()
	}

	require.Eventually(t, func() bool { return gw.lists.Load() > before }, waitFor, tick)
	time.Sleep(200 * time.Millisecond)
	assert.LessOrEqual(t, gw.lists.Load()-before, int32(2))
}

func TestDirectory_CloseStopsReloads(t *testing.T) {
	f := newFixture(t)
	f.direct(t, "alice", "bob")
	gw := &countingGateway{Gateway: f.store}

	d := newDirectory(f, "alice", gw, time.Millisecond)
	require.NoError(t, d.Start(context.Background()))
	time.Sleep(50 * time.Millisecond)
	d.Close()
	d.Close()
	before := gw.lists.Load()

	d.Trigger()
	conv := f.direct(t, "alice", "erin")
	f.send(t, conv.ID, "erin", "anyone?")

	assert.Never(t, func() bool { return gw.lists.Load() > before }, 100*time.Millisecond, tick)
}
