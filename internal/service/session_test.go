package service_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/service"
)

func TestNewSession_RequiresUser(t *testing.T) {
	f := newFixture(t)
	_, err := service.NewSession(f.deps(), "")
	assert.ErrorIs(t, err, model.ErrAuthenticationRequired)
}

func TestSession_OpenRejectsForeignConversation(t *testing.T) {
	f := newFixture(t)
	foreign := f.direct(t, "bob", "carol")

	s, err := service.NewSession(f.deps(), "alice")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(context.Background()))

	err = s.OpenConversation(context.Background(), foreign.ID)
	assert.ErrorIs(t, err, model.ErrNotParticipant)
	snap := s.CurrentMessages().Get()
	assert.Equal(t, service.SyncIdle, snap.State)
	assert.Empty(t, snap.ConversationID)
}

func TestSession_ConversationRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	alice, err := service.NewSession(f.deps(), "alice")
	require.NoError(t, err)
	t.Cleanup(alice.Close)
	bob, err := service.NewSession(f.deps(), "bob")
	require.NoError(t, err)
	t.Cleanup(bob.Close)
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, bob.Start(ctx))

	conv, err := alice.OpenDirect(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, conv.ID, alice.CurrentMessages().Get().ConversationID)

	// Bob learns about the conversation from his directory feed.
	require.Eventually(t, func() bool {
		list := bob.ConversationList().Get().Conversations
		return len(list) == 1 && list[0].ID == conv.ID
	}, waitFor, tick)
	require.NoError(t, bob.OpenConversation(ctx, conv.ID))

	sent, err := alice.SendMessage(ctx, "hey bob")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hasDurable(bob.CurrentMessages().Get().Entries, sent.ID)
	}, waitFor, tick)

	// Bob has the conversation open, so the message ends up read.
	require.Eventually(t, func() bool {
		entries := alice.CurrentMessages().Get().Entries
		return len(entries) == 1 && entries[0].IsReadBy("bob")
	}, waitFor, tick)

	// No explicit mark-read: the background receipt refreshes the directory.
	require.Eventually(t, func() bool {
		list := bob.ConversationList().Get().Conversations
		return len(list) == 1 && list[0].UnreadCount == 0 && list[0].LastMessage != nil
	}, waitFor, tick)

	alice.CloseConversation()
	assert.Equal(t, service.SyncIdle, alice.CurrentMessages().Get().State)
	_, err = alice.SendMessage(ctx, "into the void")
	assert.ErrorIs(t, err, model.ErrNotOpen)
}

func TestSession_UnreadClearsWhileViewing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	conv := f.direct(t, "alice", "bob")

	alice, err := service.NewSession(f.deps(), "alice")
	require.NoError(t, err)
	t.Cleanup(alice.Close)
	require.NoError(t, alice.Start(ctx))
	require.NoError(t, alice.OpenConversation(ctx, conv.ID))

	f.send(t, conv.ID, "bob", "hi")

	require.Eventually(t, func() bool {
		list := alice.ConversationList().Get().Conversations
		return len(list) == 1 && list[0].LastMessage != nil && list[0].UnreadCount == 0
	}, waitFor, tick)
	assert.Never(t, func() bool {
		return alice.ConversationList().Get().Conversations[0].UnreadCount != 0
	}, 100*time.Millisecond, tick)

	// Once closed, new messages count as unread again.
	alice.CloseConversation()
	f.send(t, conv.ID, "bob", "still there?")
	require.Eventually(t, func() bool {
		list := alice.ConversationList().Get().Conversations
		return len(list) == 1 && list[0].UnreadCount == 1
	}, waitFor, tick)
}

func TestSession_SendDraftValidatesMedia(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := service.NewSession(f.deps(), "alice")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Start(ctx))
	_, err = s.OpenDirect(ctx, "bob")
	require.NoError(t, err)

	_, err = s.SendDraft(ctx, model.Draft{Type: model.MessageTypeImage})
	assert.ErrorIs(t, err, model.ErrInvalidContent)

	msg, err := s.SendDraft(ctx, model.Draft{Type: model.MessageTypeImage, Media: &model.Media{URL: "https://cdn.example.com/cat.png"}})
	require.NoError(t, err)
	assert.Equal(t, model.MessageTypeImage, msg.Type)
}

func TestSession_CloseTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s, err := service.NewSession(f.deps(), "alice")
	require.NoError(t, err)
	require.NoError(t, s.Start(ctx))
	_, err = s.OpenDirect(ctx, "bob")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Health().Get() == feed.HealthLive }, waitFor, tick)

	s.Close()
	s.Close()

	assert.Equal(t, feed.HealthClosed, s.Health().Get())
	assert.Equal(t, service.SyncIdle, s.CurrentMessages().Get().State)
}

func TestManager_OneSessionPerUser(t *testing.T) {
	f := newFixture(t)
	m := service.NewManager(f.deps())
	t.Cleanup(m.Shutdown)
	ctx := context.Background()

	var wg sync.WaitGroup
	got := make([]*service.Session, 8)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := m.Session(ctx, "alice")
			assert.NoError(t, err)
			got[i] = s
		}(i)
	}
	wg.Wait()
	for _, s := range got {
		assert.Same(t, got[0], s)
	}
	assert.Equal(t, 1, m.Len())

	_, err := m.Session(ctx, "")
	assert.ErrorIs(t, err, model.ErrAuthenticationRequired)

	m.Logout("alice")
	m.Logout("alice")
	assert.Equal(t, 0, m.Len())

	again, err := m.Session(ctx, "alice")
	require.NoError(t, err)
	assert.NotSame(t, got[0], again)
}

func TestManager_ShutdownRefusesNewSessions(t *testing.T) {
	f := newFixture(t)
	m := service.NewManager(f.deps())
	_, err := m.Session(context.Background(), "alice")
	require.NoError(t, err)

	m.Shutdown()
	assert.Equal(t, 0, m.Len())
	_, err = m.Session(context.Background(), "alice")
	assert.ErrorIs(t, err, model.ErrSessionClosed)
}
