package model_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/model"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestConversationValidate(t *testing.T) {
	tests := []struct {
		name string
		conv model.Conversation
		ok   bool
	}{
		{"direct", model.Conversation{ParticipantIDs: []string{"u1", "u2"}}, true},
		{"direct with three", model.Conversation{ParticipantIDs: []string{"u1", "u2", "u3"}}, false},
		{"group", model.Conversation{IsGroup: true, ParticipantIDs: []string{"u1", "u2", "u3"}}, true},
		{"group with two", model.Conversation{IsGroup: true, ParticipantIDs: []string{"u1", "u2"}}, false},
		{"duplicate", model.Conversation{ParticipantIDs: []string{"u1", "u1"}}, false},
		{"empty", model.Conversation{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.conv.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, model.ErrInvalidConversation)
			}
		})
	}
}

func TestPairKeyIsUnordered(t *testing.T) {
	assert.Equal(t, model.PairKey("a", "b"), model.PairKey("b", "a"))
	assert.NotEqual(t, model.PairKey("a", "b"), model.PairKey("a", "c"))
}

func TestParticipantStateAdvanceIsMonotonic(t *testing.T) {
	p := model.ParticipantState{LastReadAt: t0}
	assert.False(t, p.Advance(t0.Add(-time.Minute)))
	assert.Equal(t, t0, p.LastReadAt)
	assert.True(t, p.Advance(t0.Add(time.Minute)))
	assert.Equal(t, t0.Add(time.Minute), p.LastReadAt)
}

func TestEntryIdentity(t *testing.T) {
	msg := model.Message{ID: "m1", Content: "hi", CreatedAt: t0}
	durable := model.Durable(msg)
	pending := model.Pending("local-1", msg)

	assert.False(t, durable.IsPending())
	assert.True(t, pending.IsPending())
	assert.Empty(t, pending.ID)
	assert.Equal(t, "local-1", pending.ClientID)
	assert.NotEqual(t, durable.Key(), pending.Key())
	assert.Equal(t, pending.Key(), model.Pending("local-1", msg).Key())

	// A pending entry whose local ID collides with a durable ID is still distinct.
	assert.NotEqual(t, model.Pending("m1", msg).Key(), durable.Key())
}

func TestSortEntriesTotalOrder(t *testing.T) {
	entries := []model.Entry{
		model.Durable(model.Message{ID: "b", CreatedAt: t0}),
		model.Durable(model.Message{ID: "c", CreatedAt: t0.Add(-time.Second)}),
		model.Durable(model.Message{ID: "a", CreatedAt: t0}),
		model.Pending("z-local", model.Message{CreatedAt: t0.Add(time.Second)}),
	}
	model.SortEntries(entries)

	var ids []string
	for _, e := range entries {
		ids = append(ids, e.Key().ID)
	}
	assert.Equal(t, []string{"c", "a", "b", "z-local"}, ids)
}

func TestMessageMerge(t *testing.T) {
	edited := t0.Add(time.Minute)
	m := model.Message{
		ID:        "m1",
		Content:   "helo",
		CreatedAt: t0,
		ReadBy:    map[string]time.Time{"u1": t0},
	}
	m.Merge(model.Message{
		ID:        "m1",
		Content:   "hello",
		UpdatedAt: &edited,
		IsEdited:  true,
		ReadBy:    map[string]time.Time{"u1": t0.Add(time.Hour), "u2": edited},
	})

	assert.Equal(t, "hello", m.Content)
	assert.True(t, m.IsEdited)
	assert.Equal(t, t0, m.ReadBy["u1"])
	assert.Equal(t, edited, m.ReadBy["u2"])

	// An older update does not roll content back.
	m.Merge(model.Message{ID: "m1", Content: "stale", UpdatedAt: &t0})
	assert.Equal(t, "hello", m.Content)
}

func TestDraftNormalize(t *testing.T) {
	d, err := model.Draft{Content: "  hi  "}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "hi", d.Content)
	assert.Equal(t, model.MessageTypeText, d.Type)

	_, err = model.Draft{Content: "   "}.Normalize()
	assert.ErrorIs(t, err, model.ErrInvalidContent)

	_, err = model.Draft{Type: model.MessageTypeImage}.Normalize()
	assert.ErrorIs(t, err, model.ErrInvalidContent)

	_, err = model.Draft{Type: model.MessageTypeImage, Media: &model.Media{URL: "https://cdn/x.png"}}.Normalize()
	assert.NoError(t, err)
}

func TestCountUnread(t *testing.T) {
	msgs := []*model.Message{
		{SenderID: "u2", CreatedAt: t0.Add(-time.Minute)},
		{SenderID: "u2", CreatedAt: t0.Add(time.Minute)},
		{SenderID: "u1", CreatedAt: t0.Add(2 * time.Minute)},
		{SenderID: "u3", CreatedAt: t0.Add(3 * time.Minute)},
	}
	assert.Equal(t, 2, model.CountUnread(msgs, "u1", t0))
}

func TestPreviewOf(t *testing.T) {
	p := model.PreviewOf(model.Message{ID: "m1", Type: model.MessageTypeVoice, CreatedAt: t0})
	assert.Equal(t, "[voice]", p.PreviewText)

	long := make([]rune, 300)
	for i := range long {
		long[i] = 'x'
	}
	p = model.PreviewOf(model.Message{Content: string(long), Type: model.MessageTypeText})
	assert.Len(t, []rune(p.PreviewText), 120)
}

func TestPersistenceError(t *testing.T) {
	err := model.Persistence("create_message", errors.New("connection reset"))
	assert.ErrorIs(t, err, model.ErrPersistence)

	var pe *model.PersistenceError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "create_message", pe.Op)

	assert.Equal(t, model.ErrNotParticipant, model.Persistence("list_messages", model.ErrNotParticipant))
	assert.NoError(t, model.Persistence("noop", nil))
}

func TestEntryJSONRoundTripKeepsPendingFlag(t *testing.T) {
	in := model.Pending("local-9", model.Message{ConversationID: "c1", Content: "hey", CreatedAt: t0})
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"pending":true`)

	var out model.Entry
	require.NoError(t, json.Unmarshal(data, &out))
	assert.True(t, out.IsPending())
	assert.Equal(t, "local-9", out.LocalID())
	assert.Equal(t, "hey", out.Content)
}
