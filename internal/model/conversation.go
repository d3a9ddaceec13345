// Package model defines data structures for conversation synchronization.
package model

import (
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"
)

// previewLimit bounds LastMessage.PreviewText in runes.
const previewLimit = 120

// Conversation is a direct (two participants) or group (more than two) thread.
type Conversation struct {
	ID             string       `json:"id"`
	IsGroup        bool         `json:"is_group"`
	ParticipantIDs []string     `json:"participant_ids"`
	Name           string       `json:"name,omitempty"`
	LastMessage    *LastMessage `json:"last_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// LastMessage is the denormalized preview of the newest message.
type LastMessage struct {
	ID          string      `json:"id"`
	SenderID    string      `json:"sender_id"`
	PreviewText string      `json:"preview_text"`
	Type        MessageType `json:"type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// ParticipantState is one user's membership and read cursor in a conversation.
type ParticipantState struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}

// Advance moves the read cursor forward. It never moves it backwards.
func (p *ParticipantState) Advance(t time.Time) bool {
	if !t.After(p.LastReadAt) {
		return false
	}
	p.LastReadAt = t
	return true
}

// ConversationSummary is a directory row as seen by one viewer.
// UnreadCount is computed by the gateway at read time.
type ConversationSummary struct {
	Conversation
	ReadState   ParticipantState `json:"read_state"`
	UnreadCount int              `json:"unread_count"`
}

// Validate checks the participant invariants.
func (c *Conversation) Validate() error {
	if len(c.ParticipantIDs) == 0 {
		return fmt.Errorf("%w: conversation has no participants", ErrInvalidConversation)
	}
	seen := make(map[string]struct{}, len(c.ParticipantIDs))
	for _, id := range c.ParticipantIDs {
		if id == "" {
			return fmt.Errorf("%w: empty participant id", ErrInvalidConversation)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: duplicate participant %s", ErrInvalidConversation, id)
		}
		seen[id] = struct{}{}
	}
	switch {
	case c.IsGroup && len(c.ParticipantIDs) < 3:
		return fmt.Errorf("%w: group needs more than two participants", ErrInvalidConversation)
	case !c.IsGroup && len(c.ParticipantIDs) != 2:
		return fmt.Errorf("%w: direct conversation needs exactly two participants", ErrInvalidConversation)
	}
	return nil
}

// HasParticipant reports whether userID belongs to the conversation.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// Counterpart returns the other participant of a direct conversation.
func (c *Conversation) Counterpart(userID string) string {
	if c.IsGroup {
		return ""
	}
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

// PairKey identifies the unordered pair {a, b}.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}

// PreviewOf builds the LastMessage for msg.
func PreviewOf(msg Message) *LastMessage {
	text := strings.TrimSpace(msg.Content)
	if text == "" && msg.Type != MessageTypeText {
		text = "[" + string(msg.Type) + "]"
	}
	if utf8.RuneCountInString(text) > previewLimit {
		runes := []rune(text)
		text = string(runes[:previewLimit-1]) + "…"
	}
	return &LastMessage{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		PreviewText: text,
		Type:        msg.Type,
		CreatedAt:   msg.CreatedAt,
	}
}

// SortByRecency orders summaries by UpdatedAt descending, ties by ID.
func SortByRecency(list []ConversationSummary) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []ConversationSummary `json:"conversations"`
	Total         int                   `json:"total"`
	Ready         bool                  `json:"ready"`
}

// OpenDirectRequest is the request to open a direct conversation.
type OpenDirectRequest struct {
	UserID string `json:"user_id"`
}
