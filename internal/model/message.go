package model

import (
	"sort"
	"strings"
	"time"
)

// MessageType is the kind of payload a message carries.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeVideo  MessageType = "video"
	MessageTypeVoice  MessageType = "voice"
	MessageTypeSystem MessageType = "system"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeVoice, MessageTypeSystem:
		return true
	}
	return false
}

// Media references an already uploaded attachment.
type Media struct {
	URL        string `json:"url"`
	MimeType   string `json:"mime_type,omitempty"`
	Size       int64  `json:"size,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	ClientID       string `json:"client_id,omitempty"`

	// Content
	Content string      `json:"content"`
	Type    MessageType `json:"type"`
	Media   *Media      `json:"media,omitempty"`

	// Timestamps
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
	IsEdited  bool       `json:"is_edited,omitempty"`

	// Receipts
	ReadBy      map[string]time.Time `json:"read_by,omitempty"`
	DeliveredTo map[string]time.Time `json:"delivered_to,omitempty"`
}

// Draft is what a user composes before a message exists anywhere.
type Draft struct {
	Content string      `json:"content"`
	Type    MessageType `json:"type,omitempty"`
	Media   *Media      `json:"media,omitempty"`
}

// Normalize trims content and defaults the type to text.
func (d Draft) Normalize() (Draft, error) {
	d.Content = strings.TrimSpace(d.Content)
	if d.Type == "" {
		d.Type = MessageTypeText
	}
	if !d.Type.Valid() {
		return d, ErrInvalidContent
	}
	if d.Type == MessageTypeText && d.Content == "" {
		return d, ErrInvalidContent
	}
	if d.Type != MessageTypeText && d.Type != MessageTypeSystem && (d.Media == nil || d.Media.URL == "") {
		return d, ErrInvalidContent
	}
	return d, nil
}

// NewOutgoing builds the message a sender is about to persist. The sender
// counts as having both received and read their own message.
func NewOutgoing(conversationID, senderID string, d Draft, at time.Time) Message {
	return Message{
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        d.Content,
		Type:           d.Type,
		Media:          d.Media,
		CreatedAt:      at,
		ReadBy:         map[string]time.Time{senderID: at},
		DeliveredTo:    map[string]time.Time{senderID: at},
	}
}

// IsReadBy reports whether userID has a read receipt on the message.
func (m *Message) IsReadBy(userID string) bool {
	_, ok := m.ReadBy[userID]
	return ok
}

// MarkReadBy records a read receipt unless one already exists.
func (m *Message) MarkReadBy(userID string, at time.Time) bool {
	if m.IsReadBy(userID) {
		return false
	}
	if m.ReadBy == nil {
		m.ReadBy = make(map[string]time.Time)
	}
	m.ReadBy[userID] = at
	return true
}

// Merge folds a feed update for the same message into m. Content follows
// the newer UpdatedAt; receipts are unioned keeping the earliest stamp.
func (m *Message) Merge(u Message) {
	if u.UpdatedAt != nil && (m.UpdatedAt == nil || u.UpdatedAt.After(*m.UpdatedAt)) {
		t := *u.UpdatedAt
		m.UpdatedAt = &t
		m.Content = u.Content
		m.IsEdited = u.IsEdited || m.IsEdited
		if u.Media != nil {
			m.Media = u.Media
		}
	}
	m.ReadBy = mergeStamps(m.ReadBy, u.ReadBy)
	m.DeliveredTo = mergeStamps(m.DeliveredTo, u.DeliveredTo)
}

// Clone returns a deep copy of m.
func (m Message) Clone() Message {
	m.ReadBy = cloneStamps(m.ReadBy)
	m.DeliveredTo = cloneStamps(m.DeliveredTo)
	if m.UpdatedAt != nil {
		t := *m.UpdatedAt
		m.UpdatedAt = &t
	}
	if m.Media != nil {
		media := *m.Media
		m.Media = &media
	}
	return m
}

func mergeStamps(dst, src map[string]time.Time) map[string]time.Time {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]time.Time, len(src))
	}
	for user, at := range src {
		if cur, ok := dst[user]; !ok || at.Before(cur) {
			dst[user] = at
		}
	}
	return dst
}

func cloneStamps(src map[string]time.Time) map[string]time.Time {
	if src == nil {
		return nil
	}
	out := make(map[string]time.Time, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// CountUnread counts messages from others created after lastReadAt.
func CountUnread(msgs []*Message, viewerID string, lastReadAt time.Time) int {
	n := 0
	for i := range msgs {
		if msgs[i].SenderID != viewerID && msgs[i].CreatedAt.After(lastReadAt) {
			n++
		}
	}
	return n
}

// SortMessages sorts by CreatedAt ascending, ties by ID.
func SortMessages(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return messageLess(msgs[i].CreatedAt, msgs[i].ID, msgs[j].CreatedAt, msgs[j].ID)
	})
}

func messageLess(at time.Time, id string, bt time.Time, bid string) bool {
	if !at.Equal(bt) {
		return at.Before(bt)
	}
	return id < bid
}

// ReadReceipt is the result of marking a conversation read.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	ReadAt         time.Time `json:"read_at"`
	LastReadAt     time.Time `json:"last_read_at"`
	MessageIDs     []string  `json:"message_ids,omitempty"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	Content string      `json:"content"`
	Type    MessageType `json:"type,omitempty"`
	Media   *Media      `json:"media,omitempty"`
}

// ListMessagesResponse is the response for reading the open conversation.
type ListMessagesResponse struct {
	ConversationID string  `json:"conversation_id"`
	State          string  `json:"state"`
	Messages       []Entry `json:"messages"`
}
