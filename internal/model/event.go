package model

import (
	"time"
)

// ChangeKind is the kind of row change a feed event reports.
type ChangeKind string

const (
	ChangeInsert ChangeKind = "insert"
	ChangeUpdate ChangeKind = "update"
)

// EntityKind is the table a change happened in.
type EntityKind string

const (
	EntityMessage     EntityKind = "message"
	EntityParticipant EntityKind = "participant"
)

// ChangeEvent is a single row change delivered by the change feed.
// RecipientID is set for events routed to one user's conversation scope;
// otherwise the event belongs to the ConversationID scope.
type ChangeEvent struct {
	ID             string            `json:"id"`
	Kind           ChangeKind        `json:"kind"`
	Entity         EntityKind        `json:"entity"`
	ConversationID string            `json:"conversation_id"`
	RecipientID    string            `json:"recipient_id,omitempty"`
	Message        *Message          `json:"message,omitempty"`
	Participant    *ParticipantState `json:"participant,omitempty"`
	At             time.Time         `json:"at"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorEvent represents an error pushed to a stream client.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
