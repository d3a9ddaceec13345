// Package feed defines the change feed: scoped, at-least-once delivery of
// row changes to subscribers, with observable subscription health.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// ScopeKind selects what a subscription listens to.
type ScopeKind string

const (
	// ScopeUser carries message inserts in any of a user's conversations
	// and participant rows added for that user.
	ScopeUser ScopeKind = "user"
	// ScopeConversation carries message inserts and updates of one conversation.
	ScopeConversation ScopeKind = "conv"
)

// Scope is a subscription filter.
type Scope struct {
	Kind ScopeKind
	ID   string
}

// UserConversations is the directory scope of userID.
func UserConversations(userID string) Scope {
	return Scope{Kind: ScopeUser, ID: userID}
}

// ConversationMessages is the message scope of one conversation.
func ConversationMessages(conversationID string) Scope {
	return Scope{Kind: ScopeConversation, ID: conversationID}
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// ScopeOf returns the scope an event is routed to.
func ScopeOf(ev model.ChangeEvent) Scope {
	if ev.RecipientID != "" {
		return UserConversations(ev.RecipientID)
	}
	return ConversationMessages(ev.ConversationID)
}

// Handler receives events for one subscription, in order.
type Handler func(model.ChangeEvent)

// Options tune a subscription.
type Options struct {
	Since time.Time
}

// Option configures Subscribe.
type Option func(*Options)

// Since asks the transport to replay retained events at or after t.
// Transports without retention ignore it.
func Since(t time.Time) Option {
	return func(o *Options) { o.Since = t }
}

// ApplyOptions folds opts into an Options value.
func ApplyOptions(opts ...Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Feed opens subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, scope Scope, handler Handler, opts ...Option) (*Subscription, error)
}

// Publisher emits change events.
type Publisher interface {
	Publish(ctx context.Context, events ...model.ChangeEvent) error
}

// Transport is a complete feed backend.
type Transport interface {
	Feed
	Publisher
	Ready() error
	Close() error
}

// MessageInserted builds the events a new message produces: one for the
// conversation scope and one for each participant's directory scope.
func MessageInserted(msg model.Message, participantIDs []string, at time.Time) []model.ChangeEvent {
	events := make([]model.ChangeEvent, 0, len(participantIDs)+1)
	events = append(events, newEvent(model.ChangeInsert, model.EntityMessage, msg.ConversationID, "", &msg, nil, at))
	for _, uid := range participantIDs {
		events = append(events, newEvent(model.ChangeInsert, model.EntityMessage, msg.ConversationID, uid, &msg, nil, at))
	}
	return events
}

// MessageUpdated builds the conversation scope event for a changed message.
func MessageUpdated(msg model.Message, at time.Time) model.ChangeEvent {
	return newEvent(model.ChangeUpdate, model.EntityMessage, msg.ConversationID, "", &msg, nil, at)
}

// ParticipantAdded builds the directory scope event for a new membership.
func ParticipantAdded(p model.ParticipantState, at time.Time) model.ChangeEvent {
	return newEvent(model.ChangeInsert, model.EntityParticipant, p.ConversationID, p.UserID, nil, &p, at)
}

func newEvent(kind model.ChangeKind, entity model.EntityKind, convID, recipient string, msg *model.Message, p *model.ParticipantState, at time.Time) model.ChangeEvent {
	if msg != nil {
		m := msg.Clone()
		msg = &m
	}
	return model.ChangeEvent{
		ID:             uuid.NewString(),
		Kind:           kind,
		Entity:         entity,
		ConversationID: convID,
		RecipientID:    recipient,
		Message:        msg,
		Participant:    p,
		At:             at,
	}
}

// Encode serializes an event for a wire transport.
func Encode(ev model.ChangeEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Decode parses an event written by Encode.
func Decode(data []byte) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return ev, nil
}
