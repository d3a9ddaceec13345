// Package memory implements the persistence gateway in process memory.
// It publishes the same change events a database-backed store would.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// Store is an in-memory gateway.
type Store struct {
	publisher feed.Publisher
	logger    *logger.Logger
	clock     func() time.Time

	mu            sync.Mutex
	conversations map[string]*model.Conversation
	participants  map[string]map[string]*model.ParticipantState
	messages      map[string][]*model.Message
	direct        map[string]string
	idempotency   map[string]string
}

var _ gateway.Gateway = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the server clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// NewStore creates an empty store publishing to publisher, which may be nil.
func NewStore(publisher feed.Publisher, log *logger.Logger, opts ...Option) *Store {
	s := &Store{
		publisher:     publisher,
		logger:        log.Named("store.memory"),
		clock:         time.Now,
		conversations: make(map[string]*model.Conversation),
		participants:  make(map[string]map[string]*model.ParticipantState),
		messages:      make(map[string][]*model.Message),
		direct:        make(map[string]string),
		idempotency:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// publish runs outside s.mu; rows are already committed so failures are logged.
func (s *Store) publish(ctx context.Context, events []model.ChangeEvent) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	if err := s.publisher.Publish(context.WithoutCancel(ctx), events...); err != nil {
		s.logger.Warn("failed to publish change events", zap.Int("events", len(events)), zap.Error(err))
	}
}

// ListConversations returns the viewer's conversations, newest activity first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	if userID == "" {
		return nil, model.ErrAuthenticationRequired
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.ConversationSummary, 0)
	for convID, members := range s.participants {
		state, ok := members[userID]
		if !ok {
			continue
		}
		conv := s.conversations[convID]
		out = append(out, model.ConversationSummary{
			Conversation: cloneConversation(conv),
			ReadState:    *state,
			UnreadCount:  model.CountUnread(s.messages[convID], userID, state.LastReadAt),
		})
	}
	model.SortByRecency(out)
	return out, nil
}

// GetOrCreateDirectConversation returns the unique direct conversation of the pair.
func (s *Store) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error) {
	if userID == "" {
		return model.Conversation{}, model.ErrAuthenticationRequired
	}
	key := model.PairKey(userID, otherUserID)

	s.mu.Lock()
	if id, ok := s.direct[key]; ok {
		conv := cloneConversation(s.conversations[id])
		s.mu.Unlock()
		return conv, nil
	}
	conv := model.Conversation{
		ID:             newID(),
		ParticipantIDs: []string{userID, otherUserID},
	}
	if err := conv.Validate(); err != nil {
		s.mu.Unlock()
		return model.Conversation{}, err
	}
	events := s.insertConversationLocked(&conv)
	s.direct[key] = conv.ID
	out := cloneConversation(&conv)
	s.mu.Unlock()

	s.publish(ctx, events)
	return out, nil
}

// CreateGroup creates a group conversation owned by creatorID.
func (s *Store) CreateGroup(ctx context.Context, creatorID string, memberIDs []string, name string) (model.Conversation, error) {
	if creatorID == "" {
		return model.Conversation{}, model.ErrAuthenticationRequired
	}
	ids := []string{creatorID}
	for _, id := range memberIDs {
		if id != creatorID {
			ids = append(ids, id)
		}
	}
	conv := model.Conversation{ID: newID(), IsGroup: true, ParticipantIDs: ids, Name: name}
	if err := conv.Validate(); err != nil {
		return model.Conversation{}, err
	}

	s.mu.Lock()
	events := s.insertConversationLocked(&conv)
	out := cloneConversation(&conv)
	s.mu.Unlock()

	s.publish(ctx, events)
	return out, nil
}

func (s *Store) insertConversationLocked(conv *model.Conversation) []model.ChangeEvent {
	now := s.clock()
	conv.CreatedAt = now
	conv.UpdatedAt = now
	s.conversations[conv.ID] = conv
	members := make(map[string]*model.ParticipantState, len(conv.ParticipantIDs))
	events := make([]model.ChangeEvent, 0, len(conv.ParticipantIDs))
	for _, uid := range conv.ParticipantIDs {
		p := &model.ParticipantState{ConversationID: conv.ID, UserID: uid, JoinedAt: now, LastReadAt: now}
		members[uid] = p
		events = append(events, feed.ParticipantAdded(*p, now))
	}
	s.participants[conv.ID] = members
	return events
}

// AddParticipant adds userID to a group conversation.
func (s *Store) AddParticipant(ctx context.Context, conversationID, actorID, userID string) error {
	s.mu.Lock()
	conv, err := s.memberConversationLocked(conversationID, actorID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !conv.IsGroup {
		s.mu.Unlock()
		return model.ErrInvalidConversation
	}
	if conv.HasParticipant(userID) {
		s.mu.Unlock()
		return nil
	}
	now := s.clock()
	conv.ParticipantIDs = append(conv.ParticipantIDs, userID)
	conv.UpdatedAt = now
	p := &model.ParticipantState{ConversationID: conv.ID, UserID: userID, JoinedAt: now, LastReadAt: now}
	s.participants[conv.ID][userID] = p
	s.mu.Unlock()

	s.publish(ctx, []model.ChangeEvent{feed.ParticipantAdded(*p, now)})
	return nil
}

func (s *Store) memberConversationLocked(conversationID, userID string) (*model.Conversation, error) {
	if userID == "" {
		return nil, model.ErrAuthenticationRequired
	}
	conv, ok := s.conversations[conversationID]
	if !ok {
		return nil, model.ErrNotFound
	}
	if _, ok := s.participants[conversationID][userID]; !ok {
		return nil, model.ErrNotParticipant
	}
	return conv, nil
}

// ListMessages returns the conversation's messages in total order.
func (s *Store) ListMessages(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.memberConversationLocked(conversationID, userID); err != nil {
		return nil, err
	}
	stored := s.messages[conversationID]
	out := make([]model.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Clone()
	}
	model.SortMessages(out)
	return out, nil
}

// CreateMessage persists a message once per idempotency key.
func (s *Store) CreateMessage(ctx context.Context, in gateway.CreateMessageInput) (model.Message, error) {
	draft, err := model.Draft{Content: in.Content, Type: in.Type, Media: in.Media}.Normalize()
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	conv, err := s.memberConversationLocked(in.ConversationID, in.SenderID)
	if err != nil {
		s.mu.Unlock()
		return model.Message{}, err
	}

	idemKey := ""
	if in.IdempotencyKey != "" {
		idemKey = in.ConversationID + "/" + in.SenderID + "/" + in.IdempotencyKey
		if id, ok := s.idempotency[idemKey]; ok {
			if m := s.findLocked(in.ConversationID, id); m != nil {
				out := m.Clone()
				s.mu.Unlock()
				return out, nil
			}
		}
	}

	now := s.clock()
	msg := model.NewOutgoing(conv.ID, in.SenderID, draft, now)
	msg.ID = newID()
	msg.ClientID = in.IdempotencyKey
	stored := msg.Clone()
	s.messages[conv.ID] = append(s.messages[conv.ID], &stored)
	if idemKey != "" {
		s.idempotency[idemKey] = msg.ID
	}

	conv.LastMessage = model.PreviewOf(msg)
	if now.After(conv.UpdatedAt) {
		conv.UpdatedAt = now
	}
	s.participants[conv.ID][in.SenderID].Advance(now)
	events := feed.MessageInserted(msg, conv.ParticipantIDs, now)
	s.mu.Unlock()

	s.publish(ctx, events)
	return msg, nil
}

// MarkRead stamps read receipts on unread messages from others and moves
// the read cursor to the newest message.
func (s *Store) MarkRead(ctx context.Context, conversationID, userID string) (model.ReadReceipt, error) {
	s.mu.Lock()
	if _, err := s.memberConversationLocked(conversationID, userID); err != nil {
		s.mu.Unlock()
		return model.ReadReceipt{}, err
	}
	now := s.clock()
	receipt := model.ReadReceipt{ConversationID: conversationID, UserID: userID, ReadAt: now}

	var newest time.Time
	var events []model.ChangeEvent
	for _, m := range s.messages[conversationID] {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
		if m.SenderID == userID {
			continue
		}
		if m.MarkReadBy(userID, now) {
			if m.DeliveredTo == nil {
				m.DeliveredTo = make(map[string]time.Time)
			}
			if _, ok := m.DeliveredTo[userID]; !ok {
				m.DeliveredTo[userID] = now
			}
			receipt.MessageIDs = append(receipt.MessageIDs, m.ID)
			events = append(events, feed.MessageUpdated(*m, now))
		}
	}
	state := s.participants[conversationID][userID]
	state.Advance(newest)
	receipt.LastReadAt = state.LastReadAt
	s.mu.Unlock()

	s.publish(ctx, events)
	return receipt, nil
}

// EditMessage changes the content of a message its sender owns.
func (s *Store) EditMessage(ctx context.Context, messageID, userID, content string) (model.Message, error) {
	s.mu.Lock()
	var target *model.Message
	for _, msgs := range s.messages {
		for _, m := range msgs {
			if m.ID == messageID {
				target = m
			}
		}
	}
	if target == nil {
		s.mu.Unlock()
		return model.Message{}, model.ErrNotFound
	}
	if target.SenderID != userID {
		s.mu.Unlock()
		return model.Message{}, model.ErrNotParticipant
	}
	now := s.clock()
	target.Content = content
	target.IsEdited = true
	target.UpdatedAt = &now
	out := target.Clone()
	s.mu.Unlock()

	s.publish(ctx, []model.ChangeEvent{feed.MessageUpdated(out, now)})
	return out, nil
}

func (s *Store) findLocked(conversationID, messageID string) *model.Message {
	for _, m := range s.messages[conversationID] {
		if m.ID == messageID {
			return m
		}
	}
	return nil
}

func cloneConversation(c *model.Conversation) model.Conversation {
	out := *c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.LastMessage != nil {
		lm := *c.LastMessage
		out.LastMessage = &lm
	}
	return out
}
