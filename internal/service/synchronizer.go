package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/view"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// SyncState is the state of the open-conversation synchronizer.
type SyncState string

const (
	SyncIdle       SyncState = "idle"
	SyncLoading    SyncState = "loading"
	SyncLoadFailed SyncState = "load_failed"
	SyncLive       SyncState = "live"
)

// sinceSlack widens the feed replay window to absorb clock skew between
// this process and the feed. Replayed duplicates are dropped by ID.
const sinceSlack = 5 * time.Second

// MessagesSnapshot is what the UI renders for the open conversation.
type MessagesSnapshot struct {
	ConversationID string        `json:"conversation_id"`
	State          SyncState     `json:"state"`
	Entries        []model.Entry `json:"messages"`
}

// Synchronizer keeps the local log of one open conversation consistent
// with the store and the change feed, including optimistic sends.
type Synchronizer struct {
	userID      string
	gateway     gateway.Gateway
	lifecycle   *Lifecycle
	logger      *logger.Logger
	clock       func() time.Time
	newLocalID  func() string
	readTimeout time.Duration
	onRead      func()

	mu             sync.Mutex
	state          SyncState
	conversationID string
	gen            uint64
	log            []model.Entry
	durable        map[string]struct{}
	reading        bool
	readAgain      bool

	view *view.View[MessagesSnapshot]
}

// NewSynchronizer creates an idle synchronizer for userID.
func NewSynchronizer(userID string, gw gateway.Gateway, lc *Lifecycle, log *logger.Logger, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		userID:      userID,
		gateway:     gw,
		lifecycle:   lc,
		logger:      log.Named("sync"),
		clock:       time.Now,
		newLocalID:  uuid.NewString,
		readTimeout: 10 * time.Second,
		state:       SyncIdle,
		durable:     make(map[string]struct{}),
		view:        view.New(MessagesSnapshot{State: SyncIdle, Entries: []model.Entry{}}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SyncOption configures a Synchronizer.
type SyncOption func(*Synchronizer)

// WithSyncClock overrides the client clock used for pending messages.
func WithSyncClock(clock func() time.Time) SyncOption {
	return func(s *Synchronizer) { s.clock = clock }
}

// WithLocalIDs overrides the local ID generator.
func WithLocalIDs(gen func() string) SyncOption {
	return func(s *Synchronizer) { s.newLocalID = gen }
}

// WithReadTimeout bounds background read-receipt calls.
func WithReadTimeout(d time.Duration) SyncOption {
	return func(s *Synchronizer) { s.readTimeout = d }
}

// WithOnRead registers fn to run after a read receipt is applied. It
// must not call back into the Synchronizer.
func WithOnRead(fn func()) SyncOption {
	return func(s *Synchronizer) { s.onRead = fn }
}

// Messages is the observable log of the open conversation.
func (s *Synchronizer) Messages() *view.View[MessagesSnapshot] { return s.view }

// State returns the current state and open conversation.
func (s *Synchronizer) State() (SyncState, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state, s.conversationID
}

// Open loads the conversation, marks it read and goes live on its feed.
// Opening cancels whatever was open before.
func (s *Synchronizer) Open(ctx context.Context, conversationID string) error {
	if conversationID == "" {
		return model.ErrNotFound
	}
	log := s.logger.With(zap.String("conversation_id", conversationID))

	s.mu.Lock()
	s.lifecycle.CancelMessages()
	s.gen++
	gen := s.gen
	s.state = SyncLoading
	s.conversationID = conversationID
	s.resetLocked()
	s.publishLocked()
	s.mu.Unlock()

	loadStarted := s.clock()
	msgs, err := s.gateway.ListMessages(ctx, conversationID, s.userID)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return model.ErrSuperseded
	}
	if err != nil {
		s.state = SyncLoadFailed
		s.publishLocked()
		s.mu.Unlock()
		log.Warn("failed to load messages", zap.Error(err))
		return model.Persistence(gateway.OpListMessages, err)
	}
	for _, m := range msgs {
		s.log = append(s.log, model.Durable(m))
		s.durable[m.ID] = struct{}{}
	}
	model.SortEntries(s.log)
	s.publishLocked()
	s.mu.Unlock()

	receipt, readErr := s.gateway.MarkRead(ctx, conversationID, s.userID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return model.ErrSuperseded
	}
	if readErr != nil {
		log.Warn("failed to mark conversation read", zap.Error(readErr))
	} else {
		s.applyReceiptLocked(receipt)
		s.notifyRead()
	}

	handler := func(ev model.ChangeEvent) { s.handle(gen, ev) }
	if _, err := s.lifecycle.SwitchMessages(ctx, feed.ConversationMessages(conversationID), handler,
		feed.Since(loadStarted.Add(-sinceSlack))); err != nil {
		s.state = SyncLoadFailed
		s.resetLocked()
		s.publishLocked()
		return fmt.Errorf("subscribe to conversation: %w", err)
	}

	s.state = SyncLive
	s.publishLocked()
	log.Debug("conversation live", zap.Int("messages", len(s.log)))
	return nil
}

// Close cancels the feed and discards the log.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lifecycle.CancelMessages()
	s.gen++
	s.state = SyncIdle
	s.conversationID = ""
	s.resetLocked()
	s.publishLocked()
}

// Send appends a pending entry immediately, then persists it. On success
// the pending entry becomes durable in place; on failure it is removed and
// the error is returned. The caller decides whether to retry.
func (s *Synchronizer) Send(ctx context.Context, draft model.Draft) (model.Message, error) {
	draft, err := draft.Normalize()
	if err != nil {
		return model.Message{}, err
	}

	s.mu.Lock()
	if s.state != SyncLive {
		s.mu.Unlock()
		return model.Message{}, model.ErrNotOpen
	}
	gen, conversationID := s.gen, s.conversationID
	localID := s.newLocalID()
	s.log = append(s.log, model.Pending(localID, model.NewOutgoing(conversationID, s.userID, draft, s.clock())))
	s.publishLocked()
	s.mu.Unlock()

	msg, err := s.gateway.CreateMessage(ctx, gateway.CreateMessageInput{
		ConversationID: conversationID,
		SenderID:       s.userID,
		Content:        draft.Content,
		Type:           draft.Type,
		Media:          draft.Media,
		IdempotencyKey: localID,
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		metrics.OptimisticSends.WithLabelValues("superseded").Inc()
		if err != nil {
			return model.Message{}, model.Persistence(gateway.OpCreateMessage, err)
		}
		return msg, nil
	}

	idx := s.pendingIndexLocked(localID)
	if err != nil {
		if idx >= 0 {
			s.removeLocked(idx)
			s.publishLocked()
		}
		metrics.OptimisticSends.WithLabelValues("failed").Inc()
		s.logger.Warn("send failed, rolled back",
			zap.String("conversation_id", conversationID),
			zap.String("local_id", localID),
			zap.Error(err),
		)
		return model.Message{}, model.Persistence(gateway.OpCreateMessage, err)
	}

	metrics.OptimisticSends.WithLabelValues("confirmed").Inc()
	if idx < 0 {
		// The feed delivered the durable row first and already confirmed it.
		return msg, nil
	}
	if _, seen := s.durable[msg.ID]; seen {
		s.removeLocked(idx)
	} else {
		s.log[idx] = model.Durable(msg)
		s.durable[msg.ID] = struct{}{}
	}
	s.publishLocked()
	return msg, nil
}

// MarkRead marks the open conversation read and reconciles receipts locally.
func (s *Synchronizer) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.state != SyncLive {
		s.mu.Unlock()
		return model.ErrNotOpen
	}
	gen, conversationID := s.gen, s.conversationID
	s.mu.Unlock()

	receipt, err := s.gateway.MarkRead(ctx, conversationID, s.userID)
	if err != nil {
		return model.Persistence(gateway.OpMarkRead, err)
	}

	s.mu.Lock()
	applied := s.gen == gen
	if applied {
		s.applyReceiptLocked(receipt)
	}
	s.mu.Unlock()
	if applied {
		s.notifyRead()
	}
	return nil
}

func (s *Synchronizer) handle(gen uint64, ev model.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := string(ev.Kind)
	if s.gen != gen || (s.state != SyncLive && s.state != SyncLoading) {
		metrics.RecordFeedEvent(string(feed.ScopeConversation), kind, "stale")
		return
	}
	if ev.Entity != model.EntityMessage || ev.Message == nil || ev.Message.ConversationID != s.conversationID {
		metrics.RecordFeedEvent(string(feed.ScopeConversation), kind, "ignored")
		return
	}
	msg := ev.Message.Clone()

	switch ev.Kind {
	case model.ChangeInsert:
		s.applyInsertLocked(msg)
	case model.ChangeUpdate:
		s.applyUpdateLocked(msg)
	default:
		metrics.RecordFeedEvent(string(feed.ScopeConversation), kind, "ignored")
	}
}

func (s *Synchronizer) applyInsertLocked(msg model.Message) {
	scope := string(feed.ScopeConversation)
	if _, seen := s.durable[msg.ID]; seen {
		metrics.RecordFeedEvent(scope, string(model.ChangeInsert), "duplicate")
		return
	}
	if msg.SenderID == s.userID && msg.ClientID != "" {
		if idx := s.pendingIndexLocked(msg.ClientID); idx >= 0 {
			s.log[idx] = model.Durable(msg)
			s.durable[msg.ID] = struct{}{}
			s.publishLocked()
			metrics.RecordFeedEvent(scope, string(model.ChangeInsert), "confirmed")
			return
		}
	}

	s.log = append(s.log, model.Durable(msg))
	s.durable[msg.ID] = struct{}{}
	model.SortEntries(s.log)
	s.publishLocked()
	metrics.RecordFeedEvent(scope, string(model.ChangeInsert), "applied")

	if msg.SenderID != s.userID && s.state == SyncLive {
		s.requestReadLocked()
	}
}

func (s *Synchronizer) applyUpdateLocked(msg model.Message) {
	scope := string(feed.ScopeConversation)
	idx := s.durableIndexLocked(msg.ID)
	if idx < 0 {
		metrics.RecordFeedEvent(scope, string(model.ChangeUpdate), "anomalous")
		s.logger.Warn("dropping update",
			zap.String("conversation_id", s.conversationID),
			zap.String("message_id", msg.ID),
			zap.Error(model.ErrAnomalousUpdate),
		)
		return
	}
	s.log[idx].Message.Merge(msg)
	s.publishLocked()
	metrics.RecordFeedEvent(scope, string(model.ChangeUpdate), "applied")
}

// requestReadLocked coalesces background read receipts: at most one call
// in flight, and one more if messages arrived meanwhile.
func (s *Synchronizer) requestReadLocked() {
	if s.reading {
		s.readAgain = true
		return
	}
	s.reading = true
	go s.readLoop()
}

func (s *Synchronizer) readLoop() {
	for {
		s.mu.Lock()
		s.readAgain = false
		if s.state != SyncLive {
			s.reading = false
			s.mu.Unlock()
			return
		}
		gen, conversationID := s.gen, s.conversationID
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), s.readTimeout)
		receipt, err := s.gateway.MarkRead(ctx, conversationID, s.userID)
		cancel()

		s.mu.Lock()
		applied := false
		switch {
		case err != nil && !errors.Is(err, context.Canceled):
			s.logger.Warn("background mark read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		case err == nil && s.gen == gen:
			s.applyReceiptLocked(receipt)
			applied = true
		}
		again := s.readAgain
		if !again {
			s.reading = false
		}
		s.mu.Unlock()

		if applied {
			s.notifyRead()
		}
		if !again {
			return
		}
	}
}

func (s *Synchronizer) notifyRead() {
	if s.onRead != nil {
		s.onRead()
	}
}

func (s *Synchronizer) applyReceiptLocked(r model.ReadReceipt) {
	if r.ConversationID != s.conversationID {
		return
	}
	changed := false
	for _, id := range r.MessageIDs {
		if idx := s.durableIndexLocked(id); idx >= 0 {
			changed = s.log[idx].MarkReadBy(r.UserID, r.ReadAt) || changed
		}
	}
	if changed {
		s.publishLocked()
	}
}

func (s *Synchronizer) pendingIndexLocked(localID string) int {
	for i := range s.log {
		if s.log[i].IsPending() && s.log[i].LocalID() == localID {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) durableIndexLocked(id string) int {
	if _, ok := s.durable[id]; !ok {
		return -1
	}
	for i := range s.log {
		if !s.log[i].IsPending() && s.log[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) removeLocked(idx int) {
	s.log = append(s.log[:idx], s.log[idx+1:]...)
}

func (s *Synchronizer) resetLocked() {
	s.log = nil
	s.durable = make(map[string]struct{})
}

// publishLocked hands the view a deep copy so readers never race the log.
func (s *Synchronizer) publishLocked() {
	entries := make([]model.Entry, len(s.log))
	for i := range s.log {
		entries[i] = s.log[i].Clone()
	}
	s.view.Set(MessagesSnapshot{ConversationID: s.conversationID, State: s.state, Entries: entries})
}
