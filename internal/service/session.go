// Package service holds the per-user synchronization core: the conversation
// directory, the open-conversation synchronizer and the subscription
// lifecycle, composed behind a Session.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/view"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// Deps are the collaborators every session shares.
type Deps struct {
	Gateway gateway.Gateway
	Feed    feed.Feed
	Logger  *logger.Logger

	RefreshInterval time.Duration
	RefreshBurst    int
	ReadTimeout     time.Duration
	StartTimeout    time.Duration

	SyncOptions []SyncOption
}

// Session is one authenticated user's view of their conversations.
type Session struct {
	userID    string
	gateway   gateway.Gateway
	logger    *logger.Logger
	lifecycle *Lifecycle
	directory *Directory
	sync      *Synchronizer
}

// NewSession wires a session for userID. It fails without a user.
func NewSession(deps Deps, userID string) (*Session, error) {
	if userID == "" {
		return nil, model.ErrAuthenticationRequired
	}
	log := deps.Logger.WithSession(userID)
	lc := NewLifecycle(deps.Feed, log)

	directory := NewDirectory(userID, deps.Gateway, lc, log, deps.RefreshInterval, deps.RefreshBurst)
	opts := make([]SyncOption, 0, len(deps.SyncOptions)+2)
	if deps.ReadTimeout > 0 {
		opts = append(opts, WithReadTimeout(deps.ReadTimeout))
	}
	// Read receipts change unread counts, which only a reload picks up.
	opts = append(opts, WithOnRead(directory.Trigger))
	opts = append(opts, deps.SyncOptions...)
	return &Session{
		userID:    userID,
		gateway:   deps.Gateway,
		logger:    log.Named("session"),
		lifecycle: lc,
		directory: directory,
		sync:      NewSynchronizer(userID, deps.Gateway, lc, log, opts...),
	}, nil
}

// UserID returns the session owner.
func (s *Session) UserID() string { return s.userID }

// Start loads the directory and subscribes to its triggers.
func (s *Session) Start(ctx context.Context) error {
	return s.directory.Start(ctx)
}

// OpenConversation opens conversationID, replacing any open conversation.
// Conversations outside the user's directory are rejected before anything
// changes; the directory is reloaded once first in case it is stale.
func (s *Session) OpenConversation(ctx context.Context, conversationID string) error {
	if s.directory.Ready() {
		if _, ok := s.directory.Lookup(conversationID); !ok {
			if err := s.directory.Refresh(ctx); err != nil {
				return err
			}
			if _, ok := s.directory.Lookup(conversationID); !ok {
				return model.ErrNotParticipant
			}
		}
	}
	return s.sync.Open(ctx, conversationID)
}

// OpenDirect opens the direct conversation with otherUserID, creating it
// on first contact.
func (s *Session) OpenDirect(ctx context.Context, otherUserID string) (model.Conversation, error) {
	conv, err := s.gateway.GetOrCreateDirectConversation(ctx, s.userID, otherUserID)
	if err != nil {
		return model.Conversation{}, model.Persistence(gateway.OpGetOrCreateDirect, err)
	}
	if err := s.directory.Refresh(ctx); err != nil {
		s.logger.Warn("directory refresh after direct open failed", zap.Error(err))
	}
	if err := s.sync.Open(ctx, conv.ID); err != nil {
		return conv, err
	}
	return conv, nil
}

// CloseConversation closes the open conversation, if any.
func (s *Session) CloseConversation() {
	s.sync.Close()
}

// SendMessage sends a text message to the open conversation.
func (s *Session) SendMessage(ctx context.Context, content string) (model.Message, error) {
	return s.SendDraft(ctx, model.Draft{Content: content, Type: model.MessageTypeText})
}

// SendDraft sends any message type to the open conversation.
func (s *Session) SendDraft(ctx context.Context, draft model.Draft) (model.Message, error) {
	return s.sync.Send(ctx, draft)
}

// MarkConversationRead marks the open conversation read.
func (s *Session) MarkConversationRead(ctx context.Context) error {
	return s.sync.MarkRead(ctx)
}

// CurrentMessages is the observable log of the open conversation.
func (s *Session) CurrentMessages() *view.View[MessagesSnapshot] { return s.sync.Messages() }

// ConversationList is the observable directory.
func (s *Session) ConversationList() *view.View[DirectorySnapshot] { return s.directory.Conversations() }

// Health is the live-connection state of the session's feed subscriptions.
func (s *Session) Health() *view.View[feed.Health] { return s.lifecycle.Health() }

// Close tears the session down. It never fails and is safe to repeat.
func (s *Session) Close() {
	s.sync.Close()
	s.directory.Close()
	s.lifecycle.Teardown()
}
