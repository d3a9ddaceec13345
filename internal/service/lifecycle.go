package service

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/view"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

// Lifecycle owns the feed subscriptions of one session: at most one for
// the open conversation and one for the directory.
type Lifecycle struct {
	feed   feed.Feed
	logger *logger.Logger

	mu        sync.Mutex
	messages  *feed.Subscription
	directory *feed.Subscription
	torn      bool

	health *view.View[feed.Health]
}

// NewLifecycle creates a lifecycle manager over f.
func NewLifecycle(f feed.Feed, log *logger.Logger) *Lifecycle {
	return &Lifecycle{
		feed:   f,
		logger: log.Named("lifecycle"),
		health: view.New(feed.HealthClosed),
	}
}

// SwitchMessages cancels the current message subscription and opens a new
// one in a single critical section.
func (l *Lifecycle) SwitchMessages(ctx context.Context, scope feed.Scope, handler feed.Handler, opts ...feed.Option) (*feed.Subscription, error) {
	return l.replace(ctx, &l.messages, scope, handler, opts)
}

// WatchDirectory replaces the directory subscription.
func (l *Lifecycle) WatchDirectory(ctx context.Context, scope feed.Scope, handler feed.Handler, opts ...feed.Option) (*feed.Subscription, error) {
	return l.replace(ctx, &l.directory, scope, handler, opts)
}

func (l *Lifecycle) replace(ctx context.Context, slot **feed.Subscription, scope feed.Scope, handler feed.Handler, opts []feed.Option) (*feed.Subscription, error) {
	l.mu.Lock()
	if l.torn {
		l.mu.Unlock()
		return nil, model.ErrSessionClosed
	}
	if *slot != nil {
		(*slot).Cancel()
		*slot = nil
	}
	sub, err := l.feed.Subscribe(ctx, scope, handler, opts...)
	if err != nil {
		l.mu.Unlock()
		l.logger.Warn("feed subscribe failed", zap.String("scope", scope.String()), zap.Error(err))
		l.refreshHealth()
		return nil, err
	}
	*slot = sub
	l.mu.Unlock()

	go l.watch(sub)
	return sub, nil
}

// CancelMessages drops the message subscription, if any.
func (l *Lifecycle) CancelMessages() {
	l.cancel(&l.messages)
}

// CancelDirectory drops the directory subscription, if any.
func (l *Lifecycle) CancelDirectory() {
	l.cancel(&l.directory)
}

func (l *Lifecycle) cancel(slot **feed.Subscription) {
	l.mu.Lock()
	if *slot != nil {
		(*slot).Cancel()
		*slot = nil
	}
	l.mu.Unlock()
	l.refreshHealth()
}

// Teardown cancels everything and refuses new subscriptions. It is safe to
// call more than once.
func (l *Lifecycle) Teardown() {
	l.mu.Lock()
	l.torn = true
	for _, slot := range []**feed.Subscription{&l.messages, &l.directory} {
		if *slot != nil {
			(*slot).Cancel()
			*slot = nil
		}
	}
	l.mu.Unlock()
	l.refreshHealth()
}

// Active reports which subscriptions are currently held.
func (l *Lifecycle) Active() (messages, directory bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messages != nil, l.directory != nil
}

// Health is the worst health across the held subscriptions, or Closed
// when none is held.
func (l *Lifecycle) Health() *view.View[feed.Health] {
	return l.health
}

func (l *Lifecycle) watch(sub *feed.Subscription) {
	for {
		changed := sub.Changed()
		l.refreshHealth()
		if sub.Health() == feed.HealthClosed {
			return
		}
		<-changed
	}
}

func (l *Lifecycle) refreshHealth() {
	l.mu.Lock()
	worst := feed.HealthClosed
	held := false
	for _, sub := range []*feed.Subscription{l.messages, l.directory} {
		if sub == nil {
			continue
		}
		h := sub.Health()
		if !held || h.Rank() > worst.Rank() {
			worst = h
		}
		held = true
	}
	if l.health.Get() != worst {
		l.health.Set(worst)
	}
	l.mu.Unlock()
}
