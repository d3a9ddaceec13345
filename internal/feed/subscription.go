package feed

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/view"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// Health is the connection state of a subscription.
type Health string

const (
	HealthConnecting Health = "connecting"
	HealthLive       Health = "live"
	HealthDegraded   Health = "degraded"
	HealthClosed     Health = "closed"
)

// Rank orders health from best to worst.
func (h Health) Rank() int {
	switch h {
	case HealthLive:
		return 0
	case HealthConnecting:
		return 1
	case HealthDegraded:
		return 2
	default:
		return 3
	}
}

// Subscription is a live handle on a scoped stream of change events.
// Transports drive it through MarkLive, MarkDegraded and Deliver.
type Subscription struct {
	scope   Scope
	handler Handler
	logger  *logger.Logger
	health  *view.View[Health]

	closed atomic.Bool
	once   sync.Once

	mu   sync.Mutex
	err  error
	stop func() error
}

// NewSubscription creates a subscription in the Connecting state.
func NewSubscription(scope Scope, handler Handler, log *logger.Logger) *Subscription {
	metrics.FeedSubscriptionsActive.WithLabelValues(string(scope.Kind)).Inc()
	return &Subscription{
		scope:   scope,
		handler: handler,
		logger:  log.With(zap.String("scope", scope.String())),
		health:  view.New(HealthConnecting),
	}
}

// Scope returns the subscription filter.
func (s *Subscription) Scope() Scope { return s.scope }

// Health returns the current health.
func (s *Subscription) Health() Health { return s.health.Get() }

// Changed returns a channel closed on the next health change.
func (s *Subscription) Changed() <-chan struct{} { return s.health.Changed() }

// Err returns the last transport error, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Closed reports whether Cancel has been called.
func (s *Subscription) Closed() bool { return s.closed.Load() }

// OnStop registers the transport teardown. If the subscription is already
// cancelled the teardown runs immediately.
func (s *Subscription) OnStop(stop func() error) {
	s.mu.Lock()
	if !s.closed.Load() {
		s.stop = stop
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.runStop(stop)
}

// MarkLive records that the transport is delivering.
func (s *Subscription) MarkLive() {
	s.transition(HealthLive, nil)
}

// MarkDegraded records a transport failure. Delivery may resume later.
func (s *Subscription) MarkDegraded(err error) {
	if s.transition(HealthDegraded, err) {
		s.logger.Warn("feed subscription degraded", zap.Error(err))
	}
}

// transition moves to a non-terminal state. Closed is terminal.
func (s *Subscription) transition(to Health, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return false
	}
	s.err = err
	if s.health.Get() == to {
		return false
	}
	s.health.Set(to)
	metrics.FeedHealthTransitions.WithLabelValues(string(s.scope.Kind), string(to)).Inc()
	return true
}

// Deliver hands ev to the handler unless the subscription is cancelled.
func (s *Subscription) Deliver(ev model.ChangeEvent) bool {
	if s.closed.Load() {
		return false
	}
	s.handler(ev)
	return true
}

// Cancel stops delivery. It is idempotent and never fails; teardown errors
// are only logged. A handler call already in progress may still finish.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed.Store(true)
		s.health.Set(HealthClosed)
		stop := s.stop
		s.stop = nil
		s.mu.Unlock()
		metrics.FeedSubscriptionsActive.WithLabelValues(string(s.scope.Kind)).Dec()
		if stop != nil {
			s.runStop(stop)
		}
	})
}

func (s *Subscription) runStop(stop func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("feed teardown panicked", zap.String("panic", fmt.Sprint(r)))
		}
	}()
	if err := stop(); err != nil {
		s.logger.Warn("feed teardown failed", zap.Error(err))
	}
}
