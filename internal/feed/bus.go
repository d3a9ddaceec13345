package feed

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

const (
	defaultQueueSize    = 1024
	defaultHistoryLimit = 256
)

// ErrSlowConsumer is reported when a subscriber's queue overflows.
var ErrSlowConsumer = errors.New("subscriber queue full, events dropped")

// ErrBusClosed is returned by a closed bus.
var ErrBusClosed = errors.New("feed bus closed")

// Bus is an in-process transport. Each subscription gets its own ordered
// delivery goroutine; a bounded per-scope history serves Since replays.
type Bus struct {
	logger       *logger.Logger
	queueSize    int
	historyLimit int

	mu      sync.Mutex
	closed  bool
	subs    map[string]map[*busSub]struct{}
	history map[string][]model.ChangeEvent
}

type busSub struct {
	sub   *Subscription
	queue chan model.ChangeEvent
	done  chan struct{}
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithQueueSize bounds each subscriber's pending queue.
func WithQueueSize(n int) BusOption {
	return func(b *Bus) { b.queueSize = n }
}

// WithHistoryLimit bounds the replay history kept per scope.
func WithHistoryLimit(n int) BusOption {
	return func(b *Bus) { b.historyLimit = n }
}

// NewBus creates an in-process transport.
func NewBus(log *logger.Logger, opts ...BusOption) *Bus {
	b := &Bus{
		logger:       log.Named("feed.bus"),
		queueSize:    defaultQueueSize,
		historyLimit: defaultHistoryLimit,
		subs:         make(map[string]map[*busSub]struct{}),
		history:      make(map[string][]model.ChangeEvent),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for scope.
func (b *Bus) Subscribe(ctx context.Context, scope Scope, handler Handler, opts ...Option) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	o := ApplyOptions(opts...)
	sub := NewSubscription(scope, handler, b.logger)
	bs := &busSub{
		sub:   sub,
		queue: make(chan model.ChangeEvent, b.queueSize),
		done:  make(chan struct{}),
	}
	key := scope.String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.Cancel()
		return nil, ErrBusClosed
	}
	if b.subs[key] == nil {
		b.subs[key] = make(map[*busSub]struct{})
	}
	b.subs[key][bs] = struct{}{}
	if !o.Since.IsZero() {
		for _, ev := range b.history[key] {
			if !ev.At.Before(o.Since) {
				b.enqueue(bs, ev)
			}
		}
	}
	b.mu.Unlock()

	go bs.run()
	sub.OnStop(func() error {
		b.remove(key, bs)
		return nil
	})
	sub.MarkLive()
	return sub, nil
}

func (bs *busSub) run() {
	for {
		select {
		case <-bs.done:
			return
		case ev := <-bs.queue:
			bs.sub.Deliver(ev)
		}
	}
}

func (b *Bus) remove(key string, bs *busSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[key]; ok {
		if _, ok := set[bs]; ok {
			delete(set, bs)
			close(bs.done)
		}
		if len(set) == 0 {
			delete(b.subs, key)
		}
	}
}

// enqueue never blocks; callers hold b.mu.
func (b *Bus) enqueue(bs *busSub, ev model.ChangeEvent) {
	select {
	case bs.queue <- ev:
	default:
		metrics.RecordFeedEvent(string(bs.sub.Scope().Kind), string(ev.Kind), "dropped")
		bs.sub.MarkDegraded(ErrSlowConsumer)
	}
}

// Publish routes each event to the subscribers of its scope.
func (b *Bus) Publish(ctx context.Context, events ...model.ChangeEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	for _, ev := range events {
		key := ScopeOf(ev).String()
		hist := append(b.history[key], ev)
		if len(hist) > b.historyLimit {
			hist = hist[len(hist)-b.historyLimit:]
		}
		b.history[key] = hist
		for bs := range b.subs[key] {
			b.enqueue(bs, ev)
		}
	}
	return nil
}

// Ready reports whether the bus accepts traffic.
func (b *Bus) Ready() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBusClosed
	}
	return nil
}

// Close cancels every subscription.
func (b *Bus) Close() error {
	b.mu.Lock()
	b.closed = true
	var subs []*Subscription
	for _, set := range b.subs {
		for bs := range set {
			subs = append(subs, bs.sub)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
	b.logger.Debug("feed bus closed", zap.Int("subscriptions", len(subs)))
	return nil
}
