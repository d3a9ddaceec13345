package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/internal/view"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// DirectoryState is the load state of the conversation list.
type DirectoryState string

const (
	DirectoryLoading DirectoryState = "loading"
	DirectoryReady   DirectoryState = "ready"
)

// DirectorySnapshot is what the UI renders for the conversation list.
type DirectorySnapshot struct {
	State         DirectoryState              `json:"state"`
	Conversations []model.ConversationSummary `json:"conversations"`
}

// Directory keeps the user's conversation list current. Any relevant feed
// event triggers a wholesale reload; reloads are coalesced and rate limited.
type Directory struct {
	userID    string
	gateway   gateway.Gateway
	lifecycle *Lifecycle
	logger    *logger.Logger
	limiter   *rate.Limiter
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      DirectoryState
	list       []model.ConversationSummary
	refreshing bool
	dirty      bool
	closed     bool
	// loads numbers each list fetch; installed is the newest one shown.
	loads     uint64
	installed uint64

	view *view.View[DirectorySnapshot]
}

// NewDirectory creates a directory in the Loading state. At most one
// reload starts per interval, with the given burst.
func NewDirectory(userID string, gw gateway.Gateway, lc *Lifecycle, log *logger.Logger, interval time.Duration, burst int) *Directory {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Directory{
		userID:    userID,
		gateway:   gw,
		lifecycle: lc,
		logger:    log.Named("directory"),
		limiter:   rate.NewLimiter(limit, burst),
		timeout:   15 * time.Second,
		ctx:       ctx,
		cancel:    cancel,
		state:     DirectoryLoading,
		view:      view.New(DirectorySnapshot{State: DirectoryLoading, Conversations: []model.ConversationSummary{}}),
	}
}

// Start performs the initial load and subscribes to directory triggers.
func (d *Directory) Start(ctx context.Context) error {
	started := time.Now()
	seq := d.nextLoad()
	list, err := d.gateway.ListConversations(ctx, d.userID)
	if err != nil {
		metrics.DirectoryRefreshes.WithLabelValues("error").Inc()
		return model.Persistence(gateway.OpListConversations, err)
	}
	metrics.DirectoryRefreshes.WithLabelValues("ok").Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return model.ErrSessionClosed
	}
	d.installLocked(seq, list)
	d.state = DirectoryReady
	d.publishLocked()

	_, err = d.lifecycle.WatchDirectory(ctx, feed.UserConversations(d.userID), d.onEvent,
		feed.Since(started.Add(-sinceSlack)))
	return err
}

func (d *Directory) onEvent(ev model.ChangeEvent) {
	switch {
	case ev.Entity == model.EntityMessage && ev.Kind == model.ChangeInsert,
		ev.Entity == model.EntityParticipant && ev.Kind == model.ChangeInsert:
		metrics.RecordFeedEvent(string(feed.ScopeUser), string(ev.Kind), "applied")
		d.Trigger()
	default:
		metrics.RecordFeedEvent(string(feed.ScopeUser), string(ev.Kind), "ignored")
	}
}

// Trigger schedules a reload. Triggers arriving while one is in flight
// collapse into a single follow-up reload.
func (d *Directory) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.refreshing {
		d.dirty = true
		return
	}
	d.refreshing = true
	go d.refreshLoop()
}

func (d *Directory) refreshLoop() {
	for {
		if err := d.limiter.Wait(d.ctx); err != nil {
			d.mu.Lock()
			d.refreshing = false
			d.mu.Unlock()
			return
		}
		ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
		_ = d.reload(ctx)
		cancel()

		d.mu.Lock()
		if !d.dirty || d.closed {
			d.refreshing = false
			d.dirty = false
			d.mu.Unlock()
			return
		}
		d.dirty = false
		d.mu.Unlock()
	}
}

// Refresh reloads synchronously.
func (d *Directory) Refresh(ctx context.Context) error {
	return d.reload(ctx)
}

func (d *Directory) reload(ctx context.Context) error {
	seq := d.nextLoad()
	list, err := d.gateway.ListConversations(ctx, d.userID)
	if err != nil {
		metrics.DirectoryRefreshes.WithLabelValues("error").Inc()
		d.logger.Warn("directory refresh failed", zap.Error(err))
		return model.Persistence(gateway.OpListConversations, err)
	}
	metrics.DirectoryRefreshes.WithLabelValues("ok").Inc()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return model.ErrSessionClosed
	}
	if !d.installLocked(seq, list) {
		metrics.DirectoryRefreshes.WithLabelValues("stale").Inc()
		return nil
	}
	d.state = DirectoryReady
	d.publishLocked()
	return nil
}

func (d *Directory) nextLoad() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.loads++
	return d.loads
}

// Lookup returns the directory row of a conversation.
func (d *Directory) Lookup(conversationID string) (model.ConversationSummary, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range d.list {
		if c.ID == conversationID {
			return c, true
		}
	}
	return model.ConversationSummary{}, false
}

// Ready reports whether the initial load has completed.
func (d *Directory) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == DirectoryReady
}

// Conversations is the observable conversation list.
func (d *Directory) Conversations() *view.View[DirectorySnapshot] { return d.view }

// Close stops reloads and drops the directory subscription.
func (d *Directory) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.cancel()
	d.lifecycle.CancelDirectory()
}

// installLocked replaces the list unless a later load already did.
func (d *Directory) installLocked(seq uint64, list []model.ConversationSummary) bool {
	if seq < d.installed {
		return false
	}
	d.installed = seq
	sorted := make([]model.ConversationSummary, len(list))
	copy(sorted, list)
	model.SortByRecency(sorted)
	d.list = sorted
	return true
}

func (d *Directory) publishLocked() {
	out := make([]model.ConversationSummary, len(d.list))
	copy(out, d.list)
	d.view.Set(DirectorySnapshot{State: d.state, Conversations: out})
}
