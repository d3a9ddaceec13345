// Package redis provides a Redis Pub/Sub change feed transport.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// ChannelPrefix namespaces every feed channel.
const ChannelPrefix = "chatsync:"

// ErrChannelClosed is reported when Redis drops a subscription channel.
var ErrChannelClosed = errors.New("redis subscription channel closed")

// Config holds Redis connection configuration.
type Config struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Feed implements feed.Transport over Redis Pub/Sub. Pub/Sub keeps no
// history, so feed.Since is not honoured.
type Feed struct {
	client *goredis.Client
	logger *logger.Logger
}

var _ feed.Transport = (*Feed)(nil)

// NewFeed connects to Redis and verifies the connection.
func NewFeed(ctx context.Context, cfg Config, log *logger.Logger) (*Feed, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewFeedWithClient(client, log), nil
}

// NewFeedWithClient wraps an existing client.
func NewFeedWithClient(client *goredis.Client, log *logger.Logger) *Feed {
	return &Feed{client: client, logger: log.Named("feed.redis")}
}

// Channel returns the Pub/Sub channel of a scope.
func Channel(scope feed.Scope) string {
	return ChannelPrefix + scope.String()
}

// Publish sends each event to its scope channel.
func (f *Feed) Publish(ctx context.Context, events ...model.ChangeEvent) error {
	for _, ev := range events {
		data, err := feed.Encode(ev)
		if err != nil {
			return err
		}
		if err := f.client.Publish(ctx, Channel(feed.ScopeOf(ev)), data).Err(); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
	}
	return nil
}

// Subscribe listens on the scope channel until the subscription is cancelled.
func (f *Feed) Subscribe(ctx context.Context, scope feed.Scope, handler feed.Handler, opts ...feed.Option) (*feed.Subscription, error) {
	if o := feed.ApplyOptions(opts...); !o.Since.IsZero() {
		f.logger.Debug("redis feed cannot replay, starting from now", zap.String("scope", scope.String()))
	}

	sub := feed.NewSubscription(scope, handler, f.logger)
	ps := f.client.Subscribe(ctx, Channel(scope))

	// Wait for the subscribe confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		sub.Cancel()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	done := make(chan struct{})
	go f.process(sub, ps, done)

	sub.OnStop(func() error {
		close(done)
		return ps.Close()
	})
	sub.MarkLive()
	return sub, nil
}

func (f *Feed) process(sub *feed.Subscription, ps *goredis.PubSub, done <-chan struct{}) {
	ch := ps.Channel()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				sub.MarkDegraded(ErrChannelClosed)
				return
			}
			ev, err := feed.Decode([]byte(msg.Payload))
			if err != nil {
				f.logger.Warn("dropping undecodable event", zap.String("channel", msg.Channel), zap.Error(err))
				metrics.RecordFeedEvent(string(sub.Scope().Kind), "unknown", "undecodable")
				continue
			}
			sub.Deliver(ev)
		}
	}
}

// Ready pings Redis.
func (f *Feed) Ready() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return f.client.Ping(ctx).Err()
}

// Close closes the client.
func (f *Feed) Close() error {
	return f.client.Close()
}
