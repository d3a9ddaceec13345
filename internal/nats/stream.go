package nats

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/feed"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

const (
	// StreamName is the name of the change feed stream.
	StreamName = "CHATSYNC"

	// SubjectPrefix is the prefix for all change feed subjects.
	SubjectPrefix = "chatsync"

	// retention only needs to cover reconnect and list-then-subscribe gaps.
	retention = 7 * 24 * time.Hour
)

// StreamManager publishes change events to JetStream and serves scoped
// subscriptions through ordered consumers.
type StreamManager struct {
	client *Client
	logger *logger.Logger
}

var _ feed.Transport = (*StreamManager)(nil)

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, log *logger.Logger) *StreamManager {
	return &StreamManager{client: client, logger: log.Named("feed.nats")}
}

// EnsureStream ensures the change feed stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	_, err := m.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      retention,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  2 * time.Minute,
		Description: "Row change events for conversations and messages",
	})
	if err != nil {
		return fmt.Errorf("failed to ensure stream: %w", err)
	}
	return nil
}

// EventSubject returns the subject an event is published on.
func EventSubject(ev model.ChangeEvent) (string, error) {
	scope := feed.ScopeOf(ev)
	if err := checkToken(scope.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.%s.%s.%s", SubjectPrefix, scope.Kind, scope.ID, ev.Entity, ev.Kind), nil
}

// ScopeFilter returns the filter subject for every event in scope.
func ScopeFilter(scope feed.Scope) (string, error) {
	if err := checkToken(scope.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s.%s.%s.>", SubjectPrefix, scope.Kind, scope.ID), nil
}

func checkToken(id string) error {
	if id == "" || strings.ContainsAny(id, ".*> \t") {
		return fmt.Errorf("invalid subject token %q", id)
	}
	return nil
}

// Publish writes events to the stream. The event ID doubles as the
// JetStream de-duplication ID so publisher retries are harmless.
func (m *StreamManager) Publish(ctx context.Context, events ...model.ChangeEvent) error {
	js := m.client.JetStream()
	for _, ev := range events {
		subject, err := EventSubject(ev)
		if err != nil {
			return err
		}
		data, err := feed.Encode(ev)
		if err != nil {
			return err
		}
		if _, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
	}
	return nil
}

// Subscribe opens an ordered consumer on the scope filter. With feed.Since
// the consumer starts at that time, otherwise at new messages only.
func (m *StreamManager) Subscribe(ctx context.Context, scope feed.Scope, handler feed.Handler, opts ...feed.Option) (*feed.Subscription, error) {
	filter, err := ScopeFilter(scope)
	if err != nil {
		return nil, err
	}
	o := feed.ApplyOptions(opts...)

	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{filter},
		DeliverPolicy:  jetstream.DeliverNewPolicy,
	}
	if !o.Since.IsZero() {
		since := o.Since
		cfg.DeliverPolicy = jetstream.DeliverByStartTimePolicy
		cfg.OptStartTime = &since
	}

	sub := feed.NewSubscription(scope, handler, m.logger)

	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		ev, err := feed.Decode(msg.Data())
		if err != nil {
			m.logger.Warn("dropping undecodable event", zap.String("subject", msg.Subject()), zap.Error(err))
			metrics.RecordFeedEvent(string(scope.Kind), "unknown", "undecodable")
			return
		}
		if sub.Health() == feed.HealthDegraded {
			sub.MarkLive()
		}
		sub.Deliver(ev)
	}, jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
		sub.MarkDegraded(err)
	}))
	if err != nil {
		sub.Cancel()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	unwatch := m.client.Watch(func(connected bool, err error) {
		if connected {
			sub.MarkLive()
			return
		}
		sub.MarkDegraded(err)
	})
	sub.OnStop(func() error {
		unwatch()
		cc.Stop()
		return nil
	})
	sub.MarkLive()
	return sub, nil
}

// Ready reports whether the connection is up.
func (m *StreamManager) Ready() error {
	if !m.client.IsConnected() {
		return ErrDisconnected
	}
	return nil
}

// Close closes the underlying connection.
func (m *StreamManager) Close() error {
	m.client.Close()
	return nil
}
