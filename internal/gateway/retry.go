package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
)

// RetryPolicy bounds the exponential backoff applied to gateway calls.
type RetryPolicy struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// CallTimeout bounds each attempt. Zero means no per-attempt deadline.
	CallTimeout time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     4,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	CallTimeout:     10 * time.Second,
}

// Retrying wraps a gateway with bounded exponential backoff. CreateMessage
// is retried safely because the idempotency key travels with every attempt.
type Retrying struct {
	next   Gateway
	policy RetryPolicy
	logger *logger.Logger
}

var _ Gateway = (*Retrying)(nil)

// NewRetrying decorates next with retries.
func NewRetrying(next Gateway, policy RetryPolicy, log *logger.Logger) *Retrying {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Retrying{next: next, policy: policy, logger: log.Named("gateway.retry")}
}

// Permanent reports whether err must not be retried.
func Permanent(err error) bool {
	return errors.Is(err, model.ErrNotParticipant) ||
		errors.Is(err, model.ErrAuthenticationRequired) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, model.ErrInvalidContent) ||
		errors.Is(err, model.ErrInvalidConversation) ||
		errors.Is(err, context.Canceled)
}

func (r *Retrying) newBackOff(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.policy.InitialInterval
	exp.MaxInterval = r.policy.MaxInterval
	exp.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.policy.MaxAttempts-1)), ctx)
}

func do[T any](ctx context.Context, r *Retrying, op string, call func(context.Context) (T, error)) (T, error) {
	attempt := 0
	operation := func() (T, error) {
		attempt++
		if attempt > 1 {
			metrics.GatewayRetries.WithLabelValues(op).Inc()
		}
		callCtx := ctx
		if r.policy.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.policy.CallTimeout)
			defer cancel()
		}
		v, err := call(callCtx)
		if err != nil && Permanent(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Warn("gateway call failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithData(operation, r.newBackOff(ctx), notify)
}

func (r *Retrying) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	return do(ctx, r, OpListConversations, func(ctx context.Context) ([]model.ConversationSummary, error) {
		return r.next.ListConversations(ctx, userID)
	})
}

func (r *Retrying) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error) {
	return do(ctx, r, OpGetOrCreateDirect, func(ctx context.Context) (model.Conversation, error) {
		return r.next.GetOrCreateDirectConversation(ctx, userID, otherUserID)
	})
}

func (r *Retrying) ListMessages(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	return do(ctx, r, OpListMessages, func(ctx context.Context) ([]model.Message, error) {
		return r.next.ListMessages(ctx, conversationID, userID)
	})
}

func (r *Retrying) CreateMessage(ctx context.Context, in CreateMessageInput) (model.Message, error) {
	return do(ctx, r, OpCreateMessage, func(ctx context.Context) (model.Message, error) {
		return r.next.CreateMessage(ctx, in)
	})
}

func (r *Retrying) MarkRead(ctx context.Context, conversationID, userID string) (model.ReadReceipt, error) {
	return do(ctx, r, OpMarkRead, func(ctx context.Context) (model.ReadReceipt, error) {
		return r.next.MarkRead(ctx, conversationID, userID)
	})
}
