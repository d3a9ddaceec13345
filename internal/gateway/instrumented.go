package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/metrics"
	"github.com/capitalize-ai/chatsync/pkg/tracing"
)

// Instrumented records latency, outcome and a span for every gateway call.
type Instrumented struct {
	next   Gateway
	tracer trace.Tracer
}

var _ Gateway = (*Instrumented)(nil)

// NewInstrumented decorates next with metrics and tracing.
func NewInstrumented(next Gateway) *Instrumented {
	return &Instrumented{next: next, tracer: tracing.Tracer("chatsync/gateway")}
}

func observe[T any](ctx context.Context, g *Instrumented, op string, attrs []attribute.KeyValue, call func(context.Context) (T, error)) (T, error) {
	ctx, span := g.tracer.Start(ctx, "gateway."+op, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	v, err := call(ctx)
	metrics.RecordGatewayCall(op, err, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

func (g *Instrumented) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	attrs := []attribute.KeyValue{attribute.String("user.id", userID)}
	return observe(ctx, g, OpListConversations, attrs, func(ctx context.Context) ([]model.ConversationSummary, error) {
		return g.next.ListConversations(ctx, userID)
	})
}

func (g *Instrumented) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error) {
	attrs := []attribute.KeyValue{attribute.String("user.id", userID), attribute.String("peer.id", otherUserID)}
	return observe(ctx, g, OpGetOrCreateDirect, attrs, func(ctx context.Context) (model.Conversation, error) {
		return g.next.GetOrCreateDirectConversation(ctx, userID, otherUserID)
	})
}

func (g *Instrumented) ListMessages(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	attrs := []attribute.KeyValue{attribute.String("conversation.id", conversationID), attribute.String("user.id", userID)}
	return observe(ctx, g, OpListMessages, attrs, func(ctx context.Context) ([]model.Message, error) {
		return g.next.ListMessages(ctx, conversationID, userID)
	})
}

func (g *Instrumented) CreateMessage(ctx context.Context, in CreateMessageInput) (model.Message, error) {
	attrs := []attribute.KeyValue{
		attribute.String("conversation.id", in.ConversationID),
		attribute.String("user.id", in.SenderID),
		attribute.String("message.type", string(in.Type)),
		attribute.String("idempotency_key", in.IdempotencyKey),
	}
	return observe(ctx, g, OpCreateMessage, attrs, func(ctx context.Context) (model.Message, error) {
		return g.next.CreateMessage(ctx, in)
	})
}

func (g *Instrumented) MarkRead(ctx context.Context, conversationID, userID string) (model.ReadReceipt, error) {
	attrs := []attribute.KeyValue{attribute.String("conversation.id", conversationID), attribute.String("user.id", userID)}
	return observe(ctx, g, OpMarkRead, attrs, func(ctx context.Context) (model.ReadReceipt, error) {
		return g.next.MarkRead(ctx, conversationID, userID)
	})
}
