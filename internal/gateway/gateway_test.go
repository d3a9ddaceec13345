package gateway_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/gateway/gatewaytest"
	"github.com/capitalize-ai/chatsync/internal/model"
	"github.com/capitalize-ai/chatsync/pkg/logger"
)

var fastPolicy = gateway.RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

func TestRetryingRetriesTransientFailures(t *testing.T) {
	mockGW := new(gatewaytest.MockGateway)
	in := gateway.CreateMessageInput{ConversationID: "c1", SenderID: "u1", Content: "hi", IdempotencyKey: "k1"}
	want := model.Message{ID: "m1", ConversationID: "c1", ClientID: "k1"}

	mockGW.On("CreateMessage", mock.Anything, in).Return(model.Message{}, errors.New("connection reset")).Once()
	mockGW.On("CreateMessage", mock.Anything, in).Return(want, nil).Once()

	gw := gateway.NewRetrying(mockGW, fastPolicy, logger.NewNop())
	got, err := gw.CreateMessage(context.Background(), in)

	require.NoError(t, err)
	assert.Equal(t, want, got)
	mockGW.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestRetryingGivesUpAfterMaxAttempts(t *testing.T) {
	mockGW := new(gatewaytest.MockGateway)
	mockGW.On("ListMessages", mock.Anything, "c1", "u1").Return(nil, errors.New("timeout"))

	gw := gateway.NewRetrying(mockGW, fastPolicy, logger.NewNop())
	_, err := gw.ListMessages(context.Background(), "c1", "u1")

	assert.EqualError(t, err, "timeout")
	mockGW.AssertNumberOfCalls(t, "ListMessages", 3)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	mockGW := new(gatewaytest.MockGateway)
	mockGW.On("ListMessages", mock.Anything, "c1", "u3").Return(nil, model.ErrNotParticipant)

	gw := gateway.NewRetrying(mockGW, fastPolicy, logger.NewNop())
	_, err := gw.ListMessages(context.Background(), "c1", "u3")

	assert.ErrorIs(t, err, model.ErrNotParticipant)
	mockGW.AssertNumberOfCalls(t, "ListMessages", 1)
}

func TestRetryingStopsOnCancelledContext(t *testing.T) {
	mockGW := new(gatewaytest.MockGateway)
	ctx, cancel := context.WithCancel(context.Background())
	mockGW.On("MarkRead", mock.Anything, "c1", "u1").
		Run(func(mock.Arguments) { cancel() }).
		Return(model.ReadReceipt{}, errors.New("unavailable"))

	gw := gateway.NewRetrying(mockGW, gateway.RetryPolicy{MaxAttempts: 5, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}, logger.NewNop())
	_, err := gw.MarkRead(ctx, "c1", "u1")

	assert.Error(t, err)
	mockGW.AssertNumberOfCalls(t, "MarkRead", 1)
}

func TestPermanent(t *testing.T) {
	assert.True(t, gateway.Permanent(model.ErrNotParticipant))
	assert.True(t, gateway.Permanent(context.Canceled))
	assert.False(t, gateway.Permanent(context.DeadlineExceeded))
	assert.False(t, gateway.Permanent(errors.New("io")))
}

func TestInstrumentedPassesThrough(t *testing.T) {
	mockGW := new(gatewaytest.MockGateway)
	list := []model.ConversationSummary{{Conversation: model.Conversation{ID: "c1"}}}
	mockGW.On("ListConversations", mock.Anything, "u1").Return(list, nil)
	mockGW.On("GetOrCreateDirectConversation", mock.Anything, "u1", "u2").Return(model.Conversation{}, errors.New("down"))

	gw := gateway.NewInstrumented(mockGW)
	got, err := gw.ListConversations(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, list, got)

	_, err = gw.GetOrCreateDirectConversation(context.Background(), "u1", "u2")
	assert.EqualError(t, err, "down")
	mockGW.AssertExpectations(t)
}
