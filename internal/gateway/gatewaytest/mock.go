// Package gatewaytest provides a testify mock of gateway.Gateway.
package gatewaytest

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/capitalize-ai/chatsync/internal/gateway"
	"github.com/capitalize-ai/chatsync/internal/model"
)

// MockGateway mocks gateway.Gateway.
type MockGateway struct {
	mock.Mock
}

var _ gateway.Gateway = (*MockGateway)(nil)

func (m *MockGateway) ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.ConversationSummary), args.Error(1)
}

func (m *MockGateway) GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error) {
	args := m.Called(ctx, userID, otherUserID)
	return args.Get(0).(model.Conversation), args.Error(1)
}

func (m *MockGateway) ListMessages(ctx context.Context, conversationID, userID string) ([]model.Message, error) {
	args := m.Called(ctx, conversationID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Message), args.Error(1)
}

func (m *MockGateway) CreateMessage(ctx context.Context, in gateway.CreateMessageInput) (model.Message, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(model.Message), args.Error(1)
}

func (m *MockGateway) MarkRead(ctx context.Context, conversationID, userID string) (model.ReadReceipt, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Get(0).(model.ReadReceipt), args.Error(1)
}
