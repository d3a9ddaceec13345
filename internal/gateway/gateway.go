// Package gateway defines the persistence boundary of the synchronization
// core and the decorators applied at that boundary.
package gateway

import (
	"context"

	"github.com/capitalize-ai/chatsync/internal/model"
)

// Gateway is the remote store contract.
type Gateway interface {
	// ListConversations returns the viewer's conversations, newest activity first.
	ListConversations(ctx context.Context, userID string) ([]model.ConversationSummary, error)

	// GetOrCreateDirectConversation returns the unique direct conversation
	// between the two users, creating it on first contact.
	GetOrCreateDirectConversation(ctx context.Context, userID, otherUserID string) (model.Conversation, error)

	// ListMessages returns every message of the conversation in total order.
	ListMessages(ctx context.Context, conversationID, userID string) ([]model.Message, error)

	// CreateMessage persists a message and bumps the conversation's
	// LastMessage and UpdatedAt. A repeated IdempotencyKey returns the
	// message created by the first call.
	CreateMessage(ctx context.Context, in CreateMessageInput) (model.Message, error)

	// MarkRead stamps the user's read receipt on unread messages from
	// others and advances the user's read cursor. It is idempotent.
	MarkRead(ctx context.Context, conversationID, userID string) (model.ReadReceipt, error)
}

// CreateMessageInput is the payload of CreateMessage.
type CreateMessageInput struct {
	ConversationID string
	SenderID       string
	Content        string
	Type           model.MessageType
	Media          *model.Media
	IdempotencyKey string
}

// Op names used in logs, metrics and spans.
const (
	OpListConversations = "list_conversations"
	OpGetOrCreateDirect = "get_or_create_direct_conversation"
	OpListMessages      = "list_messages"
	OpCreateMessage     = "create_message"
	OpMarkRead          = "mark_read"
)
