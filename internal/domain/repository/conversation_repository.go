package repository

import (
	"context"

	"swiftservice/internal/domain/entity"
)

// ConversationAPI is the backend collaborator the conversation store and
// chat sessions read from. Implementations: REST client, Firestore.
type ConversationAPI interface {
	CreateOrGetConversation(ctx context.Context, otherUserID string) (string, error)
	ListConversations(ctx context.Context) ([]entity.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]entity.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// MessageHistory is the subset a chat session needs.
type MessageHistory interface {
	ListMessages(ctx context.Context, conversationID string) ([]entity.Message, error)
}

// SnapshotCache persists the last good conversation list per user.
type SnapshotCache interface {
	SaveConversations(ctx context.Context, userID string, convs []entity.Conversation) error
	LoadConversations(ctx context.Context, userID string) ([]entity.Conversation, error)
	Delete(ctx context.Context, userID string) error
}
