package usecase

import (
	"context"

	"swiftservice/internal/domain/entity"
	ws "swiftservice/internal/infrastructure/websocket"
)

// StoreTransport is the part of the transport the conversation store uses.
type StoreTransport interface {
	JoinConversations(ids []string)
	OnConversationUpdate(fn func()) *ws.Listener
	OnMessageRead(fn func()) *ws.Listener
	OnStateChange(fn func(ws.State)) *ws.Listener
	RemoveListener(l *ws.Listener)
}

// SessionTransport is the part of the transport a chat session uses.
type SessionTransport interface {
	SendMessage(conversationID, text, tempID string) error
	Typing(conversationID string, isTyping bool)
	MarkAsRead(conversationID string)
	OnMessage(conversationID string, fn func(entity.Message)) *ws.Listener
	OnTyping(fn func(ws.UserTypingData)) *ws.Listener
	RemoveListener(l *ws.Listener)
}

// BadgeSource is what the badge aggregator reads.
type BadgeSource interface {
	UnreadCount() int
	Subscribe(fn func(unread int)) func()
	FetchConversations(ctx context.Context) error
}

var (
	_ StoreTransport   = (*ws.Manager)(nil)
	_ SessionTransport = (*ws.Manager)(nil)
	_ BadgeSource      = (*ConversationStore)(nil)
)
