package websocket

import (
	"encoding/json"
	"time"
)

// Socket event names
const (
	EventJoinConversations   = "join-conversations"
	EventSendMessage         = "send-message"
	EventTyping              = "typing"
	EventMarkAsRead          = "mark-as-read"
	EventNewMessage          = "new-message"
	EventConversationUpdated = "conversation-updated"
	EventMessageRead         = "message-read"
	EventUserTyping          = "user-typing"
)

// Envelope is the frame exchanged in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp"`
}

type SendMessageData struct {
	ConversationID string `json:"conversationId"`
	Text           string `json:"text"`
	TempID         string `json:"tempId,omitempty"`
}

type TypingData struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
}

type UserTypingData struct {
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
	ConversationID string `json:"conversationId,omitempty"`
}

// EncodeFrame marshals data into an Envelope of the given type.
func EncodeFrame(eventType string, data interface{}) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{
		Type:      eventType,
		Data:      raw,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}
