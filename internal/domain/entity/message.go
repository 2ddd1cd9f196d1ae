package entity

import (
	"sort"
	"strings"
	"time"
)

const tempIDPrefix = "temp-"

type Message struct {
	ID             string    `json:"id" firestore:"id"`
	TempID         string    `json:"tempId,omitempty" firestore:"tempId,omitempty"` // client id echoed back by the server
	ConversationID string    `json:"conversationId" firestore:"conversationId"`
	SenderID       string    `json:"senderId" firestore:"senderId"`
	SenderName     string    `json:"senderName,omitempty" firestore:"senderName,omitempty"`
	SenderPhoto    string    `json:"senderPhoto,omitempty" firestore:"senderPhoto,omitempty"`
	Text           string    `json:"text" firestore:"text"`
	Timestamp      time.Time `json:"timestamp" firestore:"timestamp"`
	Read           bool      `json:"read" firestore:"read"`

	// Pending is set on optimistic messages until the server echo arrives.
	Pending bool `json:"-" firestore:"-"`
}

func NewTempID(suffix string) string {
	return tempIDPrefix + suffix
}

func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// SortByTimestamp orders messages chronologically, keeping arrival order for
// equal timestamps.
func SortByTimestamp(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}
