package entity

import "time"

const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
)

type Participant struct {
	Name  string `json:"name" firestore:"name"`
	Photo string `json:"photo,omitempty" firestore:"photo,omitempty"`
	Role  string `json:"role" firestore:"role"` // "customer" or "provider"
}

// Conversation is a 1:1 thread between a customer and a provider.
type Conversation struct {
	ID              string                 `json:"id" firestore:"id"`
	ParticipantIDs  []string               `json:"participantIds" firestore:"participantIds"`
	ParticipantInfo map[string]Participant `json:"participantInfo" firestore:"participantInfo"`
	LastMessage     string                 `json:"lastMessage,omitempty" firestore:"lastMessage,omitempty"`
	LastMessageTime time.Time              `json:"lastMessageTime" firestore:"lastMessageTime"`
	UnreadCount     map[string]int         `json:"unreadCount" firestore:"unreadCount"` // participant id -> unread
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, id := range c.ParticipantIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherParticipant returns the id of the participant that is not userID.
func (c *Conversation) OtherParticipant(userID string) string {
	for _, id := range c.ParticipantIDs {
		if id != userID {
			return id
		}
	}
	return ""
}

func (c *Conversation) UnreadFor(userID string) int {
	if c.UnreadCount == nil {
		return 0
	}
	return c.UnreadCount[userID]
}

// Clone returns a deep copy so callers can't mutate store state.
func (c Conversation) Clone() Conversation {
	out := c
	out.ParticipantIDs = append([]string(nil), c.ParticipantIDs...)
	if c.ParticipantInfo != nil {
		out.ParticipantInfo = make(map[string]Participant, len(c.ParticipantInfo))
		for k, v := range c.ParticipantInfo {
			out.ParticipantInfo[k] = v
		}
	}
	if c.UnreadCount != nil {
		out.UnreadCount = make(map[string]int, len(c.UnreadCount))
		for k, v := range c.UnreadCount {
			out.UnreadCount[k] = v
		}
	}
	return out
}
