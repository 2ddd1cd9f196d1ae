// Package testserver is an in-memory stand-in for the messaging backend:
// the REST conversation endpoints and the socket server. It exists for
// integration tests and local development of the client core.
package testserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"swiftservice/internal/domain/entity"
	ws "swiftservice/internal/infrastructure/websocket"
	"swiftservice/pkg/errors"
	"swiftservice/pkg/logger"
	"swiftservice/pkg/response"
)

const tokenPrefix = "test-token:"

// TokenFor returns the bearer token the server accepts for userID.
func TokenFor(userID string) string {
	return tokenPrefix + userID
}

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type CreateConversationRequest struct {
	OtherUserID string `json:"otherUserId" validate:"required,max=128"`
}

type Server struct {
	echo     *echo.Echo
	http     *httptest.Server
	validate *validator.Validate
	hub      *hub

	mu            sync.Mutex
	users         map[string]entity.Participant
	conversations map[string]*entity.Conversation
	messages      map[string][]entity.Message
	reservedIDs   []string
}

// New starts a server on a loopback port. Close it when done.
func New() *Server {
	s := &Server{
		validate:      validator.New(),
		hub:           newHub(),
		users:         make(map[string]entity.Participant),
		conversations: make(map[string]*entity.Conversation),
		messages:      make(map[string][]entity.Message),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	msgs := e.Group("/messages", s.authenticate)
	msgs.POST("/conversations", s.createOrGetConversation)
	msgs.GET("/conversations", s.listConversations)
	msgs.GET("/messages/:conversationId", s.listMessages)
	msgs.PATCH("/conversations/:conversationId/read", s.markRead)
	e.GET("/ws", s.handleWebSocket, s.authenticate)

	s.echo = e
	s.http = httptest.NewServer(e)
	return s
}

func (s *Server) URL() string {
	return s.http.URL
}

func (s *Server) SocketURL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http") + "/ws"
}

func (s *Server) Close() {
	s.hub.closeAll()
	s.http.Close()
}

// AddUser registers display info used when conversations are created.
func (s *Server) AddUser(userID, name, role string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = entity.Participant{Name: name, Role: role}
}

// ReserveConversationID makes the next created conversation use id.
func (s *Server) ReserveConversationID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reservedIDs = append(s.reservedIDs, id)
}

// DropConnections closes every live socket without a close handshake.
func (s *Server) DropConnections() {
	s.hub.closeAll()
}

func (s *Server) Connections() int {
	return s.hub.count()
}

// Joined reports whether userID has a live connection in the
// conversation's room.
func (s *Server) Joined(userID, conversationID string) bool {
	return s.hub.joined(userID, conversationID)
}

// Conversation returns a copy of the stored conversation.
func (s *Server) Conversation(id string) (entity.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return entity.Conversation{}, false
	}
	return c.Clone(), true
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get("Authorization")
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" || !strings.HasPrefix(parts[1], tokenPrefix) {
			return response.Error(c, errors.Unauthorized("Invalid or expired token", nil))
		}
		uid := strings.TrimPrefix(parts[1], tokenPrefix)
		if uid == "" {
			return response.Error(c, errors.Unauthorized("Invalid or expired token", nil))
		}
		c.Set("uid", uid)
		return next(c)
	}
}

func (s *Server) createOrGetConversation(c echo.Context) error {
	uid := c.Get("uid").(string)

	var req CreateConversationRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := s.validate.Struct(req); err != nil {
		return response.Error(c, err)
	}
	if req.OtherUserID == uid {
		return response.Error(c, errors.BadRequest("Cannot start a conversation with yourself", nil))
	}

	s.mu.Lock()
	for id, conv := range s.conversations {
		if conv.HasParticipant(uid) && conv.HasParticipant(req.OtherUserID) {
			s.mu.Unlock()
			return response.Success(c, map[string]string{"conversationId": id})
		}
	}

	id := uuid.New().String()
	if len(s.reservedIDs) > 0 {
		id, s.reservedIDs = s.reservedIDs[0], s.reservedIDs[1:]
	}
	s.conversations[id] = &entity.Conversation{
		ID:             id,
		ParticipantIDs: []string{uid, req.OtherUserID},
		ParticipantInfo: map[string]entity.Participant{
			uid:             s.users[uid],
			req.OtherUserID: s.users[req.OtherUserID],
		},
		LastMessageTime: time.Now().UTC(),
		UnreadCount:     map[string]int{uid: 0, req.OtherUserID: 0},
	}
	s.mu.Unlock()

	logger.Debug("testserver: created conversation %s", id)
	return response.Created(c, map[string]string{"conversationId": id})
}

func (s *Server) listConversations(c echo.Context) error {
	uid := c.Get("uid").(string)

	s.mu.Lock()
	out := []entity.Conversation{}
	for _, conv := range s.conversations {
		if conv.HasParticipant(uid) {
			out = append(out, conv.Clone())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return response.Success(c, out)
}

func (s *Server) listMessages(c echo.Context) error {
	uid := c.Get("uid").(string)
	id := c.Param("conversationId")

	s.mu.Lock()
	conv, ok := s.conversations[id]
	if !ok || !conv.HasParticipant(uid) {
		s.mu.Unlock()
		return response.Error(c, errors.NotFound("Conversation", nil))
	}
	out := append([]entity.Message{}, s.messages[id]...)
	s.mu.Unlock()

	return response.Success(c, out)
}

func (s *Server) markRead(c echo.Context) error {
	uid := c.Get("uid").(string)
	id := c.Param("conversationId")

	if _, err := s.markConversationRead(uid, id); err != nil {
		return response.Error(c, err)
	}
	return response.Success(c, map[string]bool{"ok": true})
}

// markConversationRead zeroes uid's counter and returns the participants.
func (s *Server) markConversationRead(uid, id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok || !conv.HasParticipant(uid) {
		return nil, errors.NotFound("Conversation", nil)
	}
	conv.UnreadCount[uid] = 0
	for i := range s.messages[id] {
		if s.messages[id][i].SenderID != uid {
			s.messages[id][i].Read = true
		}
	}
	return append([]string(nil), conv.ParticipantIDs...), nil
}

func (s *Server) handleWebSocket(c echo.Context) error {
	uid := c.Get("uid").(string)

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Warn("testserver: upgrade failed: %v", err)
		return nil
	}

	client := &Client{
		UserID: uid,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		rooms:  make(map[string]bool),
	}
	s.hub.register(client)

	go client.ReadPump(s)
	go client.WritePump()
	return nil
}

func (s *Server) handleEvent(c *Client, env ws.Envelope) {
	switch env.Type {
	case ws.EventJoinConversations:
		var ids []string
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			return
		}
		s.mu.Lock()
		for _, id := range ids {
			if conv, ok := s.conversations[id]; ok && conv.HasParticipant(c.UserID) {
				c.join(id)
			}
		}
		s.mu.Unlock()

	case ws.EventSendMessage:
		var data ws.SendMessageData
		if err := json.Unmarshal(env.Data, &data); err != nil || strings.TrimSpace(data.Text) == "" {
			return
		}
		s.sendMessage(c.UserID, data)

	case ws.EventTyping:
		var data ws.TypingData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		s.mu.Lock()
		conv, ok := s.conversations[data.ConversationID]
		var other string
		if ok && conv.HasParticipant(c.UserID) {
			other = conv.OtherParticipant(c.UserID)
		}
		s.mu.Unlock()
		if other == "" {
			return
		}
		s.emitTo(other, ws.EventUserTyping, ws.UserTypingData{
			UserID:         c.UserID,
			IsTyping:       data.IsTyping,
			ConversationID: data.ConversationID,
		}, nil)

	case ws.EventMarkAsRead:
		var id string
		if err := json.Unmarshal(env.Data, &id); err != nil {
			return
		}
		participants, err := s.markConversationRead(c.UserID, id)
		if err != nil {
			return
		}
		for _, p := range participants {
			s.emitTo(p, ws.EventMessageRead, map[string]string{"conversationId": id, "userId": c.UserID}, nil)
		}

	default:
		logger.Debug("testserver: ignoring event %q", env.Type)
	}
}

func (s *Server) sendMessage(senderID string, data ws.SendMessageData) {
	s.mu.Lock()
	conv, ok := s.conversations[data.ConversationID]
	if !ok || !conv.HasParticipant(senderID) {
		s.mu.Unlock()
		return
	}
	sender := conv.ParticipantInfo[senderID]
	msg := entity.Message{
		ID:             uuid.New().String(),
		TempID:         data.TempID,
		ConversationID: conv.ID,
		SenderID:       senderID,
		SenderName:     sender.Name,
		SenderPhoto:    sender.Photo,
		Text:           data.Text,
		Timestamp:      time.Now().UTC(),
	}
	s.messages[conv.ID] = append(s.messages[conv.ID], msg)
	conv.LastMessage = msg.Text
	conv.LastMessageTime = msg.Timestamp
	recipient := conv.OtherParticipant(senderID)
	conv.UnreadCount[recipient]++
	participants := append([]string(nil), conv.ParticipantIDs...)
	s.mu.Unlock()

	inRoom := func(c *Client) bool { return c.joined(msg.ConversationID) }
	for _, p := range participants {
		s.emitTo(p, ws.EventNewMessage, msg, inRoom)
		s.emitTo(p, ws.EventConversationUpdated, map[string]string{"conversationId": msg.ConversationID}, nil)
	}
}

func (s *Server) emitTo(userID, eventType string, data interface{}, filter func(*Client) bool) {
	frame, err := ws.EncodeFrame(eventType, data)
	if err != nil {
		logger.Error("testserver: encode %s: %v", eventType, err)
		return
	}
	s.hub.sendToUser(userID, frame, filter)
}
