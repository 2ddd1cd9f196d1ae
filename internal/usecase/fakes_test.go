package usecase

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"swiftservice/internal/domain/entity"
	ws "swiftservice/internal/infrastructure/websocket"
	apperrors "swiftservice/pkg/errors"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type sentMessage struct {
	conversationID string
	text           string
	tempID         string
}

type messageHandler struct {
	conversationID string
	fn             func(entity.Message)
}

// fakeTransport records emits and lets tests deliver events.
type fakeTransport struct {
	mu      sync.Mutex
	sendErr error
	joins   [][]string
	sent    []sentMessage
	typing  []bool
	reads   []string

	onMessage map[*ws.Listener]messageHandler
	onTyping  map[*ws.Listener]func(ws.UserTypingData)
	onUpdate  map[*ws.Listener]func()
	onRead    map[*ws.Listener]func()
	onState   map[*ws.Listener]func(ws.State)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		onMessage: make(map[*ws.Listener]messageHandler),
		onTyping:  make(map[*ws.Listener]func(ws.UserTypingData)),
		onUpdate:  make(map[*ws.Listener]func()),
		onRead:    make(map[*ws.Listener]func()),
		onState:   make(map[*ws.Listener]func(ws.State)),
	}
}

func (f *fakeTransport) JoinConversations(ids []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, append([]string(nil), ids...))
}

func (f *fakeTransport) SendMessage(conversationID, text, tempID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentMessage{conversationID, text, tempID})
	return nil
}

func (f *fakeTransport) Typing(conversationID string, isTyping bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, isTyping)
}

func (f *fakeTransport) MarkAsRead(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, conversationID)
}

func (f *fakeTransport) OnMessage(conversationID string, fn func(entity.Message)) *ws.Listener {
	l := &ws.Listener{}
	f.mu.Lock()
	f.onMessage[l] = messageHandler{conversationID, fn}
	f.mu.Unlock()
	return l
}

func (f *fakeTransport) OnTyping(fn func(ws.UserTypingData)) *ws.Listener {
	l := &ws.Listener{}
	f.mu.Lock()
	f.onTyping[l] = fn
	f.mu.Unlock()
	return l
}

func (f *fakeTransport) OnConversationUpdate(fn func()) *ws.Listener {
	l := &ws.Listener{}
	f.mu.Lock()
	f.onUpdate[l] = fn
	f.mu.Unlock()
	return l
}

func (f *fakeTransport) OnMessageRead(fn func()) *ws.Listener {
	l := &ws.Listener{}
	f.mu.Lock()
	f.onRead[l] = fn
	f.mu.Unlock()
	return l
}

func (f *fakeTransport) OnStateChange(fn func(ws.State)) *ws.Listener {
	l := &ws.Listener{}
	f.mu.Lock()
	f.onState[l] = fn
	f.mu.Unlock()
	return l
}

func (f *fakeTransport) RemoveListener(l *ws.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.onMessage, l)
	delete(f.onTyping, l)
	delete(f.onUpdate, l)
	delete(f.onRead, l)
	delete(f.onState, l)
}

func (f *fakeTransport) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.onMessage) + len(f.onTyping) + len(f.onUpdate) + len(f.onRead) + len(f.onState)
}

// deliver routes msg the way the transport does: by conversation id.
func (f *fakeTransport) deliver(msg entity.Message) {
	f.mu.Lock()
	var fns []func(entity.Message)
	for _, h := range f.onMessage {
		if h.conversationID == msg.ConversationID {
			fns = append(fns, h.fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(msg)
	}
}

func (f *fakeTransport) deliverTyping(td ws.UserTypingData) {
	f.mu.Lock()
	var fns []func(ws.UserTypingData)
	for _, fn := range f.onTyping {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(td)
	}
}

func (f *fakeTransport) fireUpdate() {
	f.mu.Lock()
	var fns []func()
	for _, fn := range f.onUpdate {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeTransport) fireRead() {
	f.mu.Lock()
	var fns []func()
	for _, fn := range f.onRead {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (f *fakeTransport) fireState(s ws.State) {
	f.mu.Lock()
	var fns []func(ws.State)
	for _, fn := range f.onState {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeTransport) typingEmits() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.typing...)
}

func (f *fakeTransport) readEmits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reads...)
}

func (f *fakeTransport) joinCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.joins...)
}

func (f *fakeTransport) sentMessages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

// fakeAPI serves canned conversations. When gate is set, each list call
// blocks until a value is sent on it.
type fakeAPI struct {
	mu        sync.Mutex
	convs     []entity.Conversation
	listErr   error
	messages  []entity.Message
	msgErr    error
	createdID string

	gate      chan []entity.Conversation
	listCalls atomic.Int32
	readCalls atomic.Int32
	msgGate   chan []entity.Message
}

func (f *fakeAPI) CreateOrGetConversation(ctx context.Context, otherUserID string) (string, error) {
	if otherUserID == "" {
		return "", apperrors.BadRequest("other user id is required", nil)
	}
	return f.createdID, nil
}

func (f *fakeAPI) ListConversations(ctx context.Context) ([]entity.Conversation, error) {
	f.listCalls.Add(1)
	if f.gate != nil {
		select {
		case convs := <-f.gate:
			return convs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]entity.Conversation(nil), f.convs...), nil
}

func (f *fakeAPI) setConversations(convs []entity.Conversation) {
	f.mu.Lock()
	f.convs = convs
	f.mu.Unlock()
}

func (f *fakeAPI) ListMessages(ctx context.Context, conversationID string) ([]entity.Message, error) {
	if f.msgGate != nil {
		select {
		case msgs := <-f.msgGate:
			return msgs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]entity.Message(nil), f.messages...), f.msgErr
}

func (f *fakeAPI) MarkConversationRead(ctx context.Context, conversationID string) error {
	f.readCalls.Add(1)
	return nil
}

type memoryCache struct {
	mu    sync.Mutex
	saved map[string][]entity.Conversation
}

func (m *memoryCache) SaveConversations(ctx context.Context, userID string, convs []entity.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saved == nil {
		m.saved = make(map[string][]entity.Conversation)
	}
	m.saved[userID] = convs
	return nil
}

func (m *memoryCache) LoadConversations(ctx context.Context, userID string) ([]entity.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved[userID], nil
}

func (m *memoryCache) Delete(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.saved, userID)
	return nil
}

func (m *memoryCache) has(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.saved[userID]
	return ok
}

func conv(id string, unread map[string]int) entity.Conversation {
	return entity.Conversation{
		ID:             id,
		ParticipantIDs: []string{"u1", "p-" + id},
		UnreadCount:    unread,
	}
}
