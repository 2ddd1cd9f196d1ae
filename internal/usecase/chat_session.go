package usecase

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"swiftservice/internal/domain/entity"
	"swiftservice/internal/domain/repository"
	ws "swiftservice/internal/infrastructure/websocket"
	"swiftservice/pkg/logger"
)

type SessionOptions struct {
	// PeerID is the other participant. When set, user-typing events that
	// carry no conversation id are accepted only from this user.
	PeerID string
	// QuietPeriod after the last keystroke before typing(false) is sent.
	QuietPeriod time.Duration
	// KeepaliveInterval bounds how often typing(true) is repeated while
	// the user keeps typing.
	KeepaliveInterval time.Duration
	// PeerTypingTTL is how long a received isTyping=true stays valid.
	PeerTypingTTL  time.Duration
	RequestTimeout time.Duration
	Clock          clockwork.Clock
}

func (o *SessionOptions) withDefaults() {
	if o.QuietPeriod <= 0 {
		o.QuietPeriod = 2 * time.Second
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = 3 * time.Second
	}
	if o.PeerTypingTTL <= 0 {
		o.PeerTypingTTL = 5 * time.Second
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
}

// ChatSession is one open conversation: its message list, the local
// draft and typing state, and the peer's typing indicator.
type ChatSession struct {
	conversationID string
	user           entity.LocalUser
	history        repository.MessageHistory
	transport      SessionTransport
	opts           SessionOptions
	clock          clockwork.Clock
	keepalive      *rate.Limiter

	mu       sync.Mutex
	messages []entity.Message
	draft    string
	sending  bool
	opened   bool
	closed   bool
	loadGen  uint64

	typing     bool
	typingSeq  uint64
	quietTimer clockwork.Timer

	peerTyping bool
	peerSeq    uint64
	peerTimer  clockwork.Timer

	msgListener    *ws.Listener
	typingListener *ws.Listener

	subMu   sync.Mutex
	subs    map[uint64]func()
	nextSub uint64
}

func NewChatSession(conversationID string, user entity.LocalUser, history repository.MessageHistory, transport SessionTransport, opts SessionOptions) *ChatSession {
	opts.withDefaults()
	return &ChatSession{
		conversationID: conversationID,
		user:           user,
		history:        history,
		transport:      transport,
		opts:           opts,
		clock:          opts.Clock,
		keepalive:      rate.NewLimiter(rate.Every(opts.KeepaliveInterval), 1),
		subs:           make(map[uint64]func()),
	}
}

func (s *ChatSession) ConversationID() string {
	return s.conversationID
}

// Open registers the session's message and typing listeners. Calling it
// again, or after Close, does nothing.
func (s *ChatSession) Open() {
	s.mu.Lock()
	if s.opened || s.closed {
		s.mu.Unlock()
		return
	}
	s.opened = true
	s.mu.Unlock()

	msgListener := s.transport.OnMessage(s.conversationID, s.handleIncoming)
	typingListener := s.transport.OnTyping(s.handlePeerTyping)

	s.mu.Lock()
	s.msgListener, s.typingListener = msgListener, typingListener
	s.mu.Unlock()
}

// Close removes the listeners and stops timers. Anything that completes
// afterwards is ignored.
func (s *ChatSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	wasTyping := s.typing
	s.typing = false
	s.typingSeq++
	s.peerSeq++
	stopTimer(s.quietTimer)
	stopTimer(s.peerTimer)
	s.quietTimer, s.peerTimer = nil, nil
	msgListener, typingListener := s.msgListener, s.typingListener
	s.msgListener, s.typingListener = nil, nil
	s.mu.Unlock()

	s.transport.RemoveListener(msgListener)
	s.transport.RemoveListener(typingListener)
	if wasTyping {
		s.transport.Typing(s.conversationID, false)
	}
}

// LoadMessages merges the server history into the list, then marks the
// conversation read. History wins for ids it carries; messages that
// arrived while the request was in flight and unconfirmed optimistic
// messages are kept.
func (s *ChatSession) LoadMessages(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.loadGen++
	gen := s.loadGen
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	msgs, err := s.history.ListMessages(ctx, s.conversationID)

	s.mu.Lock()
	if s.closed || gen != s.loadGen {
		s.mu.Unlock()
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		logger.Error("LoadMessages Error: conversation %s: %v", s.conversationID, err)
		return err
	}

	merged := make([]entity.Message, 0, len(msgs)+1)
	seen := make(map[string]bool, len(msgs))
	echoed := make(map[string]bool)
	for _, m := range msgs {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		if m.TempID != "" {
			echoed[m.TempID] = true
		}
		m.Pending = false
		merged = append(merged, m)
	}
	for _, m := range s.messages {
		if seen[m.ID] || (m.TempID != "" && echoed[m.TempID]) {
			continue
		}
		merged = append(merged, m)
	}
	s.messages = merged
	s.mu.Unlock()

	s.notify()
	s.transport.MarkAsRead(s.conversationID)
	return nil
}

// HandleSendMessage sends text optimistically. On failure the temporary
// message is removed, the draft restored and the error returned.
func (s *ChatSession) HandleSendMessage(text string) error {
	body := strings.TrimSpace(text)

	s.mu.Lock()
	if s.closed || body == "" || s.sending {
		s.mu.Unlock()
		return nil
	}
	s.sending = true

	tempID := entity.NewTempID(uuid.NewString())
	s.messages = append(s.messages, entity.Message{
		ID:             tempID,
		TempID:         tempID,
		ConversationID: s.conversationID,
		SenderID:       s.user.ID,
		SenderName:     s.user.Name,
		SenderPhoto:    s.user.Photo,
		Text:           body,
		Timestamp:      s.clock.Now(),
		Pending:        true,
	})
	s.draft = ""
	s.typing = false
	s.typingSeq++
	stopTimer(s.quietTimer)
	s.quietTimer = nil
	s.mu.Unlock()

	s.notify()
	s.transport.Typing(s.conversationID, false)
	err := s.transport.SendMessage(s.conversationID, body, tempID)

	s.mu.Lock()
	s.sending = false
	if err == nil {
		s.mu.Unlock()
		return nil
	}
	s.removeLocked(tempID)
	if !s.closed {
		s.draft = text
	}
	s.mu.Unlock()

	logger.Warn("HandleSendMessage Error: conversation %s: %v", s.conversationID, err)
	s.notify()
	return err
}

func (s *ChatSession) removeLocked(id string) {
	for i := range s.messages {
		if s.messages[i].ID == id {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return
		}
	}
}

func (s *ChatSession) indexLocked(id string) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *ChatSession) pendingIndexLocked(tempID string) int {
	for i := range s.messages {
		if s.messages[i].Pending && s.messages[i].TempID == tempID {
			return i
		}
	}
	return -1
}

func (s *ChatSession) handleIncoming(msg entity.Message) {
	if msg.ConversationID != s.conversationID || msg.ID == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if msg.SenderID == s.user.ID {
		// Our own echo confirms a pending send; anything else is ignored.
		idx := -1
		if msg.TempID != "" {
			idx = s.pendingIndexLocked(msg.TempID)
		}
		if idx < 0 {
			s.mu.Unlock()
			return
		}
		if s.indexLocked(msg.ID) >= 0 {
			s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		} else {
			msg.Pending = false
			s.messages[idx] = msg
		}
		s.mu.Unlock()
		s.notify()
		return
	}

	if s.indexLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	msg.Pending = false
	s.messages = append(s.messages, msg)
	if s.peerTyping {
		s.peerTyping = false
		s.peerSeq++
		stopTimer(s.peerTimer)
		s.peerTimer = nil
	}
	s.mu.Unlock()

	s.notify()
	s.transport.MarkAsRead(s.conversationID)
}

// HandleTyping records the draft and drives the outgoing typing
// indicator.
func (s *ChatSession) HandleTyping(text string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.draft = text
	s.typingSeq++
	seq := s.typingSeq
	stopTimer(s.quietTimer)
	s.quietTimer = nil

	if strings.TrimSpace(text) == "" {
		wasTyping := s.typing
		s.typing = false
		s.mu.Unlock()
		if wasTyping {
			s.transport.Typing(s.conversationID, false)
		}
		return
	}

	now := s.clock.Now()
	emit := false
	if !s.typing {
		s.typing = true
		emit = true
		// start the keepalive window
		s.keepalive.AllowN(now, 1)
	} else if s.keepalive.AllowN(now, 1) {
		emit = true
	}
	s.quietTimer = s.clock.AfterFunc(s.opts.QuietPeriod, func() { s.quietExpired(seq) })
	s.mu.Unlock()

	if emit {
		s.transport.Typing(s.conversationID, true)
	}
}

func (s *ChatSession) quietExpired(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.typingSeq || !s.typing {
		s.mu.Unlock()
		return
	}
	s.typing = false
	s.quietTimer = nil
	s.mu.Unlock()

	s.transport.Typing(s.conversationID, false)
}

func (s *ChatSession) handlePeerTyping(td ws.UserTypingData) {
	if td.UserID == "" || td.UserID == s.user.ID {
		return
	}
	if td.ConversationID != "" && td.ConversationID != s.conversationID {
		return
	}
	if td.ConversationID == "" && s.opts.PeerID != "" && td.UserID != s.opts.PeerID {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changed := s.peerTyping != td.IsTyping
	s.peerTyping = td.IsTyping
	s.peerSeq++
	seq := s.peerSeq
	stopTimer(s.peerTimer)
	s.peerTimer = nil
	if td.IsTyping {
		s.peerTimer = s.clock.AfterFunc(s.opts.PeerTypingTTL, func() { s.peerExpired(seq) })
	}
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

func (s *ChatSession) peerExpired(seq uint64) {
	s.mu.Lock()
	if s.closed || seq != s.peerSeq || !s.peerTyping {
		s.mu.Unlock()
		return
	}
	s.peerTyping = false
	s.peerTimer = nil
	s.mu.Unlock()

	s.notify()
}

// Messages returns a copy ordered by timestamp.
func (s *ChatSession) Messages() []entity.Message {
	s.mu.Lock()
	out := append([]entity.Message(nil), s.messages...)
	s.mu.Unlock()

	entity.SortByTimestamp(out)
	return out
}

func (s *ChatSession) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

func (s *ChatSession) PeerTyping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerTyping
}

// Subscribe registers fn to be called after every visible change. The
// returned func unsubscribes.
func (s *ChatSession) Subscribe(fn func()) func() {
	s.subMu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *ChatSession) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func stopTimer(t clockwork.Timer) {
	if t != nil {
		t.Stop()
	}
}
