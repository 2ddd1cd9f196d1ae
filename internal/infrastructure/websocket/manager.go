package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"swiftservice/internal/domain/entity"
	"swiftservice/internal/infrastructure/metrics"
	apperrors "swiftservice/pkg/errors"
	"swiftservice/pkg/logger"
)

const maxFrameSize = 1 << 20

var errSuperseded = errors.New("connection attempt superseded")

// State of the transport connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// TokenSource supplies the bearer token used as connection-time auth.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Options struct {
	URL string

	// MaxAttempts bounds consecutive dial attempts per connection cycle.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PongWait         time.Duration
	PingInterval     time.Duration

	Metrics *metrics.Metrics
}

func (o *Options) withDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = 5 * time.Second
		if o.MaxBackoff < o.InitialBackoff {
			o.MaxBackoff = o.InitialBackoff
		}
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
}

// Manager owns the single authenticated socket to the messaging server.
// It is constructed by the application root and shared by the
// conversation store and every open chat session.
type Manager struct {
	opts    Options
	tokens  TokenSource
	dialer  *websocket.Dialer
	metrics *metrics.Metrics

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	attempts int
	gen      uint64
	cancel   context.CancelFunc

	writeMu sync.Mutex

	listeners *listenerRegistry
}

func NewManager(tokens TokenSource, opts Options) *Manager {
	opts.withDefaults()
	return &Manager{
		opts:    opts,
		tokens:  tokens,
		metrics: opts.Metrics,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		listeners: newListenerRegistry(),
	}
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the dial attempts made in the current connection cycle.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect starts the connection loop and returns once the first attempt is
// initiated. It fails only when no token can be obtained.
func (m *Manager) Connect(ctx context.Context) error {
	if m.State() != StateDisconnected {
		return nil
	}

	token, err := m.tokens.Token(ctx)
	if err != nil {
		if apperrors.Is(err, apperrors.CodeNoToken) {
			return err
		}
		return apperrors.NoToken(err)
	}
	if token == "" {
		return apperrors.NoToken(nil)
	}

	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.gen++
	gen := m.gen
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.attempts = 0
	m.state = StateConnecting
	m.mu.Unlock()

	m.metrics.SetConnectionState(int(StateConnecting))
	m.listeners.dispatch(keyState, StateConnecting)
	go m.run(runCtx, gen, token)
	return nil
}

// Disconnect closes the socket, clears every listener and resets to
// disconnected. Calling it while already disconnected does nothing.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == StateDisconnected && m.cancel == nil && m.conn == nil {
		m.mu.Unlock()
		return
	}
	m.gen++
	cancel := m.cancel
	conn := m.conn
	m.cancel = nil
	m.conn = nil
	m.state = StateDisconnected
	m.attempts = 0
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"), deadline)
		conn.Close()
	}
	m.listeners.clear()
	m.metrics.SetConnectionState(int(StateDisconnected))
	logger.Info("websocket: disconnected by client")
}

func (m *Manager) run(ctx context.Context, gen uint64, token string) {
	for {
		conn, err := m.dial(ctx, gen, token)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, errSuperseded) {
				return
			}
			logger.Error("websocket: giving up after %d attempts: %v", m.Attempts(), err)
			m.metrics.ReconnectExhausted()
			m.transition(gen, StateDisconnected)
			return
		}

		if !m.attach(gen, conn) {
			conn.Close()
			return
		}
		logger.Info("websocket: connected to %s", m.opts.URL)

		err = m.readLoop(ctx, conn)
		m.detach(gen)
		conn.Close()

		if ctx.Err() != nil {
			return
		}
		logger.Warn("websocket: connection lost: %v; reconnecting", err)
		token = ""
	}
}

// dial retries with exponential backoff until it connects, the attempt
// budget runs out or ctx is cancelled. A fresh token is fetched for every
// attempt after the first.
func (m *Manager) dial(ctx context.Context, gen uint64, token string) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = m.opts.InitialBackoff
	eb.MaxInterval = m.opts.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(m.opts.MaxAttempts-1)), ctx)

	var conn *websocket.Conn
	op := func() error {
		if !m.transition(gen, StateConnecting) {
			return backoff.Permanent(errSuperseded)
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()
		m.metrics.ConnectAttempt()

		if token == "" {
			t, err := m.tokens.Token(ctx)
			if err != nil {
				if apperrors.Is(err, apperrors.CodeNoToken) {
					return backoff.Permanent(err)
				}
				return err
			}
			token = t
		}

		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)

		c, resp, err := m.dialer.DialContext(ctx, m.opts.URL, header)
		if err != nil {
			m.metrics.ConnectFailure()
			token = ""
			status := 0
			if resp != nil {
				status = resp.StatusCode
			}
			logger.Warn("websocket: connect-error (attempt %d/%d, status %d): %v", attempt, m.opts.MaxAttempts, status, err)
			return err
		}
		conn = c
		return nil
	}

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return conn, nil
}

func (m *Manager) attach(gen uint64, conn *websocket.Conn) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.mu.Unlock()

	m.metrics.SetConnectionState(int(StateConnected))
	m.listeners.dispatch(keyState, StateConnected)
	return true
}

func (m *Manager) detach(gen uint64) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.mu.Unlock()
	m.transition(gen, StateDisconnected)
}

// transition moves to s if gen is still current and notifies state
// listeners on change.
func (m *Manager) transition(gen uint64, s State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	changed := m.state != s
	m.state = s
	m.mu.Unlock()

	if changed {
		m.metrics.SetConnectionState(int(s))
		m.listeners.dispatch(keyState, s)
	}
	return true
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go m.keepalive(ctx, conn, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(m.opts.PongWait))
		m.handleFrame(data)
	}
}

func (m *Manager) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(m.opts.WriteTimeout)); err != nil {
				logger.Debug("websocket: ping failed: %v", err)
				conn.Close()
				return
			}
		}
	}
}

func (m *Manager) handleFrame(data []byte) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		logger.Warn("websocket: dropping malformed frame: %v", err)
		return
	}

	switch env.Type {
	case EventNewMessage:
		var msg entity.Message
		if err := json.Unmarshal(env.Data, &msg); err != nil || msg.ConversationID == "" {
			logger.Warn("websocket: dropping invalid %s payload: %v", env.Type, err)
			return
		}
		m.listeners.dispatch(newMessageKey(msg.ConversationID), msg)

	case EventConversationUpdated:
		m.listeners.dispatch(keyConversationUpdated, nil)

	case EventMessageRead:
		m.listeners.dispatch(keyMessageRead, nil)

	case EventUserTyping:
		var td UserTypingData
		if err := json.Unmarshal(env.Data, &td); err != nil {
			logger.Warn("websocket: dropping invalid %s payload: %v", env.Type, err)
			return
		}
		m.listeners.dispatch(keyUserTyping, td)

	default:
		logger.Debug("websocket: ignoring event %q", env.Type)
	}
}

func (m *Manager) emit(eventType string, data interface{}) error {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if conn == nil || state != StateConnected {
		return apperrors.NotConnected(nil)
	}

	frame, err := EncodeFrame(eventType, data)
	if err != nil {
		return apperrors.Internal("encode "+eventType, err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(m.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return apperrors.NotConnected(err)
	}
	return nil
}

// JoinConversations subscribes the socket to events for ids. When not
// connected the request is dropped; callers re-join after reconnect.
func (m *Manager) JoinConversations(ids []string) {
	if ids == nil {
		ids = []string{}
	}
	if err := m.emit(EventJoinConversations, ids); err != nil {
		logger.Warn("websocket: join-conversations dropped (%d ids): %v", len(ids), err)
	}
}

// SendMessage writes a send-message frame. It fails synchronously when the
// socket is not connected; the caller owns optimistic rollback.
func (m *Manager) SendMessage(conversationID, text, tempID string) error {
	err := m.emit(EventSendMessage, SendMessageData{
		ConversationID: conversationID,
		Text:           text,
		TempID:         tempID,
	})
	if err != nil {
		m.metrics.SendFailure()
		return err
	}
	m.metrics.MessageSent()
	return nil
}

func (m *Manager) Typing(conversationID string, isTyping bool) {
	if err := m.emit(EventTyping, TypingData{ConversationID: conversationID, IsTyping: isTyping}); err != nil {
		logger.Debug("websocket: typing dropped: %v", err)
	}
}

func (m *Manager) MarkAsRead(conversationID string) {
	if err := m.emit(EventMarkAsRead, conversationID); err != nil {
		logger.Debug("websocket: mark-as-read dropped: %v", err)
	}
}

// OnMessage registers fn for new-message events of one conversation.
func (m *Manager) OnMessage(conversationID string, fn func(entity.Message)) *Listener {
	return m.listeners.add(newMessageKey(conversationID), func(p interface{}) {
		fn(p.(entity.Message))
	})
}

func (m *Manager) OnConversationUpdate(fn func()) *Listener {
	return m.listeners.add(keyConversationUpdated, func(interface{}) { fn() })
}

func (m *Manager) OnMessageRead(fn func()) *Listener {
	return m.listeners.add(keyMessageRead, func(interface{}) { fn() })
}

func (m *Manager) OnTyping(fn func(UserTypingData)) *Listener {
	return m.listeners.add(keyUserTyping, func(p interface{}) {
		fn(p.(UserTypingData))
	})
}

// OnStateChange is called on every connection state transition.
func (m *Manager) OnStateChange(fn func(State)) *Listener {
	return m.listeners.add(keyState, func(p interface{}) {
		fn(p.(State))
	})
}

func (m *Manager) RemoveListener(l *Listener) {
	m.listeners.remove(l)
}

// RemoveMessageListener drops every new-message listener registered for
// conversationID.
func (m *Manager) RemoveMessageListener(conversationID string) {
	m.listeners.removeKey(newMessageKey(conversationID))
}
