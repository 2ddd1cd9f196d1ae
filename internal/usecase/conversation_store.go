package usecase

import (
	"context"
	"sync"
	"time"

	"swiftservice/internal/domain/entity"
	"swiftservice/internal/domain/repository"
	"swiftservice/internal/infrastructure/metrics"
	ws "swiftservice/internal/infrastructure/websocket"
	"swiftservice/pkg/logger"
)

// UnreadConversationCount is the number of conversations in which userID
// has at least one unread message. It counts conversations, not messages.
func UnreadConversationCount(convs []entity.Conversation, userID string) int {
	n := 0
	for i := range convs {
		if convs[i].UnreadFor(userID) > 0 {
			n++
		}
	}
	return n
}

type StoreOptions struct {
	Cache          repository.SnapshotCache
	Metrics        *metrics.Metrics
	RequestTimeout time.Duration
}

// ConversationStore holds the signed-in user's conversation list and the
// derived unread-conversation count.
type ConversationStore struct {
	api            repository.ConversationAPI
	transport      StoreTransport
	userID         func() string
	cache          repository.SnapshotCache
	metrics        *metrics.Metrics
	requestTimeout time.Duration

	mu            sync.Mutex
	conversations []entity.Conversation
	unread        int
	// seq is the last issued fetch, applied the newest one whose result
	// was kept. epoch changes on Reset.
	seq     uint64
	applied uint64
	epoch   uint64
	started bool
	// owner is the user the current list belongs to.
	owner     string
	listeners []*ws.Listener

	subMu   sync.Mutex
	subs    map[uint64]func(int)
	nextSub uint64
}

func NewConversationStore(api repository.ConversationAPI, transport StoreTransport, userID func() string, opts StoreOptions) *ConversationStore {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	return &ConversationStore{
		api:            api,
		transport:      transport,
		userID:         userID,
		cache:          opts.Cache,
		metrics:        opts.Metrics,
		requestTimeout: opts.RequestTimeout,
		subs:           make(map[uint64]func(int)),
	}
}

// Start wires the store to transport events. Both server triggers cause a
// full re-fetch; every successful connect re-joins and re-fetches.
func (s *ConversationStore) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	listeners := []*ws.Listener{
		s.transport.OnConversationUpdate(func() {
			go s.refetch("conversation-updated")
		}),
		s.transport.OnMessageRead(func() {
			go s.refetch("message-read")
		}),
		s.transport.OnStateChange(func(state ws.State) {
			if state != ws.StateConnected {
				return
			}
			go func() {
				s.rejoin()
				s.refetch("connected")
			}()
		}),
	}

	s.mu.Lock()
	s.listeners = append(s.listeners, listeners...)
	s.mu.Unlock()
}

func (s *ConversationStore) refetch(trigger string) {
	logger.Debug("ConversationStore: refetch on %s", trigger)
	_ = s.FetchConversations(context.Background())
}

func (s *ConversationStore) rejoin() {
	ids := s.conversationIDs()
	if len(ids) > 0 {
		s.transport.JoinConversations(ids)
	}
}

// FetchConversations replaces the list with the backend's. Completions
// older than the newest applied fetch, or started before a Reset, are
// dropped. On error the previous list stays.
func (s *ConversationStore) FetchConversations(ctx context.Context) error {
	s.mu.Lock()
	s.seq++
	seq, epoch := s.seq, s.epoch
	s.mu.Unlock()

	uid := s.userID()

	ctx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	defer cancel()
	convs, err := s.api.ListConversations(ctx)
	if err != nil {
		logger.Error("FetchConversations Error: %v", err)
		s.metrics.Fetch("error")
		return err
	}

	fresh := make([]entity.Conversation, len(convs))
	ids := make([]string, len(convs))
	for i := range convs {
		fresh[i] = convs[i].Clone()
		ids[i] = convs[i].ID
	}

	s.mu.Lock()
	if epoch != s.epoch || seq < s.applied {
		s.mu.Unlock()
		logger.Debug("FetchConversations: dropping stale result (seq %d)", seq)
		s.metrics.Fetch("stale")
		return nil
	}
	s.applied = seq
	s.owner = uid
	s.conversations = fresh
	s.unread = UnreadConversationCount(fresh, uid)
	unread := s.unread
	s.mu.Unlock()

	s.metrics.Fetch("ok")
	s.metrics.SetUnreadConversations(unread)
	s.notify(unread)
	s.transport.JoinConversations(ids)
	s.saveSnapshot(ctx, uid, fresh)
	return nil
}

func (s *ConversationStore) saveSnapshot(ctx context.Context, uid string, convs []entity.Conversation) {
	if s.cache == nil || uid == "" {
		return
	}
	if err := s.cache.SaveConversations(ctx, uid, convs); err != nil {
		logger.Warn("ConversationStore: snapshot not saved: %v", err)
	}
}

// Hydrate fills an empty store from the local snapshot.
func (s *ConversationStore) Hydrate(ctx context.Context) error {
	uid := s.userID()
	if s.cache == nil || uid == "" {
		return nil
	}

	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()

	convs, err := s.cache.LoadConversations(ctx, uid)
	if err != nil {
		logger.Warn("ConversationStore: snapshot unavailable: %v", err)
		return err
	}
	if len(convs) == 0 {
		return nil
	}

	s.mu.Lock()
	if epoch != s.epoch || s.applied != 0 || len(s.conversations) > 0 {
		s.mu.Unlock()
		return nil
	}
	s.owner = uid
	s.conversations = convs
	s.unread = UnreadConversationCount(convs, uid)
	unread := s.unread
	s.mu.Unlock()

	logger.Info("ConversationStore: hydrated %d conversations from snapshot", len(convs))
	s.metrics.SetUnreadConversations(unread)
	s.notify(unread)
	return nil
}

// MarkConversationAsRead zeroes the current user's counter locally and
// tells the backend in the background. The next fetch corrects any drift.
func (s *ConversationStore) MarkConversationAsRead(ctx context.Context, conversationID string) {
	uid := s.userID()
	if uid == "" || conversationID == "" {
		return
	}

	s.mu.Lock()
	for i := range s.conversations {
		c := &s.conversations[i]
		if c.ID == conversationID && c.UnreadFor(uid) > 0 {
			c.UnreadCount[uid] = 0
		}
	}
	s.unread = UnreadConversationCount(s.conversations, uid)
	unread := s.unread
	s.mu.Unlock()

	s.metrics.SetUnreadConversations(unread)
	s.notify(unread)

	go func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.requestTimeout)
		defer cancel()
		if err := s.api.MarkConversationRead(ctx, conversationID); err != nil {
			logger.Warn("MarkConversationAsRead Error: conversation %s: %v", conversationID, err)
		}
	}()
}

// UpdateUnreadCount recomputes the unread-conversation count from the
// current list and returns it.
func (s *ConversationStore) UpdateUnreadCount() int {
	uid := s.userID()

	s.mu.Lock()
	s.unread = UnreadConversationCount(s.conversations, uid)
	unread := s.unread
	s.mu.Unlock()

	s.metrics.SetUnreadConversations(unread)
	return unread
}

// CreateOrGetConversation returns the conversation with otherUserID,
// creating it if needed, then refreshes the list so it gets joined.
func (s *ConversationStore) CreateOrGetConversation(ctx context.Context, otherUserID string) (string, error) {
	reqCtx, cancel := context.WithTimeout(ctx, s.requestTimeout)
	id, err := s.api.CreateOrGetConversation(reqCtx, otherUserID)
	cancel()
	if err != nil {
		logger.Error("CreateOrGetConversation Error: with %s: %v", otherUserID, err)
		return "", err
	}
	// a failed refresh is logged there; the id is still valid
	_ = s.FetchConversations(ctx)
	return id, nil
}

func (s *ConversationStore) Conversations() []entity.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entity.Conversation, len(s.conversations))
	for i := range s.conversations {
		out[i] = s.conversations[i].Clone()
	}
	return out
}

func (s *ConversationStore) Conversation(id string) (entity.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.conversations {
		if s.conversations[i].ID == id {
			return s.conversations[i].Clone(), true
		}
	}
	return entity.Conversation{}, false
}

func (s *ConversationStore) UnreadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread
}

func (s *ConversationStore) conversationIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.conversations))
	for i := range s.conversations {
		ids[i] = s.conversations[i].ID
	}
	return ids
}

// Subscribe registers fn to be called with the unread count after every
// change to the list. The returned func unsubscribes.
func (s *ConversationStore) Subscribe(fn func(unread int)) func() {
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

func (s *ConversationStore) notify(unread int) {
	s.subMu.Lock()
	fns := make([]func(int), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(unread)
	}
}

// Reset is called on sign-out. It clears the list, detaches from the
// transport, invalidates fetches still in flight and deletes the signed-out
// user's snapshot.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	s.epoch++
	s.conversations = nil
	s.unread = 0
	s.applied = 0
	s.started = false
	owner := s.owner
	s.owner = ""
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	for _, l := range listeners {
		s.transport.RemoveListener(l)
	}
	s.metrics.SetUnreadConversations(0)
	s.notify(0)

	if s.cache != nil && owner != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
		defer cancel()
		if err := s.cache.Delete(ctx, owner); err != nil {
			logger.Warn("ConversationStore: snapshot not deleted: %v", err)
		}
	}
}
