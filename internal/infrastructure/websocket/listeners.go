package websocket

import (
	"sync"
	"sync/atomic"
)

const (
	keyState               = "state"
	keyConversationUpdated = EventConversationUpdated
	keyMessageRead         = EventMessageRead
	keyUserTyping          = EventUserTyping
)

func newMessageKey(conversationID string) string {
	return EventNewMessage + ":" + conversationID
}

// Listener is the handle returned by every On* registration.
type Listener struct {
	key string
	id  uint64
}

func (l *Listener) Key() string {
	if l == nil {
		return ""
	}
	return l.key
}

// listenerRegistry keeps an observer list per key. Handlers are called
// outside the lock, in registration order.
type listenerRegistry struct {
	mu     sync.RWMutex
	nextID atomic.Uint64
	byKey  map[string][]entry
}

type entry struct {
	id uint64
	fn func(payload interface{})
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{byKey: make(map[string][]entry)}
}

func (r *listenerRegistry) add(key string, fn func(payload interface{})) *Listener {
	id := r.nextID.Add(1)

	r.mu.Lock()
	r.byKey[key] = append(r.byKey[key], entry{id: id, fn: fn})
	r.mu.Unlock()

	return &Listener{key: key, id: id}
}

func (r *listenerRegistry) remove(l *Listener) bool {
	if l == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := r.byKey[l.key]
	for i, e := range entries {
		if e.id == l.id {
			r.byKey[l.key] = append(entries[:i:i], entries[i+1:]...)
			if len(r.byKey[l.key]) == 0 {
				delete(r.byKey, l.key)
			}
			return true
		}
	}
	return false
}

func (r *listenerRegistry) removeKey(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.byKey[key])
	delete(r.byKey, key)
	return n
}

func (r *listenerRegistry) clear() {
	r.mu.Lock()
	r.byKey = make(map[string][]entry)
	r.mu.Unlock()
}

func (r *listenerRegistry) count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey[key])
}

func (r *listenerRegistry) dispatch(key string, payload interface{}) {
	r.mu.RLock()
	entries := append([]entry(nil), r.byKey[key]...)
	r.mu.RUnlock()

	for _, e := range entries {
		e.fn(payload)
	}
}
