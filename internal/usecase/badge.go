package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"swiftservice/pkg/logger"
)

// BadgeAggregator tracks the unread-conversation count shown on the
// messages badge. Besides following store changes it polls the backend
// as a fallback for missed socket events.
type BadgeAggregator struct {
	source   BadgeSource
	interval time.Duration
	clock    clockwork.Clock

	mu          sync.Mutex
	count       int
	subs        map[uint64]func(int)
	nextSub     uint64
	unsubscribe func()
}

func NewBadgeAggregator(source BadgeSource, interval time.Duration, clock clockwork.Clock) *BadgeAggregator {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	b := &BadgeAggregator{
		source:   source,
		interval: interval,
		clock:    clock,
		subs:     make(map[uint64]func(int)),
	}
	b.count = source.UnreadCount()
	b.unsubscribe = source.Subscribe(func(int) {
		// notifications may arrive out of order; the store holds the latest
		b.update(source.UnreadCount())
	})
	return b
}

func (b *BadgeAggregator) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// OnChange registers fn to be called when the count changes.
func (b *BadgeAggregator) OnChange(fn func(count int)) func() {
	b.mu.Lock()
	b.nextSub++
	id := b.nextSub
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *BadgeAggregator) update(n int) {
	b.mu.Lock()
	if n == b.count {
		b.mu.Unlock()
		return
	}
	b.count = n
	fns := make([]func(int), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}

// Run polls until ctx is done.
func (b *BadgeAggregator) Run(ctx context.Context) error {
	ticker := b.clock.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := b.source.FetchConversations(ctx); err != nil {
				logger.Debug("BadgeAggregator: poll failed: %v", err)
			}
			b.update(b.source.UnreadCount())
		}
	}
}

// Stop detaches from the source.
func (b *BadgeAggregator) Stop() {
	b.mu.Lock()
	unsubscribe := b.unsubscribe
	b.unsubscribe = nil
	b.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}
