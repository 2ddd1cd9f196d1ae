package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"swiftservice/internal/domain/entity"
	ws "swiftservice/internal/infrastructure/websocket"
	apperrors "swiftservice/pkg/errors"
)

var me = entity.LocalUser{ID: "u1", Name: "Carla", Photo: "https://img/u1.png"}

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newSession(api *fakeAPI, tr *fakeTransport, clock clockwork.Clock) *ChatSession {
	s := NewChatSession("c1", me, api, tr, SessionOptions{Clock: clock})
	s.Open()
	return s
}

func inbound(id, sender string, at time.Time) entity.Message {
	return entity.Message{ID: id, ConversationID: "c1", SenderID: sender, Text: "msg " + id, Timestamp: at}
}

func ids(msgs []entity.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestOpenRegistersOneListenerEach(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	s.Open()
	assert.Equal(t, 2, tr.listenerCount())

	s.Close()
	s.Close()
	assert.Equal(t, 0, tr.listenerCount())
}

func TestInboundMessagesAreDeduplicated(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := newFakeTransport()
		s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

		events := rapid.SliceOfN(rapid.SampledFrom([]string{"m1", "m2", "m3", "m4", "m5"}), 0, 40).Draw(t, "ids")
		distinct := map[string]bool{}
		for i, id := range events {
			tr.deliver(inbound(id, "u2", epoch.Add(time.Duration(i)*time.Second)))
			distinct[id] = true
		}

		got := s.Messages()
		seen := map[string]bool{}
		for _, m := range got {
			if seen[m.ID] {
				t.Fatalf("duplicate id %s in %v", m.ID, ids(got))
			}
			seen[m.ID] = true
		}
		if len(got) != len(distinct) {
			t.Fatalf("got %d messages, want %d", len(got), len(distinct))
		}
	})
}

func TestMessagesAreOrderedByTimestamp(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		tr := newFakeTransport()
		s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

		offsets := rapid.SliceOfN(rapid.IntRange(-3600, 3600), 0, 30).Draw(t, "offsets")
		for i, off := range offsets {
			tr.deliver(inbound(fmt.Sprintf("m%d", i), "u2", epoch.Add(time.Duration(off)*time.Second)))
		}

		got := s.Messages()
		for i := 1; i < len(got); i++ {
			if got[i].Timestamp.Before(got[i-1].Timestamp) {
				t.Fatalf("out of order at %d", i)
			}
		}
	})
}

func TestInboundEmitsMarkAsRead(t *testing.T) {
	tr := newFakeTransport()
	newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	tr.deliver(inbound("m1", "u2", epoch))
	tr.deliver(inbound("m1", "u2", epoch))

	assert.Equal(t, []string{"c1"}, tr.readEmits())
}

func TestOtherConversationsAreIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	s.handleIncoming(entity.Message{ID: "x1", ConversationID: "c2", SenderID: "u2"})

	assert.Empty(t, s.Messages())
}

func TestSelfSentMessageWithoutPendingIsIgnored(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	tr.deliver(inbound("m1", me.ID, epoch))
	m := inbound("m2", me.ID, epoch)
	m.TempID = "temp-unknown"
	tr.deliver(m)

	assert.Empty(t, s.Messages())
	assert.Empty(t, tr.readEmits())
}

func TestSendIsOptimisticAndEchoConfirms(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClockAt(epoch)
	s := newSession(&fakeAPI{}, tr, clock)
	s.HandleTyping("hello ")

	require.NoError(t, s.HandleSendMessage("hello "))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)
	assert.True(t, entity.IsTempID(msgs[0].ID))
	assert.Equal(t, "hello", msgs[0].Text)
	assert.Equal(t, me.ID, msgs[0].SenderID)
	assert.Equal(t, me.Name, msgs[0].SenderName)
	assert.Empty(t, s.Draft())
	assert.Equal(t, []bool{true, false}, tr.typingEmits())

	sent := tr.sentMessages()
	require.Len(t, sent, 1)
	assert.Equal(t, sentMessage{"c1", "hello", msgs[0].TempID}, sent[0])

	echo := inbound("srv-1", me.ID, epoch.Add(time.Second))
	echo.Text = "hello"
	echo.TempID = sent[0].tempID
	tr.deliver(echo)
	tr.deliver(echo)

	msgs = s.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "srv-1", msgs[0].ID)
	assert.False(t, msgs[0].Pending)
}

func TestEchoAfterHistoryLoadDoesNotDuplicate(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{}
	s := newSession(api, tr, clockwork.NewFakeClockAt(epoch))

	require.NoError(t, s.HandleSendMessage("hi"))
	tempID := tr.sentMessages()[0].tempID

	confirmed := inbound("srv-1", me.ID, epoch)
	confirmed.TempID = tempID
	api.mu.Lock()
	api.messages = []entity.Message{confirmed}
	api.mu.Unlock()
	require.NoError(t, s.LoadMessages(context.Background()))
	require.Equal(t, []string{"srv-1"}, ids(s.Messages()))

	tr.deliver(confirmed)
	assert.Equal(t, []string{"srv-1"}, ids(s.Messages()))
}

func TestSendRollsBackWhenTransportRefuses(t *testing.T) {
	tr := newFakeTransport()
	tr.sendErr = apperrors.NotConnected(nil)
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())
	tr.deliver(inbound("m1", "u2", epoch))
	before := len(s.Messages())

	typed := "  see you at 9  "
	s.HandleTyping(typed)
	err := s.HandleSendMessage(typed)

	assert.ErrorIs(t, err, apperrors.ErrNotConnected)
	assert.Equal(t, typed, s.Draft())
	assert.Len(t, s.Messages(), before)
	for _, m := range s.Messages() {
		assert.False(t, entity.IsTempID(m.ID))
	}
}

func TestBlankSendIsNoop(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	require.NoError(t, s.HandleSendMessage("   "))

	assert.Empty(t, s.Messages())
	assert.Empty(t, tr.sentMessages())
}

func TestSendInFlightIsNoop(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())
	s.mu.Lock()
	s.sending = true
	s.mu.Unlock()

	require.NoError(t, s.HandleSendMessage("hi"))

	assert.Empty(t, tr.sentMessages())
}

func TestLoadMessagesKeepsPendingAndMarksRead(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{messages: []entity.Message{
		inbound("m2", "u2", epoch.Add(2*time.Second)),
		inbound("m1", "u2", epoch.Add(time.Second)),
		inbound("m1", "u2", epoch.Add(time.Second)),
	}}
	s := newSession(api, tr, clockwork.NewFakeClockAt(epoch.Add(time.Hour)))
	require.NoError(t, s.HandleSendMessage("pending one"))

	require.NoError(t, s.LoadMessages(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"m1", "m2"}, ids(msgs[:2]))
	assert.True(t, msgs[2].Pending)
	assert.Equal(t, []string{"c1"}, tr.readEmits())
}

func TestLoadMessagesErrorKeepsList(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{msgErr: errors.New("offline")}
	s := newSession(api, tr, clockwork.NewFakeClock())
	tr.deliver(inbound("m1", "u2", epoch))

	err := s.LoadMessages(context.Background())

	assert.Error(t, err)
	assert.Len(t, s.Messages(), 1)
}

func TestSupersededLoadIsDiscarded(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{msgGate: make(chan []entity.Message)}
	s := newSession(api, tr, clockwork.NewFakeClock())

	first := make(chan error, 1)
	go func() { first <- s.LoadMessages(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadGen == 1
	}, waitFor, tick)

	second := make(chan error, 1)
	go func() { second <- s.LoadMessages(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadGen == 2
	}, waitFor, tick)

	// whichever call receives first, only the second load may apply
	api.msgGate <- []entity.Message{inbound("a", "u2", epoch)}
	api.msgGate <- []entity.Message{inbound("a", "u2", epoch)}
	require.NoError(t, <-first)
	require.NoError(t, <-second)

	assert.Equal(t, []string{"a"}, ids(s.Messages()))
	assert.Len(t, tr.readEmits(), 1)
}

func TestLoadMessagesKeepsMessagesArrivingMidFlight(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{msgGate: make(chan []entity.Message)}
	s := newSession(api, tr, clockwork.NewFakeClockAt(epoch.Add(time.Hour)))

	require.NoError(t, s.HandleSendMessage("hi"))
	tempID := tr.sentMessages()[0].tempID

	done := make(chan error, 1)
	go func() { done <- s.LoadMessages(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadGen == 1
	}, waitFor, tick)

	// a live message and the echo of our send land before the history
	tr.deliver(inbound("m9", "u2", epoch.Add(9*time.Second)))
	confirmed := inbound("srv-1", me.ID, epoch.Add(5*time.Second))
	confirmed.TempID = tempID
	tr.deliver(confirmed)
	require.Equal(t, []string{"srv-1", "m9"}, ids(s.Messages()))

	api.msgGate <- []entity.Message{inbound("m1", "u2", epoch.Add(time.Second))}
	require.NoError(t, <-done)

	assert.Equal(t, []string{"m1", "srv-1", "m9"}, ids(s.Messages()))
}

func TestLoadMessagesPrefersHistoryCopy(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{}
	s := newSession(api, tr, clockwork.NewFakeClock())
	tr.deliver(inbound("m1", "u2", epoch))

	read := inbound("m1", "u2", epoch)
	read.Read = true
	api.mu.Lock()
	api.messages = []entity.Message{read}
	api.mu.Unlock()
	require.NoError(t, s.LoadMessages(context.Background()))

	msgs := s.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Read)
}

func TestClosedSessionDiscardsLateCompletions(t *testing.T) {
	tr := newFakeTransport()
	api := &fakeAPI{msgGate: make(chan []entity.Message)}
	s := newSession(api, tr, clockwork.NewFakeClock())

	done := make(chan error, 1)
	go func() { done <- s.LoadMessages(context.Background()) }()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.loadGen == 1
	}, waitFor, tick)

	s.Close()
	api.msgGate <- []entity.Message{inbound("late", "u2", epoch)}
	require.NoError(t, <-done)
	s.handleIncoming(inbound("late2", "u2", epoch))

	assert.Empty(t, s.Messages())
	assert.Empty(t, tr.readEmits())
	require.NoError(t, s.HandleSendMessage("after close"))
	assert.Empty(t, tr.sentMessages())
}

func TestTypingDebounce(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClock()
	s := newSession(&fakeAPI{}, tr, clock)

	s.HandleTyping("h")
	clock.Advance(500 * time.Millisecond)
	s.HandleTyping("he")
	clock.Advance(500 * time.Millisecond)
	s.HandleTyping("hel")

	assert.Equal(t, []bool{true}, tr.typingEmits())

	// last keystroke at +1000ms; the stop is due at +3000ms
	clock.Advance(1999 * time.Millisecond)
	assert.Never(t, func() bool { return len(tr.typingEmits()) > 1 }, 50*time.Millisecond, tick)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return len(tr.typingEmits()) == 2 }, waitFor, tick)
	assert.Equal(t, []bool{true, false}, tr.typingEmits())
	assert.Equal(t, "hel", s.Draft())
}

func TestTypingKeepaliveWhileTyping(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClock()
	s := newSession(&fakeAPI{}, tr, clock)

	for i := 0; i < 8; i++ {
		s.HandleTyping(strings.Repeat("a", i+1))
		clock.Advance(1100 * time.Millisecond)
	}

	// keystrokes every 1.1s up to 7.7s: the start plus re-emits at 3.3s and 6.6s
	assert.Equal(t, []bool{true, true, true}, tr.typingEmits())
}

func TestClearingDraftStopsTyping(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClock()
	s := newSession(&fakeAPI{}, tr, clock)

	s.HandleTyping("h")
	s.HandleTyping("")
	s.HandleTyping("")
	clock.Advance(3 * time.Second)

	assert.Never(t, func() bool { return len(tr.typingEmits()) > 2 }, 50*time.Millisecond, tick)
	assert.Equal(t, []bool{true, false}, tr.typingEmits())
	assert.Empty(t, s.Draft())
}

func TestCloseStopsTyping(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClock()
	s := newSession(&fakeAPI{}, tr, clock)

	s.HandleTyping("h")
	s.Close()
	clock.Advance(3 * time.Second)

	assert.Never(t, func() bool { return len(tr.typingEmits()) > 2 }, 50*time.Millisecond, tick)
	assert.Equal(t, []bool{true, false}, tr.typingEmits())
}

func TestPeerTypingExpires(t *testing.T) {
	tr := newFakeTransport()
	clock := clockwork.NewFakeClock()
	s := newSession(&fakeAPI{}, tr, clock)

	tr.deliverTyping(ws.UserTypingData{UserID: me.ID, IsTyping: true})
	tr.deliverTyping(ws.UserTypingData{UserID: "u2", IsTyping: true, ConversationID: "c9"})
	assert.False(t, s.PeerTyping())

	tr.deliverTyping(ws.UserTypingData{UserID: "u2", IsTyping: true, ConversationID: "c1"})
	assert.True(t, s.PeerTyping())

	clock.Advance(4 * time.Second)
	tr.deliverTyping(ws.UserTypingData{UserID: "u2", IsTyping: true})
	clock.Advance(4 * time.Second)
	assert.Never(t, func() bool { return !s.PeerTyping() }, 50*time.Millisecond, tick)

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return !s.PeerTyping() }, waitFor, tick)
}

func TestPeerTypingOnlyFromPeer(t *testing.T) {
	tr := newFakeTransport()
	s := NewChatSession("c1", me, &fakeAPI{}, tr, SessionOptions{PeerID: "u2", Clock: clockwork.NewFakeClock()})
	s.Open()
	defer s.Close()

	tr.deliverTyping(ws.UserTypingData{UserID: "u3", IsTyping: true})
	assert.False(t, s.PeerTyping())

	tr.deliverTyping(ws.UserTypingData{UserID: "u2", IsTyping: true})
	assert.True(t, s.PeerTyping())
}

func TestPeerMessageClearsPeerTyping(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	tr.deliverTyping(ws.UserTypingData{UserID: "u2", IsTyping: true})
	tr.deliver(inbound("m1", "u2", epoch))

	assert.False(t, s.PeerTyping())
}

func TestSubscribersSeeChanges(t *testing.T) {
	tr := newFakeTransport()
	s := newSession(&fakeAPI{}, tr, clockwork.NewFakeClock())

	calls := 0
	unsubscribe := s.Subscribe(func() { calls++ })
	tr.deliver(inbound("m1", "u2", epoch))
	unsubscribe()
	tr.deliver(inbound("m2", "u2", epoch))

	assert.Equal(t, 1, calls)
}
