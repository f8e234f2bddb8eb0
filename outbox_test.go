package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LuminPulse-AI/chatsync/internal/clock"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    []string
	counts  map[string]int
	respond func(msg Message, n int) error
	gate    chan struct{}
	started chan string
}

func (s *fakeSender) Send(ctx context.Context, msg Message) (Message, error) {
	s.mu.Lock()
	if s.counts == nil {
		s.counts = make(map[string]int)
	}
	s.counts[msg.Content]++
	n := s.counts[msg.Content]
	s.sent = append(s.sent, msg.Content)
	respond, gate, started := s.respond, s.gate, s.started
	s.mu.Unlock()

	if started != nil {
		started <- msg.Content
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
	if respond != nil {
		if err := respond(msg, n); err != nil {
			return Message{}, err
		}
	}
	return Message{
		ID:             "srv-" + msg.Content,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
	}, nil
}

func (s *fakeSender) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

// callsWithPrefix keeps only the sends of one conversation, since
// conversations drain concurrently.
func (s *fakeSender) callsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range s.calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

type eventLog struct {
	mu     sync.Mutex
	events []OutboxEvent
}

func recordEvents(e *SyncEngine) *eventLog {
	l := &eventLog{}
	e.OnEvent(func(ev OutboxEvent) {
		l.mu.Lock()
		l.events = append(l.events, ev)
		l.mu.Unlock()
	})
	return l
}

func (l *eventLog) count(kind OutboxEventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (l *eventLog) last(kind OutboxEventKind) OutboxEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Kind == kind {
			return l.events[i]
		}
	}
	return OutboxEvent{}
}

type outboxFixture struct {
	store  *MemoryStorage
	sender *fakeSender
	clock  *clock.FakeClock
	mon    *Monitor
	engine *SyncEngine
	events *eventLog
}

func newOutboxFixture(t *testing.T, online bool, opts SyncOptions) *outboxFixture {
	t.Helper()
	f := &outboxFixture{
		store:  NewMemoryStorage(),
		sender: &fakeSender{},
		clock:  clock.Fake(t0),
		mon:    NewMonitor(MonitorOptions{AssumeOnline: online, Threshold: 1}),
	}
	opts.Clock = f.clock
	f.engine = NewSyncEngine(f.store, f.sender, f.mon, opts)
	f.events = recordEvents(f.engine)
	return f
}

func (f *outboxFixture) add(t *testing.T, conv string, contents ...string) []Message {
	t.Helper()
	var out []Message
	for _, c := range contents {
		msg, err := f.engine.AddToOutbox(context.Background(), Message{ConversationID: conv, SenderID: "me", Content: c})
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *outboxFixture) outbox(t *testing.T) []OutboxEntry {
	t.Helper()
	entries, err := f.store.FetchOutbox(context.Background())
	require.NoError(t, err)
	return entries
}

func TestAddToOutboxAssignsProvisionalIdentity(t *testing.T) {
	f := newOutboxFixture(t, false, SyncOptions{})
	msgs := f.add(t, "c1", "hi")

	msg := msgs[0]
	assert.NotEmpty(t, msg.ProvisionalID)
	assert.Empty(t, msg.ID)
	assert.Equal(t, StatusPending, msg.Status)
	assert.Equal(t, KindText, msg.Kind)
	assert.Equal(t, t0, msg.CreatedAt)
	assert.Equal(t, 1, f.events.count(OutboxQueued))

	cached, err := f.engine.FetchCached(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, msg.ProvisionalID, cached[0].Key())

	_, err = f.engine.AddToOutbox(context.Background(), Message{Content: "orphan"})
	assert.Error(t, err)
}

func TestOutboxDrainsFIFOPerConversation(t *testing.T) {
	f := newOutboxFixture(t, true, SyncOptions{})
	f.add(t, "c1", "a1", "a2", "a3")
	f.add(t, "c2", "b1", "b2")

	assert.True(t, f.engine.Drain(context.Background()))

	assert.Equal(t, []string{"a1", "a2", "a3"}, f.sender.callsWithPrefix("a"))
	assert.Equal(t, []string{"b1", "b2"}, f.sender.callsWithPrefix("b"))
	assert.Empty(t, f.outbox(t))
	assert.Equal(t, 5, f.events.count(OutboxConfirmed))

	cached, err := f.engine.FetchCached(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, cached, 3)
	for i, m := range cached {
		assert.Equal(t, StatusSent, m.Status)
		assert.Equal(t, "srv-a"+string(rune('1'+i)), m.ID)
		assert.NotEmpty(t, m.ProvisionalID)
	}
}

func TestOutboxTransientFailureHaltsConversation(t *testing.T) {
	f := newOutboxFixture(t, true, SyncOptions{})
	f.sender.respond = func(msg Message, n int) error {
		if msg.Content == "a1" && n == 1 {
			return errors.New("503 service unavailable")
		}
		return nil
	}
	f.add(t, "c1", "a1", "a2")
	f.add(t, "c2", "b1")

	f.engine.Drain(context.Background())
	assert.Equal(t, []string{"a1"}, f.sender.callsWithPrefix("a"))
	assert.Equal(t, []string{"b1"}, f.sender.callsWithPrefix("b"))

	entries := f.outbox(t)
	require.Len(t, entries, 2)
	assert.Equal(t, "a1", entries[0].Message.Content)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Contains(t, entries[0].LastError, "503")
	assert.Zero(t, entries[1].RetryCount)

	retry := f.events.last(OutboxRetrying)
	assert.Equal(t, 1, retry.RetryCount)
	assert.WithinDuration(t, t0.Add(time.Second), retry.NextRetryAt, 200*time.Millisecond)

	// Not due yet.
	f.engine.Drain(context.Background())
	assert.Len(t, f.sender.calls(), 2)

	f.clock.Advance(2 * time.Second)
	f.engine.Drain(context.Background())
	assert.Equal(t, []string{"a1", "a1", "a2"}, f.sender.callsWithPrefix("a"))
	assert.Empty(t, f.outbox(t))
}

func TestOutboxRejectionIsTerminal(t *testing.T) {
	var reject atomic.Bool
	reject.Store(true)
	f := newOutboxFixture(t, true, SyncOptions{})
	f.sender.respond = func(msg Message, _ int) error {
		if msg.Content == "bad" && reject.Load() {
			return &SendRejected{Code: "CONTENT_TOO_LONG", Message: "too long", StatusCode: 422}
		}
		return nil
	}
	bad := f.add(t, "c1", "bad", "good")[0]

	f.engine.Drain(context.Background())
	assert.Equal(t, []string{"bad", "good"}, f.sender.calls())

	entries := f.outbox(t)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Rejected)

	rejected := f.events.last(OutboxRejected)
	assert.Equal(t, bad.ProvisionalID, rejected.ProvisionalID)
	assert.True(t, IsRejected(rejected.Err))

	cached, err := f.engine.FetchCached(context.Background(), "c1", 0)
	require.NoError(t, err)
	statuses := map[string]SendStatus{}
	for _, m := range cached {
		statuses[m.Content] = m.Status
	}
	assert.Equal(t, map[string]SendStatus{"bad": StatusFailed, "good": StatusSent}, statuses)

	f.clock.Advance(time.Hour)
	f.engine.Drain(context.Background())
	assert.Len(t, f.sender.calls(), 2, "rejected entries are never retried automatically")

	reject.Store(false)
	require.NoError(t, f.engine.Resend(context.Background(), bad.ProvisionalID))
	f.engine.Drain(context.Background())
	assert.Equal(t, []string{"bad", "good", "bad"}, f.sender.calls())
	assert.Empty(t, f.outbox(t))

	assert.ErrorIs(t, f.engine.Resend(context.Background(), "missing"), ErrNotFound)
}

func TestOutboxDrainIsNotReentrant(t *testing.T) {
	f := newOutboxFixture(t, true, SyncOptions{})
	f.sender.gate = make(chan struct{})
	f.sender.started = make(chan string, 8)
	f.add(t, "c1", "a1")

	done := make(chan bool)
	go func() { done <- f.engine.Drain(context.Background()) }()
	assert.Equal(t, "a1", recv(t, f.sender.started))

	assert.False(t, f.engine.Drain(context.Background()))
	f.add(t, "c1", "a2")

	close(f.sender.gate)
	assert.True(t, recv(t, done))
	assert.Equal(t, []string{"a1", "a2"}, f.sender.calls())
	assert.Empty(t, f.outbox(t))
}

func TestOutboxAirplaneMode(t *testing.T) {
	f := newOutboxFixture(t, false, SyncOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.engine.Run(ctx)
	require.Eventually(t, func() bool {
		f.mon.mu.Lock()
		defer f.mon.mu.Unlock()
		return len(f.mon.watchers) == 1
	}, time.Second, 5*time.Millisecond)

	queued := f.add(t, "c1", "m1", "m2", "m3")
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, f.sender.calls())

	cached, err := f.engine.FetchCached(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, cached, 3)
	for _, m := range cached {
		assert.Equal(t, StatusPending, m.Status)
	}

	f.mon.Report(true)
	require.Eventually(t, func() bool { return len(f.outbox(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2", "m3"}, f.sender.calls())

	cached, err = f.engine.FetchCached(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, cached, 3, "provisional rows must be retired")
	for i, m := range cached {
		assert.Equal(t, "srv-"+queued[i].Content, m.ID)
		assert.Equal(t, queued[i].ProvisionalID, m.ProvisionalID)
		assert.Equal(t, StatusSent, m.Status)
	}
	confirmed := f.events.last(OutboxConfirmed)
	assert.Equal(t, queued[2].ProvisionalID, confirmed.ProvisionalID)
	assert.Equal(t, "srv-m3", confirmed.Message.ID)
}

func TestOutboxRunRetriesWhenDue(t *testing.T) {
	f := newOutboxFixture(t, true, SyncOptions{})
	f.sender.respond = func(_ Message, n int) error {
		if n == 1 {
			return errors.New("connection reset")
		}
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.engine.Run(ctx)

	f.add(t, "c1", "a1")
	f.clock.WaitForTimers(1)
	assert.Equal(t, []string{"a1"}, f.sender.calls())

	f.clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(f.outbox(t)) == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"a1", "a1"}, f.sender.calls())
}

func TestOutboxStallsOnceAtRetryLimit(t *testing.T) {
	f := newOutboxFixture(t, true, SyncOptions{RetryLimit: 2})
	f.sender.respond = func(Message, int) error { return errors.New("timeout") }
	f.add(t, "c1", "a1")

	f.engine.Drain(context.Background())
	assert.Zero(t, f.events.count(OutboxStalled))

	f.clock.Advance(3 * time.Second)
	f.engine.Drain(context.Background())
	assert.Equal(t, 1, f.events.count(OutboxStalled))

	f.clock.Advance(5 * time.Second)
	f.engine.Drain(context.Background())
	assert.Equal(t, 1, f.events.count(OutboxStalled))
	assert.Equal(t, 3, f.events.count(OutboxRetrying))

	entries := f.outbox(t)
	require.Len(t, entries, 1, "stalled entries are kept")
	assert.Equal(t, 3, entries[0].RetryCount)
}

func TestOutboxConfirmationAfterEcho(t *testing.T) {
	f := newOutboxFixture(t, true, SyncOptions{})
	// The realtime echo lands in the cache before the HTTP response.
	f.sender.respond = func(msg Message, _ int) error {
		echo := msg
		echo.ID = "srv-" + msg.Content
		echo.Status = StatusSent
		return f.store.SaveMessage(context.Background(), echo)
	}
	f.add(t, "c1", "hello")
	f.engine.Drain(context.Background())

	cached, err := f.engine.FetchCached(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, cached, 1)
	assert.Equal(t, "srv-hello", cached[0].ID)
}

func TestOutboxOfflineDrainIsNoop(t *testing.T) {
	f := newOutboxFixture(t, false, SyncOptions{})
	f.add(t, "c1", "a1")
	assert.True(t, f.engine.Drain(context.Background()))
	assert.Empty(t, f.sender.calls())
	assert.Len(t, f.outbox(t), 1)
}
