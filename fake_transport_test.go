package chatsync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// fakeTransport hands out in-memory channels and records every one it
// creates so tests can push events and faults into them.
type fakeTransport struct {
	mu     sync.Mutex
	opened map[string][]*fakeChannel
	joins  map[string]int

	// onJoin runs inside Join. n is the 1-based join count for the topic.
	// A non-nil error fails the join.
	onJoin func(ctx context.Context, ch *fakeChannel, n int) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		opened: make(map[string][]*fakeChannel),
		joins:  make(map[string]int),
	}
}

func (t *fakeTransport) Channel(_ context.Context, topic string) (TransportChannel, error) {
	ch := &fakeChannel{
		t:      t,
		topic:  topic,
		stream: make(chan RawEvent),
		faults: make(chan error, 1),
		left:   make(chan struct{}),
	}
	t.mu.Lock()
	t.opened[topic] = append(t.opened[topic], ch)
	t.mu.Unlock()
	return ch, nil
}

func (t *fakeTransport) setOnJoin(fn func(ctx context.Context, ch *fakeChannel, n int) error) {
	t.mu.Lock()
	t.onJoin = fn
	t.mu.Unlock()
}

func (t *fakeTransport) joinCount(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.joins[topic]
}

func (t *fakeTransport) openCount(topic string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.opened[topic])
}

// latest returns the most recently opened channel for topic, or nil.
func (t *fakeTransport) latest(topic string) *fakeChannel {
	t.mu.Lock()
	defer t.mu.Unlock()
	chs := t.opened[topic]
	if len(chs) == 0 {
		return nil
	}
	return chs[len(chs)-1]
}

type fakeChannel struct {
	t      *fakeTransport
	topic  string
	stream chan RawEvent
	faults chan error
	left   chan struct{}

	leaveOnce sync.Once
	joined    atomic.Bool
}

func (c *fakeChannel) Topic() string           { return c.topic }
func (c *fakeChannel) Stream() <-chan RawEvent { return c.stream }
func (c *fakeChannel) Faults() <-chan error    { return c.faults }

func (c *fakeChannel) Join(ctx context.Context) error {
	c.t.mu.Lock()
	c.t.joins[c.topic]++
	n := c.t.joins[c.topic]
	hook := c.t.onJoin
	c.t.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, c, n); err != nil {
			return err
		}
	}
	c.joined.Store(true)
	return nil
}

func (c *fakeChannel) Leave(context.Context) error {
	c.leaveOnce.Do(func() { close(c.left) })
	return nil
}

func (c *fakeChannel) isLeft() bool {
	select {
	case <-c.left:
		return true
	default:
		return false
	}
}

// push hands ev to the consumer. It reports false if nobody took it within
// a second or the channel was left.
func (c *fakeChannel) push(ev RawEvent) bool {
	select {
	case c.stream <- ev:
		return true
	case <-c.left:
		return false
	case <-time.After(time.Second):
		return false
	}
}

func (c *fakeChannel) fail(err error) {
	select {
	case c.faults <- err:
	default:
	}
}

// messageRow builds a messages-table INSERT as the backend would send it.
func messageRow(id, convID, sender, content, createdAt string) RawEvent {
	return RawEvent{
		Type:  EventInsert,
		Table: TableMessages,
		Record: map[string]any{
			"id":              id,
			"conversation_id": convID,
			"sender_id":       sender,
			"content":         content,
			"created_at":      createdAt,
		},
	}
}
