package chatsync

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// fakePhoenix is a minimal Phoenix channel server.
type fakePhoenix struct {
	srv *httptest.Server

	mu          sync.Mutex
	conns       []*websocket.Conn
	joinStatus  string
	beforeReply func(ctx context.Context, conn *websocket.Conn, join phxFrame)
	query       string

	ignoreHeartbeats atomic.Bool
	joins            chan phxFrame
	leaves           chan string
}

func newFakePhoenix(t *testing.T) *fakePhoenix {
	t.Helper()
	p := &fakePhoenix{
		joinStatus: replyStatusOK,
		joins:      make(chan phxFrame, 16),
		leaves:     make(chan string, 16),
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		p.mu.Lock()
		p.conns = append(p.conns, conn)
		p.query = r.URL.RawQuery
		p.mu.Unlock()

		ctx := r.Context()
		for {
			var f phxFrame
			if err := wsjson.Read(ctx, conn, &f); err != nil {
				return
			}
			switch f.Event {
			case phxJoin:
				p.mu.Lock()
				hook, status := p.beforeReply, p.joinStatus
				p.mu.Unlock()
				if hook != nil {
					hook(ctx, conn, f)
				}
				p.joins <- f
				p.reply(ctx, conn, f, status)
			case phxHeartbeat:
				if !p.ignoreHeartbeats.Load() {
					p.reply(ctx, conn, f, replyStatusOK)
				}
			case phxLeave:
				p.leaves <- f.Topic
			}
		}
	}))
	t.Cleanup(p.srv.Close)
	return p
}

func (p *fakePhoenix) reply(ctx context.Context, conn *websocket.Conn, f phxFrame, status string) {
	payload, _ := json.Marshal(map[string]any{"status": status, "response": map[string]any{}})
	_ = wsjson.Write(ctx, conn, phxFrame{Topic: f.Topic, Event: phxReply, Payload: payload, Ref: f.Ref})
}

func (p *fakePhoenix) push(t *testing.T, conn *websocket.Conn, topic, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(context.Background(), conn, phxFrame{Topic: topic, Event: event, Payload: raw}))
}

func (p *fakePhoenix) latest() *websocket.Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conns[len(p.conns)-1]
}

func (p *fakePhoenix) connCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

func newTestWSTransport(t *testing.T, p *fakePhoenix, cfg WSConfig) *WSTransport {
	t.Helper()
	cfg.URL = p.srv.URL + "/realtime/v1/websocket"
	tr := NewWSTransport(cfg)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func joinChannel(t *testing.T, tr *WSTransport, topic string) TransportChannel {
	t.Helper()
	ch, err := tr.Channel(context.Background(), topic)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, ch.Join(ctx))
	return ch
}

func insertChange(id string) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"type":  "INSERT",
			"table": "messages",
			"record": map[string]any{
				"id":              id,
				"conversation_id": "c1",
				"created_at":      "2026-01-02T10:00:00Z",
			},
		},
	}
}

func TestWSTransportDeliversChangesSentBeforeJoinReply(t *testing.T) {
	p := newFakePhoenix(t)
	p.beforeReply = func(ctx context.Context, conn *websocket.Conn, join phxFrame) {
		payload, _ := json.Marshal(insertChange("m0"))
		_ = wsjson.Write(ctx, conn, phxFrame{Topic: join.Topic, Event: phxPostgres, Payload: payload})
	}
	tr := newTestWSTransport(t, p, WSConfig{Token: "jwt"})

	ch := joinChannel(t, tr, "messages:user:me")
	ev := recv(t, ch.Stream())
	assert.Equal(t, EventInsert, ev.Type)
	assert.Equal(t, TableMessages, ev.Table)
	assert.Equal(t, "m0", ev.Record["id"])
	assert.Equal(t, "messages:user:me", ev.Topic)

	join := recv(t, p.joins)
	assert.Contains(t, string(join.Payload), `"access_token":"jwt"`)
	p.mu.Lock()
	query := p.query
	p.mu.Unlock()
	assert.Contains(t, query, "token=jwt")
	assert.True(t, tr.Connected())
}

func TestWSTransportRoutesByTopic(t *testing.T) {
	p := newFakePhoenix(t)
	tr := newTestWSTransport(t, p, WSConfig{})

	msgs := joinChannel(t, tr, "messages:user:me")
	typing := joinChannel(t, tr, "typing:c1")
	assert.Equal(t, 1, p.connCount(), "channels share one socket")

	conn := p.latest()
	p.push(t, conn, "typing:c1", phxBroadcast, map[string]any{
		"event":   "typing",
		"payload": map[string]any{"user_id": "u2", "is_typing": true},
	})
	p.push(t, conn, "messages:user:me", phxPostgres, map[string]any{
		"data": map[string]any{"type": "DELETE", "table": "messages", "old_record": map[string]any{"id": "m9"}},
	})

	b := recv(t, typing.Stream())
	assert.Equal(t, EventBroadcast, b.Type)
	assert.Equal(t, BroadcastTyping, b.Event)
	assert.Equal(t, "u2", b.Record["user_id"])

	d := recv(t, msgs.Stream())
	assert.Equal(t, EventDelete, d.Type)
	assert.Equal(t, "m9", d.Record["id"])
}

func TestWSTransportJoinRefused(t *testing.T) {
	p := newFakePhoenix(t)
	p.joinStatus = replyStatusFail
	tr := newTestWSTransport(t, p, WSConfig{})

	ch, err := tr.Channel(context.Background(), "messages:user:me")
	require.NoError(t, err)
	err = ch.Join(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestWSTransportSocketDropFaultsChannels(t *testing.T) {
	p := newFakePhoenix(t)
	tr := newTestWSTransport(t, p, WSConfig{})

	a := joinChannel(t, tr, "a")
	b := joinChannel(t, tr, "b")

	p.latest().Close(websocket.StatusGoingAway, "restart")
	assert.Error(t, recv(t, a.Faults()))
	assert.Error(t, recv(t, b.Faults()))
	require.Eventually(t, func() bool { return !tr.Connected() }, time.Second, 5*time.Millisecond)

	joinChannel(t, tr, "a")
	assert.Equal(t, 2, p.connCount())
}

func TestWSTransportHeartbeatTimeout(t *testing.T) {
	p := newFakePhoenix(t)
	p.ignoreHeartbeats.Store(true)
	tr := newTestWSTransport(t, p, WSConfig{HeartbeatInterval: 20 * time.Millisecond, ReplyTimeout: 20 * time.Millisecond})

	ch := joinChannel(t, tr, "a")
	assert.Error(t, recv(t, ch.Faults()))
}

func TestWSTransportLeave(t *testing.T) {
	p := newFakePhoenix(t)
	tr := newTestWSTransport(t, p, WSConfig{})

	ch := joinChannel(t, tr, "a")
	require.NoError(t, ch.Leave(context.Background()))
	assert.Equal(t, "a", recv(t, p.leaves))

	// Leaving twice does not send a second frame.
	require.NoError(t, ch.Leave(context.Background()))
	assertNone(t, p.leaves)
}

func TestWSTransportClose(t *testing.T) {
	p := newFakePhoenix(t)
	tr := newTestWSTransport(t, p, WSConfig{})
	ch := joinChannel(t, tr, "a")

	require.NoError(t, tr.Close())
	assert.ErrorIs(t, recv(t, ch.Faults()), ErrClosed)

	_, err := tr.Channel(context.Background(), "b")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestChannelManagerOverWebSocketRejoins(t *testing.T) {
	p := newFakePhoenix(t)
	tr := newTestWSTransport(t, p, WSConfig{})
	out := make(chan RawEvent, 8)
	m := NewChannelManager(tr, out, ChannelOptions{Backoff: BackoffConfig{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond}})
	defer m.Close()

	h, err := m.Subscribe("messages:user:me")
	require.NoError(t, err)
	waitState(t, m, h, StateSubscribed)
	recv(t, p.joins)

	p.latest().Close(websocket.StatusGoingAway, "deploy")
	recv(t, p.joins)
	waitState(t, m, h, StateSubscribed)
	assert.Equal(t, 2, p.connCount())

	p.push(t, p.latest(), "messages:user:me", phxPostgres, insertChange("m1"))
	ev := recv(t, out)
	assert.Equal(t, "m1", ev.Record["id"])
	assert.True(t, strings.HasPrefix(ev.Topic, "messages:user:"))
}
