package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ============================================================================
// Wire format
// ============================================================================

// Phoenix channel events used by the backend's realtime endpoint.
const (
	phxJoin         = "phx_join"
	phxLeave        = "phx_leave"
	phxReply        = "phx_reply"
	phxError        = "phx_error"
	phxClose        = "phx_close"
	phxHeartbeat    = "heartbeat"
	phxPostgres     = "postgres_changes"
	phxBroadcast    = "broadcast"
	phxSystemTopic  = "phoenix"
	wsReadLimit     = 1 << 20
	replyStatusOK   = "ok"
	replyStatusFail = "error"
)

type phxFrame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type phxReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`

	err error // set locally when the socket drops while waiting
}

type postgresChange struct {
	Type      EventType      `json:"type"`
	Table     string         `json:"table"`
	Record    map[string]any `json:"record"`
	OldRecord map[string]any `json:"old_record"`
}

type broadcastPayload struct {
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// ============================================================================
// Configuration
// ============================================================================

// WSConfig configures a WSTransport.
type WSConfig struct {
	URL               string // ws(s):// or http(s):// endpoint
	Token             string
	HeartbeatInterval time.Duration // default 25s
	ReplyTimeout      time.Duration // wait for heartbeat replies, default 10s
	HTTPClient        *http.Client
	Logger            *zerolog.Logger
}

func (c *WSConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReplyTimeout == 0 {
		c.ReplyTimeout = 10 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// ============================================================================
// WSTransport
// ============================================================================

// WSTransport multiplexes Phoenix-style channels over one WebSocket. The
// socket is dialed on the first Join and shared by every channel. When it
// drops, every channel gets a fault and the ChannelManager rejoins, which
// dials a fresh socket.
type WSTransport struct {
	cfg WSConfig
	log zerolog.Logger

	dialMu sync.Mutex

	mu         sync.Mutex
	conn       *websocket.Conn
	connCancel context.CancelFunc
	channels   map[string]*wsChannel
	pending    map[string]chan phxReplyPayload
	closed     bool
}

// NewWSTransport creates a transport. Nothing is dialed until a channel
// joins.
func NewWSTransport(cfg WSConfig) *WSTransport {
	cfg.defaults()
	return &WSTransport{
		cfg:      cfg,
		log:      cfg.Logger.With().Str("component", "ws").Logger(),
		channels: make(map[string]*wsChannel),
		pending:  make(map[string]chan phxReplyPayload),
	}
}

// Channel returns an unjoined channel for topic.
func (t *WSTransport) Channel(_ context.Context, topic string) (TransportChannel, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return &wsChannel{
		t:      t,
		topic:  topic,
		stream: make(chan RawEvent, 64),
		faults: make(chan error, 1),
		done:   make(chan struct{}),
	}, nil
}

// Connected reports whether a socket is open.
func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil
}

// Close shuts the socket down. Every channel receives ErrClosed as a fault.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn, chans, pend := t.detachLocked()
	t.mu.Unlock()

	t.failAll(chans, pend, ErrClosed)
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

func (t *WSTransport) endpoint() (string, error) {
	raw := strings.Replace(t.cfg.URL, "https://", "wss://", 1)
	raw = strings.Replace(raw, "http://", "ws://", 1)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("websocket url: %w", err)
	}
	q := u.Query()
	q.Set("vsn", "1.0.0")
	if t.cfg.Token != "" {
		q.Set("token", t.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connect returns the live socket, dialing one if needed.
func (t *WSTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	t.dialMu.Lock()
	defer t.dialMu.Unlock()

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if conn := t.conn; conn != nil {
		t.mu.Unlock()
		return conn, nil
	}
	t.mu.Unlock()

	endpoint, err := t.endpoint()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPClient: t.cfg.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	connCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
		return nil, ErrClosed
	}
	t.conn = conn
	t.connCancel = cancel
	t.mu.Unlock()

	t.log.Debug().Msg("Socket connected")
	go t.readLoop(connCtx, conn)
	go t.heartbeatLoop(connCtx, conn)
	return conn, nil
}

// request writes frame and waits for its phx_reply.
func (t *WSTransport) request(ctx context.Context, conn *websocket.Conn, frame phxFrame) (phxReplyPayload, error) {
	frame.Ref = uuid.NewString()
	ch := make(chan phxReplyPayload, 1)
	t.mu.Lock()
	t.pending[frame.Ref] = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.pending, frame.Ref)
		t.mu.Unlock()
	}()

	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return phxReplyPayload{}, fmt.Errorf("write %s: %w", frame.Event, err)
	}
	select {
	case reply := <-ch:
		if reply.err != nil {
			return reply, reply.err
		}
		if reply.Status != replyStatusOK {
			return reply, fmt.Errorf("%s refused: %s", frame.Event, strings.TrimSpace(string(reply.Response)))
		}
		return reply, nil
	case <-ctx.Done():
		return phxReplyPayload{}, ctx.Err()
	}
}

func (t *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.drop(conn, err)
			return
		}
		var frame phxFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			t.log.Warn().Err(err).Msg("Skipping malformed frame")
			continue
		}
		t.handle(ctx, frame)
	}
}

func (t *WSTransport) handle(ctx context.Context, frame phxFrame) {
	switch frame.Event {
	case phxReply:
		var reply phxReplyPayload
		if err := json.Unmarshal(frame.Payload, &reply); err != nil {
			reply = phxReplyPayload{Status: replyStatusFail, Response: frame.Payload}
		}
		t.mu.Lock()
		ch, ok := t.pending[frame.Ref]
		t.mu.Unlock()
		if ok {
			select {
			case ch <- reply:
			default:
			}
		}

	case phxPostgres:
		var envelope struct {
			Data *postgresChange `json:"data"`
		}
		var change postgresChange
		if err := json.Unmarshal(frame.Payload, &envelope); err == nil && envelope.Data != nil {
			change = *envelope.Data
		} else if err := json.Unmarshal(frame.Payload, &change); err != nil {
			t.log.Warn().Err(err).Str("topic", frame.Topic).Msg("Skipping malformed change")
			return
		}
		record := change.Record
		if change.Type == EventDelete && len(record) == 0 {
			record = change.OldRecord
		}
		t.deliver(ctx, frame.Topic, RawEvent{Topic: frame.Topic, Type: change.Type, Table: change.Table, Record: record})

	case phxBroadcast:
		var b broadcastPayload
		if err := json.Unmarshal(frame.Payload, &b); err != nil {
			t.log.Warn().Err(err).Str("topic", frame.Topic).Msg("Skipping malformed broadcast")
			return
		}
		t.deliver(ctx, frame.Topic, RawEvent{Topic: frame.Topic, Type: EventBroadcast, Event: b.Event, Record: b.Payload})

	case phxError, phxClose:
		t.mu.Lock()
		ch := t.channels[frame.Topic]
		delete(t.channels, frame.Topic)
		t.mu.Unlock()
		if ch != nil {
			ch.fault(fmt.Errorf("server sent %s", frame.Event))
		}
	}
}

// deliver blocks until the channel's consumer takes ev so that per-topic
// order is kept.
func (t *WSTransport) deliver(ctx context.Context, topic string, ev RawEvent) {
	t.mu.Lock()
	ch := t.channels[topic]
	t.mu.Unlock()
	if ch == nil {
		t.log.Debug().Str("topic", topic).Msg("Event for unjoined topic")
		return
	}
	select {
	case ch.stream <- ev:
	case <-ch.done:
	case <-ctx.Done():
	}
}

func (t *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(t.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hbCtx, cancel := context.WithTimeout(ctx, t.cfg.ReplyTimeout)
			_, err := t.request(hbCtx, conn, phxFrame{Topic: phxSystemTopic, Event: phxHeartbeat, Payload: json.RawMessage("{}")})
			cancel()
			if err != nil && ctx.Err() == nil {
				t.log.Warn().Err(err).Msg("Heartbeat failed, closing socket")
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// drop tears down conn after a read failure and faults every channel on it.
func (t *WSTransport) drop(conn *websocket.Conn, err error) {
	t.mu.Lock()
	if t.conn != conn {
		t.mu.Unlock()
		return
	}
	_, chans, pend := t.detachLocked()
	t.mu.Unlock()

	t.log.Warn().Err(err).Int("channels", len(chans)).Msg("Socket dropped")
	t.failAll(chans, pend, fmt.Errorf("socket closed: %w", err))
	conn.Close(websocket.StatusGoingAway, "")
}

func (t *WSTransport) detachLocked() (*websocket.Conn, []*wsChannel, []chan phxReplyPayload) {
	conn := t.conn
	t.conn = nil
	if t.connCancel != nil {
		t.connCancel()
		t.connCancel = nil
	}
	chans := make([]*wsChannel, 0, len(t.channels))
	for _, ch := range t.channels {
		chans = append(chans, ch)
	}
	t.channels = make(map[string]*wsChannel)
	pend := make([]chan phxReplyPayload, 0, len(t.pending))
	for _, ch := range t.pending {
		pend = append(pend, ch)
	}
	t.pending = make(map[string]chan phxReplyPayload)
	return conn, chans, pend
}

func (t *WSTransport) failAll(chans []*wsChannel, pend []chan phxReplyPayload, err error) {
	for _, p := range pend {
		select {
		case p <- phxReplyPayload{err: err}:
		default:
		}
	}
	for _, ch := range chans {
		ch.fault(err)
	}
}

// ============================================================================
// wsChannel
// ============================================================================

type wsChannel struct {
	t      *WSTransport
	topic  string
	stream chan RawEvent
	faults chan error

	done     chan struct{}
	doneOnce sync.Once
}

func (c *wsChannel) Topic() string           { return c.topic }
func (c *wsChannel) Stream() <-chan RawEvent { return c.stream }
func (c *wsChannel) Faults() <-chan error    { return c.faults }

// Join registers the channel for routing before sending phx_join, so
// changes the server pushes ahead of its reply reach the stream.
func (c *wsChannel) Join(ctx context.Context) error {
	conn, err := c.t.connect(ctx)
	if err != nil {
		return err
	}

	c.t.mu.Lock()
	if c.t.conn != conn {
		c.t.mu.Unlock()
		return errors.New("socket closed during join")
	}
	c.t.channels[c.topic] = c
	c.t.mu.Unlock()

	payload, _ := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{"event": "*", "schema": "public"}},
			"broadcast":        map[string]bool{"self": false},
		},
		"access_token": c.t.cfg.Token,
	})
	if _, err := c.t.request(ctx, conn, phxFrame{Topic: c.topic, Event: phxJoin, Payload: payload}); err != nil {
		c.unregister()
		return err
	}
	return nil
}

// Leave unregisters the channel and tells the server, without waiting for
// the reply.
func (c *wsChannel) Leave(ctx context.Context) error {
	c.doneOnce.Do(func() { close(c.done) })
	if !c.unregister() {
		return nil
	}
	c.t.mu.Lock()
	conn := c.t.conn
	c.t.mu.Unlock()
	if conn == nil {
		return nil
	}
	frame := phxFrame{Topic: c.topic, Event: phxLeave, Payload: json.RawMessage("{}"), Ref: uuid.NewString()}
	return wsjson.Write(ctx, conn, frame)
}

// unregister removes c from routing and reports whether it was registered.
func (c *wsChannel) unregister() bool {
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	if c.t.channels[c.topic] != c {
		return false
	}
	delete(c.t.channels, c.topic)
	return true
}

func (c *wsChannel) fault(err error) {
	select {
	case c.faults <- err:
	default:
	}
}
