package chatsync

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/clock"
)

// ============================================================================
// Channel state
// ============================================================================

// ChannelState is the lifecycle state of one subscription.
type ChannelState string

const (
	StateUnsubscribed ChannelState = "unsubscribed"
	StateSubscribing  ChannelState = "subscribing"
	StateSubscribed   ChannelState = "subscribed"
	StateError        ChannelState = "error"
)

// Handle identifies a subscription in the ChannelManager registry.
type Handle uint64

// StatusChange is published on every state transition.
type StatusChange struct {
	Handle  Handle
	Topic   string
	State   ChannelState
	Attempt int
	Err     error
}

var errStreamClosed = errors.New("stream closed")

// ============================================================================
// Configuration
// ============================================================================

// ChannelOptions configures a ChannelManager.
type ChannelOptions struct {
	Backoff   BackoffConfig
	OpTimeout time.Duration // bound on any single transport call, default 5s
	Logger    *zerolog.Logger
	Clock     clock.Clock
}

func (o *ChannelOptions) defaults() {
	o.Backoff.defaults()
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// ============================================================================
// ChannelManager
// ============================================================================

// ChannelManager owns every live transport subscription. There is exactly
// one subscription per topic; repeated Subscribe calls share it and the
// subscription is torn down when the last reference is released.
//
// Each subscription runs one goroutine that both consumes the event stream
// and drives the state machine. The goroutine is already polling the
// stream when it initiates the join, so nothing the transport delivers
// during the handshake is lost.
type ChannelManager struct {
	transport Transport
	out       chan<- RawEvent
	opts      ChannelOptions
	log       zerolog.Logger

	mu          sync.Mutex
	nextHandle  Handle
	byHandle    map[Handle]*subscription
	byTopic     map[string]*subscription
	watchers    map[int]chan StatusChange
	nextWatcher int
	closed      bool
}

type subscription struct {
	handle Handle
	topic  string
	refs   int
	state  ChannelState
	cancel context.CancelFunc
	done   chan struct{}
}

// NewChannelManager creates a manager that forwards every consumed event to
// out.
func NewChannelManager(transport Transport, out chan<- RawEvent, opts ChannelOptions) *ChannelManager {
	opts.defaults()
	return &ChannelManager{
		transport: transport,
		out:       out,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "channels").Logger(),
		byHandle:  make(map[Handle]*subscription),
		byTopic:   make(map[string]*subscription),
		watchers:  make(map[int]chan StatusChange),
	}
}

// Subscribe returns the handle for topic, starting a subscription if none
// exists. Join failures are retried in the background and never returned
// here; watch Statuses for degraded channels.
func (m *ChannelManager) Subscribe(topic string) (Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	if sub, ok := m.byTopic[topic]; ok {
		sub.refs++
		m.mu.Unlock()
		return sub.handle, nil
	}
	m.nextHandle++
	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		handle: m.nextHandle,
		topic:  topic,
		refs:   1,
		state:  StateUnsubscribed,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.byHandle[sub.handle] = sub
	m.byTopic[topic] = sub
	m.mu.Unlock()

	go m.run(ctx, sub)
	return sub.handle, nil
}

// Unsubscribe releases one reference. On the last reference the consumer
// is cancelled, the transport channel is left and the registry entry is
// removed before Unsubscribe returns.
func (m *ChannelManager) Unsubscribe(h Handle) {
	m.mu.Lock()
	sub, ok := m.byHandle[h]
	if !ok {
		m.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.byHandle, h)
	delete(m.byTopic, sub.topic)
	m.mu.Unlock()

	m.stop(sub)
}

// Status reports the current state of h. Unknown handles are unsubscribed.
func (m *ChannelManager) Status(h Handle) ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.byHandle[h]; ok {
		return sub.state
	}
	return StateUnsubscribed
}

// Topics returns the registered topics, sorted.
func (m *ChannelManager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.byTopic))
	for t := range m.byTopic {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// Statuses returns a stream of state transitions. Changes are dropped for
// a watcher whose buffer is full. Call cancel to stop watching.
func (m *ChannelManager) Statuses(buffer int) (<-chan StatusChange, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan StatusChange, buffer)
	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = ch
	m.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers, id)
			m.mu.Unlock()
		})
	}
}

// Close tears down every subscription. Subsequent Subscribe calls fail
// with ErrClosed.
func (m *ChannelManager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	subs := make([]*subscription, 0, len(m.byHandle))
	for _, sub := range m.byHandle {
		subs = append(subs, sub)
	}
	m.byHandle = make(map[Handle]*subscription)
	m.byTopic = make(map[string]*subscription)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *subscription) {
			defer wg.Done()
			m.stop(sub)
		}(sub)
	}
	wg.Wait()
}

func (m *ChannelManager) stop(sub *subscription) {
	sub.cancel()
	<-sub.done
	m.setState(sub, StateUnsubscribed, 0, nil)
}

// ============================================================================
// Consumer loop
// ============================================================================

func (m *ChannelManager) run(ctx context.Context, sub *subscription) {
	defer close(sub.done)

	bo := newBackoff(m.opts.Backoff)
	log := m.log.With().Str("topic", sub.topic).Logger()

	for {
		err := m.session(ctx, sub, bo, log)
		if ctx.Err() != nil {
			return
		}
		m.setState(sub, StateError, bo.attempt, err)

		if bo.exhausted() {
			log.Error().Err(err).Int("attempts", bo.attempt).Msg("Giving up on channel until unsubscribed")
			<-ctx.Done()
			return
		}
		delay := bo.next()
		log.Warn().Err(err).Int("attempt", bo.attempt).Dur("delay", delay).Msg("Channel degraded, resubscribing")

		select {
		case <-ctx.Done():
			return
		case <-m.opts.Clock.After(delay):
		}
	}
}

// session runs one open/join/consume cycle. It returns nil when ctx is
// cancelled and a *TransportFault otherwise.
func (m *ChannelManager) session(ctx context.Context, sub *subscription, bo *backoff, log zerolog.Logger) error {
	m.setState(sub, StateSubscribing, bo.attempt, nil)

	openCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
	ch, err := m.transport.Channel(openCtx, sub.topic)
	cancel()
	if err != nil {
		return &TransportFault{Op: "open", Topic: sub.topic, Err: err}
	}
	defer m.leave(ch, log)

	stream := ch.Stream()
	faults := ch.Faults()
	joined := make(chan error, 1)

	// attach fires on the first pass through the select below, so the
	// join starts only once this goroutine is receiving from stream.
	attach := make(chan struct{})
	close(attach)

	for {
		select {
		case <-attach:
			attach = nil
			go func() {
				joinCtx, cancel := context.WithTimeout(ctx, m.opts.OpTimeout)
				defer cancel()
				joined <- ch.Join(joinCtx)
			}()

		case err := <-joined:
			if err != nil {
				return &TransportFault{Op: "join", Topic: sub.topic, Err: err}
			}
			bo.reset()
			m.setState(sub, StateSubscribed, 0, nil)

		case ev, ok := <-stream:
			if !ok {
				return &TransportFault{Op: "stream", Topic: sub.topic, Err: errStreamClosed}
			}
			if ev.Topic == "" {
				ev.Topic = sub.topic
			}
			select {
			case m.out <- ev:
			case <-ctx.Done():
				return nil
			}

		case err := <-faults:
			return &TransportFault{Op: "stream", Topic: sub.topic, Err: err}

		case <-ctx.Done():
			return nil
		}
	}
}

func (m *ChannelManager) leave(ch TransportChannel, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.OpTimeout)
	defer cancel()
	if err := ch.Leave(ctx); err != nil {
		log.Debug().Err(err).Msg("Leave failed")
	}
}

func (m *ChannelManager) setState(sub *subscription, state ChannelState, attempt int, err error) {
	m.mu.Lock()
	sub.state = state
	change := StatusChange{Handle: sub.handle, Topic: sub.topic, State: state, Attempt: attempt, Err: err}
	for _, w := range m.watchers {
		select {
		case w <- change:
		default:
		}
	}
	m.mu.Unlock()

	m.log.Debug().Str("topic", sub.topic).Str("state", string(state)).Msg("Channel state changed")
}
