package chatsync

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/clock"
)

// Prober takes one reachability sample.
type Prober interface {
	Probe(ctx context.Context) bool
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) bool

func (f ProberFunc) Probe(ctx context.Context) bool { return f(ctx) }

// DialProber reports online when a TCP connection to Address succeeds.
type DialProber struct {
	Address string // host:port
	Timeout time.Duration
}

func (p DialProber) Probe(ctx context.Context) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	Prober       Prober        // nil disables Run; samples come from Report only
	Interval     time.Duration // default 10s
	Threshold    int           // consecutive disagreeing samples before a flip, default 2
	AssumeOnline bool          // initial state
	Clock        clock.Clock
	Logger       *zerolog.Logger
}

func (o *MonitorOptions) defaults() {
	if o.Interval <= 0 {
		o.Interval = 10 * time.Second
	}
	if o.Threshold <= 0 {
		o.Threshold = 2
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// Monitor debounces reachability samples into an online/offline state.
type Monitor struct {
	opts MonitorOptions
	log  zerolog.Logger

	mu       sync.Mutex
	online   bool
	streak   int
	watchers map[int]chan bool
	nextID   int
}

func NewMonitor(opts MonitorOptions) *Monitor {
	opts.defaults()
	return &Monitor{
		opts:     opts,
		log:      opts.Logger.With().Str("component", "reachability").Logger(),
		online:   opts.AssumeOnline,
		watchers: make(map[int]chan bool),
	}
}

// Online reports the debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Report feeds one sample, e.g. from an OS connectivity callback.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if online == m.online {
		m.streak = 0
		return
	}
	m.streak++
	if m.streak < m.opts.Threshold {
		return
	}
	m.online = online
	m.streak = 0
	m.log.Info().Bool("online", online).Msg("Reachability changed")

	for _, w := range m.watchers {
		// Keep only the latest value for slow readers.
		select {
		case <-w:
		default:
		}
		w <- online
	}
}

// Subscribe returns a channel that receives the new state on every flip.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	id := m.nextID
	m.nextID++
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

// Run samples the prober every Interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if m.opts.Prober == nil {
		<-ctx.Done()
		return
	}
	ticker := m.opts.Clock.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		m.sample(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Monitor) sample(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.Interval)
	defer cancel()
	ok := m.opts.Prober.Probe(probeCtx)
	if ctx.Err() != nil {
		return
	}
	m.Report(ok)
}
