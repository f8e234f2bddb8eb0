// Package chatsync is the realtime delivery and offline-sync core of a
// messaging client.
//
// It keeps live channel subscriptions for the signed-in user, routes
// incoming events to listeners exactly once, queues outgoing messages while
// offline and replays them in order, and decides how each incoming message
// should be surfaced to the user.
//
// Example:
//
//	client := chatsync.NewClient(token)
//	core, _ := chatsync.New(
//		chatsync.WithClient(client),
//		chatsync.WithTransport(chatsync.NewWSTransport(chatsync.WSConfig{URL: wsURL, Token: token})),
//		chatsync.WithPresenter(presenter),
//	)
//	core.Start(ctx, userID)
//	defer core.Close()
//
//	core.Router().SubscribeConversation("conv-1", func(ev chatsync.MessageEvent) { ... })
//	core.Send(ctx, chatsync.Message{ConversationID: "conv-1", Content: "Hello!"})
package chatsync

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LuminPulse-AI/chatsync/internal/clock"
)

// ErrNotStarted is returned by session operations before Start.
var ErrNotStarted = errors.New("chatsync: session not started")

// ============================================================================
// Options
// ============================================================================

type config struct {
	store     Store
	transport Transport
	sender    Sender
	directory Directory
	profiles  ProfileLookup
	presenter Presenter
	prober    Prober
	logger    *zerolog.Logger
	clock     clock.Clock

	channels   ChannelOptions
	router     RouterOptions
	sync       SyncOptions
	monitor    MonitorOptions
	monitorSet bool
	dispatch   DispatcherOptions

	membershipTimeout time.Duration
}

// Option configures a Core.
type Option func(*config)

// WithStore sets the local store. The default is an in-memory store.
func WithStore(s Store) Option {
	return func(c *config) { c.store = s }
}

// WithTransport sets the realtime transport. Required.
func WithTransport(t Transport) Option {
	return func(c *config) { c.transport = t }
}

// WithClient uses the backend HTTP client as sender, directory and profile
// lookup, and probes its host for reachability.
func WithClient(client *Client) Option {
	return func(c *config) {
		c.sender = client
		c.directory = client
		c.profiles = client
		if c.prober == nil {
			c.prober = proberFor(client.BaseURL())
		}
	}
}

func WithSender(s Sender) Option {
	return func(c *config) { c.sender = s }
}

func WithDirectory(d Directory) Option {
	return func(c *config) { c.directory = d }
}

func WithProfiles(p ProfileLookup) Option {
	return func(c *config) { c.profiles = p }
}

func WithPresenter(p Presenter) Option {
	return func(c *config) { c.presenter = p }
}

// WithProber overrides the reachability prober.
func WithProber(p Prober) Option {
	return func(c *config) { c.prober = p }
}

// WithLogger sets the logger for every component that has none of its own.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = &l }
}

// WithClock sets the time source for every component that has none of its
// own.
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clock = clk }
}

func WithChannelOptions(o ChannelOptions) Option {
	return func(c *config) { c.channels = o }
}

func WithRouterOptions(o RouterOptions) Option {
	return func(c *config) { c.router = o }
}

func WithSyncOptions(o SyncOptions) Option {
	return func(c *config) { c.sync = o }
}

// WithMonitorOptions replaces the reachability settings, including the
// initial state. Without it the monitor starts out online.
func WithMonitorOptions(o MonitorOptions) Option {
	return func(c *config) {
		c.monitor = o
		c.monitorSet = true
	}
}

func WithDispatcherOptions(o DispatcherOptions) Option {
	return func(c *config) { c.dispatch = o }
}

func (c *config) defaults() {
	if c.store == nil {
		c.store = NewMemoryStorage()
	}
	if c.logger == nil {
		nop := zerolog.Nop()
		c.logger = &nop
	}
	if c.clock == nil {
		c.clock = clock.Real()
	}
	if c.membershipTimeout <= 0 {
		c.membershipTimeout = 10 * time.Second
	}
	c.sync.Backoff.defaults()
	if !c.monitorSet {
		c.monitor.AssumeOnline = true
	}
	if c.monitor.Prober == nil {
		c.monitor.Prober = c.prober
	}

	if c.channels.Logger == nil {
		c.channels.Logger = c.logger
	}
	if c.channels.Clock == nil {
		c.channels.Clock = c.clock
	}
	if c.router.Logger == nil {
		c.router.Logger = c.logger
	}
	if c.sync.Logger == nil {
		c.sync.Logger = c.logger
	}
	if c.sync.Clock == nil {
		c.sync.Clock = c.clock
	}
	if c.monitor.Logger == nil {
		c.monitor.Logger = c.logger
	}
	if c.monitor.Clock == nil {
		c.monitor.Clock = c.clock
	}
	if c.dispatch.Logger == nil {
		c.dispatch.Logger = c.logger
	}
}

// proberFor dials the host of baseURL, using the scheme's default port when
// none is given.
func proberFor(baseURL string) Prober {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" {
		return nil
	}
	host := u.Host
	if u.Port() == "" {
		port := "443"
		if u.Scheme == "http" || u.Scheme == "ws" {
			port = "80"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	return DialProber{Address: host}
}

// ============================================================================
// Core
// ============================================================================

// Core wires the components together for one signed-in user at a time.
//
// The components live as long as the Core; Start and Stop bracket a
// session. Listeners registered on the Router and the SyncEngine survive
// across sessions.
type Core struct {
	cfg config
	log zerolog.Logger

	channels *ChannelManager
	router   *Router
	engine   *SyncEngine
	monitor  *Monitor
	nc       *NotificationContext
	notifier *sessionNotifier

	refresh chan struct{}

	mu      sync.Mutex
	userID  string
	handles []Handle
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New builds a Core. A transport and a sender are required.
func New(opts ...Option) (*Core, error) {
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.transport == nil {
		return nil, errors.New("chatsync: no transport configured")
	}
	if cfg.sender == nil {
		return nil, errors.New("chatsync: no sender configured")
	}
	cfg.defaults()

	c := &Core{
		cfg:      cfg,
		log:      cfg.logger.With().Str("component", "core").Logger(),
		nc:       NewNotificationContext(),
		notifier: &sessionNotifier{},
		monitor:  NewMonitor(cfg.monitor),
		refresh:  make(chan struct{}, 1),
	}
	deps := RouterDeps{
		Store:    cfg.store,
		Profiles: cfg.profiles,
		Notifier: c.notifier,
	}
	if cfg.directory != nil {
		deps.RequestRefresh = c.requestRefresh
	}
	c.router = NewRouter(deps, cfg.router)
	c.router.OnConversationUpdate(func(u ConversationUpdate) { c.notifier.forget(u.ConversationID) })
	// The manager feeds the router and the router opens typing and receipt
	// topics through the manager.
	c.channels = NewChannelManager(cfg.transport, c.router.Intake(), cfg.channels)
	c.router.deps.Topics = c.channels
	c.engine = NewSyncEngine(cfg.store, cfg.sender, c.monitor, cfg.sync)
	return c, nil
}

// Start begins a session for userID: it loads the membership, starts
// routing, subscribes the user's channels and starts the outbox.
//
// A membership lookup failure is not fatal. The session starts with an
// empty membership and keeps retrying the lookup with backoff until it
// succeeds.
func (c *Core) Start(ctx context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.cancel != nil {
		return fmt.Errorf("chatsync: session for %s already started", c.userID)
	}

	membership, err := c.fetchMembership(ctx, userID)
	stale := err != nil
	if stale {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn().Err(err).Str("user", userID).Msg("Starting without membership")
	}
	if err := c.router.Start(userID, membership); err != nil {
		return err
	}
	c.notifier.set(NewDispatcher(userID, c.nc, c.cfg.directory, c.cfg.presenter, c.cfg.dispatch))

	for _, topic := range []string{UserMessagesTopic(userID), UserConversationsTopic(userID)} {
		h, err := c.channels.Subscribe(topic)
		if err != nil {
			c.teardownLocked()
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		c.handles = append(c.handles, h)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.userID = userID
	c.cancel = cancel
	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		c.monitor.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.engine.Run(runCtx)
	}()
	go func() {
		defer c.wg.Done()
		c.watchMembership(runCtx, userID, stale)
	}()

	c.log.Info().Str("user", userID).Int("conversations", len(membership)).Msg("Session started")
	return nil
}

// Stop ends the session. Queued outbox entries stay in the store for the
// next session.
func (c *Core) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return
	}
	c.teardownLocked()
	c.log.Info().Msg("Session stopped")
}

func (c *Core) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.wg.Wait()
	for _, h := range c.handles {
		c.channels.Unsubscribe(h)
	}
	c.handles = nil
	c.router.Stop()
	c.notifier.set(nil)
	c.userID = ""
}

// Close stops the session and tears down every channel. The Core cannot be
// restarted.
func (c *Core) Close() {
	c.Stop()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.channels.Close()
}

// UserID returns the signed-in user, or "" outside a session.
func (c *Core) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// ── Session operations ───────────────────────────────────

// Send queues msg for delivery from the signed-in user. The returned copy
// carries the provisional ID.
func (c *Core) Send(ctx context.Context, msg Message) (Message, error) {
	userID := c.UserID()
	if userID == "" {
		return Message{}, ErrNotStarted
	}
	msg.SenderID = userID
	return c.engine.AddToOutbox(ctx, msg)
}

// RefreshMembership reloads the user's conversations from the directory.
func (c *Core) RefreshMembership(ctx context.Context) error {
	userID := c.UserID()
	if userID == "" {
		return ErrNotStarted
	}
	return c.refreshMembership(ctx, userID)
}

func (c *Core) refreshMembership(ctx context.Context, userID string) error {
	if c.cfg.directory == nil {
		return nil
	}
	ids, err := c.fetchMembership(ctx, userID)
	if err != nil {
		return fmt.Errorf("refresh membership: %w", err)
	}
	c.router.UpdateMembership(ids)
	return nil
}

func (c *Core) fetchMembership(ctx context.Context, userID string) ([]string, error) {
	if c.cfg.directory == nil {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.membershipTimeout)
	defer cancel()
	return c.cfg.directory.Membership(ctx, userID)
}

// requestRefresh schedules a membership reload on the session's watcher.
func (c *Core) requestRefresh() {
	select {
	case c.refresh <- struct{}{}:
	default:
	}
}

// watchMembership reloads the membership when the network comes back or the
// router asks for it. A failed reload is retried with the outbox backoff
// until one succeeds; stale means the session started without one.
func (c *Core) watchMembership(ctx context.Context, userID string, stale bool) {
	changes, stop := c.monitor.Subscribe()
	defer stop()

	attempt := 0
	var retry <-chan time.Time
	schedule := func() {
		delay := delayFor(c.cfg.sync.Backoff, attempt, defaultRand())
		attempt++
		retry = c.cfg.clock.After(delay)
		c.log.Debug().Dur("delay", delay).Int("attempt", attempt).Msg("Membership reload scheduled")
	}
	reload := func() {
		if err := c.refreshMembership(ctx, userID); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("Membership refresh failed")
			schedule()
			return
		}
		attempt = 0
		retry = nil
	}
	if stale {
		schedule()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if online {
				reload()
			}
		case <-c.refresh:
			reload()
		case <-retry:
			reload()
		}
	}
}

// Foreground marks the app active and kicks the outbox.
func (c *Core) Foreground() {
	c.nc.SetAppState(AppActive)
	c.engine.Foreground()
}

// Background marks the app backgrounded; new messages become system
// notifications.
func (c *Core) Background() {
	c.nc.SetAppState(AppBackground)
}

// SetAppState records an app state change reported by the UI.
func (c *Core) SetAppState(state AppState) {
	if state == AppActive {
		c.Foreground()
		return
	}
	c.nc.SetAppState(state)
}

// SetOpenConversation records the conversation on screen, or "" for none.
func (c *Core) SetOpenConversation(conversationID string) {
	c.nc.SetOpenConversation(conversationID)
}

// ── Accessors ────────────────────────────────────────────

func (c *Core) Router() *Router { return c.router }

func (c *Core) Engine() *SyncEngine { return c.engine }

func (c *Core) Channels() *ChannelManager { return c.channels }

func (c *Core) Monitor() *Monitor { return c.monitor }

func (c *Core) NotificationContext() *NotificationContext { return c.nc }

func (c *Core) Store() Store { return c.cfg.store }

// sessionNotifier forwards to the current session's Dispatcher.
type sessionNotifier struct {
	d atomic.Pointer[Dispatcher]
}

func (n *sessionNotifier) set(d *Dispatcher) { n.d.Store(d) }

func (n *sessionNotifier) forget(conversationID string) {
	if d := n.d.Load(); d != nil {
		d.Forget(conversationID)
	}
}

func (n *sessionNotifier) Dispatch(ctx context.Context, msg Message) Outcome {
	d := n.d.Load()
	if d == nil {
		return OutcomeSuppress
	}
	return d.Dispatch(ctx, msg)
}
