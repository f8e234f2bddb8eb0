package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/LuminPulse-AI/chatsync/internal/clock"
)

// Sender delivers one message to the backend and returns the server's copy.
// Implementations must pass msg.ProvisionalID as the idempotency key so a
// replay after an unacknowledged success does not duplicate the message.
type Sender interface {
	Send(ctx context.Context, msg Message) (Message, error)
}

// Reachability is the view of the network the SyncEngine needs. *Monitor
// satisfies it.
type Reachability interface {
	Online() bool
	Subscribe() (<-chan bool, func())
}

// SyncOptions configures a SyncEngine.
type SyncOptions struct {
	Backoff     BackoffConfig
	RetryLimit  int           // attempts before OutboxStalled is emitted, 0 disables
	Concurrency int           // conversations drained in parallel, default 4
	OpTimeout   time.Duration // bound on one send, default 10s
	Clock       clock.Clock
	Logger      *zerolog.Logger
}

func (o *SyncOptions) defaults() {
	o.Backoff.defaults()
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 10 * time.Second
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// ============================================================================
// SyncEngine
// ============================================================================

// SyncEngine owns the outbox: it persists outgoing messages, replays them
// in order per conversation when the network allows, and reconciles the
// optimistic copy with the server's once a send is confirmed.
type SyncEngine struct {
	store  Store
	sender Sender
	reach  Reachability
	opts   SyncOptions
	log    zerolog.Logger

	draining atomic.Bool
	rerun    atomic.Bool
	kick     chan struct{}

	mu        sync.RWMutex
	listeners map[int]func(OutboxEvent)
	nextID    int
	stalled   map[string]bool
}

// NewSyncEngine creates a SyncEngine. A nil reach means always online.
func NewSyncEngine(store Store, sender Sender, reach Reachability, opts SyncOptions) *SyncEngine {
	opts.defaults()
	return &SyncEngine{
		store:     store,
		sender:    sender,
		reach:     reach,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "outbox").Logger(),
		kick:      make(chan struct{}, 1),
		listeners: make(map[int]func(OutboxEvent)),
		stalled:   make(map[string]bool),
	}
}

// AddToOutbox persists msg as a pending message with a fresh provisional
// ID and queues it for sending. The returned copy is what the UI should
// render until OutboxConfirmed arrives.
func (e *SyncEngine) AddToOutbox(ctx context.Context, msg Message) (Message, error) {
	if msg.ConversationID == "" {
		return Message{}, errors.New("add to outbox: no conversation")
	}
	if msg.ProvisionalID == "" {
		msg.ProvisionalID = uuid.NewString()
	}
	msg.ID = ""
	msg.Status = StatusPending
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	now := e.opts.Clock.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}

	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return Message{}, fmt.Errorf("add to outbox: %w", err)
	}
	entry, err := e.store.AddToOutbox(ctx, OutboxEntry{ID: msg.ProvisionalID, Message: msg, CreatedAt: now})
	if err != nil {
		return Message{}, fmt.Errorf("add to outbox: %w", err)
	}
	e.log.Debug().Str("provisional", entry.ID).Int64("seq", entry.Seq).Str("conversation", msg.ConversationID).Msg("Queued message")
	e.emit(OutboxEvent{Kind: OutboxQueued, ProvisionalID: entry.ID, Message: msg})

	if e.online() {
		e.Kick()
	}
	return msg, nil
}

// Resend requeues an entry at the tail of the outbox with its retry state
// cleared. It is the only way a rejected entry is sent again.
func (e *SyncEngine) Resend(ctx context.Context, provisionalID string) error {
	entries, err := e.store.FetchOutbox(ctx)
	if err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	var entry *OutboxEntry
	for i := range entries {
		if entries[i].ID == provisionalID {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return fmt.Errorf("resend %s: %w", provisionalID, ErrNotFound)
	}
	if err := e.store.RequeueOutbox(ctx, provisionalID); err != nil {
		return fmt.Errorf("resend: %w", err)
	}
	msg := entry.Message
	msg.Status = StatusPending
	if err := e.store.SaveMessage(ctx, msg); err != nil {
		return fmt.Errorf("resend: %w", err)
	}

	e.mu.Lock()
	delete(e.stalled, provisionalID)
	e.mu.Unlock()

	e.emit(OutboxEvent{Kind: OutboxQueued, ProvisionalID: provisionalID, Message: msg})
	e.Kick()
	return nil
}

// FetchCached returns the locally cached messages of a conversation,
// pending ones included.
func (e *SyncEngine) FetchCached(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	return e.store.FetchMessages(ctx, conversationID, limit)
}

// Pending returns every outbox entry in queue order.
func (e *SyncEngine) Pending(ctx context.Context) ([]OutboxEntry, error) {
	return e.store.FetchOutbox(ctx)
}

// OnEvent registers fn for outbox lifecycle events. Events for one entry
// arrive in order; fn may be called from several goroutines.
func (e *SyncEngine) OnEvent(fn func(OutboxEvent)) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// Kick asks Run for a drain pass.
func (e *SyncEngine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// Foreground is called when the app returns to the foreground.
func (e *SyncEngine) Foreground() { e.Kick() }

// ── Run loop ─────────────────────────────────────────────

// Run drains on start and then whenever the network comes back, Kick is
// called or the earliest retry comes due. It returns when ctx is done.
func (e *SyncEngine) Run(ctx context.Context) {
	var changes <-chan bool
	if e.reach != nil {
		var stop func()
		changes, stop = e.reach.Subscribe()
		defer stop()
	}

	e.Drain(ctx)
	timer := e.retryTimer(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case online := <-changes:
			if !online {
				e.log.Info().Msg("Offline, outbox paused")
				continue
			}
			e.log.Info().Msg("Back online, draining outbox")
		case <-e.kick:
		case <-timer:
		}
		e.Drain(ctx)
		timer = e.retryTimer(ctx)
	}
}

// retryTimer fires at the earliest NextRetryAt in the future, or never.
func (e *SyncEngine) retryTimer(ctx context.Context) <-chan time.Time {
	entries, err := e.store.FetchOutbox(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to read outbox")
		return nil
	}
	now := e.opts.Clock.Now()
	var earliest time.Time
	for _, entry := range entries {
		if entry.Rejected || !entry.NextRetryAt.After(now) {
			continue
		}
		if earliest.IsZero() || entry.NextRetryAt.Before(earliest) {
			earliest = entry.NextRetryAt
		}
	}
	if earliest.IsZero() {
		return nil
	}
	return e.opts.Clock.After(earliest.Sub(now))
}

// ── Drain ────────────────────────────────────────────────

// Drain sends every due entry. Conversations drain concurrently; within a
// conversation entries go strictly in order and a transient failure halts
// the rest of that conversation until its retry is due.
//
// A call made while another drain is running returns false immediately and
// makes the running drain take one more pass.
func (e *SyncEngine) Drain(ctx context.Context) bool {
	if !e.draining.CompareAndSwap(false, true) {
		e.rerun.Store(true)
		return false
	}
	for {
		e.rerun.Store(false)
		e.drainOnce(ctx)
		if ctx.Err() == nil && e.rerun.Load() {
			continue
		}
		e.draining.Store(false)
		// A request that raced the release gets its pass here.
		if ctx.Err() == nil && e.rerun.Load() && e.draining.CompareAndSwap(false, true) {
			continue
		}
		return true
	}
}

func (e *SyncEngine) drainOnce(ctx context.Context) {
	if !e.online() {
		e.log.Debug().Err(ErrNetworkUnavailable).Msg("Skipping drain")
		return
	}
	entries, err := e.store.FetchOutbox(ctx)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to read outbox")
		return
	}

	var order []string
	byConv := make(map[string][]OutboxEntry)
	for _, entry := range entries {
		if entry.Rejected {
			continue
		}
		conv := entry.Message.ConversationID
		if _, ok := byConv[conv]; !ok {
			order = append(order, conv)
		}
		byConv[conv] = append(byConv[conv], entry)
	}
	if len(order) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, conv := range order {
		queue := byConv[conv]
		g.Go(func() error {
			e.drainConversation(gctx, queue)
			return nil
		})
	}
	_ = g.Wait()
}

func (e *SyncEngine) drainConversation(ctx context.Context, queue []OutboxEntry) {
	for _, entry := range queue {
		if ctx.Err() != nil || !e.online() {
			return
		}
		if !entry.Due(e.opts.Clock.Now()) {
			return
		}
		if !e.send(ctx, entry) {
			return
		}
	}
}

// send attempts one entry and reports whether later entries of the same
// conversation may proceed.
func (e *SyncEngine) send(ctx context.Context, entry OutboxEntry) bool {
	e.emit(OutboxEvent{Kind: OutboxSending, ProvisionalID: entry.ID, Message: entry.Message, RetryCount: entry.RetryCount})

	sendCtx, cancel := context.WithTimeout(ctx, e.opts.OpTimeout)
	confirmed, err := e.sender.Send(sendCtx, entry.Message)
	cancel()
	if err == nil && confirmed.ID == "" {
		err = errors.New("confirmation without server id")
	}

	switch {
	case err == nil:
		e.confirm(ctx, entry, confirmed)
		return true
	case IsRejected(err):
		e.reject(ctx, entry, err)
		return true
	case ctx.Err() != nil:
		// Shutting down; the entry stays queued untouched.
		return false
	default:
		e.retry(ctx, entry, err)
		return false
	}
}

func (e *SyncEngine) confirm(ctx context.Context, entry OutboxEntry, confirmed Message) {
	local := entry.Message
	confirmed.ProvisionalID = entry.ID
	confirmed.Status = StatusSent
	if confirmed.ConversationID == "" {
		confirmed.ConversationID = local.ConversationID
	}
	if confirmed.SenderID == "" {
		confirmed.SenderID = local.SenderID
	}
	if confirmed.Kind == "" {
		confirmed.Kind = local.Kind
	}
	if confirmed.Content == "" {
		confirmed.Content = local.Content
	}
	if confirmed.Metadata == nil {
		confirmed.Metadata = local.Metadata
	}
	if confirmed.CreatedAt.IsZero() {
		confirmed.CreatedAt = local.CreatedAt
	}

	// Save before removing: a crash in between replays the send, which the
	// idempotency key makes harmless.
	if err := e.store.SaveMessage(ctx, confirmed); err != nil {
		e.log.Error().Err(err).Str("provisional", entry.ID).Msg("Failed to store confirmed message")
	}
	if err := e.store.RemoveFromOutbox(ctx, entry.ID); err != nil {
		e.log.Error().Err(err).Str("provisional", entry.ID).Msg("Failed to remove outbox entry")
	}

	e.mu.Lock()
	delete(e.stalled, entry.ID)
	e.mu.Unlock()

	e.log.Debug().Str("provisional", entry.ID).Str("id", confirmed.ID).Msg("Message confirmed")
	e.emit(OutboxEvent{Kind: OutboxConfirmed, ProvisionalID: entry.ID, Message: confirmed, RetryCount: entry.RetryCount})
}

func (e *SyncEngine) reject(ctx context.Context, entry OutboxEntry, err error) {
	if serr := e.store.MarkOutboxRejected(ctx, entry.ID, err.Error()); serr != nil {
		e.log.Error().Err(serr).Str("provisional", entry.ID).Msg("Failed to mark entry rejected")
	}
	failed := entry.Message
	failed.Status = StatusFailed
	if serr := e.store.SaveMessage(ctx, failed); serr != nil {
		e.log.Error().Err(serr).Str("provisional", entry.ID).Msg("Failed to store failed message")
	}
	e.log.Warn().Err(err).Str("provisional", entry.ID).Msg("Message rejected by server")
	e.emit(OutboxEvent{Kind: OutboxRejected, ProvisionalID: entry.ID, Message: failed, RetryCount: entry.RetryCount, Err: err})
}

func (e *SyncEngine) retry(ctx context.Context, entry OutboxEntry, err error) {
	delay := delayFor(e.opts.Backoff, entry.RetryCount, defaultRand())
	next := e.opts.Clock.Now().Add(delay)
	count := entry.RetryCount + 1

	if serr := e.store.UpdateOutboxRetry(ctx, entry.ID, err.Error(), next); serr != nil {
		e.log.Error().Err(serr).Str("provisional", entry.ID).Msg("Failed to record retry")
	}
	e.log.Info().Err(err).Str("provisional", entry.ID).Int("retries", count).Dur("delay", delay).Msg("Send failed, will retry")
	e.emit(OutboxEvent{Kind: OutboxRetrying, ProvisionalID: entry.ID, Message: entry.Message, RetryCount: count, NextRetryAt: next, Err: err})

	if e.opts.RetryLimit <= 0 || count < e.opts.RetryLimit {
		return
	}
	e.mu.Lock()
	already := e.stalled[entry.ID]
	e.stalled[entry.ID] = true
	e.mu.Unlock()
	if !already {
		e.log.Warn().Str("provisional", entry.ID).Int("retries", count).Msg("Outbox entry stalled")
		e.emit(OutboxEvent{Kind: OutboxStalled, ProvisionalID: entry.ID, Message: entry.Message, RetryCount: count, NextRetryAt: next, Err: err})
	}
}

func (e *SyncEngine) online() bool {
	return e.reach == nil || e.reach.Online()
}

func (e *SyncEngine) emit(ev OutboxEvent) {
	e.mu.RLock()
	fns := make([]func(OutboxEvent), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if p := recover(); p != nil {
					e.log.Error().Str("panic", fmt.Sprint(p)).Str("event", string(ev.Kind)).Msg("Outbox listener panicked")
				}
			}()
			fn(ev)
		}()
	}
}
