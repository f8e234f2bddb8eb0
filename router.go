package chatsync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// ProfileLookup resolves sender profiles for enrichment.
type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (Profile, error)
}

// TopicSubscriber opens transport topics on demand. *ChannelManager
// satisfies it.
type TopicSubscriber interface {
	Subscribe(topic string) (Handle, error)
	Unsubscribe(h Handle)
}

// Notifier receives every newly inserted message after listeners have.
type Notifier interface {
	Dispatch(ctx context.Context, msg Message) Outcome
}

// RouterOptions configures a Router.
type RouterOptions struct {
	DedupCapacity    int           // recent server IDs remembered, default 500; negative disables
	ProfileCacheSize int           // default 256
	ProfileTTL       time.Duration // default 10m
	QueueDepth       int           // intake and delivery buffers, and events held per unconfirmed conversation, default 64
	OpTimeout        time.Duration // bound on profile lookups, default 5s
	Logger           *zerolog.Logger
}

func (o *RouterOptions) defaults() {
	if o.DedupCapacity == 0 {
		o.DedupCapacity = 500
	}
	if o.ProfileCacheSize <= 0 {
		o.ProfileCacheSize = 256
	}
	if o.ProfileTTL <= 0 {
		o.ProfileTTL = 10 * time.Minute
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = 64
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// RouterDeps are the Router's collaborators. All are optional.
type RouterDeps struct {
	Store    Store
	Profiles ProfileLookup
	Topics   TopicSubscriber
	Notifier Notifier

	// RequestRefresh asks for a membership reload after the server announced
	// a conversation the Router does not know. It must not block; the
	// answer arrives through UpdateMembership.
	RequestRefresh func()
}

// ============================================================================
// Router
// ============================================================================

// Router decodes raw transport events and delivers each one exactly once to
// the registered listeners.
//
// Events of one conversation are processed in arrival order on a dedicated
// lane, so a slow profile lookup only holds back its own conversation. Lane
// queues are unbounded and intake never waits on a lane. All listener calls
// happen on a single delivery goroutine; a listener never sees two events
// concurrently. The Notifier sees a message only after the listeners have.
//
// A conversation INSERT on the user's own conversations topic for an unknown
// conversation is held, together with anything else that arrives for that
// conversation, until the next UpdateMembership confirms or rejects it.
type Router struct {
	deps RouterDeps
	opts RouterOptions
	log  zerolog.Logger

	intake chan RawEvent

	dedup    *lru.Cache[string, struct{}]
	profiles *expirable.LRU[string, Profile]

	mu         sync.Mutex
	userID     string
	membership map[string]struct{}
	lanes      map[string]*lane
	held       map[string][]Decoded
	ctx        context.Context
	cancel     context.CancelFunc
	deliveries chan delivery
	wg         sync.WaitGroup

	lmu       sync.RWMutex
	nextID    int
	byConv    map[string]map[int]func(MessageEvent)
	typing    map[string]map[int]func(TypingEvent)
	receipts  map[string]map[int]func(ReadReceipt)
	messages  map[int]func(MessageEvent)
	convs     map[int]func(ConversationUpdate)
	topicRefs map[string]Handle
}

// lane is the queue of one conversation. push never blocks.
type lane struct {
	cancel context.CancelFunc
	ready  chan struct{}

	mu    sync.Mutex
	queue []Decoded
}

func newLane(cancel context.CancelFunc) *lane {
	return &lane{cancel: cancel, ready: make(chan struct{}, 1)}
}

func (l *lane) push(d Decoded) {
	l.mu.Lock()
	l.queue = append(l.queue, d)
	l.mu.Unlock()
	select {
	case l.ready <- struct{}{}:
	default:
	}
}

// pop waits for the next event. It returns false once ctx is done, even if
// events are still queued.
func (l *lane) pop(ctx context.Context) (Decoded, bool) {
	for {
		if ctx.Err() != nil {
			return nil, false
		}
		l.mu.Lock()
		if len(l.queue) > 0 {
			d := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return d, true
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, false
		case <-l.ready:
		}
	}
}

// delivery hands an event to the delivery goroutine. done, when set, is
// closed once every listener has returned.
type delivery struct {
	d    Decoded
	done chan struct{}
}

// NewRouter creates a stopped Router.
func NewRouter(deps RouterDeps, opts RouterOptions) *Router {
	opts.defaults()
	r := &Router{
		deps:      deps,
		opts:      opts,
		log:       opts.Logger.With().Str("component", "router").Logger(),
		intake:    make(chan RawEvent, opts.QueueDepth),
		profiles:  expirable.NewLRU[string, Profile](opts.ProfileCacheSize, nil, opts.ProfileTTL),
		byConv:    make(map[string]map[int]func(MessageEvent)),
		typing:    make(map[string]map[int]func(TypingEvent)),
		receipts:  make(map[string]map[int]func(ReadReceipt)),
		messages:  make(map[int]func(MessageEvent)),
		convs:     make(map[int]func(ConversationUpdate)),
		topicRefs: make(map[string]Handle),
	}
	if opts.DedupCapacity > 0 {
		// Only errors on a non-positive size.
		r.dedup, _ = lru.New[string, struct{}](opts.DedupCapacity)
	}
	return r
}

// Intake is where the ChannelManager delivers raw events.
func (r *Router) Intake() chan<- RawEvent { return r.intake }

// Start begins routing for userID with the given conversation membership.
func (r *Router) Start(userID string, membership []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return errors.New("router already started")
	}
	r.userID = userID
	r.membership = toSet(membership)
	r.lanes = make(map[string]*lane)
	r.held = make(map[string][]Decoded)
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.deliveries = make(chan delivery, r.opts.QueueDepth)

	r.wg.Add(2)
	go r.intakeLoop(r.ctx)
	go r.deliveryLoop(r.ctx, r.deliveries)
	r.log.Info().Str("user", userID).Int("conversations", len(membership)).Msg("Router started")
	return nil
}

// Stop halts routing. Events still queued are dropped. Listeners stay
// registered for the next Start.
func (r *Router) Stop() {
	r.mu.Lock()
	if r.cancel == nil {
		r.mu.Unlock()
		return
	}
	r.cancel()
	r.cancel = nil
	r.lanes = nil
	r.held = nil
	r.mu.Unlock()

	r.wg.Wait()
	for drained := false; !drained; {
		select {
		case <-r.intake:
		default:
			drained = true
		}
	}
	if r.dedup != nil {
		r.dedup.Purge()
	}
	r.log.Info().Msg("Router stopped")
}

// UpdateMembership replaces the conversation set. Lanes of conversations
// that are no longer members are shut down with whatever they still hold.
// Held events of newly confirmed conversations are routed in arrival order.
func (r *Router) UpdateMembership(conversationIDs []string) {
	set := toSet(conversationIDs)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.membership = set
	for id, l := range r.lanes {
		if _, ok := set[id]; !ok {
			l.cancel()
			delete(r.lanes, id)
		}
	}
	for id, held := range r.held {
		delete(r.held, id)
		if _, ok := set[id]; !ok {
			r.log.Warn().Str("conversation", id).Int("events", len(held)).Msg("Membership refresh did not confirm conversation")
			continue
		}
		r.log.Info().Str("conversation", id).Int("events", len(held)).Msg("Joined conversation")
		for _, d := range held {
			r.enqueueLocked(id, d)
		}
	}
}

// Membership returns a sorted copy of the conversation set.
func (r *Router) Membership() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.membership))
	for id := range r.membership {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsMember reports whether conversationID is in the current membership.
func (r *Router) IsMember(conversationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.membership[conversationID]
	return ok
}

// ── Listener registration ────────────────────────────────

// SubscribeConversation registers fn for message events of one
// conversation.
func (r *Router) SubscribeConversation(conversationID string, fn func(MessageEvent)) func() {
	r.lmu.Lock()
	id := r.addLocked()
	if r.byConv[conversationID] == nil {
		r.byConv[conversationID] = make(map[int]func(MessageEvent))
	}
	r.byConv[conversationID][id] = fn
	r.lmu.Unlock()

	return r.once(func() {
		r.lmu.Lock()
		delete(r.byConv[conversationID], id)
		if len(r.byConv[conversationID]) == 0 {
			delete(r.byConv, conversationID)
		}
		r.lmu.Unlock()
	})
}

// SubscribeTyping registers fn for typing indicators of one conversation,
// opening the conversation's typing topic for the first listener.
func (r *Router) SubscribeTyping(conversationID string, fn func(TypingEvent)) func() {
	r.lmu.Lock()
	id := r.addLocked()
	first := len(r.typing[conversationID]) == 0
	if first {
		r.typing[conversationID] = make(map[int]func(TypingEvent))
	}
	r.typing[conversationID][id] = fn
	r.lmu.Unlock()

	topic := TypingTopic(conversationID)
	if first {
		r.openTopic(topic)
	}
	return r.once(func() {
		r.lmu.Lock()
		delete(r.typing[conversationID], id)
		last := len(r.typing[conversationID]) == 0
		if last {
			delete(r.typing, conversationID)
		}
		r.lmu.Unlock()
		if last {
			r.closeTopic(topic)
		}
	})
}

// SubscribeReadReceipts registers fn for read receipts of one
// conversation, opening the receipts topic for the first listener.
func (r *Router) SubscribeReadReceipts(conversationID string, fn func(ReadReceipt)) func() {
	r.lmu.Lock()
	id := r.addLocked()
	first := len(r.receipts[conversationID]) == 0
	if first {
		r.receipts[conversationID] = make(map[int]func(ReadReceipt))
	}
	r.receipts[conversationID][id] = fn
	r.lmu.Unlock()

	topic := ReceiptsTopic(conversationID)
	if first {
		r.openTopic(topic)
	}
	return r.once(func() {
		r.lmu.Lock()
		delete(r.receipts[conversationID], id)
		last := len(r.receipts[conversationID]) == 0
		if last {
			delete(r.receipts, conversationID)
		}
		r.lmu.Unlock()
		if last {
			r.closeTopic(topic)
		}
	})
}

// OnMessage registers fn for message events of every conversation.
func (r *Router) OnMessage(fn func(MessageEvent)) func() {
	r.lmu.Lock()
	id := r.addLocked()
	r.messages[id] = fn
	r.lmu.Unlock()
	return r.once(func() {
		r.lmu.Lock()
		delete(r.messages, id)
		r.lmu.Unlock()
	})
}

func (r *Router) OnConversationUpdate(fn func(ConversationUpdate)) func() {
	r.lmu.Lock()
	id := r.addLocked()
	r.convs[id] = fn
	r.lmu.Unlock()
	return r.once(func() {
		r.lmu.Lock()
		delete(r.convs, id)
		r.lmu.Unlock()
	})
}

func (r *Router) addLocked() int {
	r.nextID++
	return r.nextID
}

func (r *Router) once(fn func()) func() {
	var o sync.Once
	return func() { o.Do(fn) }
}

func (r *Router) openTopic(topic string) {
	if r.deps.Topics == nil {
		return
	}
	h, err := r.deps.Topics.Subscribe(topic)
	if err != nil {
		r.log.Warn().Err(err).Str("topic", topic).Msg("Could not open topic")
		return
	}
	r.lmu.Lock()
	r.topicRefs[topic] = h
	r.lmu.Unlock()
}

func (r *Router) closeTopic(topic string) {
	r.lmu.Lock()
	h, ok := r.topicRefs[topic]
	delete(r.topicRefs, topic)
	r.lmu.Unlock()
	if ok {
		r.deps.Topics.Unsubscribe(h)
	}
}

// ============================================================================
// Intake
// ============================================================================

func (r *Router) intakeLoop(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-r.intake:
			r.route(raw)
		}
	}
}

func (r *Router) route(raw RawEvent) {
	d := Decode(raw)
	var convID string
	switch ev := d.(type) {
	case *DecodeFault:
		r.log.Warn().Str("topic", raw.Topic).Str("reason", ev.Reason).
			Interface("record", raw.Record).Msg("Dropping undecodable event")
		return
	case MessageEvent:
		convID = ev.Message.ConversationID
	case ConversationUpdate:
		convID = ev.ConversationID
	case TypingEvent:
		convID = ev.ConversationID
	case ReadReceipt:
		convID = ev.ConversationID
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lanes == nil {
		return
	}
	if _, ok := r.membership[convID]; ok {
		r.enqueueLocked(convID, d)
		return
	}
	if r.holdLocked(raw, convID, d) {
		return
	}
	r.log.Warn().Str("topic", raw.Topic).Str("conversation", convID).Msg("Dropping event for non-member conversation")
}

// holdLocked keeps d for a conversation that may have just been created for
// the user. Only an INSERT on the user's own conversations topic opens a
// hold; later events for the same conversation join it.
func (r *Router) holdLocked(raw RawEvent, convID string, d Decoded) bool {
	held, open := r.held[convID]
	if !open {
		_, isConv := d.(ConversationUpdate)
		if !isConv || raw.Type != EventInsert || raw.Topic != UserConversationsTopic(r.userID) || r.deps.RequestRefresh == nil {
			return false
		}
	}
	if len(held) >= r.opts.QueueDepth {
		r.log.Warn().Str("conversation", convID).Msg("Dropping event for unconfirmed conversation")
		return true
	}
	r.held[convID] = append(held, d)
	if !open {
		r.log.Info().Str("conversation", convID).Msg("New conversation announced, refreshing membership")
		r.deps.RequestRefresh()
	}
	return true
}

func (r *Router) enqueueLocked(convID string, d Decoded) {
	if ev, ok := d.(MessageEvent); ok && ev.Type == EventInsert && r.dedup != nil {
		if seen, _ := r.dedup.ContainsOrAdd(ev.Message.ID, struct{}{}); seen {
			r.log.Debug().Str("message", ev.Message.ID).Msg("Dropping redelivered message")
			return
		}
	}
	l, ok := r.lanes[convID]
	if !ok {
		ctx, cancel := context.WithCancel(r.ctx)
		l = newLane(cancel)
		r.lanes[convID] = l
		r.wg.Add(1)
		go r.runLane(ctx, l, r.deliveries)
	}
	l.push(d)
}

func (r *Router) runLane(ctx context.Context, l *lane, deliveries chan<- delivery) {
	defer r.wg.Done()
	for {
		d, ok := l.pop(ctx)
		if !ok {
			return
		}
		ev, isMsg := d.(MessageEvent)
		if isMsg {
			ev = r.processMessage(ctx, ev)
			d = ev
		}
		if ctx.Err() != nil {
			return
		}
		notify := isMsg && ev.Type == EventInsert && r.deps.Notifier != nil

		dl := delivery{d: d}
		if notify {
			dl.done = make(chan struct{})
		}
		select {
		case deliveries <- dl:
		case <-ctx.Done():
			return
		}
		if !notify {
			continue
		}
		select {
		case <-dl.done:
		case <-ctx.Done():
			return
		}
		r.deps.Notifier.Dispatch(ctx, ev.Message)
	}
}

func (r *Router) processMessage(ctx context.Context, ev MessageEvent) MessageEvent {
	if ev.Type == EventDelete {
		return ev
	}
	if ev.Message.SenderName == "" && ev.Message.SenderID != "" {
		ev.Message.SenderName = r.senderName(ctx, ev.Message.SenderID)
	}
	if r.deps.Store != nil {
		if err := r.deps.Store.SaveMessage(ctx, ev.Message); err != nil {
			r.log.Error().Err(err).Str("message", ev.Message.ID).Msg("Failed to cache message")
		}
	}
	return ev
}

func (r *Router) senderName(ctx context.Context, userID string) string {
	if p, ok := r.profiles.Get(userID); ok {
		return p.DisplayName
	}
	if r.deps.Profiles == nil {
		return ""
	}
	lookupCtx, cancel := context.WithTimeout(ctx, r.opts.OpTimeout)
	defer cancel()
	p, err := r.deps.Profiles.Profile(lookupCtx, userID)
	if err != nil {
		r.log.Debug().Err(err).Str("user", userID).Msg("Profile lookup failed")
		return ""
	}
	r.profiles.Add(userID, p)
	return p.DisplayName
}

// ============================================================================
// Delivery
// ============================================================================

func (r *Router) deliveryLoop(ctx context.Context, deliveries <-chan delivery) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case dl := <-deliveries:
			r.deliver(dl.d)
			if dl.done != nil {
				close(dl.done)
			}
		}
	}
}

func (r *Router) deliver(d Decoded) {
	r.lmu.RLock()
	var calls []func()
	switch ev := d.(type) {
	case MessageEvent:
		for _, fn := range r.byConv[ev.Message.ConversationID] {
			fn := fn
			calls = append(calls, func() { fn(ev) })
		}
		for _, fn := range r.messages {
			fn := fn
			calls = append(calls, func() { fn(ev) })
		}
	case ConversationUpdate:
		for _, fn := range r.convs {
			fn := fn
			calls = append(calls, func() { fn(ev) })
		}
	case TypingEvent:
		for _, fn := range r.typing[ev.ConversationID] {
			fn := fn
			calls = append(calls, func() { fn(ev) })
		}
	case ReadReceipt:
		for _, fn := range r.receipts[ev.ConversationID] {
			fn := fn
			calls = append(calls, func() { fn(ev) })
		}
	}
	r.lmu.RUnlock()

	for _, call := range calls {
		r.safeCall(call)
	}
}

func (r *Router) safeCall(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error().Str("panic", fmt.Sprint(p)).Msg("Listener panicked")
		}
	}()
	fn()
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
