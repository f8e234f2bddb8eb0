package chatsync

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// AppState is the foreground state of the host application.
type AppState string

const (
	AppActive     AppState = "active"
	AppInactive   AppState = "inactive"
	AppBackground AppState = "background"
)

// Outcome is what the Dispatcher did with an incoming message.
type Outcome string

const (
	OutcomeSuppress Outcome = "suppress"
	OutcomeBanner   Outcome = "banner"
	OutcomeSystem   Outcome = "system"
)

// NotificationSnapshot is an immutable view of a NotificationContext.
type NotificationSnapshot struct {
	OpenConversationID string
	AppState           AppState
}

// NotificationContext is written by the UI layer and read by the
// Dispatcher. It starts active with no conversation open.
type NotificationContext struct {
	mu    sync.RWMutex
	open  string
	state AppState
}

func NewNotificationContext() *NotificationContext {
	return &NotificationContext{state: AppActive}
}

// SetOpenConversation records the conversation on screen. Pass "" when
// none is.
func (c *NotificationContext) SetOpenConversation(conversationID string) {
	c.mu.Lock()
	c.open = conversationID
	c.mu.Unlock()
}

func (c *NotificationContext) SetAppState(state AppState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *NotificationContext) Snapshot() NotificationSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return NotificationSnapshot{OpenConversationID: c.open, AppState: c.state}
}

// Decide picks the outcome for msg. Own messages are always suppressed, as
// are messages for the conversation the user is looking at.
func Decide(msg Message, currentUserID string, snap NotificationSnapshot) Outcome {
	if msg.SenderID == currentUserID {
		return OutcomeSuppress
	}
	if snap.AppState != AppActive {
		return OutcomeSystem
	}
	if msg.ConversationID == snap.OpenConversationID {
		return OutcomeSuppress
	}
	return OutcomeBanner
}

// ============================================================================
// Dispatcher
// ============================================================================

// Notification is what the Presenter shows.
type Notification struct {
	ConversationID string
	MessageID      string
	Title          string
	Body           string
}

// Presenter displays notifications. Both calls should return promptly.
type Presenter interface {
	ShowBanner(ctx context.Context, n Notification) error
	ScheduleSystemNotification(ctx context.Context, n Notification) error
}

// Directory resolves conversation metadata.
type Directory interface {
	Membership(ctx context.Context, userID string) ([]string, error)
	DisplayName(ctx context.Context, conversationID, viewerID string) (string, error)
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	PreviewLength int           // runes, default 100
	OpTimeout     time.Duration // bound on the display-name lookup, default 5s
	NameCacheSize int           // conversation titles remembered, default 256
	NameTTL       time.Duration // default 5m
	Logger        *zerolog.Logger
}

func (o *DispatcherOptions) defaults() {
	if o.PreviewLength <= 0 {
		o.PreviewLength = 100
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 5 * time.Second
	}
	if o.NameCacheSize <= 0 {
		o.NameCacheSize = 256
	}
	if o.NameTTL <= 0 {
		o.NameTTL = 5 * time.Minute
	}
	if o.Logger == nil {
		nop := zerolog.Nop()
		o.Logger = &nop
	}
}

// Dispatcher turns incoming messages into banners or system notifications
// for one signed-in user.
type Dispatcher struct {
	userID    string
	context   *NotificationContext
	directory Directory
	presenter Presenter
	names     *expirable.LRU[string, string]
	opts      DispatcherOptions
	log       zerolog.Logger
}

// NewDispatcher creates a Dispatcher. directory may be nil, in which case
// the sender name is used as the title.
func NewDispatcher(userID string, nc *NotificationContext, directory Directory, presenter Presenter, opts DispatcherOptions) *Dispatcher {
	opts.defaults()
	return &Dispatcher{
		userID:    userID,
		context:   nc,
		directory: directory,
		presenter: presenter,
		names:     expirable.NewLRU[string, string](opts.NameCacheSize, nil, opts.NameTTL),
		opts:      opts,
		log:       opts.Logger.With().Str("component", "notify").Logger(),
	}
}

// Dispatch decides and presents msg. It returns the outcome even when the
// presenter fails; presenter errors are only logged.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) Outcome {
	outcome := Decide(msg, d.userID, d.context.Snapshot())
	if outcome == OutcomeSuppress || d.presenter == nil {
		return outcome
	}

	n := Notification{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Title:          d.title(ctx, msg),
		Body:           Preview(msg, d.opts.PreviewLength),
	}
	if msg.SenderName != "" && n.Title != msg.SenderName {
		n.Body = msg.SenderName + ": " + n.Body
	}

	var err error
	if outcome == OutcomeBanner {
		err = d.presenter.ShowBanner(ctx, n)
	} else {
		err = d.presenter.ScheduleSystemNotification(ctx, n)
	}
	if err != nil {
		d.log.Warn().Err(err).Str("outcome", string(outcome)).Str("conversation", msg.ConversationID).Msg("Presenter failed")
	}
	return outcome
}

// Forget drops the cached title of a conversation, e.g. after a rename.
func (d *Dispatcher) Forget(conversationID string) {
	d.names.Remove(conversationID)
}

func (d *Dispatcher) title(ctx context.Context, msg Message) string {
	if name, ok := d.names.Get(msg.ConversationID); ok {
		return name
	}
	if d.directory != nil {
		lookupCtx, cancel := context.WithTimeout(ctx, d.opts.OpTimeout)
		name, err := d.directory.DisplayName(lookupCtx, msg.ConversationID, d.userID)
		cancel()
		if err == nil && name != "" {
			d.names.Add(msg.ConversationID, name)
			return name
		}
		if err != nil {
			d.log.Debug().Err(err).Str("conversation", msg.ConversationID).Msg("Display name lookup failed")
		}
	}
	if msg.SenderName != "" {
		return msg.SenderName
	}
	return "New message"
}

// Preview returns the notification body for msg: the text truncated to max
// runes, or the attachment placeholder.
func Preview(msg Message, max int) string {
	content := strings.TrimSpace(msg.Content)
	if !msg.IsText() && content == "" {
		return placeholder(msg.Kind)
	}
	content = strings.Join(strings.Fields(content), " ")
	if max <= 0 || utf8.RuneCountInString(content) <= max {
		return content
	}
	runes := []rune(content)
	return strings.TrimSpace(string(runes[:max])) + "…"
}
