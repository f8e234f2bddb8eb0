package chatsync

import "time"

// ============================================================================
// Messages
// ============================================================================

// SendStatus tracks a message through the outbox.
type SendStatus string

const (
	StatusPending SendStatus = "pending"
	StatusSent    SendStatus = "sent"
	StatusFailed  SendStatus = "failed"
)

// Message is a chat message as seen by the client.
//
// A message has two identities. ProvisionalID is generated locally when the
// user hits send and drives optimistic UI and outbox tracking. ID is the
// server-assigned identifier and stays empty until the backend confirms the
// write. After confirmation the provisional row is retired from the store.
type Message struct {
	ID             string         `json:"id,omitempty"`
	ProvisionalID  string         `json:"clientId,omitempty"`
	ConversationID string         `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	SenderName     string         `json:"senderName,omitempty"`
	Kind           string         `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	Status         SendStatus     `json:"status"`
}

// Key returns the identity the message is stored under: the server ID once
// known, the provisional ID before that.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ProvisionalID
}

// Confirmed reports whether the server has assigned an ID.
func (m Message) Confirmed() bool { return m.ID != "" }

// IsText reports whether the content is user text rather than a placeholder
// for an attachment.
func (m Message) IsText() bool { return m.Kind == "" || m.Kind == KindText }

// Message kinds. Anything other than text carries a placeholder Content.
const (
	KindText  = "text"
	KindImage = "image"
	KindFile  = "file"
	KindAudio = "audio"
)

// ============================================================================
// Outbox
// ============================================================================

// OutboxEntry is a message that has not been durably confirmed by the
// server yet. Entries are drained in Seq order within a conversation.
type OutboxEntry struct {
	ID          string    `json:"id"` // equals Message.ProvisionalID
	Seq         int64     `json:"seq"`
	Message     Message   `json:"message"`
	RetryCount  int       `json:"retryCount"`
	LastError   string    `json:"lastError,omitempty"`
	NextRetryAt time.Time `json:"nextRetryAt,omitempty"`
	Rejected    bool      `json:"rejected,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Due reports whether the entry may be attempted at now.
func (e OutboxEntry) Due(now time.Time) bool {
	return !e.Rejected && !e.NextRetryAt.After(now)
}

// OutboxEventKind names a step in an entry's lifecycle.
type OutboxEventKind string

const (
	OutboxQueued    OutboxEventKind = "queued"
	OutboxSending   OutboxEventKind = "sending"
	OutboxConfirmed OutboxEventKind = "confirmed"
	OutboxRetrying  OutboxEventKind = "retrying"
	OutboxStalled   OutboxEventKind = "stalled"
	OutboxRejected  OutboxEventKind = "rejected"
)

// OutboxEvent is published by the SyncEngine for every state change. On
// OutboxConfirmed, Message carries the server identity and ProvisionalID
// names the optimistic copy it replaces.
type OutboxEvent struct {
	Kind          OutboxEventKind
	ProvisionalID string
	Message       Message
	RetryCount    int
	NextRetryAt   time.Time
	Err           error
}

// ============================================================================
// Routed events
// ============================================================================

// ConversationUpdate is an insert or update of a conversation row.
type ConversationUpdate struct {
	ConversationID string
	Name           string
	IsGroup        bool
	ParticipantIDs []string
	LastMessage    string
	UpdatedAt      time.Time
	Deleted        bool
}

// TypingEvent reports a participant starting or stopping typing.
type TypingEvent struct {
	ConversationID string
	UserID         string
	IsTyping       bool
	At             time.Time
}

// ReadReceipt reports that a user has read a conversation up to a message.
type ReadReceipt struct {
	ConversationID string
	UserID         string
	MessageID      string
	ReadAt         time.Time
}

// Profile is the subset of a user profile used for enrichment.
type Profile struct {
	UserID      string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}
