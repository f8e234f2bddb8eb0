package chatsync

import "context"

// EventType is the change kind carried by a RawEvent.
type EventType string

const (
	EventInsert    EventType = "INSERT"
	EventUpdate    EventType = "UPDATE"
	EventDelete    EventType = "DELETE"
	EventBroadcast EventType = "BROADCAST"
)

// Tables and broadcast events the router understands.
const (
	TableMessages      = "messages"
	TableConversations = "conversations"
	TableReadReceipts  = "read_receipts"
	BroadcastTyping    = "typing"
)

// RawEvent is an undecoded transport event. Record is the row (or broadcast
// payload) as a string-keyed map; decoding it is the router's job.
type RawEvent struct {
	Topic  string
	Type   EventType
	Table  string // set for row changes
	Event  string // set for broadcasts
	Record map[string]any
}

// Transport is the publish/subscribe primitive the core builds on. It is
// assumed to deliver at least once and in order per topic.
type Transport interface {
	// Channel returns a handle for topic without joining it.
	Channel(ctx context.Context, topic string) (TransportChannel, error)
}

// TransportChannel is one topic on a Transport.
//
// Stream and Faults must be obtainable before Join so that a consumer can be
// attached ahead of the join handshake. A closed Stream counts as a fault.
type TransportChannel interface {
	Topic() string
	Stream() <-chan RawEvent
	Faults() <-chan error
	Join(ctx context.Context) error
	Leave(ctx context.Context) error
}

// Topic helpers. The naming follows the backend's channel layout.

func UserMessagesTopic(userID string) string { return "messages:user:" + userID }

func UserConversationsTopic(userID string) string { return "conversations:user:" + userID }

func ConversationTopic(conversationID string) string { return "messages:conversation:" + conversationID }

func TypingTopic(conversationID string) string { return "typing:" + conversationID }

func ReceiptsTopic(conversationID string) string { return "receipts:" + conversationID }
