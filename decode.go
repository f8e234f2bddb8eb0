package chatsync

import (
	"fmt"
	"strings"
	"time"
)

// Decoded is the result of decoding a RawEvent. It is one of MessageEvent,
// ConversationUpdate, TypingEvent, ReadReceipt or *DecodeFault; callers
// type-switch and must handle the fault case.
type Decoded interface {
	decoded()
}

// MessageEvent is a decoded change on the messages table.
type MessageEvent struct {
	Type    EventType
	Message Message
}

func (MessageEvent) decoded()       {}
func (ConversationUpdate) decoded() {}
func (TypingEvent) decoded()        {}
func (ReadReceipt) decoded()        {}
func (*DecodeFault) decoded()       {}

// timestampLayouts are tried in order. The backend emits both the
// Postgres text form ("2026-01-02 15:04:05.123456+00") and ISO-8601
// ("2026-01-02T15:04:05.123456Z"), with and without zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z0700",
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp parses any supported timestamp encoding. Zoneless values
// are taken as UTC. The result is always in UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Decode turns a raw transport event into a typed event. It never panics and
// never returns nil.
func Decode(raw RawEvent) Decoded {
	if raw.Record == nil {
		return &DecodeFault{Raw: raw, Reason: "missing record"}
	}
	if raw.Type == EventBroadcast {
		if raw.Event == BroadcastTyping {
			return decodeTyping(raw)
		}
		return &DecodeFault{Raw: raw, Reason: fmt.Sprintf("unrecognized broadcast %q", raw.Event)}
	}
	switch raw.Table {
	case TableMessages:
		return decodeMessage(raw)
	case TableConversations:
		return decodeConversation(raw)
	case TableReadReceipts:
		return decodeReceipt(raw)
	}
	return &DecodeFault{Raw: raw, Reason: fmt.Sprintf("unrecognized table %q", raw.Table)}
}

func decodeMessage(raw RawEvent) Decoded {
	r := raw.Record
	id := field(r, "id")
	convID := field(r, "conversation_id", "conversationId")
	if id == "" || convID == "" {
		return &DecodeFault{Raw: raw, Reason: "message without id or conversation_id"}
	}

	var created time.Time
	if raw.Type != EventDelete {
		var err error
		created, err = timestampField(r, "created_at", "createdAt")
		if err != nil {
			return &DecodeFault{Raw: raw, Reason: err.Error()}
		}
	}

	msg := Message{
		ID:             id,
		ProvisionalID:  field(r, "client_id", "clientId"),
		ConversationID: convID,
		SenderID:       field(r, "sender_id", "senderId"),
		Kind:           field(r, "type", "message_type"),
		Content:        field(r, "content", "text"),
		CreatedAt:      created,
		Status:         StatusSent,
	}
	if msg.Kind == "" {
		msg.Kind = KindText
	}
	if !msg.IsText() && msg.Content == "" {
		msg.Content = placeholder(msg.Kind)
	}
	if md, ok := r["metadata"].(map[string]any); ok {
		msg.Metadata = md
	}
	// Some channels embed the sender profile, which saves an enrichment
	// lookup.
	if sender, ok := r["sender"].(map[string]any); ok {
		msg.SenderName = field(sender, "display_name", "displayName", "name")
	}
	return MessageEvent{Type: raw.Type, Message: msg}
}

func decodeConversation(raw RawEvent) Decoded {
	r := raw.Record
	id := field(r, "id")
	if id == "" {
		return &DecodeFault{Raw: raw, Reason: "conversation without id"}
	}
	update := ConversationUpdate{
		ConversationID: id,
		Name:           field(r, "name", "title"),
		IsGroup:        boolField(r, "is_group") || field(r, "type") == "group",
		LastMessage:    field(r, "last_message", "lastMessage"),
		Deleted:        raw.Type == EventDelete,
	}
	if ids, ok := r["participant_ids"].([]any); ok {
		for _, v := range ids {
			if s, ok := v.(string); ok {
				update.ParticipantIDs = append(update.ParticipantIDs, s)
			}
		}
	}
	if _, present := r["updated_at"]; present {
		at, err := timestampField(r, "updated_at")
		if err != nil {
			return &DecodeFault{Raw: raw, Reason: err.Error()}
		}
		update.UpdatedAt = at
	}
	return update
}

func decodeTyping(raw RawEvent) Decoded {
	r := raw.Record
	ev := TypingEvent{
		ConversationID: field(r, "conversation_id", "conversationId"),
		UserID:         field(r, "user_id", "userId"),
		IsTyping:       boolField(r, "is_typing") || boolField(r, "isTyping"),
	}
	if ev.ConversationID == "" {
		ev.ConversationID = strings.TrimPrefix(raw.Topic, "typing:")
	}
	if ev.UserID == "" || ev.ConversationID == "" {
		return &DecodeFault{Raw: raw, Reason: "typing event without user or conversation"}
	}
	return ev
}

func decodeReceipt(raw RawEvent) Decoded {
	r := raw.Record
	rc := ReadReceipt{
		ConversationID: field(r, "conversation_id", "conversationId"),
		UserID:         field(r, "user_id", "userId"),
		MessageID:      field(r, "message_id", "messageId"),
	}
	if rc.ConversationID == "" || rc.UserID == "" {
		return &DecodeFault{Raw: raw, Reason: "receipt without user or conversation"}
	}
	at, err := timestampField(r, "read_at", "readAt")
	if err != nil {
		return &DecodeFault{Raw: raw, Reason: err.Error()}
	}
	rc.ReadAt = at
	return rc
}

func placeholder(kind string) string {
	switch kind {
	case KindImage:
		return "📷 Photo"
	case KindAudio:
		return "🎤 Voice message"
	case KindFile:
		return "📎 Attachment"
	}
	return "[" + kind + "]"
}

// field returns the first non-empty string value among keys.
func field(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func boolField(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

// timestampField accepts a string in any supported layout or a JSON number
// of milliseconds since the epoch.
func timestampField(m map[string]any, keys ...string) (time.Time, error) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			return ParseTimestamp(v)
		case float64:
			return time.UnixMilli(int64(v)).UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("missing %s", keys[0])
}
