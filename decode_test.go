package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampEncodingsAgree(t *testing.T) {
	want := time.Date(2026, 1, 2, 10, 0, 0, 500e6, time.UTC)
	inputs := []string{
		"2026-01-02T10:00:00.5Z",
		"2026-01-02T10:00:00.500000+00:00",
		"2026-01-02 10:00:00.5+00",
		"2026-01-02 10:00:00.500+00:00",
		"2026-01-02 12:00:00.5+0200",
		"2026-01-02 10:00:00.5",
		"2026-01-02T10:00:00.5",
		"  2026-01-02T10:00:00.5Z ",
	}
	for _, in := range inputs {
		got, err := ParseTimestamp(in)
		require.NoError(t, err, in)
		assert.True(t, want.Equal(got), "%q parsed as %s", in, got)
		assert.Equal(t, time.UTC, got.Location(), in)
	}
}

func TestParseTimestampRejects(t *testing.T) {
	for _, in := range []string{"", "yesterday", "2026-13-45T99:00:00Z", "1767348000"} {
		_, err := ParseTimestamp(in)
		assert.Error(t, err, in)
	}
}

func TestDecodeMessage(t *testing.T) {
	ev := messageRow("m1", "c1", "u2", "hello", "2026-01-02 10:00:00+00")
	ev.Record["client_id"] = "local-1"
	ev.Record["metadata"] = map[string]any{"reply_to": "m0"}
	ev.Record["sender"] = map[string]any{"display_name": "Ana"}

	d := Decode(ev)
	me, ok := d.(MessageEvent)
	require.True(t, ok, "got %T", d)
	assert.Equal(t, EventInsert, me.Type)

	msg := me.Message
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "local-1", msg.ProvisionalID)
	assert.Equal(t, "c1", msg.ConversationID)
	assert.Equal(t, "u2", msg.SenderID)
	assert.Equal(t, "Ana", msg.SenderName)
	assert.Equal(t, KindText, msg.Kind)
	assert.Equal(t, "hello", msg.Content)
	assert.Equal(t, StatusSent, msg.Status)
	assert.Equal(t, "m0", msg.Metadata["reply_to"])
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), msg.CreatedAt)
}

func TestDecodeMessageEpochMillis(t *testing.T) {
	ev := messageRow("m1", "c1", "u2", "hi", "")
	ev.Record["created_at"] = float64(1767348000123)

	me, ok := Decode(ev).(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, time.UnixMilli(1767348000123).UTC(), me.Message.CreatedAt)
}

func TestDecodeMessageCamelCaseKeys(t *testing.T) {
	ev := RawEvent{Type: EventUpdate, Table: TableMessages, Record: map[string]any{
		"id":             "m1",
		"conversationId": "c1",
		"senderId":       "u2",
		"content":        "edited",
		"createdAt":      "2026-01-02T10:00:00Z",
	}}
	me, ok := Decode(ev).(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, EventUpdate, me.Type)
	assert.Equal(t, "c1", me.Message.ConversationID)
	assert.Equal(t, "u2", me.Message.SenderID)
}

func TestDecodeNonTextPlaceholder(t *testing.T) {
	tests := []struct {
		kind string
		want string
	}{
		{KindImage, "📷 Photo"},
		{KindAudio, "🎤 Voice message"},
		{KindFile, "📎 Attachment"},
		{"sticker", "[sticker]"},
	}
	for _, tt := range tests {
		ev := messageRow("m1", "c1", "u2", "", "2026-01-02T10:00:00Z")
		ev.Record["type"] = tt.kind
		me, ok := Decode(ev).(MessageEvent)
		require.True(t, ok, tt.kind)
		assert.Equal(t, tt.want, me.Message.Content, tt.kind)
		assert.False(t, me.Message.IsText())
	}
}

func TestDecodeDeleteWithoutTimestamp(t *testing.T) {
	ev := RawEvent{Type: EventDelete, Table: TableMessages, Record: map[string]any{
		"id": "m9", "conversation_id": "c1",
	}}
	me, ok := Decode(ev).(MessageEvent)
	require.True(t, ok)
	assert.Equal(t, EventDelete, me.Type)
	assert.True(t, me.Message.CreatedAt.IsZero())
}

func TestDecodeFaults(t *testing.T) {
	tests := []struct {
		name   string
		raw    RawEvent
		reason string
	}{
		{"nil record", RawEvent{Type: EventInsert, Table: TableMessages}, "missing record"},
		{"unknown table", RawEvent{Type: EventInsert, Table: "reactions", Record: map[string]any{}}, "unrecognized table"},
		{"unknown broadcast", RawEvent{Type: EventBroadcast, Event: "presence", Record: map[string]any{}}, "unrecognized broadcast"},
		{"message without id", messageRow("", "c1", "u2", "x", "2026-01-02T10:00:00Z"), "without id"},
		{"bad timestamp", messageRow("m1", "c1", "u2", "x", "last tuesday"), "unrecognized timestamp"},
		{"missing timestamp", RawEvent{Type: EventInsert, Table: TableMessages, Record: map[string]any{"id": "m1", "conversation_id": "c1"}}, "missing created_at"},
		{"conversation without id", RawEvent{Type: EventUpdate, Table: TableConversations, Record: map[string]any{"name": "x"}}, "conversation without id"},
		{"typing without user", RawEvent{Type: EventBroadcast, Event: BroadcastTyping, Topic: "typing:c1", Record: map[string]any{}}, "typing event"},
		{"receipt without read_at", RawEvent{Type: EventInsert, Table: TableReadReceipts, Record: map[string]any{"conversation_id": "c1", "user_id": "u2"}}, "missing read_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Decoded
			require.NotPanics(t, func() { d = Decode(tt.raw) })
			fault, ok := d.(*DecodeFault)
			require.True(t, ok, "got %T", d)
			assert.Contains(t, fault.Reason, tt.reason)
			assert.Equal(t, tt.raw.Table, fault.Raw.Table)
		})
	}
}

func TestDecodeConversation(t *testing.T) {
	ev := RawEvent{Type: EventUpdate, Table: TableConversations, Record: map[string]any{
		"id":              "c1",
		"title":           "Climbing",
		"type":            "group",
		"participant_ids": []any{"me", "u2", 7},
		"last_message":    "see you",
		"updated_at":      "2026-01-02 10:00:00+00",
	}}
	up, ok := Decode(ev).(ConversationUpdate)
	require.True(t, ok)
	assert.Equal(t, "c1", up.ConversationID)
	assert.Equal(t, "Climbing", up.Name)
	assert.True(t, up.IsGroup)
	assert.Equal(t, []string{"me", "u2"}, up.ParticipantIDs)
	assert.Equal(t, "see you", up.LastMessage)
	assert.False(t, up.Deleted)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), up.UpdatedAt)

	ev.Type = EventDelete
	up, ok = Decode(ev).(ConversationUpdate)
	require.True(t, ok)
	assert.True(t, up.Deleted)
}

func TestDecodeTypingFallsBackToTopic(t *testing.T) {
	ev := RawEvent{Type: EventBroadcast, Event: BroadcastTyping, Topic: TypingTopic("c1"), Record: map[string]any{
		"user_id": "u2", "is_typing": true,
	}}
	te, ok := Decode(ev).(TypingEvent)
	require.True(t, ok)
	assert.Equal(t, "c1", te.ConversationID)
	assert.Equal(t, "u2", te.UserID)
	assert.True(t, te.IsTyping)
}

func TestDecodeReadReceipt(t *testing.T) {
	ev := RawEvent{Type: EventInsert, Table: TableReadReceipts, Record: map[string]any{
		"conversation_id": "c1",
		"user_id":         "u2",
		"message_id":      "m5",
		"read_at":         "2026-01-02T10:00:03Z",
	}}
	rc, ok := Decode(ev).(ReadReceipt)
	require.True(t, ok)
	assert.Equal(t, "m5", rc.MessageID)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 3, 0, time.UTC), rc.ReadAt)
}
