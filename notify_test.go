package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		name   string
		sender string
		conv   string
		snap   NotificationSnapshot
		want   Outcome
	}{
		{"own message", "me", "c1", NotificationSnapshot{AppState: AppBackground}, OutcomeSuppress},
		{"open conversation", "u2", "c1", NotificationSnapshot{OpenConversationID: "c1", AppState: AppActive}, OutcomeSuppress},
		{"other conversation", "u2", "c2", NotificationSnapshot{OpenConversationID: "c1", AppState: AppActive}, OutcomeBanner},
		{"nothing open", "u2", "c2", NotificationSnapshot{AppState: AppActive}, OutcomeBanner},
		{"inactive", "u2", "c2", NotificationSnapshot{AppState: AppInactive}, OutcomeSystem},
		{"backgrounded with conversation open", "u2", "c1", NotificationSnapshot{OpenConversationID: "c1", AppState: AppBackground}, OutcomeSystem},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Message{ID: "m", SenderID: tt.sender, ConversationID: tt.conv}
			assert.Equal(t, tt.want, Decide(msg, "me", tt.snap))
		})
	}
}

type recordingPresenter struct {
	mu      sync.Mutex
	banners []Notification
	system  []Notification
	err     error
}

func (p *recordingPresenter) ShowBanner(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.banners = append(p.banners, n)
	return p.err
}

func (p *recordingPresenter) ScheduleSystemNotification(_ context.Context, n Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.system = append(p.system, n)
	return p.err
}

func (p *recordingPresenter) counts() (int, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.banners), len(p.system)
}

type stubDirectory struct {
	mu        sync.Mutex
	members   []string
	names     map[string]string
	err       error
	failFirst int // Membership calls that fail before the stub answers
	calls     int
	nameCalls int
}

func (d *stubDirectory) Membership(context.Context, string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.calls <= d.failFirst {
		return nil, errors.New("directory unavailable")
	}
	if d.err != nil {
		return nil, d.err
	}
	return append([]string(nil), d.members...), nil
}

func (d *stubDirectory) DisplayName(_ context.Context, convID, _ string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nameCalls++
	if d.err != nil {
		return "", d.err
	}
	return d.names[convID], nil
}

func (d *stubDirectory) set(members []string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.members = members
	d.err = err
}

func (d *stubDirectory) membershipCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *stubDirectory) displayNameCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.nameCalls
}

func TestDispatchBackgroundedOpenConversation(t *testing.T) {
	nc := NewNotificationContext()
	nc.SetOpenConversation("c1")
	p := &recordingPresenter{}
	d := NewDispatcher("me", nc, &stubDirectory{names: map[string]string{"c1": "Weekend plans"}}, p, DispatcherOptions{})

	msg := Message{ID: "m1", ConversationID: "c1", SenderID: "u2", SenderName: "Ana", Content: "see you there"}

	assert.Equal(t, OutcomeSuppress, d.Dispatch(context.Background(), msg))

	nc.SetAppState(AppBackground)
	assert.Equal(t, OutcomeSystem, d.Dispatch(context.Background(), msg))

	require.Len(t, p.system, 1)
	assert.Empty(t, p.banners)
	assert.Equal(t, "Weekend plans", p.system[0].Title)
	assert.Equal(t, "Ana: see you there", p.system[0].Body)
	assert.Equal(t, "m1", p.system[0].MessageID)
}

func TestDispatchFallsBackToSenderName(t *testing.T) {
	p := &recordingPresenter{err: errors.New("banner service down")}
	d := NewDispatcher("me", NewNotificationContext(), &stubDirectory{err: errors.New("offline")}, p, DispatcherOptions{})

	out := d.Dispatch(context.Background(), Message{ID: "m1", ConversationID: "c9", SenderID: "u2", SenderName: "Ana", Kind: KindImage})
	assert.Equal(t, OutcomeBanner, out)
	require.Len(t, p.banners, 1)
	assert.Equal(t, "Ana", p.banners[0].Title)
	assert.Equal(t, "📷 Photo", p.banners[0].Body)
}

func TestDispatchCachesConversationTitles(t *testing.T) {
	dir := &stubDirectory{names: map[string]string{"c1": "Climbing"}}
	p := &recordingPresenter{}
	d := NewDispatcher("me", NewNotificationContext(), dir, p, DispatcherOptions{})
	ctx := context.Background()

	for _, id := range []string{"m1", "m2", "m3"} {
		d.Dispatch(ctx, Message{ID: id, ConversationID: "c1", SenderID: "u2", Content: id})
	}
	require.Len(t, p.banners, 3)
	assert.Equal(t, "Climbing", p.banners[2].Title)
	assert.Equal(t, 1, dir.displayNameCalls())

	dir.mu.Lock()
	dir.names["c1"] = "Bouldering"
	dir.mu.Unlock()
	d.Forget("c1")
	d.Dispatch(ctx, Message{ID: "m4", ConversationID: "c1", SenderID: "u2", Content: "m4"})
	assert.Equal(t, "Bouldering", p.banners[3].Title)
	assert.Equal(t, 2, dir.displayNameCalls())
}

func TestDispatchDoesNotCacheFailedLookups(t *testing.T) {
	dir := &stubDirectory{err: errors.New("offline")}
	d := NewDispatcher("me", NewNotificationContext(), dir, &recordingPresenter{}, DispatcherOptions{})

	d.Dispatch(context.Background(), Message{ID: "m1", ConversationID: "c1", SenderID: "u2"})
	d.Dispatch(context.Background(), Message{ID: "m2", ConversationID: "c1", SenderID: "u2"})
	assert.Equal(t, 2, dir.displayNameCalls())
}

func TestPreview(t *testing.T) {
	assert.Equal(t, "hello world", Preview(Message{Content: "  hello\n\nworld "}, 100))
	assert.Equal(t, "🎤 Voice message", Preview(Message{Kind: KindAudio}, 100))

	long := strings.Repeat("é", 150)
	got := Preview(Message{Content: long}, 100)
	assert.True(t, strings.HasSuffix(got, "…"))
	assert.Equal(t, 101, len([]rune(got)))
}
