package slack

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/zulandar/botfleet/internal/chat"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []string
	postErr  error
	users    map[string]*slackapi.User
	lookups  int
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{
		authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"},
		users:    make(map[string]*slackapi.User),
	}
}

func (m *mockSlackClient) AuthTest() (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.postErr != nil {
		return "", "", m.postErr
	}
	m.posted = append(m.posted, channelID)
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) GetUserInfo(userID string) (*slackapi.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if u, ok := m.users[userID]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user not found: %s", userID)
}

func (m *mockSlackClient) postedChannels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.posted...)
}

// --- Mock Socket Mode client ---

type mockSocketClient struct {
	events chan socketmode.Event
	mu     sync.Mutex
	acked  []socketmode.Request
}

func newMockSocketClient() *mockSocketClient {
	return &mockSocketClient{events: make(chan socketmode.Event, 100)}
}

func (m *mockSocketClient) RunContext(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

func (m *mockSocketClient) EventsChan() chan socketmode.Event { return m.events }

func (m *mockSocketClient) Ack(req socketmode.Request, payload ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, req)
}

func (m *mockSocketClient) ackedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

// --- Helpers ---

func newTestAdapter(t *testing.T) (*Adapter, *mockSlackClient, *mockSocketClient) {
	t.Helper()
	client := newMockSlackClient()
	socket := newMockSocketClient()
	a, err := New(AdapterOpts{Client: client, Socket: socket, ChannelID: "C_DEFAULT"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	return a, client, socket
}

func callbackEvent(inner interface{}, envelope string) socketmode.Event {
	return socketmode.Event{
		Type: socketmode.EventTypeEventsAPI,
		Data: slackevents.EventsAPIEvent{
			Type:       slackevents.CallbackEvent,
			InnerEvent: slackevents.EventsAPIInnerEvent{Data: inner},
		},
		Request: &socketmode.Request{EnvelopeID: envelope},
	}
}

func messageEvent(user, text string) *slackevents.MessageEvent {
	return &slackevents.MessageEvent{
		User:      user,
		Channel:   "C1",
		Text:      text,
		TimeStamp: "1700000000.000001",
	}
}

func expectNone(t *testing.T, ch <-chan chat.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message %+v", msg)
	case <-time.After(100 * time.Millisecond):
	}
}

// --- New / Connect ---

func TestNew_RequiresTokens(t *testing.T) {
	if _, err := New(AdapterOpts{AppToken: "xapp-test"}); err == nil {
		t.Error("expected error for missing bot token")
	}
	if _, err := New(AdapterOpts{BotToken: "xoxb-test"}); err == nil {
		t.Error("expected error for missing app token")
	}
}

func TestConnect_CapturesBotUserID(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	if a.BotUserID() != "U_BOT_123" {
		t.Errorf("bot user ID = %q, want U_BOT_123", a.BotUserID())
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second connect should be a no-op: %v", err)
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid token")
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	err := a.Connect(context.Background())
	if err == nil || !strings.Contains(err.Error(), "auth test") {
		t.Errorf("error = %v, want auth test error", err)
	}
}

func TestConnect_AfterClose(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error for closed adapter")
	}
}

// --- Listen ---

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error for not connected")
	}
}

func TestListen_ReceivesMessages(t *testing.T) {
	a, client, socket := newTestAdapter(t)
	client.users["U_ALICE"] = &slackapi.User{Profile: slackapi.UserProfile{DisplayName: "alice"}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := a.Listen(ctx)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	socket.events <- callbackEvent(messageEvent("U_ALICE", "hello"), "env-1")

	select {
	case msg := <-ch:
		if msg.Platform != "slack" || msg.ChannelID != "C1" || msg.UserID != "U_ALICE" {
			t.Errorf("msg = %+v", msg)
		}
		if msg.UserName != "alice" || msg.Text != "hello" {
			t.Errorf("name/text = %q/%q", msg.UserName, msg.Text)
		}
		if msg.Timestamp.Unix() != 1700000000 {
			t.Errorf("timestamp = %v", msg.Timestamp)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound message")
	}
	if socket.ackedCount() != 1 {
		t.Errorf("acked = %d, want 1", socket.ackedCount())
	}
}

func TestListen_Filters(t *testing.T) {
	tests := []struct {
		name  string
		inner *slackevents.MessageEvent
	}{
		{"self", messageEvent("U_BOT_123", "loop")},
		{"bot", &slackevents.MessageEvent{User: "U_X", BotID: "B1", Channel: "C1", Text: "hi"}},
		{"subtype", &slackevents.MessageEvent{User: "U_X", SubType: "message_changed", Channel: "C1", Text: "hi"}},
		{"no user", messageEvent("", "system")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, socket := newTestAdapter(t)
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := a.Listen(ctx)
			socket.events <- callbackEvent(tt.inner, "env")
			expectNone(t, ch)
		})
	}
}

func TestListen_AppMentionStripsMention(t *testing.T) {
	a, _, socket := newTestAdapter(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, _ := a.Listen(ctx)

	socket.events <- callbackEvent(&slackevents.AppMentionEvent{
		User:      "U_ALICE",
		Channel:   "C1",
		Text:      "<@U0BOT123> !fleet status",
		TimeStamp: "1700000000.000001",
	}, "env-2")

	select {
	case msg := <-ch:
		if msg.Text != "!fleet status" {
			t.Errorf("text = %q, want mention stripped", msg.Text)
		}
		if msg.UserName != "U_ALICE" {
			t.Errorf("unresolvable user should fall back to ID, got %q", msg.UserName)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestResolveUserName_Caches(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.users["U1"] = &slackapi.User{RealName: "Real Name"}

	for i := 0; i < 3; i++ {
		if got := a.resolveUserName("U1"); got != "Real Name" {
			t.Errorf("name = %q, want Real Name", got)
		}
	}
	if client.lookups != 1 {
		t.Errorf("lookups = %d, want 1", client.lookups)
	}
}

func TestDeliver_DropsWhenFullOrClosed(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	for i := 0; i < inboundBuffer+5; i++ {
		a.deliver("C1", "U_ALICE", "spam", "")
	}
	if len(a.inbound) != inboundBuffer {
		t.Errorf("queued = %d, want %d", len(a.inbound), inboundBuffer)
	}

	a.Close()
	// Must not panic on the closed channel.
	a.deliver("C1", "U_ALICE", "late", "")
}

// --- Send ---

func TestSend_Channels(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	ctx := context.Background()

	if err := a.Send(ctx, chat.OutboundMessage{ChannelID: "C1", Text: "hi"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := a.Send(ctx, chat.OutboundMessage{Text: "default"}); err != nil {
		t.Fatalf("send default: %v", err)
	}
	got := client.postedChannels()
	if len(got) != 2 || got[0] != "C1" || got[1] != "C_DEFAULT" {
		t.Errorf("posted = %v", got)
	}
}

func TestSend_NoChannel(t *testing.T) {
	client := newMockSlackClient()
	a, _ := New(AdapterOpts{Client: client, Socket: newMockSocketClient()})
	a.Connect(context.Background())
	err := a.Send(context.Background(), chat.OutboundMessage{Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("error = %v, want no channel", err)
	}
}

func TestSend_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Client: newMockSlackClient(), Socket: newMockSocketClient()})
	if err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil {
		t.Fatal("expected not connected error")
	}
}

func TestSend_PostError(t *testing.T) {
	a, client, _ := newTestAdapter(t)
	client.postErr = fmt.Errorf("channel_not_found")
	err := a.Send(context.Background(), chat.OutboundMessage{ChannelID: "C1", Text: "x"})
	if err == nil || !strings.Contains(err.Error(), "post message") {
		t.Errorf("error = %v, want post message error", err)
	}
}

func TestBuildMessageOptions(t *testing.T) {
	if got := buildMessageOptions(chat.OutboundMessage{Text: "plain"}); len(got) != 1 {
		t.Errorf("plain options = %d, want 1", len(got))
	}
	msg := chat.OutboundMessage{
		Text:   "summary",
		Events: []chat.FormattedEvent{{Title: "miner online"}},
	}
	if got := buildMessageOptions(msg); len(got) != 2 {
		t.Errorf("event options = %d, want 2", len(got))
	}
}

func TestEventToAttachment(t *testing.T) {
	att := eventToAttachment(chat.FormattedEvent{
		Title:  "miner disconnected",
		Body:   "server closed the connection",
		Color:  chat.ColorWarning,
		Fields: []chat.Field{{Name: "Account", Value: "miner", Short: true}},
	})
	if att.Title != "miner disconnected" || att.Fallback != att.Title || att.Color != chat.ColorWarning {
		t.Errorf("attachment = %+v", att)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Account" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

// --- Close ---

func TestClose_Idempotent(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound channel should be closed")
	}
}

// --- Helpers under test ---

func TestParseSlackTimestamp(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1700000000.000001", 1700000000},
		{"1700000000", 1700000000},
		{"", 0},
		{"garbage", 0},
	}
	for _, tt := range tests {
		got := parseSlackTimestamp(tt.in)
		if tt.want == 0 {
			if !got.IsZero() {
				t.Errorf("parse(%q) = %v, want zero", tt.in, got)
			}
			continue
		}
		if got.Unix() != tt.want {
			t.Errorf("parse(%q) = %d, want %d", tt.in, got.Unix(), tt.want)
		}
	}
}

func TestRetryOnRateLimit(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		if calls < 3 {
			return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("err=%v calls=%d, want nil/3", err, calls)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	sentinel := errors.New("boom")
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) || calls != 1 {
		t.Errorf("err=%v calls=%d", err, calls)
	}
}

func TestRetryOnRateLimit_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := retryOnRateLimit(ctx, func() error {
		return &slackapi.RateLimitedError{RetryAfter: time.Hour}
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRunWithReconnect_GivesUp(t *testing.T) {
	a, _, _ := newTestAdapter(t)
	failing := &failingSocket{mockSocketClient: newMockSocketClient()}
	a.socket = failing
	a.baseBackoff = time.Millisecond
	a.maxBackoff = time.Millisecond
	a.maxReconnect = 3

	done := make(chan struct{})
	go func() {
		a.runWithReconnect(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("runWithReconnect did not give up")
	}
	if failing.runs != 3 {
		t.Errorf("runs = %d, want 3", failing.runs)
	}
}

type failingSocket struct {
	*mockSocketClient
	runs int
}

func (f *failingSocket) RunContext(ctx context.Context) error {
	f.runs++
	return errors.New("socket closed")
}

// Compile-time interface checks.
var (
	_ chat.Adapter     = (*Adapter)(nil)
	_ chat.BotUserIDer = (*Adapter)(nil)
)
