package slack

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/agrilink/internal/relay"
)

// --- Mock Slack client ---

type mockSlackClient struct {
	mu       sync.Mutex
	authResp *slackapi.AuthTestResponse
	authErr  error
	posted   []postedMessage
	postErrs []error // consumed one per call
}

type postedMessage struct {
	channelID string
	options   []slackapi.MsgOption
}

func newMockSlackClient() *mockSlackClient {
	return &mockSlackClient{authResp: &slackapi.AuthTestResponse{UserID: "U_BOT_123"}}
}

func (m *mockSlackClient) AuthTestContext(ctx context.Context) (*slackapi.AuthTestResponse, error) {
	return m.authResp, m.authErr
}

func (m *mockSlackClient) PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.postErrs) > 0 {
		err := m.postErrs[0]
		m.postErrs = m.postErrs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.posted = append(m.posted, postedMessage{channelID: channelID, options: options})
	return channelID, "1234567890.123456", nil
}

func (m *mockSlackClient) postedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.posted)
}

func connected(t *testing.T, client *mockSlackClient, channel string) *Notifier {
	t.Helper()
	n, err := New(NotifierOpts{ChannelID: channel, Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return n
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(NotifierOpts{}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
	if _, err := New(NotifierOpts{BotToken: "xoxb-test"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConnect_Success(t *testing.T) {
	n := connected(t, newMockSlackClient(), "C1")
	if n.BotUserID() != "U_BOT_123" {
		t.Errorf("BotUserID = %q, want U_BOT_123", n.BotUserID())
	}
}

func TestConnect_AuthError(t *testing.T) {
	client := newMockSlackClient()
	client.authErr = fmt.Errorf("invalid_auth")
	n, _ := New(NotifierOpts{Client: client})
	if err := n.Connect(context.Background()); err == nil {
		t.Fatal("expected auth error")
	}
	if err := n.Send(context.Background(), relay.Alert{Title: "x", Channel: "C1"}); err == nil {
		t.Error("Send succeeded without a connection")
	}
}

func TestConnect_AlreadyClosed(t *testing.T) {
	n, _ := New(NotifierOpts{Client: newMockSlackClient()})
	n.Close()
	if err := n.Connect(context.Background()); err == nil {
		t.Fatal("expected error connecting a closed notifier")
	}
}

func TestSend_Channels(t *testing.T) {
	client := newMockSlackClient()
	n := connected(t, client, "C_DEFAULT")

	if err := n.Send(context.Background(), relay.Alert{Title: "Missed call"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := n.Send(context.Background(), relay.Alert{Title: "Other", Channel: "C_OTHER"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.posted[0].channelID != "C_DEFAULT" {
		t.Errorf("channel = %q, want C_DEFAULT", client.posted[0].channelID)
	}
	if client.posted[1].channelID != "C_OTHER" {
		t.Errorf("channel = %q, want C_OTHER", client.posted[1].channelID)
	}
}

func TestSend_NoChannel(t *testing.T) {
	n := connected(t, newMockSlackClient(), "")
	if err := n.Send(context.Background(), relay.Alert{Title: "x"}); err == nil {
		t.Fatal("expected error with no channel")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	client := newMockSlackClient()
	client.postErrs = []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}
	n := connected(t, client, "C1")

	if err := n.Send(context.Background(), relay.Alert{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if client.postedCount() != 1 {
		t.Errorf("posted = %d, want 1", client.postedCount())
	}
}

func TestSend_PostError(t *testing.T) {
	client := newMockSlackClient()
	client.postErrs = []error{fmt.Errorf("channel_not_found")}
	n := connected(t, client, "C1")
	if err := n.Send(context.Background(), relay.Alert{Title: "x"}); err == nil {
		t.Fatal("expected post error")
	}
}

func TestBuildMessageOptions(t *testing.T) {
	opts := buildMessageOptions(relay.Alert{Title: "t", Body: "b"})
	if len(opts) != 2 {
		t.Errorf("expected 2 options (text + attachment), got %d", len(opts))
	}
}

func TestAlertToAttachment(t *testing.T) {
	att := alertToAttachment(relay.Alert{
		Title: "Missed video call from farmer1",
		Body:  "details",
		Color: relay.ColorWarning,
		Fields: []relay.Field{
			{Name: "Session", Value: "4", Short: true},
			{Name: "Type", Value: "video", Short: true},
		},
	})
	if att.Title != "Missed video call from farmer1" {
		t.Errorf("title = %q", att.Title)
	}
	if att.Fallback != att.Title {
		t.Errorf("fallback = %q, want title", att.Fallback)
	}
	if att.Color != relay.ColorWarning {
		t.Errorf("color = %q", att.Color)
	}
	if len(att.Fields) != 2 || att.Fields[0].Title != "Session" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}

func TestRetryOnRateLimit_NonRateLimitError(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return fmt.Errorf("boom")
	})
	if err == nil || calls != 1 {
		t.Errorf("err = %v, calls = %d; want error after 1 call", err, calls)
	}
}

func TestRetryOnRateLimit_ExhaustsRetries(t *testing.T) {
	calls := 0
	err := retryOnRateLimit(context.Background(), func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Millisecond}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if calls != maxRetries+1 {
		t.Errorf("expected %d calls, got %d", maxRetries+1, calls)
	}
}

func TestRetryOnRateLimit_RespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := retryOnRateLimit(ctx, func() error {
		calls++
		return &slackapi.RateLimitedError{RetryAfter: time.Second}
	})
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call before context cancel, got %d", calls)
	}
}
