package discord

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/agrilink/internal/relay"
)

// --- Mock Discord session ---

type mockSession struct {
	mu       sync.Mutex
	userErr  error
	sent     []sentMessage
	sendErrs []error // consumed one per call
	closed   bool
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func (m *mockSession) User(userID string, options ...discordgo.RequestOption) (*discordgo.User, error) {
	if m.userErr != nil {
		return nil, m.userErr
	}
	return &discordgo.User{ID: "BOT_1", Username: "agrilink"}, nil
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "M1", ChannelID: channelID}, nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func connected(t *testing.T, sess *mockSession, channel string) *Notifier {
	t.Helper()
	n, err := New(NotifierOpts{ChannelID: channel, Session: sess})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 5 * time.Millisecond
	if err := n.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return n
}

func TestNew_RequiresBotToken(t *testing.T) {
	if _, err := New(NotifierOpts{}); err == nil {
		t.Fatal("expected error for missing bot token")
	}
}

func TestConnect(t *testing.T) {
	n := connected(t, &mockSession{}, "123")
	if n.BotUserID() != "BOT_1" {
		t.Errorf("BotUserID = %q, want BOT_1", n.BotUserID())
	}

	bad, _ := New(NotifierOpts{Session: &mockSession{userErr: fmt.Errorf("401: Unauthorized")}})
	if err := bad.Connect(context.Background()); err == nil {
		t.Error("expected error for bad token")
	}
}

func TestSend_BuildsEmbed(t *testing.T) {
	sess := &mockSession{}
	n := connected(t, sess, "123")
	err := n.Send(context.Background(), relay.Alert{
		Title:  "Incoming audio call from farmer1",
		Body:   "",
		Color:  relay.ColorInfo,
		Fields: []relay.Field{{Name: "Session", Value: "7", Short: true}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	msg := sess.sent[0]
	if msg.channelID != "123" {
		t.Errorf("channel = %q, want 123", msg.channelID)
	}
	embed := msg.data.Embeds[0]
	if embed.Title != "Incoming audio call from farmer1" {
		t.Errorf("title = %q", embed.Title)
	}
	if embed.Color != 0x2196f3 {
		t.Errorf("color = %#x, want 0x2196f3", embed.Color)
	}
	if len(embed.Fields) != 1 || !embed.Fields[0].Inline {
		t.Errorf("fields = %+v", embed.Fields)
	}
}

func TestSend_NotConnectedAndNoChannel(t *testing.T) {
	n, _ := New(NotifierOpts{Session: &mockSession{}})
	if err := n.Send(context.Background(), relay.Alert{Channel: "1"}); err == nil {
		t.Error("expected not-connected error")
	}
	n = connected(t, &mockSession{}, "")
	if err := n.Send(context.Background(), relay.Alert{}); err == nil {
		t.Error("expected no-channel error")
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	sess := &mockSession{sendErrs: []error{rateLimited(), rateLimited()}}
	n := connected(t, sess, "123")
	if err := n.Send(context.Background(), relay.Alert{Title: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Errorf("sent = %d, want 1", len(sess.sent))
	}
}

func TestRetryOnRateLimit_Exhausts(t *testing.T) {
	n := connected(t, &mockSession{}, "1")
	calls := 0
	err := n.retryOnRateLimit(context.Background(), func() error {
		calls++
		return rateLimited()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", calls, maxRetries+1)
	}
}

func TestRetryOnRateLimit_OtherErrorNotRetried(t *testing.T) {
	n := connected(t, &mockSession{}, "1")
	calls := 0
	n.retryOnRateLimit(context.Background(), func() error {
		calls++
		return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}
	})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestClose_Idempotent(t *testing.T) {
	sess := &mockSession{}
	n := connected(t, sess, "1")
	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if !sess.closed {
		t.Error("session not closed")
	}
	if err := n.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}

func TestParseHexColor(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"#36a64f", 0x36a64f},
		{"e53935", 0xe53935},
		{"#FF9800", 0xff9800},
		{"", 0},
		{"#zzz", 0},
	}
	for _, tt := range tests {
		if got := parseHexColor(tt.in); got != tt.want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}
