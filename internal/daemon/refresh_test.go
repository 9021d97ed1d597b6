package daemon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNextRefresh(t *testing.T) {
	now := time.Date(2026, 4, 10, 8, 2, 30, 0, time.UTC)
	tests := []struct {
		expr string
		want time.Duration
	}{
		{"*/5 * * * *", 2*time.Minute + 30*time.Second},
		{"* * * * *", 30 * time.Second},
		{"@every 90s", 90 * time.Second},
		{"not a cron expr", 0},
	}
	for _, tt := range tests {
		if got := nextRefresh(tt.expr, now); got != tt.want {
			t.Errorf("nextRefresh(%q) = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestRunRefresh_InvalidSchedule(t *testing.T) {
	err := runRefresh(context.Background(), "61 * * * *", func(context.Context) {})
	if err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestRunRefresh_FiresUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- runRefresh(ctx, "@every 1s", func(context.Context) { calls.Add(1) })
	}()

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("refresh never fired")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runRefresh: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("runRefresh did not return after cancel")
	}
}
