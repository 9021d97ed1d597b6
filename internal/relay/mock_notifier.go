package relay

import (
	"context"
	"fmt"
	"sync"
)

// MockNotifier implements Notifier for tests. It records every alert sent.
type MockNotifier struct {
	mu        sync.Mutex
	connected bool
	closed    bool
	sent      []Alert
	sendErr   error
	notify    chan Alert
}

// NewMockNotifier creates a MockNotifier.
func NewMockNotifier() *MockNotifier {
	return &MockNotifier{notify: make(chan Alert, 100)}
}

// Connect marks the notifier as connected.
func (m *MockNotifier) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("mock notifier: already closed")
	}
	m.connected = true
	return nil
}

// Send records the alert.
func (m *MockNotifier) Send(ctx context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return fmt.Errorf("mock notifier: not connected")
	}
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, a)
	select {
	case m.notify <- a:
	default:
	}
	return nil
}

// Close marks the notifier closed.
func (m *MockNotifier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.connected = false
	return nil
}

// --- Test helpers ---

// SetSendError makes every later Send fail with err.
func (m *MockNotifier) SetSendError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErr = err
}

// Sent returns a copy of all delivered alerts.
func (m *MockNotifier) Sent() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.sent))
	copy(out, m.sent)
	return out
}

// Delivered returns a channel that receives each alert as it is sent.
func (m *MockNotifier) Delivered() <-chan Alert { return m.notify }

// Closed reports whether Close was called.
func (m *MockNotifier) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
