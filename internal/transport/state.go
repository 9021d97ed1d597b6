package transport

import (
	"slices"
	"sync"
	"time"
)

// Status is the connection status of one namespace.
type Status string

const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// State is one observable transition of a namespace connection.
type State struct {
	Namespace string    `json:"namespace"`
	Status    Status    `json:"status"`
	Connected bool      `json:"connected"`
	LastError string    `json:"last_error,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Exhausted bool      `json:"exhausted,omitempty"`
	At        time.Time `json:"at"`

	// Unauthorized is set on the final state of a connection the backend
	// refused because of the credentials.
	Unauthorized bool `json:"unauthorized,omitempty"`
}

// StateHandler receives state transitions.
type StateHandler func(State)

// stateHub fans transitions out to any number of handlers and remembers the
// latest state per namespace.
type stateHub struct {
	mu       sync.Mutex
	handlers map[int]StateHandler
	nextID   int
	last     map[string]State

	// dispatch serializes delivery so handlers see transitions in order.
	dispatch sync.Mutex
}

func newStateHub() *stateHub {
	return &stateHub{
		handlers: make(map[int]StateHandler),
		last:     make(map[string]State),
	}
}

func (h *stateHub) subscribe(fn StateHandler) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.handlers[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

func (h *stateHub) publish(s State) {
	if s.At.IsZero() {
		s.At = time.Now()
	}
	s.Connected = s.Status == StatusConnected

	h.dispatch.Lock()
	defer h.dispatch.Unlock()

	h.mu.Lock()
	h.last[s.Namespace] = s
	ids := make([]int, 0, len(h.handlers))
	for id := range h.handlers {
		ids = append(ids, id)
	}
	handlers := make([]StateHandler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, h.handlers[id])
	}
	h.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (h *stateHub) get(ns string) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.last[ns]
	return s, ok
}

func (h *stateHub) all() []State {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]State, 0, len(h.last))
	for _, s := range h.last {
		out = append(out, s)
	}
	return out
}
