package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zulandar/agrilink/internal/auth"
)

// nsConn is the per-namespace connection record. The socket changes across
// reconnects; the event channel does not.
type nsConn struct {
	ns     string
	creds  auth.Credentials
	events chan RawEvent
	cancel context.CancelFunc
	done   chan struct{}

	writeMu sync.Mutex // one writer at a time on the socket

	mu        sync.Mutex
	ws        Conn
	connected bool
	nextAck   int64
	acks      map[int64]chan []json.RawMessage
}

func newNSConn(ns string, creds auth.Credentials, cancel context.CancelFunc) *nsConn {
	return &nsConn{
		ns:     ns,
		creds:  creds,
		events: make(chan RawEvent, eventBufferSize),
		cancel: cancel,
		done:   make(chan struct{}),
		acks:   make(map[int64]chan []json.RawMessage),
	}
}

func (c *nsConn) attach(ws Conn) {
	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
}

// detach forgets the socket and fails every pending ack.
func (c *nsConn) detach() {
	c.mu.Lock()
	c.ws = nil
	c.connected = false
	acks := c.acks
	c.acks = make(map[int64]chan []json.RawMessage)
	c.mu.Unlock()
	for _, ch := range acks {
		close(ch)
	}
}

func (c *nsConn) setConnected(v bool) {
	c.mu.Lock()
	c.connected = v
	c.mu.Unlock()
}

func (c *nsConn) isConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *nsConn) write(frame []byte) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *nsConn) registerAck() (int64, chan []json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextAck
	c.nextAck++
	ch := make(chan []json.RawMessage, 1)
	c.acks[id] = ch
	return id, ch
}

func (c *nsConn) dropAck(id int64) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func (c *nsConn) resolveAck(id int64, args []json.RawMessage) {
	c.mu.Lock()
	ch, ok := c.acks[id]
	delete(c.acks, id)
	c.mu.Unlock()
	if ok {
		ch <- args
	}
}
