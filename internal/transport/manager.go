// Package transport owns the real-time channel to the backend: one
// Socket.IO connection per namespace, with the auth handshake, bounded
// reconnection and a broadcast stream of connection-state transitions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/socketio"
)

const (
	// defaultReconnectDelay is the first reconnection wait.
	defaultReconnectDelay = time.Second
	// defaultReconnectDelayMax caps the reconnection wait.
	defaultReconnectDelayMax = 5 * time.Second
	// maxReconnectAttempts limits reconnection retries before giving up.
	maxReconnectAttempts = 10
	// defaultDialTimeout bounds the dial plus namespace handshake.
	defaultDialTimeout = 20 * time.Second
	// eventBufferSize is the per-namespace inbound queue length.
	eventBufferSize = 256
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second
)

var (
	// ErrNotConnected is returned when emitting on a namespace that has no
	// live connection.
	ErrNotConnected = errors.New("transport: not connected")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("transport: manager closed")
	// ErrUnauthorized marks a connection the backend refused because of
	// the credentials. It is never retried.
	ErrUnauthorized = errors.New("transport: unauthorized")
)

// RawEvent is one inbound Socket.IO event, before classification.
type RawEvent struct {
	Namespace string
	Name      string
	Data      json.RawMessage   // first argument, nil when the event has none
	Args      []json.RawMessage // all arguments
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	BaseURL           string // http(s) URL of the backend
	Dialer            Dialer // defaults to gorilla/websocket
	Log               logrus.FieldLogger
	ReconnectAttempts int           // capped at 10
	ReconnectDelay    time.Duration // default 1s
	ReconnectDelayMax time.Duration // default 5s
	DialTimeout       time.Duration // default 20s
}

// Manager is the Transport Connection Manager. It is the only component
// that creates or destroys namespace connections.
type Manager struct {
	baseURL      *url.URL
	dialer       Dialer
	log          logrus.FieldLogger
	maxReconnect int
	baseBackoff  time.Duration
	maxBackoff   time.Duration
	dialTimeout  time.Duration
	states       *stateHub

	mu     sync.Mutex
	conns  map[string]*nsConn
	closed bool
}

// New creates a Manager.
func New(opts ManagerOpts) (*Manager, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("transport: base url is required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("transport: invalid base url %q", opts.BaseURL)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("transport: unsupported scheme %q", u.Scheme)
	}

	m := &Manager{
		baseURL:      u,
		dialer:       opts.Dialer,
		log:          logger.OrDefault(opts.Log, "transport"),
		maxReconnect: opts.ReconnectAttempts,
		baseBackoff:  opts.ReconnectDelay,
		maxBackoff:   opts.ReconnectDelayMax,
		dialTimeout:  opts.DialTimeout,
		states:       newStateHub(),
		conns:        make(map[string]*nsConn),
	}
	if m.maxReconnect <= 0 || m.maxReconnect > maxReconnectAttempts {
		m.maxReconnect = maxReconnectAttempts
	}
	if m.baseBackoff <= 0 {
		m.baseBackoff = defaultReconnectDelay
	}
	if m.maxBackoff <= 0 {
		m.maxBackoff = defaultReconnectDelayMax
	}
	if m.maxBackoff < m.baseBackoff {
		m.maxBackoff = m.baseBackoff
	}
	if m.dialTimeout <= 0 {
		m.dialTimeout = defaultDialTimeout
	}
	if m.dialer == nil {
		m.dialer = NewWebsocketDialer(m.dialTimeout)
	}
	return m, nil
}

// Connect starts a connection to namespace. It returns immediately; progress
// is reported on the state stream. Calling it while the namespace is
// connected or connecting is a no-op. Missing or malformed credentials are
// reported as an error state and no dial is attempted.
func (m *Manager) Connect(namespace string, creds auth.Credentials) error {
	ns := socketio.NormalizeNamespace(namespace)
	log := m.log.WithField("namespace", ns)

	if _, err := auth.Inspect(creds, time.Now()); err != nil {
		log.WithError(err).Error("refusing to connect without valid credentials")
		m.states.publish(State{Namespace: ns, Status: StatusError, LastError: err.Error()})
		return fmt.Errorf("transport: connect %s: %w", ns, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if _, ok := m.conns[ns]; ok {
		m.mu.Unlock()
		log.Info("already connected or connecting, ignoring connect")
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := newNSConn(ns, creds, cancel)
	m.conns[ns] = c
	m.mu.Unlock()

	go m.run(ctx, c)
	return nil
}

// Disconnect tears the namespace connection down, closes its event channel
// and prevents any further automatic reconnect. It blocks until the
// connection goroutine has exited, so it must not be called from a
// StateHandler.
func (m *Manager) Disconnect(namespace string) {
	ns := socketio.NormalizeNamespace(namespace)
	m.mu.Lock()
	c, ok := m.conns[ns]
	if ok {
		delete(m.conns, ns)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	c.cancel()
	<-c.done
	m.log.WithField("namespace", ns).Info("disconnected by request")
	m.states.publish(State{Namespace: ns, Status: StatusDisconnected})
}

// Close disconnects every namespace. The Manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	names := make([]string, 0, len(m.conns))
	for ns := range m.conns {
		names = append(names, ns)
	}
	m.mu.Unlock()

	for _, ns := range names {
		m.Disconnect(ns)
	}
	return nil
}

// Listen returns the ordered inbound event channel for namespace. The
// channel survives automatic reconnects and is closed by Disconnect, Close
// or reconnect exhaustion.
func (m *Manager) Listen(namespace string) (<-chan RawEvent, error) {
	c := m.conn(namespace)
	if c == nil {
		return nil, fmt.Errorf("transport: listen %s: %w", socketio.NormalizeNamespace(namespace), ErrNotConnected)
	}
	return c.events, nil
}

// Emit sends an event without waiting for an acknowledgement.
func (m *Manager) Emit(namespace, event string, data any) error {
	c := m.conn(namespace)
	if c == nil || !c.isConnected() {
		return fmt.Errorf("transport: emit %s: %w", event, ErrNotConnected)
	}
	pkt, err := socketio.NewEvent(c.ns, event, nil, data)
	if err != nil {
		return err
	}
	if err := c.write(socketio.EncodeFrame(pkt)); err != nil {
		return fmt.Errorf("transport: emit %s: %w", event, err)
	}
	return nil
}

// EmitWithAck sends an event and waits for the server's acknowledgement,
// returning its first argument.
func (m *Manager) EmitWithAck(ctx context.Context, namespace, event string, data any) (json.RawMessage, error) {
	c := m.conn(namespace)
	if c == nil || !c.isConnected() {
		return nil, fmt.Errorf("transport: emit %s: %w", event, ErrNotConnected)
	}
	id, ch := c.registerAck()
	pkt, err := socketio.NewEvent(c.ns, event, &id, data)
	if err != nil {
		c.dropAck(id)
		return nil, err
	}
	if err := c.write(socketio.EncodeFrame(pkt)); err != nil {
		c.dropAck(id)
		return nil, fmt.Errorf("transport: emit %s: %w", event, err)
	}

	select {
	case args, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("transport: ack for %s: %w", event, ErrNotConnected)
		}
		if len(args) == 0 {
			return nil, nil
		}
		return args[0], nil
	case <-ctx.Done():
		c.dropAck(id)
		return nil, fmt.Errorf("transport: ack for %s: %w", event, ctx.Err())
	}
}

// OnState registers fn for every future state transition and returns a
// function that unregisters it.
func (m *Manager) OnState(fn StateHandler) func() {
	return m.states.subscribe(fn)
}

// State returns the latest state of namespace.
func (m *Manager) State(namespace string) State {
	ns := socketio.NormalizeNamespace(namespace)
	if s, ok := m.states.get(ns); ok {
		return s
	}
	return State{Namespace: ns, Status: StatusDisconnected}
}

// States returns the latest state of every namespace seen so far.
func (m *Manager) States() []State {
	return m.states.all()
}

func (m *Manager) conn(namespace string) *nsConn {
	ns := socketio.NormalizeNamespace(namespace)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns[ns]
}

// release frees the namespace slot if c still owns it.
func (m *Manager) release(c *nsConn) {
	m.mu.Lock()
	if m.conns[c.ns] == c {
		delete(m.conns, c.ns)
	}
	m.mu.Unlock()
}

// backoff returns the wait before reconnect attempt n (zero based).
func (m *Manager) backoff(attempt int) time.Duration {
	wait := time.Duration(math.Pow(2, float64(attempt))) * m.baseBackoff
	if wait > m.maxBackoff || wait <= 0 {
		wait = m.maxBackoff
	}
	return wait
}

// socketURL builds the Engine.IO WebSocket endpoint for creds.
func (m *Manager) socketURL(creds auth.Credentials) string {
	u := *m.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/socket.io/"
	q := url.Values{}
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	q.Set("user_id", creds.UserID)
	u.RawQuery = q.Encode()
	return u.String()
}

// run keeps one namespace connected until ctx is cancelled or reconnect
// attempts are exhausted.
func (m *Manager) run(ctx context.Context, c *nsConn) {
	log := m.log.WithField("namespace", c.ns)
	defer func() {
		close(c.events)
		m.release(c)
		close(c.done)
	}()

	attempt := 0
	for {
		m.states.publish(State{Namespace: c.ns, Status: StatusConnecting, Attempt: attempt})

		wasConnected, err := m.serve(ctx, c)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, ErrUnauthorized) {
			log.WithError(err).Error("credentials rejected, not reconnecting")
			m.release(c)
			m.states.publish(State{
				Namespace:    c.ns,
				Status:       StatusError,
				LastError:    err.Error(),
				Attempt:      attempt,
				Unauthorized: true,
			})
			return
		}
		if wasConnected {
			attempt = 0
			log.WithError(err).Warn("connection lost")
			m.states.publish(State{Namespace: c.ns, Status: StatusDisconnected, LastError: errString(err)})
		} else {
			log.WithError(err).Warn("connection failed")
			m.states.publish(State{Namespace: c.ns, Status: StatusError, LastError: errString(err), Attempt: attempt})
		}

		if attempt >= m.maxReconnect {
			log.Errorf("exhausted %d reconnection attempts, giving up", m.maxReconnect)
			m.release(c)
			m.states.publish(State{
				Namespace: c.ns,
				Status:    StatusDisconnected,
				LastError: "reconnect attempts exhausted",
				Attempt:   attempt,
				Exhausted: true,
			})
			return
		}

		wait := m.backoff(attempt)
		attempt++
		log.WithField("attempt", attempt).Infof("reconnecting in %v (attempt %d/%d)", wait, attempt, m.maxReconnect)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// serve dials, performs the Engine.IO and namespace handshakes, then pumps
// inbound frames until the connection ends. It reports whether the
// namespace reached the connected state.
func (m *Manager) serve(ctx context.Context, c *nsConn) (bool, error) {
	dialCtx, cancel := context.WithTimeout(ctx, m.dialTimeout)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.creds.Token)
	ws, err := m.dialer.Dial(dialCtx, m.socketURL(c.creds), header)
	cancel()
	if err != nil {
		return false, err
	}

	c.attach(ws)
	stop := context.AfterFunc(ctx, func() {
		// Best effort namespace disconnect before closing the socket.
		_ = c.write(socketio.EncodeFrame(socketio.Packet{Type: socketio.Disconnect, Namespace: c.ns}))
		ws.Close()
	})
	defer func() {
		stop()
		c.detach()
		ws.Close()
	}()

	pingWindow, err := m.handshake(c, ws)
	if err != nil {
		return false, err
	}

	c.setConnected(true)
	m.log.WithField("namespace", c.ns).Info("connected")
	m.states.publish(State{Namespace: c.ns, Status: StatusConnected})

	for {
		ws.SetReadDeadline(time.Now().Add(pingWindow))
		_, data, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		if err := m.handleFrame(ctx, c, data); err != nil {
			return true, err
		}
	}
}

// handshake waits for the Engine.IO open packet, sends the namespace
// CONNECT with the auth payload and waits for the server's answer. It
// returns how long to wait for traffic before declaring the link dead.
func (m *Manager) handshake(c *nsConn, ws Conn) (time.Duration, error) {
	ws.SetReadDeadline(time.Now().Add(m.dialTimeout))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("transport: read open packet: %w", err)
	}
	typ, payload, err := socketio.SplitFrame(data)
	if err != nil {
		return 0, err
	}
	if typ != socketio.EngineOpen {
		return 0, fmt.Errorf("transport: expected open packet, got %q", typ)
	}
	open, err := socketio.ParseOpen(payload)
	if err != nil {
		return 0, err
	}
	pingWindow := time.Duration(open.PingInterval+open.PingTimeout) * time.Millisecond
	if pingWindow <= 0 {
		pingWindow = 45 * time.Second
	}

	connect, err := socketio.NewConnect(c.ns, map[string]string{"token": c.creds.Token})
	if err != nil {
		return 0, err
	}
	if err := c.write(socketio.EncodeFrame(connect)); err != nil {
		return 0, fmt.Errorf("transport: send connect: %w", err)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("transport: await namespace connect: %w", err)
		}
		typ, payload, err := socketio.SplitFrame(data)
		if err != nil {
			continue
		}
		switch typ {
		case socketio.EnginePing:
			if err := c.write([]byte{socketio.EnginePong}); err != nil {
				return 0, err
			}
			continue
		case socketio.EngineClose:
			return 0, errors.New("transport: server closed during handshake")
		case socketio.EngineMessage:
		default:
			continue
		}
		pkt, err := socketio.Decode(payload)
		if err != nil || pkt.Namespace != c.ns {
			continue
		}
		switch pkt.Type {
		case socketio.Connect:
			return pingWindow, nil
		case socketio.ConnectError:
			return 0, connectError(c.ns, pkt.ErrorMessage())
		}
	}
}

// handleFrame processes one frame of an established connection.
func (m *Manager) handleFrame(ctx context.Context, c *nsConn, data []byte) error {
	log := m.log.WithField("namespace", c.ns)
	typ, payload, err := socketio.SplitFrame(data)
	if err != nil {
		log.WithError(err).Debug("dropping malformed frame")
		return nil
	}

	switch typ {
	case socketio.EnginePing:
		return c.write([]byte{socketio.EnginePong})
	case socketio.EngineClose:
		return errors.New("transport: server closed the connection")
	case socketio.EngineMessage:
	default:
		return nil
	}

	pkt, err := socketio.Decode(payload)
	if err != nil {
		log.WithError(err).Warn("dropping undecodable packet")
		return nil
	}
	if pkt.Namespace != c.ns {
		return nil
	}

	switch pkt.Type {
	case socketio.Event:
		name, args, err := pkt.EventName()
		if err != nil {
			log.WithError(err).Warn("dropping malformed event")
			return nil
		}
		ev := RawEvent{Namespace: c.ns, Name: name, Args: args}
		if len(args) > 0 {
			ev.Data = args[0]
		}
		select {
		case c.events <- ev:
		case <-ctx.Done():
		}
	case socketio.Ack:
		if pkt.ID == nil {
			return nil
		}
		args, err := pkt.AckArgs()
		if err != nil {
			log.WithError(err).Warn("dropping malformed ack")
			return nil
		}
		c.resolveAck(*pkt.ID, args)
	case socketio.Disconnect:
		return errors.New("transport: server disconnected the namespace")
	case socketio.ConnectError:
		return connectError(c.ns, pkt.ErrorMessage())
	}
	return nil
}

// connectError wraps a namespace CONNECT_ERROR, classifying credential
// rejections as ErrUnauthorized.
func connectError(ns, msg string) error {
	if authRejection(msg) {
		return fmt.Errorf("transport: namespace %s rejected: %s: %w", ns, msg, ErrUnauthorized)
	}
	return fmt.Errorf("transport: namespace %s rejected: %s", ns, msg)
}

// authRejection reports whether a server rejection message is about the
// credentials rather than the connection.
func authRejection(msg string) bool {
	msg = strings.ToLower(msg)
	for _, marker := range []string{"unauthorized", "unauthenticated", "authentication", "token", "jwt", "expired"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
