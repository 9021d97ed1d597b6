package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/logger"
)

const openFrame = `0{"sid":"abc","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`

// fakeServer speaks just enough Engine.IO/Socket.IO to drive the manager.
type fakeServer struct {
	t   *testing.T
	srv *httptest.Server

	hits     atomic.Int32
	upgrades atomic.Int32
	refuse   atomic.Bool
	status   atomic.Int32
	reject   string
	ackReply string

	mu       sync.Mutex
	conns    []*websocket.Conn
	received []string
	queries  []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	s := &fakeServer{t: t}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.hits.Add(1)
	if s.refuse.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if code := s.status.Load(); code != 0 {
		http.Error(w, http.StatusText(int(code)), int(code))
		return
	}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.upgrades.Add(1)
	s.mu.Lock()
	s.conns = append(s.conns, ws)
	s.queries = append(s.queries, r.URL.RawQuery)
	s.mu.Unlock()
	s.write(ws, openFrame)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame := string(data)
		s.mu.Lock()
		s.received = append(s.received, frame)
		s.mu.Unlock()

		switch {
		case strings.HasPrefix(frame, "40"):
			ns := strings.SplitN(frame[2:], ",", 2)[0]
			if s.reject != "" {
				s.write(ws, fmt.Sprintf(`44%s,{"message":%q}`, ns, s.reject))
				continue
			}
			s.write(ws, "40"+ns+`,{"sid":"ns-sid"}`)
		case strings.HasPrefix(frame, "42"):
			// 42/ns,ID[...] requests an ack.
			rest := frame[2:]
			comma := strings.Index(rest, ",")
			ns, body := rest[:comma], rest[comma+1:]
			bracket := strings.Index(body, "[")
			if bracket > 0 && s.ackReply != "" {
				s.write(ws, "43"+ns+","+body[:bracket]+"["+s.ackReply+"]")
			}
		}
	}
}

func (s *fakeServer) write(ws *websocket.Conn, frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

// push sends a raw Engine.IO frame on the newest connection.
func (s *fakeServer) push(frame string) {
	s.mu.Lock()
	ws := s.conns[len(s.conns)-1]
	s.mu.Unlock()
	s.write(ws, frame)
}

func (s *fakeServer) emit(ns, event, data string) {
	s.push(fmt.Sprintf(`42%s,["%s",%s]`, ns, event, data))
}

func (s *fakeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range s.conns {
		ws.Close()
	}
}

func (s *fakeServer) sawFrame(prefix string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.received {
		if strings.HasPrefix(f, prefix) {
			return true
		}
	}
	return false
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) handle(s State) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *stateRecorder) count(status Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s.Status == status {
			n++
		}
	}
	return n
}

func (r *stateRecorder) find(match func(State) bool) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if match(s) {
			return s, true
		}
	}
	return State{}, false
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testCreds(t *testing.T) auth.Credentials {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "7",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return auth.Credentials{UserID: "7", Username: "alice", Role: "farmer", Token: signed}
}

func newTestManager(t *testing.T, s *fakeServer, attempts int) (*Manager, *stateRecorder) {
	t.Helper()
	m, err := New(ManagerOpts{
		BaseURL:           s.srv.URL,
		Log:               logger.Discard(),
		ReconnectAttempts: attempts,
		ReconnectDelay:    5 * time.Millisecond,
		ReconnectDelayMax: 20 * time.Millisecond,
		DialTimeout:       2 * time.Second,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &stateRecorder{}
	m.OnState(rec.handle)
	t.Cleanup(func() { m.Close() })
	return m, rec
}

func connectAndWait(t *testing.T, m *Manager, rec *stateRecorder) {
	t.Helper()
	if err := m.Connect("expert", testCreds(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected state", func() bool { return rec.count(StatusConnected) > 0 })
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"empty", ""},
		{"no host", "http://"},
		{"bad scheme", "ftp://example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(ManagerOpts{BaseURL: tt.url}); err == nil {
				t.Errorf("New(%q) expected error", tt.url)
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	m, err := New(ManagerOpts{BaseURL: "https://api.example.com", ReconnectAttempts: 50})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.maxReconnect != 10 {
		t.Errorf("maxReconnect = %d, want 10", m.maxReconnect)
	}
	if m.baseBackoff != time.Second || m.maxBackoff != 5*time.Second {
		t.Errorf("backoff = %v..%v, want 1s..5s", m.baseBackoff, m.maxBackoff)
	}
	if m.dialTimeout != 20*time.Second {
		t.Errorf("dialTimeout = %v, want 20s", m.dialTimeout)
	}
}

func TestBackoff(t *testing.T) {
	m, _ := New(ManagerOpts{BaseURL: "http://localhost"})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := m.backoff(i); got != w {
			t.Errorf("backoff(%d) = %v, want %v", i, got, w)
		}
	}
	if got := m.backoff(200); got != 5*time.Second {
		t.Errorf("backoff(200) = %v, want cap", got)
	}
}

func TestSocketURL(t *testing.T) {
	m, _ := New(ManagerOpts{BaseURL: "https://api.example.com/v1/"})
	got := m.socketURL(auth.Credentials{UserID: "42"})
	want := "wss://api.example.com/v1/socket.io/?EIO=4&transport=websocket&user_id=42"
	if got != want {
		t.Errorf("socketURL = %q, want %q", got, want)
	}
}

func TestConnect_MissingCredentials(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)

	err := m.Connect("expert", auth.Credentials{UserID: "7"})
	if !errors.Is(err, auth.ErrMissingCredentials) {
		t.Fatalf("Connect error = %v, want ErrMissingCredentials", err)
	}
	if got := m.State("expert").Status; got != StatusError {
		t.Errorf("status = %q, want %q", got, StatusError)
	}
	if rec.count(StatusError) != 1 {
		t.Errorf("error transitions = %d, want 1", rec.count(StatusError))
	}
	time.Sleep(20 * time.Millisecond)
	if s.hits.Load() != 0 {
		t.Errorf("server hits = %d, want 0", s.hits.Load())
	}
}

func TestConnect_MalformedToken(t *testing.T) {
	s := newFakeServer(t)
	m, _ := newTestManager(t, s, 1)

	err := m.Connect("expert", auth.Credentials{UserID: "7", Token: "not-a-jwt"})
	if !errors.Is(err, auth.ErrMalformedToken) {
		t.Fatalf("Connect error = %v, want ErrMalformedToken", err)
	}
}

func TestConnect_Handshake(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	creds := testCreds(t)

	if err := m.Connect("expert", creds); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "connected state", func() bool { return rec.count(StatusConnected) > 0 })

	if !s.sawFrame(`40/expert,{"token":"` + creds.Token + `"}`) {
		t.Error("server did not receive namespace connect with token")
	}
	s.mu.Lock()
	query := s.queries[0]
	s.mu.Unlock()
	if !strings.Contains(query, "user_id=7") || !strings.Contains(query, "EIO=4") {
		t.Errorf("query = %q, want EIO=4 and user_id=7", query)
	}
	st := m.State("/expert")
	if !st.Connected || st.Status != StatusConnected {
		t.Errorf("State = %+v, want connected", st)
	}
}

func TestConnect_Idempotent(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	if err := m.Connect("expert", testCreds(t)); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if got := s.upgrades.Load(); got != 1 {
		t.Errorf("upgrades = %d, want 1", got)
	}
}

func TestListen_PreservesOrder(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	ch, err := m.Listen("expert")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	const n = 50
	for i := 0; i < n; i++ {
		s.emit("/expert", "new_private_message", fmt.Sprintf(`{"id":%d}`, i))
	}
	for i := 0; i < n; i++ {
		select {
		case ev := <-ch:
			var body struct{ ID int }
			if err := json.Unmarshal(ev.Data, &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.ID != i || ev.Name != "new_private_message" || ev.Namespace != "/expert" {
				t.Fatalf("event %d = %s %s id=%d", i, ev.Namespace, ev.Name, body.ID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out at event %d", i)
		}
	}
}

func TestListen_IgnoresOtherNamespaces(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)
	ch, _ := m.Listen("expert")

	s.emit("/live", "new_comment", `{}`)
	s.emit("/expert", "session_ended", `{"session_id":1}`)

	select {
	case ev := <-ch:
		if ev.Name != "session_ended" {
			t.Errorf("first event = %q, want session_ended", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}

func TestListen_NotConnected(t *testing.T) {
	m, _ := New(ManagerOpts{BaseURL: "http://localhost"})
	if _, err := m.Listen("expert"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Listen error = %v, want ErrNotConnected", err)
	}
}

func TestEmit_NotConnected(t *testing.T) {
	m, _ := New(ManagerOpts{BaseURL: "http://localhost"})
	if err := m.Emit("expert", "mark_message_read", map[string]int{"message_id": 1}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit error = %v, want ErrNotConnected", err)
	}
}

func TestEmit_SendsEvent(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	if err := m.Emit("expert", "mark_message_read", map[string]int{"message_id": 9}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	waitFor(t, "mark_message_read frame", func() bool {
		return s.sawFrame(`42/expert,["mark_message_read",{"message_id":9}]`)
	})
}

func TestEmitWithAck(t *testing.T) {
	s := newFakeServer(t)
	s.ackReply = `{"status":"success"}`
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := m.EmitWithAck(ctx, "expert", "join_session", map[string]int64{"session_id": 3})
	if err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}
	if string(reply) != `{"status":"success"}` {
		t.Errorf("reply = %s, want success payload", reply)
	}
}

func TestEmitWithAck_ContextTimeout(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := m.EmitWithAck(ctx, "expert", "join_session", map[string]int64{"session_id": 3})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want deadline exceeded", err)
	}
}

func TestPingPong(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	s.push("2")
	waitFor(t, "pong", func() bool { return s.sawFrame("3") })
}

func TestDisconnect_StopsReconnect(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 3)
	connectAndWait(t, m, rec)
	ch, _ := m.Listen("expert")

	m.Disconnect("expert")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed event channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event channel not closed")
	}
	waitFor(t, "namespace disconnect frame", func() bool { return s.sawFrame("41/expert,") })

	time.Sleep(50 * time.Millisecond)
	if got := s.upgrades.Load(); got != 1 {
		t.Errorf("upgrades = %d, want 1 (no reconnect after explicit disconnect)", got)
	}
	if got := m.State("expert").Status; got != StatusDisconnected {
		t.Errorf("status = %q, want disconnected", got)
	}
	if err := m.Emit("expert", "x", nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Emit after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestDisconnect_UnknownNamespace(t *testing.T) {
	m, _ := New(ManagerOpts{BaseURL: "http://localhost"})
	m.Disconnect("live")
}

func TestReconnect_AfterServerDrop(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 3)
	connectAndWait(t, m, rec)
	ch, _ := m.Listen("expert")

	s.dropAll()
	waitFor(t, "reconnect", func() bool { return rec.count(StatusConnected) >= 2 })

	if got := s.upgrades.Load(); got != 2 {
		t.Errorf("upgrades = %d, want 2", got)
	}
	// The listener channel survives the reconnect.
	s.emit("/expert", "session_deleted", `{"session_id":5}`)
	select {
	case ev := <-ch:
		if ev.Name != "session_deleted" {
			t.Errorf("event = %q, want session_deleted", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event after reconnect")
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	s := newFakeServer(t)
	s.refuse.Store(true)
	m, rec := newTestManager(t, s, 2)

	if err := m.Connect("expert", testCreds(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "exhaustion", func() bool {
		_, ok := rec.find(func(s State) bool { return s.Exhausted })
		return ok
	})

	if got := s.hits.Load(); got != 3 {
		t.Errorf("dial attempts = %d, want 3 (initial + 2 retries)", got)
	}
	st := m.State("expert")
	if st.Status != StatusDisconnected || !st.Exhausted {
		t.Errorf("final state = %+v, want exhausted disconnected", st)
	}
	time.Sleep(50 * time.Millisecond)
	if got := s.hits.Load(); got != 3 {
		t.Errorf("dial attempts after exhaustion = %d, want 3", got)
	}

	// Exhaustion frees the namespace so a later Connect starts over.
	s.refuse.Store(false)
	connectAndWait(t, m, rec)
}

func TestConnect_RejectedNamespace(t *testing.T) {
	s := newFakeServer(t)
	s.reject = "namespace full"
	m, rec := newTestManager(t, s, 1)

	if err := m.Connect("expert", testCreds(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "error state", func() bool {
		_, ok := rec.find(func(s State) bool {
			return s.Status == StatusError && strings.Contains(s.LastError, "namespace full")
		})
		return ok
	})
	if rec.count(StatusConnected) != 0 {
		t.Error("rejected namespace must never report connected")
	}
	if _, ok := rec.find(func(s State) bool { return s.Unauthorized }); ok {
		t.Error("non-auth rejection reported as unauthorized")
	}
}

func TestConnect_UnauthorizedHandshakeNotRetried(t *testing.T) {
	s := newFakeServer(t)
	s.status.Store(http.StatusUnauthorized)
	m, rec := newTestManager(t, s, 5)

	if err := m.Connect("expert", testCreds(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "unauthorized state", func() bool {
		_, ok := rec.find(func(s State) bool { return s.Unauthorized })
		return ok
	})

	time.Sleep(100 * time.Millisecond)
	if got := s.hits.Load(); got != 1 {
		t.Errorf("dial attempts = %d, want 1", got)
	}
	st := m.State("expert")
	if st.Status != StatusError || !st.Unauthorized || st.Exhausted {
		t.Errorf("final state = %+v, want unauthorized error", st)
	}
	if _, err := m.Listen("expert"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Listen err = %v, want namespace released", err)
	}
}

func TestConnect_TokenRejectedByNamespaceNotRetried(t *testing.T) {
	s := newFakeServer(t)
	s.reject = "invalid token"
	m, rec := newTestManager(t, s, 5)

	if err := m.Connect("expert", testCreds(t)); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, "unauthorized state", func() bool {
		_, ok := rec.find(func(s State) bool { return s.Unauthorized })
		return ok
	})
	time.Sleep(100 * time.Millisecond)
	if got := s.upgrades.Load(); got != 1 {
		t.Errorf("upgrades = %d, want 1", got)
	}
}

func TestAuthRejection(t *testing.T) {
	tests := []struct {
		msg  string
		want bool
	}{
		{"invalid token", true},
		{"Unauthorized", true},
		{"jwt expired", true},
		{"Authentication error", true},
		{"namespace full", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := authRejection(tt.msg); got != tt.want {
			t.Errorf("authRejection(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func TestOnState_Unsubscribe(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	var calls atomic.Int32
	unsub := m.OnState(func(State) { calls.Add(1) })
	unsub()
	unsub()

	connectAndWait(t, m, rec)
	if calls.Load() != 0 {
		t.Errorf("unsubscribed handler called %d times", calls.Load())
	}
}

func TestClose_RejectsConnect(t *testing.T) {
	s := newFakeServer(t)
	m, rec := newTestManager(t, s, 1)
	connectAndWait(t, m, rec)

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := m.Connect("expert", testCreds(t)); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect after Close = %v, want ErrClosed", err)
	}
	if len(m.States()) == 0 {
		t.Error("States should remember the last transitions")
	}
}
