// Package consult is the authoritative client-side model of consultation
// sessions: the session list, the ordered message list of the open session,
// delivery status and deduplication between history fetches and pushes.
package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
	"github.com/zulandar/agrilink/internal/transport"
)

var (
	// ErrValidation wraps every locally rejected payload.
	ErrValidation = errors.New("consult: invalid message")
	// ErrSessionEnded is returned for sends the session state forbids.
	ErrSessionEnded = errors.New("consult: session has ended")
	// ErrSessionNotResolved is returned when no loaded session matches the
	// requested farmer/expert pair. Load sessions before opening one.
	ErrSessionNotResolved = errors.New("consult: session not resolved")
	// ErrNoSession is returned when an operation needs an open session.
	ErrNoSession = errors.New("consult: no open session")
	// ErrSessionChanged is returned when the open session changed while a
	// request was in flight; the response was not applied.
	ErrSessionChanged = errors.New("consult: session changed during request")
)

// DefaultNamespace is the channel namespace for consultation events.
const DefaultNamespace = "/expert"

// Gateway is the part of the REST client the store uses.
type Gateway interface {
	ListSessions(ctx context.Context) ([]models.Session, error)
	SessionMessages(ctx context.Context, farmer, expert string, requestID *int64) ([]models.SessionMessage, error)
	SendMessage(ctx context.Context, farmer, expert string, msg gateway.OutgoingMessage) (gateway.SendResult, error)
	EndSession(ctx context.Context, farmer, expert string) (gateway.StatusMessage, error)
	DeleteSession(ctx context.Context, farmer, expert string) (gateway.StatusMessage, error)
	PublicRequests(ctx context.Context) ([]models.PublicRequest, error)
	CreatePublicRequest(ctx context.Context, in gateway.PublicRequestInput) (int64, error)
	RespondToRequest(ctx context.Context, requestID int64, opening string) (gateway.RespondResult, error)
}

// Emitter is the part of the transport the store uses.
type Emitter interface {
	Emit(namespace, event string, data any) error
	EmitWithAck(ctx context.Context, namespace, event string, data any) (json.RawMessage, error)
}

// Identity yields the logged-in user. *auth.Session satisfies it.
type Identity interface {
	Credentials() (auth.Credentials, bool)
}

// Sink receives write-through copies of store data, typically a local
// cache. Errors are logged, never returned to callers.
type Sink interface {
	SaveSessions(sessions []models.Session) error
	SaveMessages(msgs []models.SessionMessage) error
	SavePublicRequests(reqs []models.PublicRequest) error
}

// Policy holds explicit business rules.
type Policy struct {
	// AllowExpertAfterEnd lets the expert keep sending into an ended
	// session. Farmers are always rejected.
	AllowExpertAfterEnd bool
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	Gateway      Gateway
	Emitter      Emitter
	Identity     Identity
	Sink         Sink // optional
	MediaBaseURL string
	Namespace    string // defaults to /expert
	Policy       Policy
	Log          logrus.FieldLogger
	Now          func() time.Time
}

// Store is the Session & Message Store. All state is guarded by mu, which
// is never held across a network call; operations capture the open-session
// generation before a request and re-validate it afterwards.
type Store struct {
	gw        Gateway
	emitter   Emitter
	identity  Identity
	sink      Sink
	mediaBase string
	namespace string
	policy    Policy
	log       logrus.FieldLogger
	now       func() time.Time

	mu         sync.Mutex
	sessions   []models.Session
	current    *models.Session
	gen        uint64
	messages   []models.SessionMessage
	ids        map[int64]struct{}
	requests   []models.PublicRequest
	callHooks  []func(models.SessionMessage)
	closeHooks []func()
}

// NewStore creates a Store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("consult: gateway is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("consult: emitter is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("consult: identity is required")
	}
	s := &Store{
		gw:        opts.Gateway,
		emitter:   opts.Emitter,
		identity:  opts.Identity,
		sink:      opts.Sink,
		mediaBase: strings.TrimRight(opts.MediaBaseURL, "/"),
		namespace: opts.Namespace,
		policy:    opts.Policy,
		log:       logger.OrDefault(opts.Log, "consult"),
		now:       opts.Now,
		ids:       make(map[int64]struct{}),
	}
	if s.namespace == "" {
		s.namespace = DefaultNamespace
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// OnCallMessage registers fn for call invites and call signals that belong
// to the open session. These messages never appear in ChatMessages.
func (s *Store) OnCallMessage(fn func(models.SessionMessage)) {
	s.mu.Lock()
	s.callHooks = append(s.callHooks, fn)
	s.mu.Unlock()
}

// OnClose registers fn to run synchronously from CloseChat.
func (s *Store) OnClose(fn func()) {
	s.mu.Lock()
	s.closeHooks = append(s.closeHooks, fn)
	s.mu.Unlock()
}

// Attach subscribes the store to the push streams it maintains and returns
// a function that removes every subscription.
func (s *Store) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.OnNewMessage(func(ev events.NewMessage) { s.ReceivePushMessage(ev.Message) }),
		bus.OnSessionEnded(s.HandleSessionEnded),
		bus.Subscribe(events.KindSessionDeleted, func(ev events.Event) { s.HandleSessionDeleted(ev.(events.SessionDeleted)) }),
		bus.Subscribe(events.KindSessionStarted, func(ev events.Event) { s.HandleSessionStarted(ev.(events.SessionStarted)) }),
		bus.Subscribe(events.KindMessageStatus, func(ev events.Event) {
			st := ev.(events.MessageStatus)
			s.ApplyStatusUpdate(st.MessageID, st.Status)
		}),
		bus.Subscribe(events.KindNewPublicRequest, func(ev events.Event) {
			s.HandleNewPublicRequest(ev.(events.NewPublicRequest).Request)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// LoadSessions replaces the session list from the backend. Terminal states
// already known locally are kept.
func (s *Store) LoadSessions(ctx context.Context) ([]models.Session, error) {
	list, err := s.gw.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("consult: load sessions: %w", err)
	}

	s.mu.Lock()
	known := make(map[int64]models.SessionState, len(s.sessions))
	for _, sess := range s.sessions {
		known[sess.SessionID] = sess.State
	}
	fresh := make([]models.Session, 0, len(list))
	for _, sess := range list {
		if st, ok := known[sess.SessionID]; ok && st.Terminal() {
			sess.State = st
		} else if sess.State == "" {
			sess.State = models.SessionOpen
		}
		if sess.State == models.SessionDeleted {
			continue
		}
		fresh = append(fresh, sess)
	}
	s.sessions = fresh
	out := slices.Clone(fresh)
	s.mu.Unlock()

	s.log.WithField("count", len(out)).Debug("sessions loaded")
	s.save(func(sink Sink) error { return sink.SaveSessions(out) })
	return out, nil
}

// Sessions returns a snapshot of the session list.
func (s *Store) Sessions() []models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.sessions)
}

// Current returns the open session, if any.
func (s *Store) Current() (models.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.Session{}, false
	}
	return *s.current, true
}

// resolve finds the session for the triple. A nil requestID prefers the
// unscoped session and falls back to the newest scoped one. Callers hold mu.
func (s *Store) resolve(farmer, expert string, requestID *int64) (models.Session, bool) {
	var fallback *models.Session
	for i := range s.sessions {
		sess := &s.sessions[i]
		if sess.State == models.SessionDeleted || !sess.Matches(farmer, expert, requestID) {
			continue
		}
		if requestID != nil || sess.RequestID == nil {
			return *sess, true
		}
		if fallback == nil || sess.CreatedAt.After(fallback.CreatedAt.Time) {
			fallback = sess
		}
	}
	if fallback != nil {
		return *fallback, true
	}
	return models.Session{}, false
}

// OpenSession makes the farmer/expert session current: it fetches the
// history, keeps only messages of the resolved session (and request, when
// scoped), orders them and joins the session room.
func (s *Store) OpenSession(ctx context.Context, farmer, expert string, requestID *int64) (models.Session, error) {
	s.mu.Lock()
	sess, ok := s.resolve(farmer, expert, requestID)
	if !ok {
		s.mu.Unlock()
		s.log.WithFields(logrus.Fields{"farmer": farmer, "expert": expert}).Error("cannot open session: not in the loaded session list")
		return models.Session{}, fmt.Errorf("%w: %s/%s", ErrSessionNotResolved, farmer, expert)
	}
	if sess.State == "" {
		sess.State = models.SessionOpen
	}
	s.gen++
	gen := s.gen
	s.current = &sess
	s.messages = nil
	s.ids = make(map[int64]struct{})
	s.mu.Unlock()

	log := s.log.WithField("session_id", sess.SessionID)
	history, err := s.gw.SessionMessages(ctx, farmer, expert, requestID)
	if err != nil {
		return sess, fmt.Errorf("consult: open session %d: %w", sess.SessionID, err)
	}

	kept := make([]models.SessionMessage, 0, len(history))
	for _, m := range history {
		if m.SessionID != sess.SessionID {
			continue
		}
		if requestID != nil && m.RequestID != nil && *m.RequestID != *requestID {
			continue
		}
		kept = append(kept, m)
	}
	slices.SortStableFunc(kept, compareMessages)

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return sess, ErrSessionChanged
	}
	var stored []models.SessionMessage
	for _, m := range kept {
		if m, ok := s.insert(m); ok {
			stored = append(stored, m)
		}
	}
	if len(s.messages) > 0 {
		s.activate()
	}
	sess = *s.current
	s.mu.Unlock()

	log.WithField("messages", len(stored)).Info("session opened")
	s.save(func(sink Sink) error { return sink.SaveMessages(stored) })
	s.join(ctx, sess.SessionID)
	return sess, nil
}

// join subscribes to the session room. A failed join is logged; pushes for
// the session will then only arrive on the next open.
func (s *Store) join(ctx context.Context, sessionID int64) {
	log := s.log.WithField("session_id", sessionID)
	ack, err := s.emitter.EmitWithAck(ctx, s.namespace, "join_session", map[string]int64{"session_id": sessionID})
	if errors.Is(err, transport.ErrNotConnected) {
		log.Debug("offline, not joining session room")
		return
	}
	if err != nil {
		log.WithError(err).Warn("join_session failed")
		return
	}
	var reply struct {
		Status string `json:"status"`
		Error  string `json:"error"`
	}
	if len(ack) > 0 {
		_ = json.Unmarshal(ack, &reply)
	}
	if reply.Status != "success" {
		log.WithFields(logrus.Fields{"status": reply.Status, "error": reply.Error}).Warn("join_session not acknowledged")
		return
	}
	log.Debug("joined session room")
}

// Rejoin subscribes to the open session's room again. The server forgets
// room membership when the socket reconnects. It reports whether a session
// was open.
func (s *Store) Rejoin(ctx context.Context) bool {
	s.mu.Lock()
	if s.current == nil || s.current.State == models.SessionDeleted {
		s.mu.Unlock()
		return false
	}
	id := s.current.SessionID
	s.mu.Unlock()

	s.log.WithField("session_id", id).Info("rejoining session room")
	s.join(ctx, id)
	return true
}

// Namespace returns the channel namespace the store emits on.
func (s *Store) Namespace() string { return s.namespace }

// CloseChat clears the open session and runs the close hooks synchronously,
// so media and peer connections are gone when it returns.
func (s *Store) CloseChat() {
	s.mu.Lock()
	if s.current != nil {
		s.log.WithField("session_id", s.current.SessionID).Info("chat closed")
	}
	s.current = nil
	s.messages = nil
	s.ids = make(map[int64]struct{})
	s.gen++
	hooks := slices.Clone(s.closeHooks)
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// EndSession ends the open session on the backend, then locally.
func (s *Store) EndSession(ctx context.Context) error {
	cur, gen, err := s.requireCurrent()
	if err != nil {
		return err
	}
	if _, err := s.gw.EndSession(ctx, cur.FarmerUsername, cur.ExpertUsername); err != nil {
		return fmt.Errorf("consult: end session %d: %w", cur.SessionID, err)
	}
	s.mu.Lock()
	s.setSessionState(cur.SessionID, models.SessionEnded)
	if s.gen == gen {
		s.markEnded()
	}
	s.mu.Unlock()
	s.log.WithField("session_id", cur.SessionID).Info("session ended")
	return nil
}

// DeleteSession deletes the open session on the backend, marks it deleted
// and closes the chat.
func (s *Store) DeleteSession(ctx context.Context) error {
	cur, gen, err := s.requireCurrent()
	if err != nil {
		return err
	}
	if _, err := s.gw.DeleteSession(ctx, cur.FarmerUsername, cur.ExpertUsername); err != nil {
		return fmt.Errorf("consult: delete session %d: %w", cur.SessionID, err)
	}
	s.mu.Lock()
	s.removeSession(cur.SessionID)
	stillOpen := s.gen == gen
	if stillOpen {
		s.current.State = models.SessionDeleted
	}
	s.mu.Unlock()

	s.log.WithField("session_id", cur.SessionID).Info("session deleted")
	if stillOpen {
		s.CloseChat()
	}
	return nil
}

// HandleSessionStarted adds or refreshes a session announced by push.
func (s *Store) HandleSessionStarted(ev events.SessionStarted) {
	sess := ev.Session
	if sess.State == "" {
		sess.State = models.SessionOpen
	}
	s.mu.Lock()
	if i := s.sessionIndex(sess.SessionID); i >= 0 {
		if s.sessions[i].State.Terminal() {
			sess.State = s.sessions[i].State
		}
		s.sessions[i] = sess
	} else {
		s.sessions = append([]models.Session{sess}, s.sessions...)
	}
	snapshot := slices.Clone(s.sessions)
	s.mu.Unlock()
	s.save(func(sink Sink) error { return sink.SaveSessions(snapshot) })
}

// HandleSessionEnded applies a pushed session_ended event.
func (s *Store) HandleSessionEnded(ev events.SessionEnded) {
	s.mu.Lock()
	s.setSessionState(ev.SessionID, models.SessionEnded)
	if s.current != nil && s.current.SessionID == ev.SessionID {
		s.markEnded()
	}
	s.mu.Unlock()
}

// HandleSessionDeleted applies a pushed session_deleted event, closing the
// chat when it is the open session.
func (s *Store) HandleSessionDeleted(ev events.SessionDeleted) {
	s.mu.Lock()
	s.removeSession(ev.SessionID)
	open := s.current != nil && s.current.SessionID == ev.SessionID
	if open {
		s.current.State = models.SessionDeleted
	}
	s.mu.Unlock()
	if open {
		s.CloseChat()
	}
}

func (s *Store) requireCurrent() (models.Session, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return models.Session{}, 0, ErrNoSession
	}
	return *s.current, s.gen, nil
}

// activate moves the open session from Open to Active. Callers hold mu.
func (s *Store) activate() {
	if s.current != nil && s.current.State == models.SessionOpen {
		s.current.State = models.SessionActive
		s.setSessionState(s.current.SessionID, models.SessionActive)
	}
}

// markEnded moves the open session to Ended unless it is already terminal.
// Callers hold mu.
func (s *Store) markEnded() {
	if s.current == nil || s.current.State.Terminal() {
		return
	}
	s.current.State = models.SessionEnded
	s.setSessionState(s.current.SessionID, models.SessionEnded)
	s.log.WithField("session_id", s.current.SessionID).Info("session marked ended")
}

// setSessionState updates the list entry without leaving a terminal state.
func (s *Store) setSessionState(id int64, st models.SessionState) {
	if i := s.sessionIndex(id); i >= 0 && !s.sessions[i].State.Terminal() {
		s.sessions[i].State = st
	}
}

func (s *Store) removeSession(id int64) {
	s.sessions = slices.DeleteFunc(s.sessions, func(sess models.Session) bool { return sess.SessionID == id })
}

func (s *Store) sessionIndex(id int64) int {
	return slices.IndexFunc(s.sessions, func(sess models.Session) bool { return sess.SessionID == id })
}

// save runs fn against the sink outside the lock.
func (s *Store) save(fn func(Sink) error) {
	if s.sink == nil {
		return
	}
	if err := fn(s.sink); err != nil {
		s.log.WithError(err).Warn("cache write failed")
	}
}
