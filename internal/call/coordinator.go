// Package call runs the audio/video call state machine. Signaling payloads
// travel as ordinary session messages through the consultation store; media
// and peer transport sit behind small interfaces.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/consult"
	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
)

// signalTimeout bounds one outbound signal send.
const signalTimeout = 30 * time.Second

var (
	ErrNoSession        = errors.New("call: no open session")
	ErrSessionEnded     = errors.New("call: session has ended")
	ErrMediaUnavailable = errors.New("call: media unavailable")
	ErrCallInProgress   = errors.New("call: a call is already in progress")
	ErrNoPendingCall    = errors.New("call: no incoming call")
	ErrClosed           = errors.New("call: coordinator closed")
)

// Phase is the coordinator's position in the call state machine.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseInviting  Phase = "inviting"
	PhaseRinging   Phase = "ringing"
	PhaseSignaling Phase = "signaling"
	PhaseConnected Phase = "connected"
)

// Messenger is the store's send path and open-session view.
type Messenger interface {
	Current() (models.Session, bool)
	SendMessage(ctx context.Context, typ models.MessageType, p consult.Payload) (models.SessionMessage, error)
}

// StatusReporter posts call status changes to the backend.
type StatusReporter interface {
	UpdateCallStatus(ctx context.Context, farmer, expert string, callID int64, status string) (gateway.StatusMessage, error)
}

// Identity yields the logged-in user.
type Identity interface {
	Credentials() (auth.Credentials, bool)
}

// CoordinatorOpts holds parameters for creating a Coordinator.
type CoordinatorOpts struct {
	Messenger Messenger
	Status    StatusReporter
	Peers     PeerFactory
	Media     MediaSource
	Identity  Identity
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// callState is one call attempt, incoming or outgoing.
type callState struct {
	record     models.CallRecord
	peerUser   string
	farmer     string
	expert     string
	initiator  bool
	peer       PeerConnection
	local      MediaStream
	remote     MediaStream
	inviteSent bool
	draining   bool
	outbox     []json.RawMessage // local signals held until the invite is out
	queued     []json.RawMessage // remote signals held until the peer exists
}

// Coordinator is the Call Signaling Coordinator. It owns call records and
// media handles and is the only component that releases media.
type Coordinator struct {
	msgr     Messenger
	status   StatusReporter
	peers    PeerFactory
	media    MediaSource
	identity Identity
	log      logrus.FieldLogger
	now      func() time.Time

	mu         sync.Mutex
	ctx        context.Context
	cancel     context.CancelFunc
	phase      Phase
	active     *callState
	pending    map[string]*callState
	lastRinger string
	records    []models.CallRecord
	lastID     int64
	closed     bool
	onIncoming []func(models.CallRecord)
	onRecord   []func(models.CallRecord)
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(opts CoordinatorOpts) (*Coordinator, error) {
	switch {
	case opts.Messenger == nil:
		return nil, fmt.Errorf("call: messenger is required")
	case opts.Status == nil:
		return nil, fmt.Errorf("call: status reporter is required")
	case opts.Peers == nil:
		return nil, fmt.Errorf("call: peer factory is required")
	case opts.Media == nil:
		return nil, fmt.Errorf("call: media source is required")
	case opts.Identity == nil:
		return nil, fmt.Errorf("call: identity is required")
	}
	c := &Coordinator{
		msgr:     opts.Messenger,
		status:   opts.Status,
		peers:    opts.Peers,
		media:    opts.Media,
		identity: opts.Identity,
		log:      logger.OrDefault(opts.Log, "call"),
		now:      opts.Now,
		phase:    PhaseIdle,
		pending:  make(map[string]*callState),
	}
	if c.now == nil {
		c.now = time.Now
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// OnIncoming registers fn for incoming call invites awaiting a decision.
func (c *Coordinator) OnIncoming(fn func(models.CallRecord)) {
	c.mu.Lock()
	c.onIncoming = append(c.onIncoming, fn)
	c.mu.Unlock()
}

// OnRecord registers fn for every call record change.
func (c *Coordinator) OnRecord(fn func(models.CallRecord)) {
	c.mu.Lock()
	c.onRecord = append(c.onRecord, fn)
	c.mu.Unlock()
}

// Attach routes call messages from the store and call status pushes from
// the bus into the coordinator, and tears calls down when the chat closes.
func (c *Coordinator) Attach(store *consult.Store, bus *events.Bus) func() {
	store.OnCallMessage(c.Route)
	store.OnClose(c.Reset)
	return bus.OnCallStatus(c.HandleRemoteStatus)
}

// Phase returns the current phase.
func (c *Coordinator) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Active returns the record of the call in progress.
func (c *Coordinator) Active() (models.CallRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return models.CallRecord{}, false
	}
	return c.active.record, true
}

// Records returns a snapshot of every call record, oldest first.
func (c *Coordinator) Records() []models.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.records)
}

// StartCall invites the other participant of the open session.
func (c *Coordinator) StartCall(ctx context.Context, typ models.CallType) (models.CallRecord, error) {
	if !typ.Valid() {
		return models.CallRecord{}, fmt.Errorf("call: unknown call type %q", typ)
	}
	cur, ok := c.msgr.Current()
	if !ok {
		return models.CallRecord{}, ErrNoSession
	}
	creds, _ := c.identity.Credentials()
	if cur.State == models.SessionDeleted || (cur.State == models.SessionEnded && models.Role(creds.Role) != models.RoleExpert) {
		return models.CallRecord{}, fmt.Errorf("%w: session %d", ErrSessionEnded, cur.SessionID)
	}

	st := &callState{
		peerUser:  otherParticipant(cur, creds.Username),
		farmer:    cur.FarmerUsername,
		expert:    cur.ExpertUsername,
		initiator: true,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.CallRecord{}, ErrClosed
	}
	if c.active != nil {
		c.mu.Unlock()
		return models.CallRecord{}, ErrCallInProgress
	}
	st.record = models.CallRecord{
		ID:        c.nextID(),
		SessionID: cur.SessionID,
		Type:      typ,
		Caller:    creds.Username,
		Receiver:  st.peerUser,
		Status:    models.CallOngoing,
		Timestamp: c.now(),
	}
	c.active = st
	c.phase = PhaseInviting
	c.records = append(c.records, st.record)
	rec := st.record
	c.mu.Unlock()
	c.notifyRecord(rec)

	log := c.log.WithFields(logrus.Fields{"call_id": st.record.ID, "session_id": cur.SessionID, "type": typ})

	stream, err := c.media.Acquire(ctx, typ == models.CallVideo)
	if err != nil {
		c.finish(st, models.CallEnded, "")
		log.WithError(err).Warn("cannot acquire local media")
		return models.CallRecord{}, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if !c.adoptStream(st, stream) {
		return models.CallRecord{}, ErrClosed
	}

	peer, err := c.peers.NewPeer(c.peerConfig(st, stream))
	if err != nil {
		c.finish(st, models.CallEnded, "")
		log.WithError(err).Warn("cannot create peer connection")
		return models.CallRecord{}, fmt.Errorf("call: create peer: %w", err)
	}

	c.mu.Lock()
	if c.active != st {
		c.mu.Unlock()
		peer.Close()
		return models.CallRecord{}, ErrClosed
	}
	st.peer = peer
	st.draining = true
	c.mu.Unlock()
	if err := c.drain(st, peer); err != nil {
		return models.CallRecord{}, fmt.Errorf("call: apply signal: %w", err)
	}

	invite := consult.Payload{Content: fmt.Sprintf("%s call initiated", typ)}
	if _, err := c.msgr.SendMessage(ctx, typ.InviteType(), invite); err != nil {
		c.finish(st, models.CallEnded, "")
		log.WithError(err).Warn("call invite failed")
		return models.CallRecord{}, fmt.Errorf("call: send invite: %w", err)
	}

	c.mu.Lock()
	if c.active != st {
		c.mu.Unlock()
		return rec, nil
	}
	st.inviteSent = true
	outbox := st.outbox
	st.outbox = nil
	if c.phase == PhaseInviting {
		c.phase = PhaseSignaling
	}
	c.mu.Unlock()

	for _, sig := range outbox {
		c.sendSignal(st, sig)
	}
	log.Info("call started")
	return rec, nil
}

// Route dispatches a call-typed session message.
func (c *Coordinator) Route(m models.SessionMessage) {
	switch {
	case m.Type.IsCallInvite():
		c.HandleIncomingInvite(m)
	case m.Type.IsCallSignal():
		c.HandleIncomingSignal(m)
	}
}

// HandleIncomingInvite records a ringing call keyed by its sender. It never
// answers by itself.
func (c *Coordinator) HandleIncomingInvite(m models.SessionMessage) {
	creds, _ := c.identity.Credentials()
	if m.SenderUsername == "" || m.SenderUsername == creds.Username {
		return
	}
	log := c.log.WithFields(logrus.Fields{"session_id": m.SessionID, "caller": m.SenderUsername})
	cur, _ := c.msgr.Current()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.active != nil {
		c.mu.Unlock()
		log.Info("busy, ignoring incoming call")
		return
	}
	if prev, ok := c.pending[m.SenderUsername]; ok {
		prev.record.Status = models.CallMissed
		c.updateRecord(prev.record)
	}
	ts := m.CreatedAt.Time
	if ts.IsZero() {
		ts = c.now()
	}
	st := &callState{
		peerUser: m.SenderUsername,
		farmer:   cur.FarmerUsername,
		expert:   cur.ExpertUsername,
		record: models.CallRecord{
			ID:        c.nextID(),
			SessionID: m.SessionID,
			Type:      m.Type.CallKind(),
			Caller:    m.SenderUsername,
			Receiver:  creds.Username,
			Status:    models.CallReceived,
			Timestamp: ts,
		},
	}
	c.pending[m.SenderUsername] = st
	c.lastRinger = m.SenderUsername
	c.phase = PhaseRinging
	c.records = append(c.records, st.record)
	rec := st.record
	hooks := slices.Clone(c.onIncoming)
	c.mu.Unlock()

	log.WithField("call_id", rec.ID).Info("incoming call")
	c.notifyRecord(rec)
	for _, fn := range hooks {
		fn(rec)
	}
}

// HandleIncomingSignal applies a remote signal to the call with its sender.
// Signals from anyone else are dropped; signals that arrive while ringing
// are queued in order until the call is answered.
func (c *Coordinator) HandleIncomingSignal(m models.SessionMessage) {
	creds, _ := c.identity.Credentials()
	if m.SenderUsername == creds.Username {
		return
	}
	payload := json.RawMessage(m.Content)
	if !json.Valid(payload) {
		c.log.WithField("sender", m.SenderUsername).Warn("dropping malformed signal")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := c.active
	switch {
	case st != nil && st.peerUser == m.SenderUsername && st.peer != nil && !st.draining:
		peer := st.peer
		c.mu.Unlock()
		if err := peer.Signal(payload); err != nil {
			c.fail(st, err)
		}
		return
	case st != nil && st.peerUser == m.SenderUsername:
		st.queued = append(st.queued, payload)
	case c.pending[m.SenderUsername] != nil:
		p := c.pending[m.SenderUsername]
		p.queued = append(p.queued, payload)
	default:
		c.mu.Unlock()
		c.log.WithField("sender", m.SenderUsername).Debug("dropping signal from unexpected sender")
		return
	}
	c.mu.Unlock()
}

// AnswerCall accepts the most recent ringing call.
func (c *Coordinator) AnswerCall(ctx context.Context) (models.CallRecord, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return models.CallRecord{}, ErrClosed
	}
	st := c.pending[c.lastRinger]
	if st == nil {
		c.mu.Unlock()
		return models.CallRecord{}, ErrNoPendingCall
	}
	if c.active != nil {
		c.mu.Unlock()
		return models.CallRecord{}, ErrCallInProgress
	}
	delete(c.pending, c.lastRinger)
	c.active = st
	c.phase = PhaseSignaling
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"call_id": st.record.ID, "caller": st.peerUser})

	stream, err := c.media.Acquire(ctx, st.record.Type == models.CallVideo)
	if err != nil {
		c.finish(st, models.CallEnded, "ended")
		log.WithError(err).Warn("cannot acquire local media")
		return models.CallRecord{}, fmt.Errorf("%w: %w", ErrMediaUnavailable, err)
	}
	if !c.adoptStream(st, stream) {
		return models.CallRecord{}, ErrClosed
	}

	c.mu.Lock()
	st.inviteSent = true
	c.mu.Unlock()
	peer, err := c.peers.NewPeer(c.peerConfig(st, stream))
	if err != nil {
		c.finish(st, models.CallEnded, "ended")
		return models.CallRecord{}, fmt.Errorf("call: create peer: %w", err)
	}

	c.mu.Lock()
	if c.active != st {
		c.mu.Unlock()
		peer.Close()
		return models.CallRecord{}, ErrClosed
	}
	st.peer = peer
	st.draining = true
	st.record.Status = models.CallOngoing
	c.updateRecord(st.record)
	rec := st.record
	c.mu.Unlock()
	c.notifyRecord(rec)

	if err := c.drain(st, peer); err != nil {
		return rec, fmt.Errorf("call: apply signal: %w", err)
	}

	log.Info("call answered")
	if err := c.postStatus(ctx, st, "answered"); err != nil {
		return rec, err
	}
	return rec, nil
}

// DeclineCall rejects the most recent ringing call. The record becomes
// missed locally first, then the status is posted. No media is ever
// acquired for a declined call.
func (c *Coordinator) DeclineCall(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	st := c.pending[c.lastRinger]
	if st == nil {
		c.mu.Unlock()
		return nil
	}
	delete(c.pending, c.lastRinger)
	c.endRecord(st, models.CallMissed)
	if c.active == nil && len(c.pending) == 0 {
		c.phase = PhaseIdle
	}
	local := st.local
	st.local = nil
	rec := st.record
	c.mu.Unlock()

	stopStream(local)
	c.notifyRecord(rec)
	c.log.WithFields(logrus.Fields{"call_id": rec.ID, "caller": rec.Caller}).Info("call declined")
	return c.postStatus(ctx, st, "missed")
}

// EndCall hangs up. It always releases the peer and local media and is a
// no-op when no call is active.
func (c *Coordinator) EndCall(ctx context.Context) error {
	c.mu.Lock()
	st := c.active
	closed := c.closed
	c.mu.Unlock()
	if st == nil || closed {
		return nil
	}
	if !c.finish(st, models.CallEnded, "") {
		return nil
	}
	c.log.WithField("call_id", st.record.ID).Info("call ended")
	return c.postStatus(ctx, st, "ended")
}

// HandleRemoteStatus applies a call_status_update push. A terminal status
// from the other side tears the matching call down without posting back.
func (c *Coordinator) HandleRemoteStatus(ev events.CallStatus) {
	if !ev.Status.Terminal() {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	own := slices.ContainsFunc(c.records, func(r models.CallRecord) bool { return r.ID == ev.CallID })
	st := c.active
	matchActive := st != nil && (st.record.ID == ev.CallID || (!own && st.record.SessionID == ev.SessionID))
	var ringing *callState
	if !matchActive && !own {
		for _, p := range c.pending {
			if p.record.SessionID == ev.SessionID {
				ringing = p
				break
			}
		}
	}
	if ringing != nil {
		delete(c.pending, ringing.peerUser)
		c.endRecord(ringing, models.CallMissed)
		if c.active == nil && len(c.pending) == 0 {
			c.phase = PhaseIdle
		}
		rec := ringing.record
		c.mu.Unlock()
		c.notifyRecord(rec)
		c.log.WithField("call_id", rec.ID).Info("caller hung up before answer")
		return
	}
	c.mu.Unlock()

	if matchActive {
		status := models.CallEnded
		if ev.Status == models.CallMissed && st.initiator {
			status = models.CallMissed
		}
		if c.finish(st, status, "") {
			c.log.WithFields(logrus.Fields{"call_id": st.record.ID, "status": ev.Status}).Info("call ended by remote side")
		}
	}
}

// Reset tears down every call, pending or active, without any transport
// emission. The chat-close path calls it synchronously.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	st := c.active
	c.active = nil
	pending := c.pending
	c.pending = make(map[string]*callState)
	c.lastRinger = ""
	c.phase = PhaseIdle
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	var changed []models.CallRecord
	var streams []MediaStream
	var peer PeerConnection
	if st != nil {
		c.endRecord(st, models.CallEnded)
		changed = append(changed, st.record)
		streams = append(streams, st.local)
		peer = st.peer
		st.peer, st.local, st.remote = nil, nil, nil
	}
	for _, p := range pending {
		c.endRecord(p, models.CallMissed)
		changed = append(changed, p.record)
		streams = append(streams, p.local)
	}
	c.mu.Unlock()

	if peer != nil {
		peer.Close()
	}
	for _, s := range streams {
		stopStream(s)
	}
	for _, rec := range changed {
		c.notifyRecord(rec)
	}
}

// Close is component teardown: Reset, then every later operation is a
// no-op.
func (c *Coordinator) Close() {
	c.Reset()
	c.mu.Lock()
	c.closed = true
	c.cancel()
	c.mu.Unlock()
}

func (c *Coordinator) peerConfig(st *callState, stream MediaStream) PeerConfig {
	return PeerConfig{
		Initiator: st.initiator,
		Stream:    stream,
		OnSignal:  func(sig json.RawMessage) { c.sendSignal(st, sig) },
		OnStream: func(ms MediaStream) {
			c.mu.Lock()
			if c.active == st {
				st.remote = ms
			}
			c.mu.Unlock()
		},
		OnConnect: func() {
			c.mu.Lock()
			if c.active == st {
				c.phase = PhaseConnected
			}
			c.mu.Unlock()
		},
		OnError: func(err error) { c.fail(st, err) },
	}
}

// sendSignal forwards a local signal through the store's send path. Signals
// produced before the invite went out are held back so the remote side
// always sees the invite first.
func (c *Coordinator) sendSignal(st *callState, sig json.RawMessage) {
	c.mu.Lock()
	if c.closed || c.active != st {
		c.mu.Unlock()
		return
	}
	if !st.inviteSent {
		st.outbox = append(st.outbox, sig)
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
	c.mu.Unlock()
	defer cancel()

	typ := st.record.Type.SignalType()
	if _, err := c.msgr.SendMessage(ctx, typ, consult.Payload{Content: string(sig)}); err != nil {
		c.log.WithError(err).WithField("call_id", st.record.ID).Warn("signal not sent")
	}
}

// drain applies remote signals queued before the peer existed, in arrival
// order. Signals arriving meanwhile join the queue until it is empty.
func (c *Coordinator) drain(st *callState, peer PeerConnection) error {
	for {
		c.mu.Lock()
		q := st.queued
		st.queued = nil
		if len(q) == 0 {
			st.draining = false
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		for _, sig := range q {
			if err := peer.Signal(sig); err != nil {
				c.fail(st, err)
				return err
			}
		}
	}
}

// fail ends a call after a peer error.
func (c *Coordinator) fail(st *callState, err error) {
	c.log.WithError(err).WithField("call_id", st.record.ID).Warn("peer connection failed, ending call")
	if !c.finish(st, models.CallEnded, "") {
		return
	}
	c.mu.Lock()
	ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
	c.mu.Unlock()
	defer cancel()
	c.postStatus(ctx, st, "ended")
}

// finish moves st to a terminal status and releases its peer and media.
// It reports false when st was no longer the active call. A non-empty
// post is sent as call status afterwards.
func (c *Coordinator) finish(st *callState, status models.CallStatus, post string) bool {
	c.mu.Lock()
	if c.active != st {
		c.mu.Unlock()
		return false
	}
	c.active = nil
	if len(c.pending) > 0 {
		c.phase = PhaseRinging
	} else {
		c.phase = PhaseIdle
	}
	c.endRecord(st, status)
	peer, local := st.peer, st.local
	st.peer, st.local, st.remote = nil, nil, nil
	rec := st.record
	ctx := c.ctx
	c.mu.Unlock()

	if peer != nil {
		if err := peer.Close(); err != nil {
			c.log.WithError(err).Debug("peer close")
		}
	}
	stopStream(local)
	c.notifyRecord(rec)
	if post != "" {
		c.postStatus(ctx, st, post)
	}
	return true
}

// adoptStream attaches freshly acquired media to st, or stops it when the
// call was torn down during acquisition.
func (c *Coordinator) adoptStream(st *callState, stream MediaStream) bool {
	c.mu.Lock()
	if c.closed || c.active != st {
		c.mu.Unlock()
		stopStream(stream)
		return false
	}
	st.local = stream
	c.mu.Unlock()
	return true
}

func (c *Coordinator) postStatus(ctx context.Context, st *callState, status string) error {
	_, err := c.status.UpdateCallStatus(ctx, st.farmer, st.expert, st.record.ID, status)
	if err != nil {
		c.log.WithError(err).WithFields(logrus.Fields{"call_id": st.record.ID, "status": status}).Warn("call status not posted")
		return fmt.Errorf("call: post status %s: %w", status, err)
	}
	return nil
}

// endRecord sets a terminal status once. Callers hold mu.
func (c *Coordinator) endRecord(st *callState, status models.CallStatus) {
	if st.record.Status.Terminal() {
		return
	}
	now := c.now()
	st.record.Status = status
	st.record.EndedAt = &now
	c.updateRecord(st.record)
}

// updateRecord replaces the stored copy of rec. Callers hold mu.
func (c *Coordinator) updateRecord(rec models.CallRecord) {
	if i := slices.IndexFunc(c.records, func(r models.CallRecord) bool { return r.ID == rec.ID }); i >= 0 {
		c.records[i] = rec
	}
}

func (c *Coordinator) notifyRecord(rec models.CallRecord) {
	c.mu.Lock()
	hooks := slices.Clone(c.onRecord)
	c.mu.Unlock()
	for _, fn := range hooks {
		fn(rec)
	}
}

// nextID returns a strictly increasing millisecond token. Callers hold mu.
func (c *Coordinator) nextID() int64 {
	id := c.now().UnixMilli()
	if id <= c.lastID {
		id = c.lastID + 1
	}
	c.lastID = id
	return id
}

func otherParticipant(s models.Session, me string) string {
	if me == s.FarmerUsername {
		return s.ExpertUsername
	}
	return s.FarmerUsername
}
