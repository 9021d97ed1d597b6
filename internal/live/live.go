// Package live tracks the public live stream: who is broadcasting, the
// comment feed, and the start/end controls on the /live namespace.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
)

// DefaultNamespace is the socket namespace for live-stream traffic.
const DefaultNamespace = "/live"

// maxComment bounds a comment in runes.
const maxComment = 500

var (
	ErrInvalidComment = errors.New("live: invalid comment")
	ErrRejected       = errors.New("live: rejected by server")
)

// Gateway is the REST surface used by the room.
type Gateway interface {
	LiveComments(ctx context.Context) ([]models.LiveComment, error)
	PostLiveComment(ctx context.Context, comment string) (gateway.StatusMessage, error)
	LiveStream(ctx context.Context, channel string) (string, error)
}

// Emitter sends events on the live namespace.
type Emitter interface {
	EmitWithAck(ctx context.Context, namespace, event string, data any) (json.RawMessage, error)
}

// Sink persists comments. Optional.
type Sink interface {
	SaveComments(comments []models.LiveComment) error
}

// Broadcast describes the stream currently on air.
type Broadcast struct {
	Live       bool      `json:"live"`
	SessionID  int64     `json:"session_id,omitempty"`
	Username   string    `json:"username,omitempty"`
	StreamURL  string    `json:"stream_url,omitempty"`
	StreamType string    `json:"stream_type,omitempty"`
	Title      string    `json:"title,omitempty"`
	Since      time.Time `json:"since,omitempty"`
}

// StartOpts are the arguments of start_live.
type StartOpts struct {
	SessionID  int64  `json:"session_id,omitempty"`
	Title      string `json:"title,omitempty"`
	StreamType string `json:"stream_type,omitempty"`
	StreamURL  string `json:"stream_url,omitempty"`
}

// RoomOpts holds parameters for creating a Room.
type RoomOpts struct {
	Gateway   Gateway
	Emitter   Emitter
	Sink      Sink
	Namespace string
	Log       logrus.FieldLogger
	Now       func() time.Time
}

// Room is the client view of the live stream.
type Room struct {
	gw       Gateway
	emitter  Emitter
	sink     Sink
	ns       string
	log      logrus.FieldLogger
	now      func() time.Time
	validate *validator.Validate

	mu        sync.Mutex
	comments  []models.LiveComment
	seen      map[string]struct{}
	broadcast Broadcast
	hooks     []func(models.LiveComment)
}

// NewRoom creates a Room.
func NewRoom(opts RoomOpts) (*Room, error) {
	if opts.Gateway == nil {
		return nil, fmt.Errorf("live: gateway is required")
	}
	if opts.Emitter == nil {
		return nil, fmt.Errorf("live: emitter is required")
	}
	r := &Room{
		gw:       opts.Gateway,
		emitter:  opts.Emitter,
		sink:     opts.Sink,
		ns:       opts.Namespace,
		log:      logger.OrDefault(opts.Log, "live"),
		now:      opts.Now,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		seen:     make(map[string]struct{}),
	}
	if r.ns == "" {
		r.ns = DefaultNamespace
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

// Attach subscribes the room to live pushes on bus.
func (r *Room) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.KindNewComment, func(ev events.Event) { r.HandleComment(ev.(events.NewComment).Comment) }),
		bus.Subscribe(events.KindLiveStarted, func(ev events.Event) { r.HandleLiveStarted(ev.(events.LiveStarted)) }),
		bus.Subscribe(events.KindLiveEnded, func(ev events.Event) { r.HandleLiveEnded(ev.(events.LiveEnded)) }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnComment registers fn for every newly seen comment.
func (r *Room) OnComment(fn func(models.LiveComment)) {
	r.mu.Lock()
	r.hooks = append(r.hooks, fn)
	r.mu.Unlock()
}

// LoadComments merges the server's comment history into the feed.
func (r *Room) LoadComments(ctx context.Context) ([]models.LiveComment, error) {
	list, err := r.gw.LiveComments(ctx)
	if err != nil {
		return nil, fmt.Errorf("live: load comments: %w", err)
	}
	r.mu.Lock()
	var added []models.LiveComment
	for _, c := range list {
		if r.insert(c) {
			added = append(added, c)
		}
	}
	out := slices.Clone(r.comments)
	r.mu.Unlock()

	r.save(added)
	return out, nil
}

// Comments returns the feed, oldest first.
func (r *Room) Comments() []models.LiveComment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.comments)
}

// PostComment validates and sends a comment. The feed picks it up from the
// new_comment push.
func (r *Room) PostComment(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if err := r.validate.Var(text, fmt.Sprintf("required,max=%d", maxComment)); err != nil {
		return fmt.Errorf("%w: comment must be 1 to %d characters", ErrInvalidComment, maxComment)
	}
	if _, err := r.gw.PostLiveComment(ctx, text); err != nil {
		return fmt.Errorf("live: post comment: %w", err)
	}
	return nil
}

// HandleComment adds a pushed comment, ignoring duplicates.
func (r *Room) HandleComment(c models.LiveComment) {
	if strings.TrimSpace(c.Comment) == "" {
		return
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = models.NewTime(r.now())
	}
	r.mu.Lock()
	if !r.insert(c) {
		r.mu.Unlock()
		return
	}
	hooks := slices.Clone(r.hooks)
	r.mu.Unlock()

	r.save([]models.LiveComment{c})
	for _, fn := range hooks {
		fn(c)
	}
}

// StartLive announces a broadcast and waits for the server's ack.
func (r *Room) StartLive(ctx context.Context, opts StartOpts) error {
	if err := r.emit(ctx, "start_live", opts); err != nil {
		return err
	}
	r.mu.Lock()
	r.broadcast = Broadcast{
		Live:       true,
		SessionID:  opts.SessionID,
		StreamURL:  opts.StreamURL,
		StreamType: opts.StreamType,
		Title:      opts.Title,
		Since:      r.now(),
	}
	r.mu.Unlock()
	r.log.WithField("title", opts.Title).Info("live started")
	return nil
}

// EndLive stops the current broadcast.
func (r *Room) EndLive(ctx context.Context) error {
	r.mu.Lock()
	sid := r.broadcast.SessionID
	r.mu.Unlock()
	if err := r.emit(ctx, "end_live", map[string]int64{"session_id": sid}); err != nil {
		return err
	}
	r.mu.Lock()
	r.broadcast = Broadcast{}
	r.mu.Unlock()
	r.log.Info("live ended")
	return nil
}

// HandleLiveStarted records a broadcast announced by the server.
func (r *Room) HandleLiveStarted(ev events.LiveStarted) {
	r.mu.Lock()
	r.broadcast = Broadcast{
		Live:       true,
		SessionID:  ev.SessionID,
		Username:   ev.Username,
		StreamURL:  ev.StreamURL,
		StreamType: ev.StreamType,
		Title:      ev.Title,
		Since:      r.now(),
	}
	r.mu.Unlock()
	r.log.WithField("username", ev.Username).Info("broadcast on air")
}

// HandleLiveEnded clears the broadcast. An end for a different session id
// than the one on air is ignored.
func (r *Room) HandleLiveEnded(ev events.LiveEnded) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ev.SessionID != 0 && r.broadcast.SessionID != 0 && ev.SessionID != r.broadcast.SessionID {
		return
	}
	r.broadcast = Broadcast{}
}

// Broadcast returns the stream currently on air.
func (r *Room) Broadcast() Broadcast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcast
}

// StreamURL resolves the playback URL of channel.
func (r *Room) StreamURL(ctx context.Context, channel string) (string, error) {
	if channel == "" {
		return "", fmt.Errorf("live: channel is required")
	}
	u, err := r.gw.LiveStream(ctx, channel)
	if err != nil {
		return "", fmt.Errorf("live: stream %s: %w", channel, err)
	}
	return u, nil
}

func (r *Room) emit(ctx context.Context, event string, data any) error {
	ack, err := r.emitter.EmitWithAck(ctx, r.ns, event, data)
	if err != nil {
		return fmt.Errorf("live: %s: %w", event, err)
	}
	var reply struct {
		Error string `json:"error"`
	}
	if len(ack) > 0 {
		_ = json.Unmarshal(ack, &reply)
	}
	if reply.Error != "" {
		return fmt.Errorf("live: %s: %w: %s", event, ErrRejected, reply.Error)
	}
	return nil
}

// insert adds c in created_at order unless already seen. Callers hold mu.
func (r *Room) insert(c models.LiveComment) bool {
	key := c.Key()
	if _, dup := r.seen[key]; dup {
		return false
	}
	r.seen[key] = struct{}{}
	i, _ := slices.BinarySearchFunc(r.comments, c, func(a, b models.LiveComment) int {
		return a.CreatedAt.Compare(b.CreatedAt.Time)
	})
	for i < len(r.comments) && r.comments[i].CreatedAt.Equal(c.CreatedAt.Time) {
		i++
	}
	r.comments = slices.Insert(r.comments, i, c)
	return true
}

func (r *Room) save(list []models.LiveComment) {
	if r.sink == nil || len(list) == 0 {
		return
	}
	if err := r.sink.SaveComments(list); err != nil {
		r.log.WithError(err).Warn("cache write failed")
	}
}
