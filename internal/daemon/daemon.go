// Package daemon runs the long-lived agrilink client: it owns the socket
// connections, pumps pushes through the event bus into the session store,
// the call coordinator and the live room, and fans the same traffic out to
// the local cache, the chat relay and the dashboard.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/auth"
	"github.com/zulandar/agrilink/internal/cache"
	"github.com/zulandar/agrilink/internal/call"
	"github.com/zulandar/agrilink/internal/config"
	"github.com/zulandar/agrilink/internal/consult"
	"github.com/zulandar/agrilink/internal/dashboard"
	"github.com/zulandar/agrilink/internal/db"
	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/gateway"
	"github.com/zulandar/agrilink/internal/live"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
	"github.com/zulandar/agrilink/internal/relay"
	"github.com/zulandar/agrilink/internal/relay/discord"
	"github.com/zulandar/agrilink/internal/relay/slack"
	"github.com/zulandar/agrilink/internal/socketio"
	"github.com/zulandar/agrilink/internal/transport"
)

var (
	// ErrNotLoggedIn is returned by Run when the session holds no credentials.
	ErrNotLoggedIn = errors.New("daemon: not logged in (run agl login)")
	// ErrLoggedOut is returned by Run when the backend rejected the token
	// while the daemon was running.
	ErrLoggedOut = errors.New("daemon: logged out by server")
)

// Opts holds parameters for creating a Daemon. Only Config is required;
// everything else is built from it when nil.
type Opts struct {
	Config   *config.Config
	Session  *auth.Session
	Dialer   transport.Dialer
	HTTP     http.RoundTripper
	Cache    *cache.Cache
	Notifier relay.Notifier
	Media    call.MediaSource
	Peers    call.PeerFactory
	Out      io.Writer
	Log      logrus.FieldLogger

	// Watch is the consultation the daemon keeps open so its pushed
	// messages and call invites are applied. Optional.
	Watch *SessionRef
}

// SessionRef names a consultation by its participants and, optionally, the
// public request it answers.
type SessionRef struct {
	Farmer    string
	Expert    string
	RequestID *int64
}

// Daemon wires every component of the client together.
type Daemon struct {
	cfg       *config.Config
	session   *auth.Session
	gw        *gateway.Client
	transport *transport.Manager
	bus       *events.Bus
	store     *consult.Store
	calls     *call.Coordinator
	room      *live.Room
	relay     *relay.Relay
	cache     *cache.Cache
	ownCache  bool
	hub       *dashboard.Hub
	watch     *SessionRef
	out       io.Writer
	log       logrus.FieldLogger
	started   time.Time

	loggedOut chan struct{}
	logoutMu  sync.Once
	unsubs    []func()
}

// New builds a Daemon. Nothing is connected until Run.
func New(opts Opts) (*Daemon, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("daemon: config is required")
	}
	cfg := opts.Config
	d := &Daemon{
		cfg:       cfg,
		session:   opts.Session,
		cache:     opts.Cache,
		out:       opts.Out,
		log:       logger.OrDefault(opts.Log, "daemon"),
		hub:       dashboard.NewHub(),
		watch:     opts.Watch,
		loggedOut: make(chan struct{}),
	}
	if d.watch != nil && (d.watch.Farmer == "" || d.watch.Expert == "") {
		return nil, fmt.Errorf("daemon: watched session needs both farmer and expert")
	}
	if d.out == nil {
		d.out = os.Stdout
	}
	if d.session == nil {
		d.session = auth.NewSession(d.log.WithField("component", "auth"))
		if cfg.Auth.Token != "" {
			if _, err := d.session.Login(CredentialsFromConfig(cfg)); err != nil {
				return nil, fmt.Errorf("daemon: configured credentials: %w", err)
			}
		}
	}

	var err error
	d.gw, err = gateway.New(gateway.ClientOpts{
		BaseURL:   cfg.Backend.BaseURL,
		Session:   d.session,
		Timeout:   cfg.Backend.Timeout,
		Transport: opts.HTTP,
		Log:       d.component("gateway"),
	})
	if err != nil {
		return nil, err
	}

	d.transport, err = transport.New(transport.ManagerOpts{
		BaseURL:           cfg.Backend.BaseURL,
		Dialer:            opts.Dialer,
		Log:               d.component("transport"),
		ReconnectAttempts: cfg.Transport.ReconnectAttempts,
		ReconnectDelay:    cfg.Transport.ReconnectDelay,
		ReconnectDelayMax: cfg.Transport.ReconnectDelayMax,
		DialTimeout:       cfg.Transport.DialTimeout,
	})
	if err != nil {
		return nil, err
	}

	if d.cache == nil {
		target := cfg.Cache.Path
		if cfg.Cache.Driver == db.DriverMySQL {
			target = cfg.Cache.DSN
		}
		d.cache, err = cache.Open(cfg.Cache.Driver, target, d.component("cache"))
		if err != nil {
			return nil, fmt.Errorf("daemon: open cache: %w", err)
		}
		d.ownCache = true
	}

	d.bus = events.NewBus(d.component("events"))

	d.store, err = consult.NewStore(consult.StoreOpts{
		Gateway:      d.gw,
		Emitter:      d.transport,
		Identity:     d.session,
		Sink:         d.cache,
		MediaBaseURL: cfg.Backend.MediaBaseURL,
		Policy:       consult.Policy{AllowExpertAfterEnd: cfg.Policy.ExpertMaySendAfterEnd()},
		Log:          d.component("consult"),
	})
	if err != nil {
		return nil, d.abort(err)
	}

	media, peers := opts.Media, opts.Peers
	if media == nil {
		media = call.Headless{}
	}
	if peers == nil {
		peers = call.Headless{}
	}
	d.calls, err = call.NewCoordinator(call.CoordinatorOpts{
		Messenger: d.store,
		Status:    d.gw,
		Peers:     peers,
		Media:     media,
		Identity:  d.session,
		Log:       d.component("call"),
	})
	if err != nil {
		return nil, d.abort(err)
	}

	if d.hasNamespace(live.DefaultNamespace) {
		d.room, err = live.NewRoom(live.RoomOpts{
			Gateway: d.gw,
			Emitter: d.transport,
			Sink:    d.cache,
			Log:     d.component("live"),
		})
		if err != nil {
			return nil, d.abort(err)
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier, err = newNotifier(cfg.Relay)
		if err != nil {
			return nil, d.abort(err)
		}
	}
	if notifier != nil {
		d.relay, err = relay.New(relay.RelayOpts{
			Notifier: notifier,
			Channel:  cfg.Relay.Channel,
			Kinds:    cfg.Relay.Events,
			Log:      d.component("relay"),
		})
		if err != nil {
			return nil, d.abort(err)
		}
	}

	d.wire()
	return d, nil
}

// CredentialsFromConfig builds login credentials from the auth section.
func CredentialsFromConfig(cfg *config.Config) auth.Credentials {
	return auth.Credentials{
		UserID:   cfg.Auth.UserID,
		Username: cfg.Auth.Username,
		Role:     cfg.Auth.Role,
		Token:    cfg.Auth.Token,
	}
}

// newNotifier returns the chat notifier for the configured platform, or
// nil when no relay is configured.
func newNotifier(cfg config.RelayConfig) (relay.Notifier, error) {
	switch cfg.Platform {
	case "":
		return nil, nil
	case "slack":
		return slack.New(slack.NotifierOpts{BotToken: cfg.Slack.BotToken, ChannelID: cfg.Channel})
	case "discord":
		return discord.New(discord.NotifierOpts{BotToken: cfg.Discord.BotToken, ChannelID: cfg.Channel})
	default:
		return nil, fmt.Errorf("daemon: unsupported relay platform %q", cfg.Platform)
	}
}

// wire connects the components to each other. Subscriptions live for the
// lifetime of the daemon.
func (d *Daemon) wire() {
	d.unsubs = append(d.unsubs,
		d.store.Attach(d.bus),
		d.calls.Attach(d.store, d.bus),
		d.bus.SubscribeAll(func(ev events.Event) { d.hub.Publish(string(ev.Kind()), ev) }),
		d.transport.OnState(func(s transport.State) { d.hub.Publish("connection", s) }),
	)
	if d.room != nil {
		d.unsubs = append(d.unsubs, d.room.Attach(d.bus))
	}

	d.calls.OnRecord(func(rec models.CallRecord) {
		if err := d.cache.SaveCall(rec); err != nil {
			d.log.WithError(err).WithField("call_id", rec.ID).Warn("cache call record")
		}
		d.hub.Publish("call", rec)
	})
	d.calls.OnIncoming(func(rec models.CallRecord) {
		fmt.Fprintf(d.out, "Incoming %s call from %s\n", rec.Type, rec.Caller)
	})

	if d.relay != nil {
		d.unsubs = append(d.unsubs,
			d.relay.Attach(d.bus),
			d.transport.OnState(d.relay.HandleState),
		)
		d.calls.OnRecord(d.relay.HandleCall)
	}

	d.session.OnLogout(func(reason string) {
		fmt.Fprintf(d.out, "Logged out: %s\n", reason)
		d.logoutMu.Do(func() { close(d.loggedOut) })
		// Disconnect blocks until the namespace goroutines exit, and a
		// logout can be triggered from a bus handler fed by one of them.
		go d.disconnectAll()
	})
}

func (d *Daemon) disconnectAll() {
	for _, ns := range d.cfg.Transport.Namespaces {
		d.transport.Disconnect(ns)
	}
}

// Run connects every configured namespace, loads the initial data and
// blocks until ctx is cancelled or the session is logged out.
func (d *Daemon) Run(ctx context.Context) error {
	creds, ok := d.session.Credentials()
	if !ok {
		return d.abort(ErrNotLoggedIn)
	}
	d.started = time.Now()
	gen := d.session.Generation()
	log := d.log.WithFields(logrus.Fields{"user": creds.Username, "role": creds.Role})

	fmt.Fprintf(d.out, "agrilink connecting as %s...\n", creds.Username)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if d.relay != nil {
		if err := d.relay.Start(ctx); err != nil {
			d.shutdown()
			return err
		}
	}

	d.unsubs = append(d.unsubs, d.transport.OnState(func(st transport.State) {
		d.handleState(ctx, gen, st)
	}))

	var wg sync.WaitGroup
	for _, ns := range d.cfg.Transport.Namespaces {
		if err := d.transport.Connect(ns, creds); err != nil {
			d.shutdown()
			return fmt.Errorf("daemon: %w", err)
		}
		ch, err := d.transport.Listen(ns)
		if errors.Is(err, transport.ErrNotConnected) {
			// Already given up, e.g. credentials refused; the state
			// stream reports why.
			d.log.WithField("namespace", socketio.NormalizeNamespace(ns)).Warn("namespace down before listening")
			continue
		}
		if err != nil {
			d.shutdown()
			return fmt.Errorf("daemon: %w", err)
		}
		wg.Add(1)
		go func(ns string) {
			defer wg.Done()
			d.bus.Run(ctx, ch)
			d.log.WithField("namespace", socketio.NormalizeNamespace(ns)).Debug("event pump stopped")
		}(ns)
	}

	d.refresh(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := runRefresh(ctx, d.cfg.Refresh.Schedule, d.refresh); err != nil {
			log.WithError(err).Error("refresh scheduler")
		}
	}()
	if d.cfg.Dashboard.Enabled {
		go func() {
			errCh <- dashboard.Start(ctx, dashboard.StartOpts{
				Store:  d.cache,
				Status: d.Status,
				Hub:    d.hub,
				Port:   d.cfg.Dashboard.Port,
				Out:    d.out,
				Log:    d.component("dashboard"),
			})
		}()
	}

	fmt.Fprintf(d.out, "agrilink online\n")
	log.WithField("next_refresh", nextRefresh(d.cfg.Refresh.Schedule, time.Now())).Info("daemon running")

	var runErr error
	select {
	case <-ctx.Done():
	case <-d.loggedOut:
		runErr = ErrLoggedOut
	case err := <-errCh:
		runErr = err
	}

	fmt.Fprintf(d.out, "agrilink shutting down...\n")
	cancel()
	d.shutdown()
	wg.Wait()
	fmt.Fprintf(d.out, "agrilink stopped\n")
	return runErr
}

// handleState expires the login Run started with on a credential
// rejection and rejoins the open session room on every reconnect. It runs
// on the connection goroutine that reads the join ack, so the rejoin is
// asynchronous.
func (d *Daemon) handleState(ctx context.Context, gen uint64, st transport.State) {
	switch {
	case st.Unauthorized:
		d.session.Expire(gen, "session expired")
	case st.Status == transport.StatusConnected && st.Namespace == socketio.NormalizeNamespace(d.store.Namespace()):
		go d.store.Rejoin(ctx)
	}
}

// refresh reloads the session and request lists and, when the live
// namespace is configured, the comment history. Failures are logged; the
// next tick retries.
func (d *Daemon) refresh(ctx context.Context) {
	if _, ok := d.session.Credentials(); !ok {
		return
	}
	if sessions, err := d.store.LoadSessions(ctx); err != nil {
		d.log.WithError(err).Warn("refresh sessions")
	} else {
		d.log.WithField("count", len(sessions)).Debug("sessions refreshed")
		d.ensureOpen(ctx)
	}
	if _, err := d.store.LoadPublicRequests(ctx); err != nil {
		d.log.WithError(err).Warn("refresh public requests")
	}
	if d.room != nil {
		if _, err := d.room.LoadComments(ctx); err != nil {
			d.log.WithError(err).Warn("refresh live comments")
		}
	}
}

// ensureOpen opens the watched session unless it is already the open one.
// A deleted or not yet created session is retried on the next refresh.
func (d *Daemon) ensureOpen(ctx context.Context) {
	w := d.watch
	if w == nil {
		return
	}
	if cur, ok := d.store.Current(); ok && cur.Matches(w.Farmer, w.Expert, w.RequestID) {
		return
	}
	log := d.log.WithFields(logrus.Fields{"farmer": w.Farmer, "expert": w.Expert})
	sess, err := d.store.OpenSession(ctx, w.Farmer, w.Expert, w.RequestID)
	if err != nil {
		log.WithError(err).Warn("cannot open watched session")
		return
	}
	fmt.Fprintf(d.out, "Watching session %d (%s/%s)\n", sess.SessionID, sess.FarmerUsername, sess.ExpertUsername)
}

// shutdown tears components down in dependency order. It is safe to call
// more than once.
func (d *Daemon) shutdown() {
	d.calls.Close()
	d.store.CloseChat()
	d.transport.Close()
	for _, u := range d.unsubs {
		u()
	}
	d.unsubs = nil
	if d.relay != nil {
		if err := d.relay.Close(); err != nil {
			d.log.WithError(err).Warn("close relay")
		}
	}
	d.hub.Close()
	if d.ownCache {
		if err := d.cache.Close(); err != nil {
			d.log.WithError(err).Warn("close cache")
		}
		d.ownCache = false
	}
}

// abort releases the cache New opened before failing.
func (d *Daemon) abort(err error) error {
	if d.ownCache {
		d.cache.Close()
		d.ownCache = false
	}
	return err
}

// Status reports a snapshot for the dashboard.
func (d *Daemon) Status() dashboard.Status {
	st := dashboard.Status{
		StartedAt:   d.started,
		Connections: d.transport.States(),
		Events:      d.bus.Stats(),
	}
	if creds, ok := d.session.Credentials(); ok {
		st.User = creds.Username
		st.Role = creds.Role
	}
	if cur, ok := d.store.Current(); ok {
		st.Current = &cur
	}
	if rec, ok := d.calls.Active(); ok {
		st.ActiveCall = &rec
	}
	if d.room != nil {
		st.Live = d.room.Broadcast()
	}
	if d.relay != nil {
		rs := d.relay.Stats()
		st.Relay = &rs
	}
	if counts, err := d.cache.Counts(); err == nil {
		st.Cache = &counts
	}
	return st
}

// Store returns the session store.
func (d *Daemon) Store() *consult.Store { return d.store }

// Calls returns the call coordinator.
func (d *Daemon) Calls() *call.Coordinator { return d.calls }

// Room returns the live room, nil when the live namespace is not configured.
func (d *Daemon) Room() *live.Room { return d.room }

// Bus returns the event bus.
func (d *Daemon) Bus() *events.Bus { return d.bus }

// Hub returns the dashboard event hub.
func (d *Daemon) Hub() *dashboard.Hub { return d.hub }

func (d *Daemon) hasNamespace(ns string) bool {
	for _, n := range d.cfg.Transport.Namespaces {
		if socketio.NormalizeNamespace(n) == ns {
			return true
		}
	}
	return false
}

func (d *Daemon) component(name string) logrus.FieldLogger {
	return d.log.WithField("component", name)
}
