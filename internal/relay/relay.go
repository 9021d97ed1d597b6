package relay

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/events"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/models"
	"github.com/zulandar/agrilink/internal/transport"
)

const (
	queueSize   = 64
	sendTimeout = 15 * time.Second
)

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	Notifier Notifier
	Channel  string
	Kinds    []string // empty means every kind
	Log      logrus.FieldLogger
}

// Stats counts relay outcomes.
type Stats struct {
	Sent     int `json:"sent"`
	Failed   int `json:"failed"`
	Dropped  int `json:"dropped"`
	Filtered int `json:"filtered"`
}

// Relay queues alerts and delivers them on one worker goroutine so event
// dispatch never waits on a chat platform.
type Relay struct {
	notifier Notifier
	channel  string
	kinds    map[Kind]bool
	log      logrus.FieldLogger

	queue chan Alert
	done  chan struct{}

	mu      sync.Mutex
	stats   Stats
	started bool
	closed  bool
}

// New creates a Relay.
func New(opts RelayOpts) (*Relay, error) {
	if opts.Notifier == nil {
		return nil, fmt.Errorf("relay: notifier is required")
	}
	r := &Relay{
		notifier: opts.Notifier,
		channel:  opts.Channel,
		log:      logger.OrDefault(opts.Log, "relay"),
		queue:    make(chan Alert, queueSize),
		done:     make(chan struct{}),
	}
	if len(opts.Kinds) > 0 {
		r.kinds = make(map[Kind]bool)
		for _, k := range opts.Kinds {
			if !slices.Contains(AllKinds, Kind(k)) {
				return nil, fmt.Errorf("relay: unknown event kind %q", k)
			}
			r.kinds[Kind(k)] = true
		}
	}
	return r, nil
}

// Start connects the notifier and runs the delivery worker until ctx is
// cancelled or Close is called.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started || r.closed {
		r.mu.Unlock()
		return fmt.Errorf("relay: already started")
	}
	r.started = true
	r.mu.Unlock()

	if err := r.notifier.Connect(ctx); err != nil {
		close(r.done)
		return fmt.Errorf("relay: connect: %w", err)
	}
	go r.run(ctx)
	return nil
}

// Attach forwards bus events that produce alerts.
func (r *Relay) Attach(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(events.KindNewPublicRequest, func(ev events.Event) {
			r.Enqueue(FormatPublicRequest(ev.(events.NewPublicRequest).Request))
		}),
		bus.OnSessionEnded(func(ev events.SessionEnded) {
			r.Enqueue(FormatSessionEnded(ev))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// HandleCall alerts on incoming and missed calls.
func (r *Relay) HandleCall(rec models.CallRecord) {
	if a, ok := FormatCall(rec); ok {
		r.Enqueue(a)
	}
}

// HandleState alerts on connection failures.
func (r *Relay) HandleState(s transport.State) {
	if a, ok := FormatConnection(s); ok {
		r.Enqueue(a)
	}
}

// Enqueue schedules a for delivery. Filtered kinds are skipped; a full
// queue drops the alert.
func (r *Relay) Enqueue(a Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	if r.kinds != nil && !r.kinds[a.Kind] {
		r.stats.Filtered++
		return
	}
	if a.Channel == "" {
		a.Channel = r.channel
	}
	select {
	case r.queue <- a:
	default:
		r.stats.Dropped++
		r.log.WithField("kind", a.Kind).Warn("alert queue full, dropping alert")
	}
}

// Stats returns delivery counters.
func (r *Relay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// Close stops accepting alerts, drains what is queued and closes the
// notifier.
func (r *Relay) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	started := r.started
	close(r.queue)
	r.mu.Unlock()

	if started {
		<-r.done
	}
	return r.notifier.Close()
}

func (r *Relay) run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			return
		case a, ok := <-r.queue:
			if !ok {
				return
			}
			r.deliver(ctx, a)
		}
	}
}

func (r *Relay) deliver(ctx context.Context, a Alert) {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()
	err := r.notifier.Send(sendCtx, a)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.stats.Failed++
		r.log.WithError(err).WithField("kind", a.Kind).Warn("alert not delivered")
		return
	}
	r.stats.Sent++
}
