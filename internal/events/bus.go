package events

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/agrilink/internal/logger"
	"github.com/zulandar/agrilink/internal/transport"
)

// Handler receives one classified event.
type Handler func(Event)

// Stats counts what the bus has seen since it was created.
type Stats struct {
	Delivered uint64 `json:"delivered"`
	Unknown   uint64 `json:"unknown"`
	Invalid   uint64 `json:"invalid"`
	Panics    uint64 `json:"panics"`
}

type subscription struct {
	id   int
	kind Kind // "" subscribes to every kind
	fn   Handler
}

// Bus is the Event Demultiplexer. Delivery is synchronous: Publish returns
// after every subscriber has seen the event, so a single Run loop preserves
// transport order for all subscribers.
type Bus struct {
	log logrus.FieldLogger

	mu     sync.RWMutex
	subs   []subscription
	nextID int
	stats  Stats
}

// NewBus creates an empty Bus.
func NewBus(log logrus.FieldLogger) *Bus {
	return &Bus{log: logger.OrDefault(log, "events")}
}

// Subscribe registers fn for events of kind k. Subscribers of the same kind
// are called in subscription order. The returned func unsubscribes and is
// safe to call more than once.
func (b *Bus) Subscribe(k Kind, fn Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs = append(b.subs, subscription{id: id, kind: k, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.subs = slices.DeleteFunc(b.subs, func(s subscription) bool { return s.id == id })
			b.mu.Unlock()
		})
	}
}

// SubscribeAll registers fn for every kind.
func (b *Bus) SubscribeAll(fn Handler) func() {
	return b.Subscribe("", fn)
}

// OnNewMessage subscribes to pushed session messages.
func (b *Bus) OnNewMessage(fn func(NewMessage)) func() {
	return b.Subscribe(KindNewMessage, func(ev Event) { fn(ev.(NewMessage)) })
}

// OnSessionEnded subscribes to session_ended events.
func (b *Bus) OnSessionEnded(fn func(SessionEnded)) func() {
	return b.Subscribe(KindSessionEnded, func(ev Event) { fn(ev.(SessionEnded)) })
}

// OnCallStatus subscribes to call_status_update events.
func (b *Bus) OnCallStatus(fn func(CallStatus)) func() {
	return b.Subscribe(KindCallStatus, func(ev Event) { fn(ev.(CallStatus)) })
}

// Publish delivers ev to its subscribers, then to the catch-all ones.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.kind == ev.Kind() {
			targets = append(targets, s)
		}
	}
	for _, s := range b.subs {
		if s.kind == "" {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		b.call(s, ev)
	}

	b.mu.Lock()
	b.stats.Delivered++
	b.mu.Unlock()
}

func (b *Bus) call(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.mu.Lock()
			b.stats.Panics++
			b.mu.Unlock()
			b.log.WithFields(logrus.Fields{"event": ev.Kind(), "panic": r}).Error("event handler panicked")
		}
	}()
	s.fn(ev)
}

// Dispatch decodes raw and publishes it. Unknown or malformed events are
// logged and dropped.
func (b *Bus) Dispatch(raw transport.RawEvent) {
	log := b.log.WithFields(logrus.Fields{"namespace": raw.Namespace, "event": raw.Name})
	ev, err := Decode(raw)
	if err != nil {
		b.mu.Lock()
		if errors.Is(err, ErrUnknownEvent) {
			b.stats.Unknown++
		} else {
			b.stats.Invalid++
		}
		b.mu.Unlock()
		log.WithError(err).Warn("dropping event")
		return
	}
	log.Debug("dispatching event")
	b.Publish(ev)
}

// Run dispatches events from in until the channel is closed (nil) or ctx
// is cancelled (ctx.Err()).
func (b *Bus) Run(ctx context.Context, in <-chan transport.RawEvent) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case raw, ok := <-in:
			if !ok {
				return nil
			}
			b.Dispatch(raw)
		}
	}
}

// Stats returns a snapshot of the counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}
