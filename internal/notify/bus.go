// Package notify fans out registry events to subscribed handlers.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Kind names an event type.
type Kind string

const (
	// All subscribes a handler to every kind.
	All Kind = "*"

	Registered        Kind = "registered"
	ConflictDetected  Kind = "conflict-detected"
	BackupTaken       Kind = "backup-taken"
	PathMoved         Kind = "move-detected"
	RewriteApplied    Kind = "rewrite-applied"
	RewriteFailed     Kind = "rewrite-failed"
	Modified          Kind = "modified"
	ExternallyDeleted Kind = "externally-deleted"
	Tombstoned        Kind = "tombstoned"
	WatchFailed       Kind = "watch-failed"
)

// Event is one registry notification.
type Event struct {
	Kind    Kind           `json:"kind"`
	Path    string         `json:"path,omitempty"`
	From    string         `json:"from,omitempty"`
	To      string         `json:"to,omitempty"`
	Message string         `json:"message,omitempty"`
	At      time.Time      `json:"at"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler processes an event. Delivery is at-least-once, so handlers must
// be idempotent; a returned error triggers a retry.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the publishing side of a Bus.
type Publisher interface {
	Publish(ev Event)
}

type subscription struct {
	id   uint64
	kind Kind
	h    Handler
}

// Options tunes a Bus.
type Options struct {
	// MaxAttempts bounds deliveries of one event to one handler.
	MaxAttempts int
	// Backoff is the pause between attempts.
	Backoff time.Duration
	// Buffer is the capacity of the publish queue.
	Buffer int
	Logger *slog.Logger
}

// Bus delivers events to handlers keyed by kind.
//
// A single dispatch goroutine owns the subscriber table; public methods talk
// to it through channels, so handlers run one at a time in publish order.
type Bus struct {
	opts Options

	subscribeCh   chan subscription
	unsubscribeCh chan uint64
	publishCh     chan Event

	nextID  atomic.Uint64
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts a bus.
func NewBus(opts Options) *Bus {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 50 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	b := &Bus{
		opts:          opts,
		subscribeCh:   make(chan subscription),
		unsubscribeCh: make(chan uint64),
		publishCh:     make(chan Event, opts.Buffer),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[uint64]subscription)
	for {
		select {
		case <-b.stopCh:
			// Drain whatever was queued before Close.
			for {
				select {
				case ev := <-b.publishCh:
					b.dispatch(subs, ev)
				default:
					return
				}
			}

		case s := <-b.subscribeCh:
			subs[s.id] = s

		case id := <-b.unsubscribeCh:
			delete(subs, id)

		case ev := <-b.publishCh:
			b.dispatch(subs, ev)
		}
	}
}

func (b *Bus) dispatch(subs map[uint64]subscription, ev Event) {
	for _, s := range subs {
		if s.kind != All && s.kind != ev.Kind {
			continue
		}
		b.deliver(s, ev)
	}
}

func (b *Bus) deliver(s subscription, ev Event) {
	var err error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		if err = safeCall(s.h, ev); err == nil {
			return
		}
		if attempt < b.opts.MaxAttempts {
			time.Sleep(b.opts.Backoff)
		}
	}
	b.opts.Logger.Warn("notify: handler gave up",
		slog.String("kind", string(ev.Kind)),
		slog.String("path", ev.Path),
		slog.Int("attempts", b.opts.MaxAttempts),
		slog.String("error", err.Error()))
}

func safeCall(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("notify: handler panic: %v", r)
		}
	}()
	return h(context.Background(), ev)
}

// Subscribe registers h for kind (or All) and returns a function removing it.
func (b *Bus) Subscribe(kind Kind, h Handler) (unsubscribe func()) {
	id := b.nextID.Add(1)
	if b.closed.Load() {
		return func() {}
	}
	select {
	case b.subscribeCh <- subscription{id: id, kind: kind, h: h}:
	case <-b.stopped:
	}
	return func() {
		if b.closed.Load() {
			return
		}
		select {
		case b.unsubscribeCh <- id:
		case <-b.stopped:
		}
	}
}

// Publish queues ev for delivery, stamping At when unset. It blocks while
// the queue is full and drops the event once the bus is closed.
func (b *Bus) Publish(ev Event) {
	if b.closed.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}

// Close delivers queued events and stops the bus.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// LogHandler returns a handler writing every event to logger.
func LogHandler(logger *slog.Logger) Handler {
	return func(_ context.Context, ev Event) error {
		attrs := []any{slog.String("kind", string(ev.Kind))}
		if ev.Path != "" {
			attrs = append(attrs, slog.String("path", ev.Path))
		}
		if ev.From != "" || ev.To != "" {
			attrs = append(attrs, slog.String("from", ev.From), slog.String("to", ev.To))
		}
		if ev.Message != "" {
			attrs = append(attrs, slog.String("message", ev.Message))
		}
		for k, v := range ev.Data {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.Info("event", attrs...)
		return nil
	}
}

// Discard is a Publisher that drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(Event) {}

var (
	_ Publisher = (*Bus)(nil)
	_ Publisher = Discard{}
)
