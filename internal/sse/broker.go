// Package sse streams registry events to HTTP clients as Server-Sent Events.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/starford/custodian/internal/notify"
)

// Event is one frame sent to clients. Paths are the registry keys the event
// touches and drive prefix filtering; they are not serialized.
type Event struct {
	Type  string   `json:"type"`
	Data  any      `json:"data"`
	Paths []string `json:"-"`
}

// SummaryType is the throttled event telling clients the registry changed.
const SummaryType = "registry.updated"

const clientBuffer = 64

// Filter narrows what one client receives. The zero Filter passes everything.
type Filter struct {
	// Types lists accepted event types; empty accepts all.
	Types []string
	// Prefix keeps events touching a key under this path. Events without
	// paths, such as summaries, always pass.
	Prefix string
}

// FilterFromQuery reads ?type=a,b (repeatable) and ?path=/prefix.
func FilterFromQuery(r *http.Request) Filter {
	q := r.URL.Query()
	var f Filter
	for _, v := range q["type"] {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				f.Types = append(f.Types, t)
			}
		}
	}
	if p := q.Get("path"); p != "" {
		f.Prefix = "/" + strings.Trim(p, "/")
	}
	return f
}

// Match reports whether ev passes f.
func (f Filter) Match(ev Event) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == ev.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Prefix == "" || f.Prefix == "/" || len(ev.Paths) == 0 {
		return true
	}
	for _, p := range ev.Paths {
		if p == f.Prefix || strings.HasPrefix(p, f.Prefix+"/") {
			return true
		}
	}
	return false
}

type client struct {
	ch     chan []byte
	filter Filter
}

// Broker manages SSE client connections and broadcasts events.
//
// Concurrency model: a single internal event loop (goroutine) owns mutable state
// (clients, the frame sequence and the summary throttle timestamp). Public
// methods communicate with this loop through channels, so no mutexes are required.
type Broker struct {
	summaryMin time.Duration

	subscribeCh   chan client
	unsubscribeCh chan chan []byte
	publishCh     chan Event
	countReqCh    chan chan int

	dropped atomic.Uint64
	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBroker creates a new SSE broker that emits at most one summary event
// per summaryThrottle.
func NewBroker(summaryThrottle time.Duration) *Broker {
	if summaryThrottle <= 0 {
		summaryThrottle = 2 * time.Second
	}

	b := &Broker{
		summaryMin:    summaryThrottle,
		subscribeCh:   make(chan client),
		unsubscribeCh: make(chan chan []byte),
		publishCh:     make(chan Event, 256),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}

	go b.run()
	return b
}

func (b *Broker) run() {
	defer close(b.stopped)

	clients := make(map[chan []byte]Filter)
	var (
		seq         uint64
		lastSummary time.Time
	)

	broadcast := func(event Event) {
		payload, err := json.Marshal(event.Data)
		if err != nil {
			return
		}
		seq++
		raw := []byte(fmt.Sprintf("id: %d\nevent: %s\ndata: %s\n\n", seq, event.Type, payload))

		for ch, f := range clients {
			if !f.Match(event) {
				continue
			}
			select {
			case ch <- raw:
			default:
				// Slow client; dropping keeps the loop responsive.
				b.dropped.Add(1)
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			for ch := range clients {
				close(ch)
			}
			return

		case c := <-b.subscribeCh:
			clients[c.ch] = c.filter

		case ch := <-b.unsubscribeCh:
			if _, ok := clients[ch]; ok {
				delete(clients, ch)
				close(ch)
			}

		case event := <-b.publishCh:
			broadcast(event)
			if event.Type == SummaryType || !changesRegistry(notify.Kind(event.Type)) {
				continue
			}
			if now := time.Now(); now.Sub(lastSummary) >= b.summaryMin {
				lastSummary = now
				broadcast(Event{Type: SummaryType, Data: map[string]string{}})
			}

		case resp := <-b.countReqCh:
			resp <- len(clients)
		}
	}
}

// Close gracefully stops broker loop and closes all client channels.
func (b *Broker) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe adds a client receiving the events f accepts and returns its
// channel.
func (b *Broker) Subscribe(f Filter) chan []byte {
	ch := make(chan []byte, clientBuffer)
	if b.closed.Load() {
		close(ch)
		return ch
	}

	select {
	case b.subscribeCh <- client{ch: ch, filter: f}:
	case <-b.stopped:
		close(ch)
	}

	return ch
}

// Unsubscribe removes a client and closes its channel.
func (b *Broker) Unsubscribe(ch chan []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// ClientCount returns the number of connected clients.
func (b *Broker) ClientCount() int {
	if b.closed.Load() {
		return 0
	}

	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}

	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Dropped returns how many frames were discarded for slow clients.
func (b *Broker) Dropped() uint64 { return b.dropped.Load() }

// Publish sends an event to all matching clients. An event whose type is a
// registry-changing notify.Kind is followed by a throttled summary.
func (b *Broker) Publish(event Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- event:
	case <-b.stopped:
	}
}

// PublishRegistryEvent forwards a bus event.
func (b *Broker) PublishRegistryEvent(ev notify.Event) {
	var paths []string
	for _, p := range []string{ev.Path, ev.From, ev.To} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	b.Publish(Event{Type: string(ev.Kind), Data: ev, Paths: paths})
}

// Handler adapts the broker into a bus subscriber.
func (b *Broker) Handler() notify.Handler {
	return func(_ context.Context, ev notify.Event) error {
		b.PublishRegistryEvent(ev)
		return nil
	}
}

// changesRegistry reports whether k alters records. Unknown types are
// treated as non-registry frames.
func changesRegistry(k notify.Kind) bool {
	switch k {
	case notify.Registered, notify.PathMoved, notify.RewriteApplied,
		notify.Modified, notify.ExternallyDeleted, notify.Tombstoned:
		return true
	}
	return false
}

// keepAlive is the comment frame sent to idle clients so proxies keep the
// connection open.
var keepAlive = []byte(": keep-alive\n\n")

// KeepAliveInterval is how long a stream may stay silent.
var KeepAliveInterval = 30 * time.Second

// ServeHTTP is the SSE endpoint handler (GET /api/events). Query parameters
// select a Filter; see FilterFromQuery.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.Subscribe(FilterFromQuery(r))
	defer b.Unsubscribe(ch)

	ping := time.NewTicker(KeepAliveInterval)
	defer ping.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_, _ = w.Write(keepAlive)
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			_, _ = w.Write(msg)
			flusher.Flush()
		}
	}
}
