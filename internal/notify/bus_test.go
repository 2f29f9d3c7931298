package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBus_DeliversByKind(t *testing.T) {
	b := NewBus(Options{})
	defer b.Close()

	moved := make(chan Event, 4)
	all := make(chan Event, 4)
	b.Subscribe(PathMoved, func(_ context.Context, ev Event) error { moved <- ev; return nil })
	b.Subscribe(All, func(_ context.Context, ev Event) error { all <- ev; return nil })

	b.Publish(Event{Kind: Registered, Path: "/a"})
	b.Publish(Event{Kind: PathMoved, From: "/a", To: "/b"})

	select {
	case ev := <-moved:
		if ev.From != "/a" || ev.To != "/b" || ev.At.IsZero() {
			t.Errorf("moved event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for move event")
	}
	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(time.Second):
			t.Fatalf("wildcard handler got %d events, want 2", i)
		}
	}
	select {
	case ev := <-moved:
		t.Errorf("kind filter leaked %+v", ev)
	default:
	}
}

func TestBus_RetriesFailingHandler(t *testing.T) {
	b := NewBus(Options{MaxAttempts: 3, Backoff: time.Millisecond})

	var mu sync.Mutex
	calls := 0
	b.Subscribe(Modified, func(_ context.Context, _ Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	b.Publish(Event{Kind: Modified, Path: "/x"})
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestBus_PanickingHandlerDoesNotStopLoop(t *testing.T) {
	b := NewBus(Options{MaxAttempts: 1})
	got := make(chan Event, 1)
	b.Subscribe(Registered, func(_ context.Context, _ Event) error { panic("boom") })
	b.Subscribe(Registered, func(_ context.Context, ev Event) error { got <- ev; return nil })

	b.Publish(Event{Kind: Registered, Path: "/p"})
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran")
	}
	b.Close()
}

func TestBus_UnsubscribeAndClose(t *testing.T) {
	b := NewBus(Options{})
	count := 0
	seen := make(chan struct{}, 1)
	unsub := b.Subscribe(All, func(_ context.Context, _ Event) error {
		count++
		seen <- struct{}{}
		return nil
	})
	b.Publish(Event{Kind: Registered})
	<-seen
	unsub()
	b.Publish(Event{Kind: Registered})
	b.Close()
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}
	// Operations after Close must not block.
	b.Publish(Event{Kind: Registered})
	b.Subscribe(All, func(context.Context, Event) error { return nil })()
	b.Close()
}
