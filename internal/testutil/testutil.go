// Package testutil provides shared test helpers for setting up workspaces and registries.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/registry"
	"github.com/starford/custodian/internal/storage"
)

// TestRegistry opens a registry backed by a temporary SQLite database that is
// automatically cleaned up.
func TestRegistry(t *testing.T) *registry.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "custodian-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() {
		os.Remove(dbFile.Name())
		os.Remove(dbFile.Name() + "-wal")
		os.Remove(dbFile.Name() + "-shm")
	})

	p, err := registry.OpenSQLite(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	s, err := registry.Open(p)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestWorkspace creates a temporary workspace directory with a storage.FS.
func TestWorkspace(t *testing.T) (string, *storage.FS) {
	t.Helper()
	root := t.TempDir()
	fs, err := storage.NewFS(root, storage.Ignore{Dirs: []string{".custodian"}})
	if err != nil {
		t.Fatal(err)
	}
	return root, fs
}

// WriteFile writes content at key or fails the test.
func WriteFile(t *testing.T, fs storage.Provider, key, content string) {
	t.Helper()
	if err := fs.Write(key, []byte(content)); err != nil {
		t.Fatalf("write %s: %v", key, err)
	}
}

// ReadFile returns the content at key or fails the test.
func ReadFile(t *testing.T, fs storage.Provider, key string) string {
	t.Helper()
	data, err := fs.Read(key)
	if err != nil {
		t.Fatalf("read %s: %v", key, err)
	}
	return string(data)
}

// Logger returns a logger that discards everything below error.
func Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Eventually polls fn every tick until it returns true or timeout elapses.
func Eventually(t testing.TB, timeout, tick time.Duration, fn func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(tick)
	}
	t.Error(msg)
}

// Recorder is a notify.Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *Recorder) Publish(ev notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

// Has reports whether an event of kind for path was recorded.
func (r *Recorder) Has(kind notify.Kind, path string) bool {
	for _, ev := range r.Events() {
		if ev.Kind == kind && ev.Path == path {
			return true
		}
	}
	return false
}
