package watcher

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/rewriter"
	"github.com/starford/custodian/internal/storage"
	"github.com/starford/custodian/internal/testutil"
)

// chanSource is a Source fed by the test. Events is unbuffered so a send
// returns only once the loop has taken the event.
type chanSource struct {
	events  chan RawEvent
	errors  chan error
	failAdd map[string]error
}

func newChanSource() *chanSource {
	return &chanSource{events: make(chan RawEvent), errors: make(chan error), failAdd: map[string]error{}}
}

func (s *chanSource) Add(root string) error    { return s.failAdd[root] }
func (s *chanSource) Events() <-chan RawEvent { return s.events }
func (s *chanSource) Errors() <-chan error    { return s.errors }
func (s *chanSource) Close() error            { return nil }

type harness struct {
	root   string
	fs     *storage.FS
	mon    *monitor.Monitor
	rec    *testutil.Recorder
	src    *chanSource
	w      *Watcher
	cancel context.CancelFunc
	done   chan error
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	root, fs := testutil.TestWorkspace(t)
	rec := &testutil.Recorder{}
	mon := monitor.New(testutil.TestRegistry(t), fs, monitor.Options{Logger: testutil.Logger(), Events: rec})
	backups, err := backup.NewManager(filepath.Join(t.TempDir(), "backups"), fs)
	if err != nil {
		t.Fatal(err)
	}
	rw := rewriter.New(mon, backups, rec, testutil.Logger())
	if opts.Roots == nil {
		opts.Roots = []string{root}
	}
	if opts.Throttle == 0 {
		opts.Throttle = 20 * time.Millisecond
	}
	opts.Events = rec
	opts.Logger = testutil.Logger()
	src := newChanSource()
	return &harness{root: root, fs: fs, mon: mon, rec: rec, src: src, w: New(src, fs, mon, rw, opts)}
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- h.w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) stop(t *testing.T) error {
	t.Helper()
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
		return nil
	}
}

func (h *harness) abs(key string) string {
	abs, _ := h.fs.Abs(key)
	return abs
}

func (h *harness) register(t *testing.T, key, content string) {
	t.Helper()
	testutil.WriteFile(t, h.fs, key, content)
	if _, err := h.mon.Register(context.Background(), key, "doc", nil, false); err != nil {
		t.Fatal(err)
	}
}

func (h *harness) send(op Op, key string) {
	h.src.events <- RawEvent{Op: op, Path: h.abs(key)}
}

func (h *harness) rename(t *testing.T, from, to string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(h.abs(to)), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(h.abs(from), h.abs(to)); err != nil {
		t.Fatal(err)
	}
	h.send(Rename, from)
	h.send(Create, to)
}

func TestWatcher_MoveRewritesDependents(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "/x.txt", "payload x")
	h.register(t, "/dep.txt", "uses @ref(/x.txt)")
	h.start(t)

	h.rename(t, "/x.txt", "/y/x.txt")

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		dep, ok := h.mon.Store().Get("/dep.txt")
		return ok && dep.DependsOn("/y/x.txt")
	}, "dependent edge not retargeted to /y/x.txt")

	if _, ok := h.mon.Store().Get("/x.txt"); ok {
		t.Error("record still registered at old path")
	}
	moved, ok := h.mon.Store().Get("/y/x.txt")
	if !ok || moved.History[len(moved.History)-1].Kind != models.VersionMoved {
		t.Errorf("moved record = %+v", moved)
	}
	if got := testutil.ReadFile(t, h.fs, "/dep.txt"); got != "uses @ref(/y/x.txt)" {
		t.Errorf("dep content = %q", got)
	}
	testutil.Eventually(t, time.Second, 10*time.Millisecond, func() bool {
		return h.rec.Has(notify.PathMoved, "/y/x.txt")
	}, "PathMoved not published")
	for _, ev := range h.rec.Events() {
		if ev.Kind == notify.PathMoved && ev.From != "/x.txt" {
			t.Errorf("PathMoved from = %s", ev.From)
		}
	}

	h.rename(t, "/y/x.txt", "/x.txt")
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		dep, ok := h.mon.Store().Get("/dep.txt")
		return ok && dep.DependsOn("/x.txt") && !dep.DependsOn("/y/x.txt")
	}, "round trip did not restore the original edge")
	if got := testutil.ReadFile(t, h.fs, "/dep.txt"); got != "uses @ref(/x.txt)" {
		t.Errorf("dep content after round trip = %q", got)
	}
}

func TestWatcher_DirectoryMove(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "/a/one.txt", "first file")
	h.register(t, "/a/two.txt", "second file")
	h.register(t, "/dep.txt", "@ref(/a/one.txt) @ref(/a/two.txt)")
	h.start(t)

	if err := os.Rename(h.abs("/a"), h.abs("/b")); err != nil {
		t.Fatal(err)
	}
	h.send(Rename, "/a")
	h.send(Create, "/b/one.txt")
	h.send(Create, "/b/two.txt")

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		dep, _ := h.mon.Store().Get("/dep.txt")
		return dep.DependsOn("/b/one.txt") && dep.DependsOn("/b/two.txt")
	}, "directory move not applied to dependents")
}

func TestWatcher_ModifyCoalesced(t *testing.T) {
	h := newHarness(t, Options{Throttle: 100 * time.Millisecond})
	h.register(t, "/a.txt", "v1")
	h.start(t)

	for _, c := range []string{"v2", "v3", "v4"} {
		if err := os.WriteFile(h.abs("/a.txt"), []byte(c), 0o644); err != nil {
			t.Fatal(err)
		}
		h.send(Write, "/a.txt")
	}
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		rec, _ := h.mon.Store().Get("/a.txt")
		return len(rec.History) >= 2
	}, "modification not recorded")

	// Unchanged content is a no-op.
	h.send(Write, "/a.txt")
	time.Sleep(300 * time.Millisecond)

	rec, _ := h.mon.Store().Get("/a.txt")
	if len(rec.History) != 2 {
		t.Fatalf("history = %d entries, want 2", len(rec.History))
	}
	if last := rec.History[1]; last.Kind != models.VersionExternal {
		t.Errorf("last kind = %s", last.Kind)
	}
	if rec.Digest != checksum.Sum([]byte("v4")) {
		t.Errorf("digest does not match the last write")
	}
}

func TestWatcher_ExternalDelete(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "/a.txt", "doomed")
	h.start(t)

	if err := os.Remove(h.abs("/a.txt")); err != nil {
		t.Fatal(err)
	}
	h.send(Remove, "/a.txt")

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		rec, ok := h.mon.Store().Get("/a.txt")
		return ok && rec.State == models.StateMissing
	}, "record not marked missing")
	testutil.Eventually(t, time.Second, 10*time.Millisecond, func() bool {
		return h.rec.Has(notify.ExternallyDeleted, "/a.txt")
	}, "ExternallyDeleted not published")
}

func TestWatcher_UnpairedRenameExpiresAsDelete(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "/a.txt", "leaving")
	h.start(t)

	if err := os.Rename(h.abs("/a.txt"), filepath.Join(t.TempDir(), "elsewhere.txt")); err != nil {
		t.Fatal(err)
	}
	h.send(Rename, "/a.txt")

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		rec, ok := h.mon.Store().Get("/a.txt")
		return ok && rec.State == models.StateMissing
	}, "unpaired rename not treated as delete")
}

func TestWatcher_AutoRegister(t *testing.T) {
	h := newHarness(t, Options{AutoRegister: true})
	h.start(t)

	testutil.WriteFile(t, h.fs, "/new.txt", "fresh @ref(/other.txt)")
	h.send(Create, "/new.txt")
	testutil.WriteFile(t, h.fs, "/.custodian/skip.txt", "ignored")
	h.send(Create, "/.custodian/skip.txt")

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		rec, ok := h.mon.Store().Get("/new.txt")
		return ok && rec.DependsOn("/other.txt")
	}, "new file not registered")
	time.Sleep(60 * time.Millisecond)
	if _, ok := h.mon.Store().Get("/.custodian/skip.txt"); ok {
		t.Error("ignored file registered")
	}
}

func TestWatcher_StopFlushesCoalescedEvents(t *testing.T) {
	h := newHarness(t, Options{Throttle: time.Hour})
	h.register(t, "/a.txt", "v1")
	h.start(t)

	if err := os.WriteFile(h.abs("/a.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.send(Write, "/a.txt")
	if err := h.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	rec, _ := h.mon.Store().Get("/a.txt")
	if len(rec.History) != 2 {
		t.Errorf("pending change not flushed on stop: %+v", rec.History)
	}
}

func TestWatcher_RootRemovedFault(t *testing.T) {
	h := newHarness(t, Options{})
	h.start(t)

	h.src.events <- RawEvent{Op: Remove, Path: h.root, IsDir: true}

	select {
	case f := <-h.w.Faults():
		if f.Root != filepath.Clean(h.root) {
			t.Errorf("fault root = %s", f.Root)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fault reported")
	}
	select {
	case err := <-h.done:
		h.done <- err
		if !errors.Is(err, ErrNoRoots) {
			t.Errorf("Run = %v, want ErrNoRoots", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after last root failed")
	}
}

func TestWatcher_FailedRootDoesNotStopOthers(t *testing.T) {
	h := newHarness(t, Options{})
	bad := filepath.Join(h.root, "unwatchable")
	h.w.opts.Roots = []string{h.root, bad}
	h.src.failAdd[filepath.Clean(bad)] = errors.New("permission denied")
	h.register(t, "/a.txt", "v1")
	h.start(t)

	select {
	case f := <-h.w.Faults():
		var werr *apperr.WatcherError
		if !errors.As(error(f), &werr) || f.Root != filepath.Clean(bad) {
			t.Errorf("fault = %v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no fault reported")
	}

	if err := os.WriteFile(h.abs("/a.txt"), []byte("v2"), 0o644); err != nil {
		t.Fatal(err)
	}
	h.send(Write, "/a.txt")
	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		rec, _ := h.mon.Store().Get("/a.txt")
		return len(rec.History) == 2
	}, "watcher stopped processing after a root failed")
}

func TestWatcher_MoveOntoTrackedPath(t *testing.T) {
	h := newHarness(t, Options{})
	h.register(t, "/a.txt", "payload a")
	h.register(t, "/b.txt", "payload b")
	h.register(t, "/dep.txt", "uses @ref(/a.txt)")
	h.start(t)

	h.rename(t, "/a.txt", "/b.txt")

	testutil.Eventually(t, 2*time.Second, 10*time.Millisecond, func() bool {
		dep, ok := h.mon.Store().Get("/dep.txt")
		return ok && dep.DependsOn("/b.txt") && !dep.DependsOn("/a.txt")
	}, "dependent edge not retargeted to /b.txt")

	if got := testutil.ReadFile(t, h.fs, "/dep.txt"); got != "uses @ref(/b.txt)" {
		t.Errorf("dep content = %q", got)
	}
	if _, ok := h.mon.Store().Get("/a.txt"); ok {
		t.Error("record still registered at old path")
	}
	b, ok := h.mon.Store().Get("/b.txt")
	if !ok || b.Digest != checksum.Sum([]byte("payload a")) {
		t.Errorf("record at /b.txt = %+v, want the moved file", b)
	}
	tombs := h.mon.Store().Tombstones("/b.txt")
	if len(tombs) != 1 || tombs[0].Digest != checksum.Sum([]byte("payload b")) {
		t.Errorf("tombstones of /b.txt = %+v", tombs)
	}
	testutil.Eventually(t, time.Second, 10*time.Millisecond, func() bool {
		return h.rec.Has(notify.Tombstoned, "/b.txt") && h.rec.Has(notify.PathMoved, "/b.txt")
	}, "overwrite not published")
}

func TestWatcher_StopPairsBufferedRename(t *testing.T) {
	h := newHarness(t, Options{Throttle: time.Hour})
	h.src.events = make(chan RawEvent, 8)
	h.register(t, "/x.txt", "payload x")
	h.register(t, "/dep.txt", "uses @ref(/x.txt)")
	h.start(t)

	if err := os.MkdirAll(h.abs("/y"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(h.abs("/x.txt"), h.abs("/y/x.txt")); err != nil {
		t.Fatal(err)
	}
	h.send(Rename, "/x.txt")
	h.send(Create, "/y/x.txt")
	if err := h.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, ok := h.mon.Store().Get("/y/x.txt"); !ok {
		t.Fatal("move not applied on stop")
	}
	if _, ok := h.mon.Store().Get("/x.txt"); ok {
		t.Error("record still registered at old path")
	}
	if got := testutil.ReadFile(t, h.fs, "/dep.txt"); got != "uses @ref(/y/x.txt)" {
		t.Errorf("dep content = %q", got)
	}
}

func TestWatcher_StopPairsRenameWithEarlierCreate(t *testing.T) {
	h := newHarness(t, Options{Throttle: time.Hour})
	h.register(t, "/x.txt", "payload x")
	h.register(t, "/dep.txt", "uses @ref(/x.txt)")
	h.start(t)

	if err := os.MkdirAll(h.abs("/y"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(h.abs("/x.txt"), h.abs("/y/x.txt")); err != nil {
		t.Fatal(err)
	}
	h.send(Create, "/y/x.txt")
	h.send(Rename, "/x.txt")
	if err := h.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}

	dep, _ := h.mon.Store().Get("/dep.txt")
	if !dep.DependsOn("/y/x.txt") {
		t.Errorf("dep edges = %+v", dep.Dependencies)
	}
	if moved, ok := h.mon.Store().Get("/y/x.txt"); !ok || moved.History[len(moved.History)-1].Kind != models.VersionMoved {
		t.Errorf("moved record = %+v", moved)
	}
}

func TestWatcher_StopTurnsUnpairedRenameIntoDelete(t *testing.T) {
	h := newHarness(t, Options{Throttle: time.Hour})
	h.register(t, "/a.txt", "leaving")
	h.start(t)

	if err := os.Rename(h.abs("/a.txt"), filepath.Join(t.TempDir(), "elsewhere.txt")); err != nil {
		t.Fatal(err)
	}
	h.send(Rename, "/a.txt")
	if err := h.stop(t); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec, ok := h.mon.Store().Get("/a.txt"); !ok || rec.State != models.StateMissing {
		t.Errorf("record = %+v, want missing", rec)
	}
}
