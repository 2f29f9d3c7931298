// Package watcher reconciles the registry with changes made to watched
// directories outside the guardian.
//
// A single loop consumes raw events from a Source. Creates and writes are
// coalesced per path inside the throttle window. A rename of a tracked path
// is held as a pending move until a create with the same digest shows up;
// the pair becomes a move, which re-keys the record and rewrites the
// references of its dependents. A rename that finds no partner within two
// throttle windows is treated as a delete.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/rewriter"
	"github.com/starford/custodian/internal/storage"
)

// DefaultThrottle is used when Options leaves it unset.
const DefaultThrottle = time.Second

// ErrNoRoots is returned by Run once every watched root has failed.
var ErrNoRoots = errors.New("watcher: no watched roots remain")

// Workspace is the file provider the watcher resolves event paths with.
type Workspace interface {
	storage.Provider
	// Key converts an absolute OS path into a key.
	Key(abs string) (string, bool)
}

// Options configures a Watcher.
type Options struct {
	// Roots are absolute directories to watch.
	Roots        []string
	Throttle     time.Duration
	AutoRegister bool
	Events       notify.Publisher
	Logger       *slog.Logger
}

type pendingKind uint8

const (
	pendingChange pendingKind = iota + 1
	pendingDelete
)

type pending struct {
	kind pendingKind
	due  time.Time
}

type pendingMove struct {
	from     string
	digest   string
	deadline time.Time
}

// Watcher is the background reconciliation loop.
type Watcher struct {
	src  Source
	ws   Workspace
	mon  *monitor.Monitor
	rw   *rewriter.Rewriter
	opts Options
	now  func() time.Time

	faults  chan *apperr.WatcherError
	roots   map[string]bool
	pending map[string]*pending
	moves   []*pendingMove
}

// New returns a Watcher reading from src.
func New(src Source, ws Workspace, mon *monitor.Monitor, rw *rewriter.Rewriter, opts Options) *Watcher {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultThrottle
	}
	if opts.Events == nil {
		opts.Events = notify.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{
		src:     src,
		ws:      ws,
		mon:     mon,
		rw:      rw,
		opts:    opts,
		now:     time.Now,
		faults:  make(chan *apperr.WatcherError, 16),
		roots:   make(map[string]bool),
		pending: make(map[string]*pending),
	}
}

// Faults reports roots that can no longer be watched. Faults are dropped
// when nobody drains the channel.
func (w *Watcher) Faults() <-chan *apperr.WatcherError { return w.faults }

// Run processes events until ctx is cancelled or no root remains. On
// cancellation the event in flight finishes, events the source already
// delivered are handled, coalesced changes are flushed and Run returns nil.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.src.Close()

	var last error
	for _, root := range w.opts.Roots {
		root = filepath.Clean(root)
		if err := w.src.Add(root); err != nil {
			last = w.fault(root, err)
			continue
		}
		w.roots[root] = true
		w.opts.Logger.Info("watcher: started", slog.String("root", root))
	}
	if len(w.roots) == 0 {
		return fmt.Errorf("%w: %v", ErrNoRoots, last)
	}

	tick := time.NewTicker(w.tickInterval())
	defer tick.Stop()
	errs := w.src.Errors()

	for {
		select {
		case <-ctx.Done():
			stop := context.WithoutCancel(ctx)
			w.drain(stop)
			w.flush(stop)
			w.opts.Logger.Info("watcher: stopped")
			return nil

		case ev, ok := <-w.src.Events():
			if !ok {
				w.flush(context.WithoutCancel(ctx))
				return nil
			}
			w.handle(ctx, ev)
			if len(w.roots) == 0 {
				w.flush(context.WithoutCancel(ctx))
				return ErrNoRoots
			}

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.opts.Logger.Error("watcher: error", slog.String("error", err.Error()))

		case <-tick.C:
			w.processDue(ctx, w.now())
		}
	}
}

// drainLimit bounds how many buffered events drain handles at stop.
const drainLimit = 1024

// drain handles events that are ready without waiting for more, so a rename
// and its create delivered around cancellation still pair up.
func (w *Watcher) drain(ctx context.Context) {
	for i := 0; i < drainLimit; i++ {
		select {
		case ev, ok := <-w.src.Events():
			if !ok {
				return
			}
			w.handle(ctx, ev)
		default:
			return
		}
	}
}

func (w *Watcher) tickInterval() time.Duration {
	d := w.opts.Throttle / 4
	if d < 5*time.Millisecond {
		d = 5 * time.Millisecond
	}
	return d
}

func (w *Watcher) fault(root string, err error) error {
	werr := &apperr.WatcherError{Root: root, Err: err}
	w.opts.Logger.Error("watcher: root failed", slog.String("root", root), slog.String("error", err.Error()))
	w.opts.Events.Publish(notify.Event{Kind: notify.WatchFailed, Path: root, Message: err.Error()})
	select {
	case w.faults <- werr:
	default:
	}
	return werr
}

func (w *Watcher) handle(ctx context.Context, ev RawEvent) {
	abs := filepath.Clean(ev.Path)
	if w.roots[abs] {
		if ev.Op == Remove || ev.Op == Rename {
			delete(w.roots, abs)
			w.fault(abs, fmt.Errorf("watched root %s", ev.Op))
		}
		return
	}
	key, ok := w.ws.Key(abs)
	if !ok || w.ws.Ignored(key, ev.IsDir) {
		return
	}
	now := w.now()

	switch ev.Op {
	case Rename:
		w.holdMoves(key, now)
	case Remove:
		w.schedule(key, pendingDelete, now)
	case Create:
		if w.pairMove(ctx, key) {
			return
		}
		w.schedule(key, pendingChange, now)
	case Write:
		w.schedule(key, pendingChange, now)
	}
}

func (w *Watcher) schedule(key string, kind pendingKind, now time.Time) {
	w.pending[key] = &pending{kind: kind, due: now.Add(w.opts.Throttle)}
}

// holdMoves turns a rename of key into pending moves: one for the tracked
// file at key, or one per tracked file below key when a directory moved.
func (w *Watcher) holdMoves(key string, now time.Time) {
	deadline := now.Add(2 * w.opts.Throttle)
	delete(w.pending, key)
	if rec, ok := w.mon.Store().Get(key); ok && rec.State == models.StateActive {
		w.moves = append(w.moves, &pendingMove{from: key, digest: rec.Digest, deadline: deadline})
		return
	}
	prefix := key + "/"
	for _, rec := range w.mon.Store().List() {
		if rec.State == models.StateActive && strings.HasPrefix(rec.Path, prefix) {
			delete(w.pending, rec.Path)
			w.moves = append(w.moves, &pendingMove{from: rec.Path, digest: rec.Digest, deadline: deadline})
		}
	}
}

// pairMove completes the oldest pending move whose digest matches the file
// created at key.
func (w *Watcher) pairMove(ctx context.Context, key string) bool {
	if len(w.moves) == 0 {
		return false
	}
	content, err := w.ws.Read(key)
	if err != nil {
		return false
	}
	digest := checksum.Sum(content)
	for i, mv := range w.moves {
		if mv.digest != digest || mv.from == key {
			continue
		}
		w.moves = append(w.moves[:i], w.moves[i+1:]...)
		delete(w.pending, key)
		w.move(ctx, mv.from, key)
		return true
	}
	return false
}

// processDue runs the coalesced events whose window has closed and expires
// unpaired renames.
func (w *Watcher) processDue(ctx context.Context, now time.Time) {
	var due []string
	for key, p := range w.pending {
		if !p.due.After(now) {
			due = append(due, key)
		}
	}
	sort.Strings(due)
	for _, key := range due {
		p := w.pending[key]
		delete(w.pending, key)
		w.apply(ctx, key, p.kind)
	}

	kept := w.moves[:0]
	var expired []*pendingMove
	for _, mv := range w.moves {
		if mv.deadline.After(now) {
			kept = append(kept, mv)
		} else {
			expired = append(expired, mv)
		}
	}
	w.moves = kept
	for _, mv := range expired {
		w.opts.Logger.Debug("watcher: rename expired unpaired", slog.String("path", mv.from))
		w.apply(ctx, mv.from, pendingDelete)
	}
}

// flush settles everything pending without waiting for windows to close.
// A pending move is first matched by digest against the untracked files
// with a coalesced change; moves still unpaired become deletes, as they
// would on expiry.
func (w *Watcher) flush(ctx context.Context) {
	w.pairPending(ctx)

	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w.apply(ctx, k, w.pending[k].kind)
	}
	w.pending = make(map[string]*pending)

	moves := w.moves
	w.moves = nil
	for _, mv := range moves {
		w.opts.Logger.Warn("watcher: unpaired rename at stop", slog.String("path", mv.from))
		w.apply(ctx, mv.from, pendingDelete)
	}
}

// pairPending completes pending moves whose file already sits at a path
// waiting in the change window.
func (w *Watcher) pairPending(ctx context.Context) {
	if len(w.moves) == 0 {
		return
	}
	var candidates []string
	for key, p := range w.pending {
		if p.kind != pendingChange {
			continue
		}
		if _, tracked := w.mon.Store().Get(key); !tracked {
			candidates = append(candidates, key)
		}
	}
	sort.Strings(candidates)
	for _, key := range candidates {
		if len(w.moves) == 0 {
			return
		}
		w.pairMove(ctx, key)
	}
}

// apply acts on the state of key as it is on disk now; a change whose file
// is gone is a delete and a delete whose file is back is a change.
func (w *Watcher) apply(ctx context.Context, key string, kind pendingKind) {
	exists, err := w.ws.Exists(key)
	if err != nil {
		w.opts.Logger.Warn("watcher: stat failed", slog.String("path", key), slog.String("error", err.Error()))
		return
	}
	if kind == pendingDelete && exists {
		kind = pendingChange
	}
	if kind == pendingChange && !exists {
		kind = pendingDelete
	}
	if kind == pendingDelete {
		w.deleted(key)
		return
	}
	w.changed(ctx, key)
}

func (w *Watcher) changed(ctx context.Context, key string) {
	if _, ok := w.mon.Store().Get(key); !ok {
		if !w.opts.AutoRegister {
			w.opts.Logger.Debug("watcher: untracked file", slog.String("path", key))
			return
		}
		if _, err := w.mon.Register(ctx, key, "", nil, false); err != nil {
			w.opts.Logger.Warn("watcher: register failed", slog.String("path", key), slog.String("error", err.Error()))
		}
		return
	}

	unlock := w.mon.Lock(key)
	defer unlock()
	rec, ok := w.mon.Store().Get(key)
	if !ok {
		return
	}
	content, err := w.ws.Read(key)
	if err != nil {
		w.opts.Logger.Warn("watcher: read failed", slog.String("path", key), slog.String("error", err.Error()))
		return
	}
	digest := checksum.Sum(content)
	if digest == rec.Digest && rec.State == models.StateActive {
		return
	}
	if _, err := w.mon.Commit(key, content, monitor.Version{
		Kind:   models.VersionExternal,
		Reason: "modified outside guardian",
	}); err != nil {
		w.opts.Logger.Warn("watcher: update failed", slog.String("path", key), slog.String("error", err.Error()))
		return
	}
	w.opts.Logger.Debug("watcher: modified", slog.String("path", key))
	w.opts.Events.Publish(notify.Event{Kind: notify.Modified, Path: key, Data: map[string]any{"digest": digest}})
}

func (w *Watcher) deleted(key string) {
	unlock := w.mon.Lock(key)
	defer unlock()
	rec, ok := w.mon.Store().Get(key)
	if !ok || rec.State != models.StateActive {
		return
	}
	if _, err := w.mon.MarkMissing(key, "deleted outside guardian"); err != nil {
		w.opts.Logger.Warn("watcher: mark missing failed", slog.String("path", key), slog.String("error", err.Error()))
		return
	}
	w.opts.Logger.Warn("watcher: externally deleted", slog.String("path", key))
	w.opts.Events.Publish(notify.Event{Kind: notify.ExternallyDeleted, Path: key})
}

// move re-keys the record at from to to and rewrites every record that
// references from. A record already tracked at to was overwritten on disk
// and is tombstoned.
func (w *Watcher) move(ctx context.Context, from, to string) {
	rec, ok := w.mon.Store().Get(from)
	if !ok || rec.State == models.StateTombstoned {
		w.changed(ctx, to)
		return
	}
	var affected []string
	for _, p := range w.mon.Store().Referrers(from) {
		if p != to {
			affected = append(affected, p)
		}
	}

	unlock := w.mon.Lock(from, to)
	_, err := w.mon.Move(from, to, "moved from "+from, monitor.ReplaceTarget())
	unlock()
	if err != nil {
		w.opts.Logger.Warn("watcher: move failed", slog.String("from", from), slog.String("to", to), slog.String("error", err.Error()))
		w.apply(ctx, from, pendingDelete)
		w.changed(ctx, to)
		return
	}
	w.opts.Logger.Info("watcher: move detected", slog.String("from", from), slog.String("to", to), slog.Int("dependents", len(affected)))

	updated := 0
	if len(affected) > 0 {
		res, err := w.rw.RewriteReferences(context.WithoutCancel(ctx), from, to, affected)
		if err != nil {
			w.opts.Logger.Warn("watcher: rewrite incomplete", slog.String("from", from), slog.String("to", to), slog.String("error", err.Error()))
		}
		if res != nil {
			updated = res.Updated
		}
	}
	w.opts.Events.Publish(notify.Event{
		Kind: notify.PathMoved,
		From: from,
		To:   to,
		Path: to,
		Data: map[string]any{"dependents": affected, "edges_updated": updated},
	})
}
