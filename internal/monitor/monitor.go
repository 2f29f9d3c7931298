// Package monitor tracks file identity in the registry: registration,
// conflict and near-duplicate detection, and the versioned mutators used by
// the guardian, the watcher and the rewriter.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/starford/custodian/internal/annotation"
	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/registry"
	"github.com/starford/custodian/internal/storage"
)

// DefaultSimilarityThreshold is used when Options leaves it unset.
const DefaultSimilarityThreshold = 0.9

// Options configures a Monitor.
type Options struct {
	// SimilarityThreshold in (0,1] is the minimum fingerprint similarity
	// for two files to count as near-duplicates.
	SimilarityThreshold float64
	// NotifyConflicts publishes ConflictDetected for every non-OK decision.
	NotifyConflicts bool
	Events          notify.Publisher
	Logger          *slog.Logger
}

// Monitor owns the read-modify-write cycle of registry records.
type Monitor struct {
	store *registry.Store
	files storage.Provider
	opts  Options
	now   func() time.Time
}

// testHookBeforeRegisterLock, when set, runs between the unlocked read and
// the lock acquisition in Register.
var testHookBeforeRegisterLock func()

// New returns a Monitor over store.
func New(store *registry.Store, files storage.Provider, opts Options) *Monitor {
	if opts.SimilarityThreshold <= 0 || opts.SimilarityThreshold > 1 {
		opts.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if opts.Events == nil {
		opts.Events = notify.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{store: store, files: files, opts: opts, now: time.Now}
}

// Store returns the underlying registry.
func (m *Monitor) Store() *registry.Store { return m.store }

// Files returns the workspace provider.
func (m *Monitor) Files() storage.Provider { return m.files }

// Lock acquires the registry locks for paths.
func (m *Monitor) Lock(paths ...string) (unlock func()) { return m.store.Lock(paths...) }

// Register reads the file at path and records it. An active record with a
// different digest is a PathExists conflict unless overwrite is set; a
// record that changed between the read and the lock is a RaceLost conflict.
// Annotations found in the content are merged into deps.
func (m *Monitor) Register(ctx context.Context, path, purpose string, deps []models.CrossReference, overwrite bool) (*models.FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := m.files.Normalize(path)
	if err != nil {
		return nil, err
	}
	deps, err = m.normalizeDeps(deps)
	if err != nil {
		return nil, err
	}

	var baseRev uint64
	if rec, ok := m.store.Get(key); ok {
		baseRev = rec.Rev
	}
	if hook := testHookBeforeRegisterLock; hook != nil {
		hook()
	}

	unlock := m.store.Lock(key)
	defer unlock()

	current, exists := m.store.Get(key)
	var rev uint64
	if exists {
		rev = current.Rev
	}
	if rev != baseRev {
		m.conflict(key, apperr.RaceLost, "registration raced with a concurrent writer")
		return nil, &apperr.ConflictError{Kind: apperr.RaceLost, Path: key, Digest: current.Digest}
	}

	content, err := m.files.Read(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("monitor: register %s: %w", key, apperr.ErrNotFound)
	}
	if err != nil {
		return nil, &apperr.IOError{Op: "register", Path: key, Err: err}
	}
	digest := checksum.Sum(content)

	if exists && current.State == models.StateActive && current.Digest != digest && !overwrite {
		m.conflict(key, apperr.PathExists, "registered content differs from file on disk")
		return nil, &apperr.ConflictError{Kind: apperr.PathExists, Path: key, Digest: current.Digest}
	}

	now := m.now().UTC()
	rec := current
	if !exists {
		rec = &models.FileRecord{Path: key, CreatedAt: now}
	}
	if purpose != "" {
		rec.Purpose = purpose
	}
	rec.Dependencies = mergeRefs(key, rec.Dependencies, deps, annotation.Parse(content))
	if !exists || rec.Digest != digest {
		kind, reason := models.VersionCreated, "registered"
		if exists {
			kind, reason = models.VersionResynced, "re-registered with overwrite"
		}
		rec.History = append(rec.History, models.VersionEntry{Digest: digest, At: now, Reason: reason, Kind: kind})
	}
	rec.Digest = digest
	rec.Fingerprint = checksum.Fingerprint(content)
	rec.State = models.StateActive
	rec.UpdatedAt = now

	if err := m.store.Commit(registry.Change{Put: []*models.FileRecord{rec}}); err != nil {
		return nil, err
	}
	m.opts.Logger.Info("file registered", slog.String("path", key), slog.String("digest", digest))
	m.opts.Events.Publish(notify.Event{Kind: notify.Registered, Path: key, Data: map[string]any{"digest": digest}})
	return m.withDependents(rec), nil
}

func (m *Monitor) conflict(key string, kind apperr.ConflictKind, msg string) {
	m.opts.Logger.Warn("registration conflict", slog.String("path", key), slog.String("kind", string(kind)))
	if m.opts.NotifyConflicts {
		m.opts.Events.Publish(notify.Event{Kind: notify.ConflictDetected, Path: key, Message: msg,
			Data: map[string]any{"conflict": string(kind)}})
	}
}

// History returns a copy of the version history of path. The histories of
// archived tombstones come first, oldest first.
func (m *Monitor) History(path string) ([]models.VersionEntry, error) {
	key, err := m.files.Normalize(path)
	if err != nil {
		return nil, err
	}
	var out []models.VersionEntry
	tombs := m.store.Tombstones(key)
	for _, t := range tombs {
		out = append(out, t.History...)
	}
	rec, ok := m.store.Get(key)
	if ok {
		out = append(out, rec.History...)
	}
	if !ok && len(tombs) == 0 {
		return nil, fmt.Errorf("monitor: history %s: %w", key, apperr.ErrNotFound)
	}
	return out, nil
}

func (m *Monitor) normalizeDeps(deps []models.CrossReference) ([]models.CrossReference, error) {
	out := make([]models.CrossReference, 0, len(deps))
	for _, d := range deps {
		target, err := m.files.Normalize(d.Target)
		if err != nil {
			return nil, fmt.Errorf("monitor: dependency %q: %w", d.Target, err)
		}
		if d.Kind == "" {
			d.Kind = models.DefaultEdgeKind
		}
		if d.Weight <= 0 || d.Weight > 1 {
			d.Weight = 1
		}
		d.Target = target
		out = append(out, d)
	}
	return out, nil
}

// mergeRefs unions edge lists in order, dropping duplicates by (kind,
// target) and self references.
func mergeRefs(self string, lists ...[]models.CrossReference) []models.CrossReference {
	seen := make(map[string]struct{})
	var out []models.CrossReference
	for _, list := range lists {
		for _, r := range list {
			if r.Target == self {
				continue
			}
			k := r.Kind + "\x00" + r.Target
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

func (m *Monitor) withDependents(rec *models.FileRecord) *models.FileRecord {
	rec.Dependents = m.store.Dependents(rec.Path)
	return rec
}

// sortedUnique returns in sorted with duplicates removed.
func sortedUnique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	sort.Strings(in)
	out := in[:1]
	for _, s := range in[1:] {
		if s != out[len(out)-1] {
			out = append(out, s)
		}
	}
	return out
}
