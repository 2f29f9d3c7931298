package monitor

import (
	"fmt"
	"log/slog"

	"github.com/starford/custodian/internal/annotation"
	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/diffstat"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/registry"
)

// The mutators below expect the caller to hold the registry lock of every
// path they touch; registry.Store.Commit rejects the change otherwise.

// Version describes a content version to commit.
type Version struct {
	Kind   models.VersionKind
	Reason string
	// Purpose replaces the record's purpose when non-empty.
	Purpose string
	// Deps, when non-nil, replaces the declared dependencies. Annotations in
	// the new content are merged in either way.
	Deps []models.CrossReference
	// Backup is the snapshot taken before the change, if any.
	Backup *models.BackupEntry
	// Previous is the content being replaced, used for line statistics.
	Previous []byte
}

// Commit records content as the newest version of key, creating the record
// when none exists.
func (m *Monitor) Commit(key string, content []byte, v Version) (*models.FileRecord, error) {
	now := m.now().UTC()
	rec, ok := m.store.Get(key)
	if !ok {
		rec = &models.FileRecord{Path: key, CreatedAt: now}
	}
	if v.Purpose != "" {
		rec.Purpose = v.Purpose
	}
	declared := rec.Dependencies
	if v.Deps != nil {
		deps, err := m.normalizeDeps(v.Deps)
		if err != nil {
			return nil, err
		}
		declared = deps
	}
	rec.Dependencies = mergeRefs(key, declared, annotation.Parse(content))

	entry := models.VersionEntry{
		Digest: checksum.Sum(content),
		At:     now,
		Reason: v.Reason,
		Kind:   v.Kind,
	}
	if v.Previous != nil {
		st := diffstat.Lines(string(v.Previous), string(content))
		entry.Added, entry.Removed = st.Added, st.Removed
	}
	rec.History = append(rec.History, entry)
	rec.Digest = entry.Digest
	rec.Fingerprint = checksum.Fingerprint(content)
	rec.State = models.StateActive
	rec.UpdatedAt = now
	if v.Backup != nil {
		rec.Backups = append(rec.Backups, *v.Backup)
	}

	if err := m.store.Commit(registry.Change{Put: []*models.FileRecord{rec}}); err != nil {
		return nil, err
	}
	return m.withDependents(rec), nil
}

// MoveOption configures Move.
type MoveOption func(*moveOptions)

type moveOptions struct {
	replace bool
}

// ReplaceTarget lets Move bury a tracked record at the destination instead of
// failing; used when the file there has already been replaced on disk.
func ReplaceTarget() MoveOption {
	return func(o *moveOptions) { o.replace = true }
}

// Move re-keys the record at from to to, appending a moved version. A
// tracked record already at to is a PathExists conflict unless ReplaceTarget
// is given, in which case it is tombstoned in the same commit.
func (m *Monitor) Move(from, to, reason string, opts ...MoveOption) (*models.FileRecord, error) {
	var o moveOptions
	for _, fn := range opts {
		fn(&o)
	}
	rec, ok := m.store.Get(from)
	if !ok {
		return nil, fmt.Errorf("monitor: move %s: %w", from, apperr.ErrNotFound)
	}
	now := m.now().UTC()
	change := registry.Change{Remove: []string{from}}
	existing, taken := m.store.Get(to)
	if taken {
		if !o.replace {
			return nil, &apperr.ConflictError{Kind: apperr.PathExists, Path: to, Digest: existing.Digest}
		}
		existing.History = append(existing.History, models.VersionEntry{
			Digest: existing.Digest,
			At:     now,
			Reason: "overwritten by " + from,
			Kind:   models.VersionDeleted,
		})
		existing.State = models.StateTombstoned
		existing.UpdatedAt = now
		change.Bury = []*models.FileRecord{existing}
	}
	rec.Path = to
	rec.State = models.StateActive
	rec.Dependencies = mergeRefs(to, rec.Dependencies)
	rec.History = append(rec.History, models.VersionEntry{
		Digest: rec.Digest,
		At:     now,
		Reason: reason,
		Kind:   models.VersionMoved,
	})
	rec.UpdatedAt = now
	change.Put = []*models.FileRecord{rec}
	if err := m.store.Commit(change); err != nil {
		return nil, err
	}
	if taken {
		m.opts.Events.Publish(notify.Event{Kind: notify.Tombstoned, Path: to, Message: "overwritten by " + from})
	}
	m.opts.Logger.Info("record moved", slog.String("from", from), slog.String("to", to), slog.Bool("replaced", taken))
	return m.withDependents(rec), nil
}

// MarkMissing flags the record at key as deleted outside the guardian.
// Marking an already missing record is a no-op.
func (m *Monitor) MarkMissing(key, reason string) (*models.FileRecord, error) {
	rec, ok := m.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("monitor: mark missing %s: %w", key, apperr.ErrNotFound)
	}
	if rec.State == models.StateMissing {
		return rec, nil
	}
	now := m.now().UTC()
	rec.State = models.StateMissing
	rec.History = append(rec.History, models.VersionEntry{
		Digest: rec.Digest,
		At:     now,
		Reason: reason,
		Kind:   models.VersionMissing,
	})
	rec.UpdatedAt = now
	if err := m.store.Commit(registry.Change{Put: []*models.FileRecord{rec}}); err != nil {
		return nil, err
	}
	return m.withDependents(rec), nil
}

// Tombstone archives the record at key. backup, when set, is the snapshot
// of the deleted content.
func (m *Monitor) Tombstone(key, reason string, backup *models.BackupEntry) (*models.FileRecord, error) {
	rec, ok := m.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("monitor: tombstone %s: %w", key, apperr.ErrNotFound)
	}
	now := m.now().UTC()
	rec.History = append(rec.History, models.VersionEntry{
		Digest: rec.Digest,
		At:     now,
		Reason: reason,
		Kind:   models.VersionDeleted,
	})
	if backup != nil {
		rec.Backups = append(rec.Backups, *backup)
	}
	rec.State = models.StateTombstoned
	rec.UpdatedAt = now
	if err := m.store.Commit(registry.Change{Bury: []*models.FileRecord{rec}}); err != nil {
		return nil, err
	}
	m.opts.Events.Publish(notify.Event{Kind: notify.Tombstoned, Path: key, Message: reason})
	return rec, nil
}

// SetDependencies replaces the edges of key without a new version.
func (m *Monitor) SetDependencies(key string, deps []models.CrossReference) (*models.FileRecord, error) {
	rec, ok := m.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("monitor: set dependencies %s: %w", key, apperr.ErrNotFound)
	}
	deps, err := m.normalizeDeps(deps)
	if err != nil {
		return nil, err
	}
	rec.Dependencies = mergeRefs(key, deps)
	rec.UpdatedAt = m.now().UTC()
	if err := m.store.Commit(registry.Change{Put: []*models.FileRecord{rec}}); err != nil {
		return nil, err
	}
	return m.withDependents(rec), nil
}

// SetBackups replaces the backup list of key, used after pruning.
func (m *Monitor) SetBackups(key string, backups []models.BackupEntry) error {
	rec, ok := m.store.Get(key)
	if !ok {
		return fmt.Errorf("monitor: set backups %s: %w", key, apperr.ErrNotFound)
	}
	rec.Backups = backups
	return m.store.Commit(registry.Change{Put: []*models.FileRecord{rec}})
}
