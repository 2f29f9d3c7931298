package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
)

// SafeCreate writes content to a new tracked file. Without overwrite it
// fails with a conflict when an active record exists at path, when the
// registry reports divergent content, or when an untracked file is already
// on disk.
func (g *Guardian) SafeCreate(ctx context.Context, path string, content []byte, purpose string, overwrite bool) (*models.FileRecord, error) {
	m := g.begin("create", path)
	if err := ctx.Err(); err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	key, err := g.files.Normalize(path)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	m.path = key

	unlock := g.mon.Lock(key)
	defer unlock()

	m.enter(StageChecked)
	rec, tracked := g.mon.Store().Get(key)
	active := tracked && rec.State == models.StateActive
	if active && !overwrite {
		return nil, m.fail(apperr.KindConflict, &apperr.ConflictError{Kind: apperr.PathExists, Path: key, Digest: rec.Digest})
	}
	decision, err := g.mon.CheckConflict(key, monitor.ProposalFor(content, purpose))
	if err != nil {
		return nil, m.failWith(err)
	}
	if decision.Status == monitor.DivergentContent && !overwrite {
		return nil, m.fail(apperr.KindConflict, &apperr.ConflictError{Kind: apperr.PathExists, Path: key, Digest: decision.Existing})
	}
	if decision.Status == monitor.SimilarFileFound {
		g.opts.Logger.Warn("creating near-duplicate file", slog.String("path", key), slog.Any("similar", decision.Similar))
	}
	onDisk, err := g.files.Exists(key)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	if onDisk && !tracked && !overwrite {
		return nil, m.fail(apperr.KindConflict, fmt.Errorf("untracked file already exists at %s", key))
	}

	m.enter(StageBackedUp)
	var previous []byte
	if onDisk {
		if previous, err = g.files.Read(key); err != nil {
			return nil, m.fail(apperr.KindIOFailure, err)
		}
	}
	entry, err := g.snapshot(key)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	m.enter(StageApplied)
	if err := g.write(key, content); err != nil {
		g.rollback(key, entry)
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	kind, reason := models.VersionCreated, "created"
	if active {
		kind, reason = models.VersionEdited, "overwritten"
	}
	out, err := g.mon.Commit(key, content, monitor.Version{
		Kind:     kind,
		Reason:   reason,
		Purpose:  purpose,
		Backup:   entry,
		Previous: previous,
	})
	if err != nil {
		g.rollback(key, entry)
		return nil, m.failWith(err)
	}
	m.done()
	g.retain(key)
	g.opts.Events.Publish(notify.Event{Kind: notify.Registered, Path: key, Data: map[string]any{"digest": out.Digest}})
	return out, nil
}

// EditOption tunes SafeEdit.
type EditOption func(*editOptions)

type editOptions struct {
	expectedDigest string
}

// WithExpectedDigest makes SafeEdit fail with a conflict unless the
// registered digest equals digest.
func WithExpectedDigest(digest string) EditOption {
	return func(o *editOptions) { o.expectedDigest = digest }
}

// SafeEdit replaces the content of a tracked file. The prior content is
// always snapshotted first.
func (g *Guardian) SafeEdit(ctx context.Context, path string, content []byte, reason string, opts ...EditOption) (*models.FileRecord, error) {
	var o editOptions
	for _, fn := range opts {
		fn(&o)
	}
	m := g.begin("edit", path)
	if err := ctx.Err(); err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	key, err := g.files.Normalize(path)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	m.path = key

	unlock := g.mon.Lock(key)
	defer unlock()

	m.enter(StageChecked)
	rec, ok := g.mon.Store().Get(key)
	if !ok {
		return nil, m.fail(apperr.KindNotFound, fmt.Errorf("%s is not registered", key))
	}
	if rec.State == models.StateMissing {
		return nil, m.fail(apperr.KindNotFound, fmt.Errorf("%s is missing on disk", key))
	}
	if o.expectedDigest != "" && o.expectedDigest != rec.Digest {
		return nil, m.fail(apperr.KindConflict, &apperr.ConflictError{Kind: apperr.PathExists, Path: key, Digest: rec.Digest})
	}
	previous, err := g.files.Read(key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, m.fail(apperr.KindNotFound, err)
	}
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	m.enter(StageBackedUp)
	entry, err := g.snapshot(key)
	if err == nil && entry == nil {
		err = fmt.Errorf("%s vanished before it could be backed up", key)
	}
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	m.enter(StageApplied)
	if err := g.write(key, content); err != nil {
		g.rollback(key, entry)
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	if reason == "" {
		reason = "edited"
	}
	out, err := g.mon.Commit(key, content, monitor.Version{
		Kind:     models.VersionEdited,
		Reason:   reason,
		Backup:   entry,
		Previous: previous,
	})
	if err != nil {
		g.rollback(key, entry)
		return nil, m.failWith(err)
	}
	m.done()
	g.retain(key)
	g.opts.Events.Publish(notify.Event{Kind: notify.Modified, Path: key, Message: reason, Data: map[string]any{"digest": out.Digest}})
	return out, nil
}

// SafeDelete removes a tracked file and tombstones its record. Active
// dependents block the delete unless force is set.
func (g *Guardian) SafeDelete(ctx context.Context, path string, force bool) (*models.FileRecord, error) {
	m := g.begin("delete", path)
	if err := ctx.Err(); err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	key, err := g.files.Normalize(path)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	m.path = key

	unlock := g.mon.Lock(key)
	defer unlock()

	m.enter(StageChecked)
	if _, ok := g.mon.Store().Get(key); !ok {
		return nil, m.fail(apperr.KindNotFound, fmt.Errorf("%s is not registered", key))
	}
	if deps := g.activeDependents(key); len(deps) > 0 && !force {
		gerr := m.fail(apperr.KindHasDependents, nil)
		gerr.Dependents = deps
		return nil, gerr
	}

	m.enter(StageBackedUp)
	entry, err := g.snapshot(key)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	m.enter(StageApplied)
	if entry != nil {
		if err := g.files.Delete(key); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, m.fail(apperr.KindIOFailure, err)
		}
	}
	out, err := g.mon.Tombstone(key, "deleted", entry)
	if err != nil {
		if entry != nil {
			g.rollback(key, entry)
		}
		return nil, m.failWith(err)
	}
	m.done()
	return out, nil
}

// activeDependents lists the active records with an edge to key; missing
// records do not block a delete.
func (g *Guardian) activeDependents(key string) []string {
	return g.mon.Store().Dependents(key)
}

// Restore puts the content of backup backupID back at path. The current
// content, if any, is snapshotted first. A path whose record was
// tombstoned is restored from the archive into a new record.
func (g *Guardian) Restore(ctx context.Context, path, backupID string) (*models.FileRecord, error) {
	m := g.begin("restore", path)
	if err := ctx.Err(); err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	key, err := g.files.Normalize(path)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	m.path = key

	unlock := g.mon.Lock(key)
	defer unlock()

	m.enter(StageChecked)
	target, purpose, ok := g.findBackup(key, backupID)
	if !ok {
		return nil, m.fail(apperr.KindNotFound, fmt.Errorf("backup %s of %s not found", backupID, key))
	}
	if err := g.backups.Verify(target); err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	m.enter(StageBackedUp)
	entry, err := g.snapshot(key)
	if err != nil {
		return nil, m.fail(apperr.KindIOFailure, err)
	}

	m.enter(StageApplied)
	if err := g.backups.Restore(target); err != nil {
		g.rollback(key, entry)
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	content, err := g.files.Read(key)
	if err != nil {
		g.rollback(key, entry)
		return nil, m.fail(apperr.KindIOFailure, err)
	}
	out, err := g.mon.Commit(key, content, monitor.Version{
		Kind:    models.VersionRestored,
		Reason:  "restored from backup " + backupID,
		Purpose: purpose,
		Backup:  entry,
	})
	if err != nil {
		g.rollback(key, entry)
		return nil, m.failWith(err)
	}
	m.done()
	g.retain(key)
	return out, nil
}

// findBackup looks up a backup of key in its record, then in its archived
// tombstones newest first. purpose is the owning record's purpose.
func (g *Guardian) findBackup(key, id string) (entry models.BackupEntry, purpose string, ok bool) {
	if rec, found := g.mon.Store().Get(key); found {
		for _, b := range rec.Backups {
			if b.ID == id {
				return b, rec.Purpose, true
			}
		}
	}
	tombs := g.mon.Store().Tombstones(key)
	for i := len(tombs) - 1; i >= 0; i-- {
		for _, b := range tombs[i].Backups {
			if b.ID == id {
				return b, tombs[i].Purpose, true
			}
		}
	}
	return models.BackupEntry{}, "", false
}
