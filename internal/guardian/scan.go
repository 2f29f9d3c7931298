package guardian

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
)

// ScanReport summarizes a Scan.
type ScanReport struct {
	Registered []string `json:"registered,omitempty"`
	Changed    []string `json:"changed,omitempty"`
	Missing    []string `json:"missing,omitempty"`
	Untracked  []string `json:"untracked,omitempty"`
	Unchanged  int      `json:"unchanged"`
}

// Scan reconciles the registry with the files under the configured roots.
// Externally changed files get an external version, files that disappeared
// are marked missing and untracked files are registered when AutoRegister
// is on (listed as untracked otherwise).
func (g *Guardian) Scan(ctx context.Context) (*ScanReport, error) {
	rep := &ScanReport{}
	seen := make(map[string]struct{})

	for _, root := range g.opts.Roots {
		metas, err := g.files.List(root)
		if err != nil {
			return rep, err
		}
		for _, meta := range metas {
			if err := ctx.Err(); err != nil {
				return rep, err
			}
			seen[meta.Path] = struct{}{}
			rec, ok := g.mon.Store().Get(meta.Path)
			switch {
			case !ok && g.opts.AutoRegister:
				if _, err := g.mon.Register(ctx, meta.Path, "", nil, false); err != nil {
					g.opts.Logger.Warn("scan: register failed", slog.String("path", meta.Path), slog.Any("error", err))
					continue
				}
				rep.Registered = append(rep.Registered, meta.Path)
			case !ok:
				rep.Untracked = append(rep.Untracked, meta.Path)
			case rec.Digest != meta.Digest || rec.State != models.StateActive:
				changed, err := g.recordExternal(meta.Path)
				if err != nil {
					g.opts.Logger.Warn("scan: update failed", slog.String("path", meta.Path), slog.Any("error", err))
					continue
				}
				if !changed {
					rep.Unchanged++
					continue
				}
				rep.Changed = append(rep.Changed, meta.Path)
			default:
				rep.Unchanged++
			}
		}
	}

	for _, rec := range g.mon.Store().List() {
		if rec.State != models.StateActive || !g.underRoots(rec.Path) {
			continue
		}
		if _, ok := seen[rec.Path]; ok {
			continue
		}
		if g.files.Ignored(rec.Path, false) {
			continue
		}
		missing, err := g.markMissing(rec.Path)
		if err != nil {
			g.opts.Logger.Warn("scan: mark missing failed", slog.String("path", rec.Path), slog.Any("error", err))
			continue
		}
		if missing {
			rep.Missing = append(rep.Missing, rec.Path)
		}
	}

	g.opts.Logger.Info("scan complete",
		slog.Int("registered", len(rep.Registered)),
		slog.Int("changed", len(rep.Changed)),
		slog.Int("missing", len(rep.Missing)),
		slog.Int("untracked", len(rep.Untracked)),
		slog.Int("unchanged", rep.Unchanged),
	)
	return rep, nil
}

func (g *Guardian) underRoots(key string) bool {
	for _, r := range g.opts.Roots {
		if r == "/" || key == r || strings.HasPrefix(key, strings.TrimSuffix(r, "/")+"/") {
			return true
		}
	}
	return false
}

// recordExternal commits the current content of key as an external version.
// The record is re-read under the lock; when it already matches the file,
// because a guarded write from another process landed first, nothing is
// committed and it reports false.
func (g *Guardian) recordExternal(key string) (bool, error) {
	unlock := g.mon.Lock(key)
	defer unlock()
	content, err := g.files.Read(key)
	if err != nil {
		return false, err
	}
	if rec, ok := g.mon.Store().Get(key); ok && rec.State == models.StateActive && rec.Digest == checksum.Sum(content) {
		return false, nil
	}
	if _, err := g.mon.Commit(key, content, monitor.Version{Kind: models.VersionExternal, Reason: "changed outside guardian"}); err != nil {
		return false, err
	}
	g.opts.Events.Publish(notify.Event{Kind: notify.Modified, Path: key, Message: "changed outside guardian"})
	return true, nil
}

// markMissing flags key as missing unless, under the lock, the record is no
// longer active or the file is back.
func (g *Guardian) markMissing(key string) (bool, error) {
	unlock := g.mon.Lock(key)
	defer unlock()
	if rec, ok := g.mon.Store().Get(key); !ok || rec.State != models.StateActive {
		return false, nil
	}
	if back, err := g.files.Exists(key); err != nil || back {
		return false, err
	}
	if _, err := g.mon.MarkMissing(key, "deleted outside guardian"); err != nil {
		return false, err
	}
	g.opts.Events.Publish(notify.Event{Kind: notify.ExternallyDeleted, Path: key})
	return true, nil
}

// PruneBackups applies policy to the backups of every tracked record and
// returns the snapshots that were removed.
func (g *Guardian) PruneBackups(ctx context.Context, policy backup.RetentionPolicy) ([]models.BackupEntry, error) {
	var pruned []models.BackupEntry
	var errs []error
	for _, rec := range g.mon.Store().List() {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if len(rec.Backups) == 0 {
			continue
		}
		unlock := g.mon.Lock(rec.Path)
		out, err := g.pruneLocked(rec.Path, policy)
		unlock()
		pruned = append(pruned, out...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return pruned, errors.Join(errs...)
}

// pruneLocked drops the selected backups from the record first and from
// backup storage second, so a record never references a removed snapshot.
func (g *Guardian) pruneLocked(key string, policy backup.RetentionPolicy) ([]models.BackupEntry, error) {
	rec, ok := g.mon.Store().Get(key)
	if !ok {
		return nil, nil
	}
	entries := append([]models.BackupEntry(nil), rec.Backups...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].TakenAt.Before(entries[j].TakenAt) })
	drop := policy(entries, g.now())
	if len(drop) == 0 {
		return nil, nil
	}
	gone := make(map[string]struct{}, len(drop))
	for _, e := range drop {
		gone[e.ID] = struct{}{}
	}
	var keep []models.BackupEntry
	for _, e := range entries {
		if _, ok := gone[e.ID]; !ok {
			keep = append(keep, e)
		}
	}
	if err := g.mon.SetBackups(key, keep); err != nil {
		return nil, err
	}
	var errs []error
	for _, e := range drop {
		if err := g.backups.Remove(e); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return drop, &apperr.IOError{Op: "prune", Path: key, Err: errors.Join(errs...)}
	}
	g.opts.Logger.Info("backups pruned", slog.String("path", key), slog.Int("count", len(drop)))
	return drop, nil
}
