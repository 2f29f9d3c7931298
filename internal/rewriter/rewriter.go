// Package rewriter keeps cross references consistent after a file moves.
package rewriter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/starford/custodian/internal/annotation"
	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
)

// FileOutcome is the per-file result of a rewrite.
type FileOutcome struct {
	Path string `json:"path"`
	// Edges is the number of registry edges retargeted.
	Edges int `json:"edges"`
	// Annotations is the number of in-file annotations rewritten.
	Annotations int   `json:"annotations"`
	Err         error `json:"-"`
}

// Result summarizes a RewriteReferences batch.
type Result struct {
	// Updated is the total number of registry edges retargeted.
	Updated int           `json:"updated"`
	Files   []FileOutcome `json:"files"`
}

// Rewriter retargets edges and annotations from an old path to a new one.
type Rewriter struct {
	mon     *monitor.Monitor
	backups *backup.Manager
	events  notify.Publisher
	logger  *slog.Logger
}

// New returns a Rewriter.
func New(mon *monitor.Monitor, backups *backup.Manager, events notify.Publisher, logger *slog.Logger) *Rewriter {
	if events == nil {
		events = notify.Discard{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Rewriter{mon: mon, backups: backups, events: events, logger: logger}
}

// RewriteReferences rewrites every reference to from in the affected files
// so it points at to. Each file is handled under its own lock: the content
// is snapshotted before its annotations are rewritten, then a rewritten
// version is committed together with the retargeted edges. A file whose
// content cannot be rewritten still gets its registry edges retargeted and
// reports a *apperr.RewriteError; the batch always runs to the end and the
// returned error joins every per-file failure.
func (r *Rewriter) RewriteReferences(ctx context.Context, from, to string, affected []string) (*Result, error) {
	paths := append([]string(nil), affected...)
	sort.Strings(paths)

	res := &Result{}
	var errs []error
	for i, p := range paths {
		if i > 0 && p == paths[i-1] {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out := r.rewriteFile(p, from, to)
		res.Updated += out.Edges
		res.Files = append(res.Files, out)
		if out.Err != nil {
			errs = append(errs, out.Err)
			r.events.Publish(notify.Event{Kind: notify.RewriteFailed, Path: p, From: from, To: to, Message: out.Err.Error()})
			continue
		}
		if out.Edges > 0 || out.Annotations > 0 {
			r.events.Publish(notify.Event{Kind: notify.RewriteApplied, Path: p, From: from, To: to,
				Data: map[string]any{"edges": out.Edges, "annotations": out.Annotations}})
		}
	}
	r.logger.Info("references rewritten",
		slog.String("from", from),
		slog.String("to", to),
		slog.Int("files", len(res.Files)),
		slog.Int("edges", res.Updated),
	)
	return res, errors.Join(errs...)
}

func (r *Rewriter) rewriteFile(key, from, to string) FileOutcome {
	out := FileOutcome{Path: key}
	unlock := r.mon.Lock(key)
	defer unlock()

	rec, ok := r.mon.Store().Get(key)
	if !ok {
		out.Err = &apperr.RewriteError{Kind: apperr.Unwritable, Path: key, Err: apperr.ErrNotFound}
		return out
	}
	deps, edges := retarget(rec.Dependencies, from, to)
	out.Edges = edges

	contentErr := r.rewriteContent(rec, from, to, deps, &out)
	if contentErr == nil && out.Annotations > 0 {
		return out
	}
	// Content unchanged or unwritable: the edges still move.
	if edges > 0 {
		if _, err := r.mon.SetDependencies(key, deps); err != nil {
			out.Edges = 0
			contentErr = errors.Join(contentErr, err)
		}
	}
	if contentErr != nil {
		r.logger.Warn("rewrite failed", slog.String("path", key), slog.Any("error", contentErr))
		out.Err = &apperr.RewriteError{Kind: apperr.Unwritable, Path: key, Err: contentErr}
	}
	return out
}

// rewriteContent rewrites the annotations of rec's file and commits the
// result. It leaves out.Annotations at zero when the file has nothing to
// rewrite or the write failed.
func (r *Rewriter) rewriteContent(rec *models.FileRecord, from, to string, deps []models.CrossReference, out *FileOutcome) error {
	if rec.State != models.StateActive {
		return nil
	}
	files := r.mon.Files()
	content, err := files.Read(rec.Path)
	if err != nil {
		return err
	}
	next, n := annotation.Rewrite(content, from, to)
	if n == 0 {
		return nil
	}
	entry, err := r.backups.Snapshot(rec.Path)
	if err != nil {
		return fmt.Errorf("snapshot before rewrite: %w", err)
	}
	r.events.Publish(notify.Event{Kind: notify.BackupTaken, Path: rec.Path, Data: map[string]any{"backup_id": entry.ID}})
	if err := files.Write(rec.Path, next); err != nil {
		return err
	}
	if _, err := r.mon.Commit(rec.Path, next, monitor.Version{
		Kind:     models.VersionRewritten,
		Reason:   fmt.Sprintf("reference %s moved to %s", from, to),
		Deps:     deps,
		Backup:   entry,
		Previous: content,
	}); err != nil {
		if rerr := r.backups.Restore(*entry); rerr != nil {
			r.logger.Error("rollback failed", slog.String("path", rec.Path), slog.Any("error", rerr))
		}
		return err
	}
	out.Annotations = n
	return nil
}

// retarget returns deps with every edge to from pointing at to, merging
// edges that would become duplicates.
func retarget(deps []models.CrossReference, from, to string) ([]models.CrossReference, int) {
	out := make([]models.CrossReference, 0, len(deps))
	seen := make(map[string]struct{}, len(deps))
	n := 0
	for _, d := range deps {
		if d.Target == from {
			d.Target = to
			n++
		}
		k := d.Kind + "\x00" + d.Target
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, d)
	}
	return out, n
}
