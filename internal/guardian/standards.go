package guardian

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"sort"

	"github.com/starford/custodian/internal/annotation"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
)

// Standards rule names.
const (
	RuleNaming             = "naming"
	RuleOrphanedDependency = "orphaned-dependency"
	RuleDuplicatePurpose   = "duplicate-purpose"
	RuleMissingPurpose     = "missing-purpose"
	RuleDigestDrift        = "digest-drift"
	RuleMissingFile        = "missing-file"
	RuleAnnotationDrift    = "annotation-drift"
	RuleBackupIntegrity    = "backup-integrity"
)

// AllRules lists every standards rule in evaluation order.
var AllRules = []string{
	RuleNaming,
	RuleOrphanedDependency,
	RuleDuplicatePurpose,
	RuleMissingPurpose,
	RuleDigestDrift,
	RuleMissingFile,
	RuleAnnotationDrift,
	RuleBackupIntegrity,
}

func knownRule(name string) bool {
	for _, r := range AllRules {
		if r == name {
			return true
		}
	}
	return false
}

// Violation is one finding of CheckStandards.
type Violation struct {
	Rule    string `json:"rule"`
	Path    string `json:"path"`
	Message string `json:"message"`
	Fixed   bool   `json:"fixed,omitempty"`
}

// Report is the result of CheckStandards.
type Report struct {
	Checked    int         `json:"checked"`
	Violations []Violation `json:"violations"`
	Fixed      int         `json:"fixed"`
}

// Clean reports whether no unfixed violation remains.
func (r *Report) Clean() bool {
	return len(r.Violations) == r.Fixed
}

// CheckStandards evaluates the enabled rules over every tracked record.
//
// With autofix, registry-only repairs are applied: digest-drift resyncs the
// record to the content on disk, missing-file marks the record missing and
// annotation-drift adds the edges found in the content. Files are never
// modified or removed.
func (g *Guardian) CheckStandards(ctx context.Context, autofix bool) (*Report, error) {
	records := g.mon.Store().List()
	rep := &Report{Checked: len(records)}

	if g.enabled(RuleDuplicatePurpose) {
		rep.Violations = append(rep.Violations, duplicates(records)...)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if g.enabled(RuleNaming) && !g.naming.MatchString(path.Base(rec.Path)) {
			rep.Violations = append(rep.Violations, Violation{Rule: RuleNaming, Path: rec.Path,
				Message: fmt.Sprintf("name does not match %s", g.naming.String())})
		}
		if g.enabled(RuleMissingPurpose) && rec.Purpose == "" {
			rep.Violations = append(rep.Violations, Violation{Rule: RuleMissingPurpose, Path: rec.Path,
				Message: "no purpose declared"})
		}
		if g.enabled(RuleOrphanedDependency) {
			for _, d := range rec.Dependencies {
				if _, ok := g.mon.Store().Get(d.Target); !ok {
					rep.Violations = append(rep.Violations, Violation{Rule: RuleOrphanedDependency, Path: rec.Path,
						Message: fmt.Sprintf("%s edge to untracked %s", d.Kind, d.Target)})
				}
			}
		}
		if g.enabled(RuleBackupIntegrity) {
			for _, b := range rec.Backups {
				if err := g.backups.Verify(b); err != nil {
					rep.Violations = append(rep.Violations, Violation{Rule: RuleBackupIntegrity, Path: rec.Path,
						Message: fmt.Sprintf("backup %s: %v", b.ID, err)})
				}
			}
		}
		if rec.State != models.StateActive {
			continue
		}
		rep.Violations = append(rep.Violations, g.checkContent(rec, autofix)...)
	}

	for _, v := range rep.Violations {
		if v.Fixed {
			rep.Fixed++
		}
	}
	g.opts.Logger.Info("standards checked",
		slog.Int("records", rep.Checked),
		slog.Int("violations", len(rep.Violations)),
		slog.Int("fixed", rep.Fixed),
	)
	return rep, nil
}

func (g *Guardian) enabled(rule string) bool {
	if len(g.opts.Rules) == 0 {
		return true
	}
	for _, r := range g.opts.Rules {
		if r == rule {
			return true
		}
	}
	return false
}

// checkContent runs the rules that compare a record with its file.
func (g *Guardian) checkContent(rec *models.FileRecord, autofix bool) []Violation {
	content, err := g.files.Read(rec.Path)
	if errors.Is(err, os.ErrNotExist) {
		if !g.enabled(RuleMissingFile) {
			return nil
		}
		v := Violation{Rule: RuleMissingFile, Path: rec.Path, Message: "registered file is missing on disk"}
		if autofix {
			v.Fixed = g.fix(rec.Path, func() error {
				_, err := g.mon.MarkMissing(rec.Path, "missing at standards check")
				if err == nil {
					g.opts.Events.Publish(notify.Event{Kind: notify.ExternallyDeleted, Path: rec.Path})
				}
				return err
			})
		}
		return []Violation{v}
	}
	if err != nil {
		return []Violation{{Rule: RuleMissingFile, Path: rec.Path, Message: fmt.Sprintf("unreadable: %v", err)}}
	}

	var out []Violation
	drifted := checksum.Sum(content) != rec.Digest
	if drifted && g.enabled(RuleDigestDrift) {
		v := Violation{Rule: RuleDigestDrift, Path: rec.Path, Message: "content changed without a recorded version"}
		if autofix {
			v.Fixed = g.fix(rec.Path, func() error {
				_, err := g.mon.Commit(rec.Path, content, monitor.Version{
					Kind:   models.VersionResynced,
					Reason: "resynced by standards check",
				})
				return err
			})
		}
		out = append(out, v)
	}

	if g.enabled(RuleAnnotationDrift) {
		missing := missingEdges(rec, annotation.Parse(content))
		if len(missing) > 0 {
			v := Violation{Rule: RuleAnnotationDrift, Path: rec.Path,
				Message: fmt.Sprintf("%d annotation(s) without a registry edge", len(missing))}
			if autofix {
				v.Fixed = g.fix(rec.Path, func() error {
					cur, ok := g.mon.Store().Get(rec.Path)
					if !ok {
						return fmt.Errorf("%s vanished", rec.Path)
					}
					_, err := g.mon.SetDependencies(rec.Path, append(cur.Dependencies, missingEdges(cur, annotation.Parse(content))...))
					return err
				})
			}
			out = append(out, v)
		}
	}
	return out
}

// fix runs fn under the lock of key and reports whether it succeeded.
func (g *Guardian) fix(key string, fn func() error) bool {
	unlock := g.mon.Lock(key)
	defer unlock()
	if err := fn(); err != nil {
		g.opts.Logger.Warn("autofix failed", slog.String("path", key), slog.Any("error", err))
		return false
	}
	return true
}

func missingEdges(rec *models.FileRecord, refs []models.CrossReference) []models.CrossReference {
	have := make(map[string]struct{}, len(rec.Dependencies))
	for _, d := range rec.Dependencies {
		have[d.Kind+"\x00"+d.Target] = struct{}{}
	}
	var out []models.CrossReference
	for _, r := range refs {
		if r.Target == rec.Path {
			continue
		}
		if _, ok := have[r.Kind+"\x00"+r.Target]; !ok {
			out = append(out, r)
		}
	}
	return out
}

// duplicates reports active records sharing both purpose and content.
func duplicates(records []*models.FileRecord) []Violation {
	groups := make(map[string][]string)
	for _, r := range records {
		if r.State != models.StateActive || r.Purpose == "" {
			continue
		}
		k := r.Purpose + "\x00" + r.Digest
		groups[k] = append(groups[k], r.Path)
	}
	var out []Violation
	for _, paths := range groups {
		if len(paths) < 2 {
			continue
		}
		sort.Strings(paths)
		for _, p := range paths {
			out = append(out, Violation{Rule: RuleDuplicatePurpose, Path: p,
				Message: fmt.Sprintf("same purpose and content as %d other file(s)", len(paths)-1)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
