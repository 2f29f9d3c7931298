// Package guardian performs guarded mutations of tracked files.
//
// Every create, edit, delete and restore runs the same sequence under the
// path lock:
//
//	Requested -> Checked -> BackedUp -> Applied -> Committed
//
// A failure in any stage rolls the file back to its prior bytes, leaves the
// registry untouched and returns an *apperr.GuardianError naming the stage.
package guardian

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/storage"
)

// Stage is a step of a guarded mutation.
type Stage string

const (
	StageRequested Stage = "requested"
	StageChecked   Stage = "checked"
	StageBackedUp  Stage = "backed-up"
	StageApplied   Stage = "applied"
	StageCommitted Stage = "committed"
	StageAborted   Stage = "aborted"
)

// DefaultNamingPattern accepts base names made of letters, digits, dot,
// dash and underscore.
const DefaultNamingPattern = `^[A-Za-z0-9][A-Za-z0-9._-]*$`

// Options configures a Guardian.
type Options struct {
	// Retention, when set, is applied to a file's backups after each
	// snapshot of it.
	Retention backup.RetentionPolicy
	// Rules enables standards rules by name; empty enables all.
	Rules []string
	// NamingPattern is the regular expression base names must match.
	NamingPattern string
	// Roots are the workspace keys walked by Scan; empty means "/".
	Roots []string
	// AutoRegister makes Scan register untracked files.
	AutoRegister bool
	Events       notify.Publisher
	Logger       *slog.Logger
}

// Guardian is the single entry point for content-changing operations.
type Guardian struct {
	mon     *monitor.Monitor
	backups *backup.Manager
	files   storage.Provider
	opts    Options
	naming  *regexp.Regexp
	now     func() time.Time
}

// New returns a Guardian.
func New(mon *monitor.Monitor, backups *backup.Manager, opts Options) (*Guardian, error) {
	if opts.NamingPattern == "" {
		opts.NamingPattern = DefaultNamingPattern
	}
	naming, err := regexp.Compile(opts.NamingPattern)
	if err != nil {
		return nil, fmt.Errorf("guardian: naming pattern: %w", err)
	}
	for _, r := range opts.Rules {
		if !knownRule(r) {
			return nil, fmt.Errorf("guardian: unknown standards rule %q", r)
		}
	}
	if len(opts.Roots) == 0 {
		opts.Roots = []string{"/"}
	}
	if opts.Events == nil {
		opts.Events = notify.Discard{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Guardian{
		mon:     mon,
		backups: backups,
		files:   mon.Files(),
		opts:    opts,
		naming:  naming,
		now:     time.Now,
	}, nil
}

// Monitor returns the integrity monitor the guardian writes through.
func (g *Guardian) Monitor() *monitor.Monitor { return g.mon }

// mutation tracks the stage of one guarded operation.
type mutation struct {
	op     string
	path   string
	stage  Stage
	logger *slog.Logger
}

func (g *Guardian) begin(op, path string) *mutation {
	m := &mutation{op: op, path: path, stage: StageRequested, logger: g.opts.Logger}
	m.logger.Debug("guarded mutation requested", slog.String("op", op), slog.String("path", path))
	return m
}

// enter moves the mutation into s; a later failure is attributed to s.
func (m *mutation) enter(s Stage) {
	m.stage = s
	m.logger.Debug("guarded mutation stage", slog.String("op", m.op), slog.String("path", m.path), slog.String("stage", string(s)))
}

func (m *mutation) fail(kind apperr.GuardianKind, err error) *apperr.GuardianError {
	m.logger.Warn("guarded mutation aborted",
		slog.String("op", m.op),
		slog.String("path", m.path),
		slog.String("stage", string(m.stage)),
		slog.String("kind", string(kind)),
		slog.Any("error", err),
	)
	return &apperr.GuardianError{Kind: kind, Path: m.path, Stage: string(m.stage), Err: err}
}

// failWith classifies err from a lower layer.
func (m *mutation) failWith(err error) error {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return m.fail(apperr.KindConflict, err)
	case errors.Is(err, apperr.ErrNotFound):
		return m.fail(apperr.KindNotFound, err)
	default:
		return m.fail(apperr.KindIOFailure, err)
	}
}

func (m *mutation) done() {
	m.enter(StageCommitted)
}

// snapshot backs up key. A missing file yields a nil entry.
func (g *Guardian) snapshot(key string) (*models.BackupEntry, error) {
	entry, err := g.backups.Snapshot(key)
	if errors.Is(err, apperr.ErrNoContent) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.opts.Logger.Info("backup taken", slog.String("path", key), slog.String("backup", entry.ID))
	g.opts.Events.Publish(notify.Event{
		Kind: notify.BackupTaken,
		Path: key,
		Data: map[string]any{"backup_id": entry.ID, "digest": entry.Digest, "location": entry.Location},
	})
	return entry, nil
}

// rollback puts the bytes captured in entry back at key, or removes key
// when nothing existed before.
func (g *Guardian) rollback(key string, entry *models.BackupEntry) {
	var err error
	if entry != nil {
		err = g.backups.Restore(*entry)
	} else if err = g.files.Delete(key); errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	if err != nil {
		g.opts.Logger.Error("rollback failed", slog.String("path", key), slog.Any("error", err))
	}
}

// write replaces key with content and verifies the bytes on disk.
func (g *Guardian) write(key string, content []byte) error {
	if err := g.files.Write(key, content); err != nil {
		return err
	}
	got, err := g.files.Read(key)
	if err != nil {
		return err
	}
	if string(got) != string(content) {
		return fmt.Errorf("guardian: verify %s: content on disk differs from written bytes", key)
	}
	return nil
}

// retain applies the retention policy to key's backups. The caller holds
// the lock of key.
func (g *Guardian) retain(key string) {
	if g.opts.Retention == nil {
		return
	}
	if _, err := g.pruneLocked(key, g.opts.Retention); err != nil {
		g.opts.Logger.Warn("retention failed", slog.String("path", key), slog.Any("error", err))
	}
}
