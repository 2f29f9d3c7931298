// Package backup snapshots file content before guarded mutations.
//
// Snapshots live in a directory tree that mirrors workspace keys, each copy
// suffixed with its UTC timestamp: /docs/a.txt becomes
// <dir>/docs/a.txt.20260102T150405.000000000Z.bak. Copies are created with
// O_EXCL and never rewritten.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/checksum"
	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/storage"
)

const (
	timeLayout = "20060102T150405.000000000Z"
	suffix     = ".bak"
)

// Manager takes and restores snapshots.
type Manager struct {
	dir   string
	files storage.Provider
	now   func() time.Time
}

// NewManager returns a Manager storing copies under dir.
func NewManager(dir string, files storage.Provider) (*Manager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: resolve dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("backup: create dir: %w", err)
	}
	return &Manager{dir: abs, files: files, now: time.Now}, nil
}

// Dir returns the absolute backup directory.
func (m *Manager) Dir() string { return m.dir }

// Snapshot copies the current bytes of key into backup storage. It returns
// an error wrapping apperr.ErrNoContent when there is no file at key, and an
// *apperr.IOError for any other failure.
func (m *Manager) Snapshot(key string) (*models.BackupEntry, error) {
	src, err := m.files.Abs(key)
	if err != nil {
		return nil, &apperr.IOError{Op: "snapshot", Path: key, Err: err}
	}
	in, err := os.Open(src)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("backup: snapshot %s: %w", key, apperr.ErrNoContent)
	}
	if err != nil {
		return nil, &apperr.IOError{Op: "snapshot", Path: key, Err: err}
	}
	defer in.Close()

	takenAt := m.now().UTC()
	out, location, err := m.create(key, takenAt)
	if err != nil {
		return nil, &apperr.IOError{Op: "snapshot", Path: key, Err: err}
	}

	success := false
	defer func() {
		if !success {
			_ = out.Close()
			_ = os.Remove(location)
		}
	}()

	h := sha256.New()
	n, err := io.Copy(out, io.TeeReader(in, h))
	if err != nil {
		return nil, &apperr.IOError{Op: "snapshot", Path: key, Err: err}
	}
	if err := out.Sync(); err != nil {
		return nil, &apperr.IOError{Op: "snapshot", Path: key, Err: err}
	}
	if err := out.Close(); err != nil {
		return nil, &apperr.IOError{Op: "snapshot", Path: key, Err: err}
	}
	success = true

	return &models.BackupEntry{
		ID:       uuid.NewString(),
		Path:     key,
		Digest:   hex.EncodeToString(h.Sum(nil)),
		Location: location,
		Size:     n,
		TakenAt:  takenAt,
	}, nil
}

// create opens a fresh backup file for key, retrying with a counter when a
// copy with the same timestamp already exists.
func (m *Manager) create(key string, at time.Time) (*os.File, string, error) {
	base := m.base(key) + "." + at.Format(timeLayout)
	if err := os.MkdirAll(filepath.Dir(base), 0o755); err != nil {
		return nil, "", err
	}
	for i := 0; i < 100; i++ {
		location := base + suffix
		if i > 0 {
			location = fmt.Sprintf("%s-%d%s", base, i, suffix)
		}
		f, err := os.OpenFile(location, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		return f, location, err
	}
	return nil, "", fmt.Errorf("backup: too many snapshots of %s at %s", key, at.Format(timeLayout))
}

func (m *Manager) base(key string) string {
	return filepath.Join(m.dir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

// Restore writes the snapshot back to its original key after verifying the
// copy still matches its recorded digest.
func (m *Manager) Restore(entry models.BackupEntry) error {
	data, err := os.ReadFile(entry.Location)
	if err != nil {
		return &apperr.IOError{Op: "restore", Path: entry.Path, Err: err}
	}
	if sum := checksum.Sum(data); sum != entry.Digest {
		return &apperr.IOError{Op: "restore", Path: entry.Path,
			Err: fmt.Errorf("backup %s is corrupt: digest %s, want %s", entry.Location, sum, entry.Digest)}
	}
	if err := m.files.Write(entry.Path, data); err != nil {
		return &apperr.IOError{Op: "restore", Path: entry.Path, Err: err}
	}
	return nil
}

// Verify reports whether the snapshot still exists with its recorded digest.
func (m *Manager) Verify(entry models.BackupEntry) error {
	sum, err := checksum.SumFile(entry.Location)
	if err != nil {
		return err
	}
	if sum != entry.Digest {
		return fmt.Errorf("backup: %s digest %s, want %s", entry.Location, sum, entry.Digest)
	}
	return nil
}

// Remove deletes a snapshot. Removing a missing snapshot is not an error.
func (m *Manager) Remove(entry models.BackupEntry) error {
	if !strings.HasPrefix(entry.Location, m.dir+string(os.PathSeparator)) {
		return fmt.Errorf("backup: %s is outside the backup dir", entry.Location)
	}
	if err := os.Remove(entry.Location); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &apperr.IOError{Op: "prune", Path: entry.Path, Err: err}
	}
	return nil
}

// List scans backup storage for the snapshots of key, oldest first. The
// returned entries carry no ID; IDs live in the registry.
func (m *Manager) List(key string) ([]models.BackupEntry, error) {
	base := m.base(key)
	matches, err := filepath.Glob(globEscape(base) + ".*" + suffix)
	if err != nil {
		return nil, err
	}
	var out []models.BackupEntry
	for _, loc := range matches {
		stamp := strings.TrimSuffix(strings.TrimPrefix(loc, base+"."), suffix)
		if i := strings.LastIndex(stamp, "-"); i > 0 && !strings.HasSuffix(stamp, "Z") {
			stamp = stamp[:i]
		}
		at, err := time.Parse(timeLayout, stamp)
		if err != nil {
			continue
		}
		info, err := os.Stat(loc)
		if err != nil {
			continue
		}
		sum, err := checksum.SumFile(loc)
		if err != nil {
			continue
		}
		out = append(out, models.BackupEntry{Path: key, Digest: sum, Location: loc, Size: info.Size(), TakenAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.Before(out[j].TakenAt) })
	return out, nil
}

func globEscape(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`)
	return r.Replace(s)
}
