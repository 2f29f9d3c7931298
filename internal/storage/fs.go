package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/starford/custodian/internal/checksum"
)

// TempPrefix names in-flight atomic write files; they are always ignored.
const TempPrefix = ".custodian-tmp-"

// Ignore holds exclusion rules. Patterns use path.Match syntax and are
// tested against both the base name and the root-relative path; Dirs are
// directory base names excluded together with everything below them.
type Ignore struct {
	Patterns []string
	Dirs     []string
}

// Match reports whether key is excluded.
func (ig Ignore) Match(key string, isDir bool) bool {
	rel := strings.TrimPrefix(key, "/")
	if rel == "" {
		return false
	}
	parts := strings.Split(rel, "/")
	dirParts := parts
	if !isDir {
		dirParts = parts[:len(parts)-1]
	}
	for _, p := range dirParts {
		for _, d := range ig.Dirs {
			if p == d {
				return true
			}
		}
	}
	base := parts[len(parts)-1]
	if strings.HasPrefix(base, TempPrefix) {
		return true
	}
	for _, pat := range ig.Patterns {
		if ok, _ := path.Match(pat, base); ok {
			return true
		}
		if ok, _ := path.Match(pat, rel); ok {
			return true
		}
	}
	return false
}

// FS implements Provider backed by the local file system.
type FS struct {
	root   string // absolute path to the workspace root
	ignore Ignore
}

// NewFS creates a new FS provider rooted at the given directory.
// The directory must already exist.
func NewFS(root string, ignore Ignore) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs, ignore: ignore}, nil
}

// Root returns the absolute workspace root.
func (f *FS) Root() string { return f.root }

// Normalize maps p to a root-anchored key. Absolute OS paths under the root
// are made relative to it; any other absolute path is taken as already
// anchored. Paths escaping the root are rejected.
func (f *FS) Normalize(p string) (string, error) {
	if p == "" {
		return "", errors.New("storage: empty path")
	}
	native := filepath.Clean(filepath.FromSlash(p))
	if filepath.IsAbs(native) {
		if rel, err := filepath.Rel(f.root, native); err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			if rel == "." {
				return "", fmt.Errorf("storage: path names the workspace root: %s", p)
			}
			return keyOf(rel), nil
		}
	}
	cleaned := path.Clean("/" + filepath.ToSlash(p))
	// path.Clean on an anchored path cannot climb above "/", so detect
	// traversal on the unanchored form.
	if rel := path.Clean(strings.TrimPrefix(filepath.ToSlash(p), "/")); rel == ".." || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("storage: path escapes workspace root: %s", p)
	}
	if cleaned == "/" {
		return "", fmt.Errorf("storage: path names the workspace root: %s", p)
	}
	return cleaned, nil
}

func keyOf(rel string) string {
	rel = filepath.ToSlash(rel)
	if rel == "." {
		return "/"
	}
	return "/" + rel
}

// Key converts an absolute OS path into a key; ok is false when abs lies
// outside the root.
func (f *FS) Key(abs string) (string, bool) {
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", false
	}
	return keyOf(rel), true
}

// Abs resolves a key against the workspace root.
func (f *FS) Abs(key string) (string, error) {
	k, err := f.Normalize(key)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(strings.TrimPrefix(k, "/"))), nil
}

// Ignored reports whether key is excluded by the ignore rules.
func (f *FS) Ignored(key string, isDir bool) bool {
	return f.ignore.Match(key, isDir)
}

// List walks dir (a key, "" or "/" for the root) and returns metadata for
// every file not excluded by the ignore rules.
func (f *FS) List(dir string) ([]FileMeta, error) {
	base := f.root
	if dir != "" && dir != "/" && dir != "." {
		abs, err := f.Abs(dir)
		if err != nil {
			return nil, err
		}
		base = abs
	}
	var out []FileMeta
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		key, ok := f.Key(p)
		if !ok {
			return nil
		}
		if d.IsDir() {
			if key != "/" && f.ignore.Match(key, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || f.ignore.Match(key, false) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		sum, err := checksum.SumFile(p)
		if err != nil {
			return err
		}
		out = append(out, FileMeta{
			Path:    key,
			Digest:  sum,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	return out, nil
}

// Read returns the raw bytes of a workspace file.
func (f *FS) Read(key string) ([]byte, error) {
	abs, err := f.Abs(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a regular file exists at key.
func (f *FS) Exists(key string) (bool, error) {
	abs, err := f.Abs(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(abs)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: stat %s: %w", key, err)
	}
	return !info.IsDir(), nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(key string, content []byte) error {
	abs, err := f.Abs(key)
	if err != nil {
		return err
	}
	return WriteAtomic(abs, content, 0o644)
}

// WriteAtomic writes content to abs through a synced temp file in the same
// directory followed by a rename.
func WriteAtomic(abs string, content []byte, perm os.FileMode) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+"*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("storage: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// Delete removes a file from the workspace.
func (f *FS) Delete(key string) error {
	abs, err := f.Abs(key)
	if err != nil {
		return err
	}
	if err := os.Remove(abs); err != nil {
		return fmt.Errorf("storage: delete %s: %w", key, err)
	}
	return nil
}

// Move renames a file within the workspace.
func (f *FS) Move(oldKey, newKey string) error {
	absOld, err := f.Abs(oldKey)
	if err != nil {
		return err
	}
	absNew, err := f.Abs(newKey)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(absNew), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir for move: %w", err)
	}
	if err := os.Rename(absOld, absNew); err != nil {
		return fmt.Errorf("storage: move: %w", err)
	}
	return nil
}

var _ Provider = (*FS)(nil)
