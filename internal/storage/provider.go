// Package storage defines the managed workspace file-system abstraction.
//
// Files are addressed by keys: slash-separated paths anchored at the
// workspace root, e.g. "/docs/a.txt".
package storage

import "time"

// FileMeta describes one file found by List.
type FileMeta struct {
	Path    string
	Digest  string
	Size    int64
	ModTime time.Time
}

// Provider is the interface for workspace file operations.
type Provider interface {
	// Normalize converts a caller-supplied path into a key.
	Normalize(path string) (string, error)
	// Abs resolves a key to an absolute OS path.
	Abs(key string) (string, error)
	// List returns metadata for every non-ignored file under dir.
	List(dir string) ([]FileMeta, error)
	Read(key string) ([]byte, error)
	// Write atomically replaces the content at key.
	Write(key string, content []byte) error
	Delete(key string) error
	Move(oldKey, newKey string) error
	Exists(key string) (bool, error)
	// Ignored reports whether key is excluded from tracking.
	Ignored(key string, isDir bool) bool
}
