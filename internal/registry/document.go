package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/starford/custodian/internal/models"
	"github.com/starford/custodian/internal/storage"
)

const documentVersion = 1

// document is the on-disk shape of the JSON registry: records and
// tombstones keyed by normalized path.
type document struct {
	Version    int                             `json:"version"`
	Generation uint64                          `json:"generation"`
	Records    map[string]*models.FileRecord   `json:"records"`
	Tombstones map[string][]*models.FileRecord `json:"tombstones,omitempty"`
}

// Document persists the registry as a single JSON document that is
// rewritten atomically on every commit. Every Apply starts from the file as
// it is on disk, so commits from other processes are never overwritten.
type Document struct {
	path string

	mu sync.Mutex
	// info identifies the file version gen was read from.
	info os.FileInfo
	gen  uint64
}

// OpenDocument returns a persister for the JSON document at path. The file
// is created on the first commit.
func OpenDocument(path string) (*Document, error) {
	d := &Document{path: path}
	if _, err := d.read(); err != nil {
		return nil, err
	}
	return d, nil
}

func emptyDocument() document {
	return document{
		Version:    documentVersion,
		Records:    map[string]*models.FileRecord{},
		Tombstones: map[string][]*models.FileRecord{},
	}
}

// read decodes the current file and remembers its generation. A missing
// file is an empty document at generation zero.
func (d *Document) read() (document, error) {
	doc := emptyDocument()
	data, err := os.ReadFile(d.path)
	if errors.Is(err, os.ErrNotExist) {
		d.info, d.gen = nil, 0
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("registry: read document: %w", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("registry: decode document %s: %w", d.path, err)
	}
	if doc.Version > documentVersion {
		return doc, fmt.Errorf("registry: document version %d is newer than supported %d", doc.Version, documentVersion)
	}
	if doc.Records == nil {
		doc.Records = map[string]*models.FileRecord{}
	}
	if doc.Tombstones == nil {
		doc.Tombstones = map[string][]*models.FileRecord{}
	}
	for p, r := range doc.Records {
		r.Path = p
	}
	d.info, _ = os.Stat(d.path)
	d.gen = doc.Generation
	return doc, nil
}

// unchanged reports whether the file is still the one last read. Atomic
// replacement always yields a new file, so identity catches rewrites that
// keep size and modification time.
func (d *Document) unchanged() bool {
	if d.info == nil {
		return false
	}
	fi, err := os.Stat(d.path)
	if err != nil {
		return false
	}
	return os.SameFile(fi, d.info) && fi.Size() == d.info.Size() && fi.ModTime().Equal(d.info.ModTime())
}

// Load decodes the document as it is on disk now.
func (d *Document) Load() (*Snapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	doc, err := d.read()
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Generation: doc.Generation}
	for _, r := range doc.Records {
		snap.Records = append(snap.Records, r)
	}
	for _, list := range doc.Tombstones {
		snap.Tombstones = append(snap.Tombstones, list...)
	}
	return snap, nil
}

// Generation returns the stored generation, re-reading the file only when it
// was replaced since the last read.
func (d *Document) Generation() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unchanged() {
		return d.gen, nil
	}
	if _, err := d.read(); err != nil {
		return 0, err
	}
	return d.gen, nil
}

// Apply re-reads the document, applies c on top of it and replaces the file.
// The check against base and the write are not atomic across processes on
// their own; Store serializes them with its process lock.
func (d *Document) Apply(c Change, base uint64) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next, err := d.read()
	if err != nil {
		return 0, err
	}
	if next.Generation != base {
		return next.Generation, fmt.Errorf("%w: generation %d, expected %d", ErrStale, next.Generation, base)
	}
	for _, p := range c.Remove {
		delete(next.Records, p)
	}
	for _, r := range c.Bury {
		delete(next.Records, r.Path)
		next.Tombstones[r.Path] = append(next.Tombstones[r.Path], r.Clone())
	}
	for _, r := range c.Put {
		next.Records[r.Path] = r.Clone()
	}
	next.Version = documentVersion
	next.Generation++

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("registry: encode document: %w", err)
	}
	if err := storage.WriteAtomic(d.path, data, 0o644); err != nil {
		return 0, err
	}
	d.info, _ = os.Stat(d.path)
	d.gen = next.Generation
	return next.Generation, nil
}

// Close is a no-op; every commit is already durable.
func (d *Document) Close() error { return nil }

var _ Persister = (*Document)(nil)
