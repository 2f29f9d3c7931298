package registry

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/models"
)

// ErrStale is returned by Apply when the persisted generation moved past the
// one the change was built on, i.e. another process committed in between.
var ErrStale = fmt.Errorf("%w: registry changed by another process", apperr.ErrConflict)

// Change is one committed registry mutation. Remove and Bury are applied
// before Put, so a move is expressed as Remove{old} + Put{record at new path}.
type Change struct {
	// Put inserts or replaces non-tombstoned records keyed by their Path.
	Put []*models.FileRecord
	// Remove drops the records at these paths without leaving a tombstone.
	Remove []string
	// Bury moves records into the tombstone archive.
	Bury []*models.FileRecord
}

func (c Change) paths() []string {
	out := make([]string, 0, len(c.Put)+len(c.Remove)+len(c.Bury))
	for _, r := range c.Put {
		out = append(out, r.Path)
	}
	out = append(out, c.Remove...)
	for _, r := range c.Bury {
		out = append(out, r.Path)
	}
	return out
}

// Snapshot is the full persisted registry state.
type Snapshot struct {
	// Generation counts the changes applied to the persisted state.
	Generation uint64
	Records    []*models.FileRecord
	Tombstones []*models.FileRecord
}

// Persister durably stores registry state shared by every process that opens
// the same workspace. Apply must be atomic: either the whole change is stored
// or none of it. It fails with ErrStale unless the stored generation still
// equals base, and returns the new generation on success.
type Persister interface {
	Load() (*Snapshot, error)
	Generation() (uint64, error)
	Apply(c Change, base uint64) (uint64, error)
	Close() error
}

// Supported persistence drivers.
const (
	DriverSQLite = "sqlite"
	DriverJSON   = "json"
)

// OpenPersister opens the persister for driver at path, creating the parent
// directory when needed.
func OpenPersister(driver, path string) (Persister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("registry: create state dir: %w", err)
	}
	switch driver {
	case DriverSQLite:
		return OpenSQLite(path)
	case DriverJSON:
		return OpenDocument(path)
	default:
		return nil, fmt.Errorf("registry: unknown driver %q", driver)
	}
}
