// Package registry is the persisted catalog of tracked files.
//
// The Store keeps every record in memory, serializes writers with per-path
// locks and flushes each committed Change to a Persister before it becomes
// visible to readers. Several processes may open the same state: a lock file
// serializes their writers and a generation counter tells each Store when to
// reload what another process committed.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/starford/custodian/internal/models"
)

// ErrNotLocked is returned when Commit touches a path whose lock is not held.
var ErrNotLocked = errors.New("registry: path lock not held")

// Store is the single source of truth for FileRecord state.
type Store struct {
	mu         sync.RWMutex
	gen        uint64
	records    map[string]*models.FileRecord
	tombstones map[string][]*models.FileRecord

	locks   *Locker
	proc    *processLock
	persist Persister
}

type options struct {
	lockPath string
}

// Option configures Open.
type Option func(*options)

// WithProcessLock shares the registry with other processes through the lock
// file at path. Every Lock then also holds the file lock and starts from the
// latest persisted state, and reads pick up commits made elsewhere.
func WithProcessLock(path string) Option {
	return func(o *options) { o.lockPath = path }
}

// Open loads the registry from p.
func Open(p Persister, opts ...Option) (*Store, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	s := &Store{locks: NewLocker(), persist: p}
	if o.lockPath != "" {
		pl, err := openProcessLock(o.lockPath)
		if err != nil {
			return nil, err
		}
		s.proc = pl
	}
	snap, err := p.Load()
	if err != nil {
		s.closeLock()
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	s.install(snap)
	return s, nil
}

// install replaces the in-memory state with snap. Callers hold s.mu or own s
// exclusively.
func (s *Store) install(snap *Snapshot) {
	s.gen = snap.Generation
	s.records = make(map[string]*models.FileRecord, len(snap.Records))
	s.tombstones = make(map[string][]*models.FileRecord)
	for _, r := range snap.Records {
		s.records[r.Path] = r
	}
	for _, r := range snap.Tombstones {
		s.tombstones[r.Path] = append(s.tombstones[r.Path], r)
	}
}

// refresh reloads the state when the persisted generation moved ahead.
func (s *Store) refresh() error {
	gen, err := s.persist.Generation()
	if err != nil {
		return err
	}
	s.mu.RLock()
	current := gen == s.gen
	s.mu.RUnlock()
	if current {
		return nil
	}
	snap, err := s.persist.Load()
	if err != nil {
		return fmt.Errorf("registry: reload: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Generation > s.gen {
		s.install(snap)
	}
	return nil
}

// sync is called by readers. While this process holds the lock file nobody
// else can commit, so the in-memory state is current.
func (s *Store) sync() {
	if s.proc == nil || s.proc.held() {
		return
	}
	_ = s.refresh()
}

// Close closes the underlying persister.
func (s *Store) Close() error {
	err := s.persist.Close()
	if cerr := s.closeLock(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) closeLock() error {
	if s.proc == nil {
		return nil
	}
	return s.proc.close()
}

// Lock acquires the write locks for paths. Callers must hold the lock of
// every path touched by a Commit for the whole read-modify-write cycle, and
// should read the records they modify after Lock returns.
//
// With a process lock, the file lock is taken after the path locks. If it
// cannot be taken or the reload fails, Lock still returns; a Commit built on
// stale state then fails with ErrStale.
func (s *Store) Lock(paths ...string) (unlock func()) {
	release := s.locks.Lock(paths...)
	if s.proc == nil {
		return release
	}
	first, err := s.proc.acquire()
	if err != nil {
		return release
	}
	if first {
		_ = s.refresh()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			s.proc.release()
			release()
		})
	}
}

// Get returns a copy of the non-tombstoned record at path with its
// dependents filled in.
func (s *Store) Get(path string) (*models.FileRecord, bool) {
	s.sync()
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[path]
	if !ok {
		return nil, false
	}
	c := r.Clone()
	c.Dependents = s.dependentsLocked(path)
	return c, true
}

// List returns copies of all non-tombstoned records sorted by path.
func (s *Store) List() []*models.FileRecord {
	s.sync()
	s.mu.RLock()
	defer s.mu.RUnlock()

	back := make(map[string][]string)
	for p, r := range s.records {
		if r.State != models.StateActive {
			continue
		}
		for _, d := range r.Dependencies {
			back[d.Target] = append(back[d.Target], p)
		}
	}
	out := make([]*models.FileRecord, 0, len(s.records))
	for p, r := range s.records {
		c := r.Clone()
		c.Dependents = uniqueSorted(back[p])
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Dependents returns the sorted paths of active records with an edge to
// path.
func (s *Store) Dependents(path string) []string {
	s.sync()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dependentsLocked(path)
}

func (s *Store) dependentsLocked(path string) []string {
	return s.sourcesLocked(path, func(r *models.FileRecord) bool { return r.State == models.StateActive })
}

// Referrers is Dependents including missing records. Their edges still have
// to follow a move, even though they do not count as dependents.
func (s *Store) Referrers(path string) []string {
	s.sync()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sourcesLocked(path, func(*models.FileRecord) bool { return true })
}

func (s *Store) sourcesLocked(path string, keep func(*models.FileRecord) bool) []string {
	var out []string
	for p, r := range s.records {
		if keep(r) && r.DependsOn(path) {
			out = append(out, p)
		}
	}
	return uniqueSorted(out)
}

// Tombstones returns copies of the archived records for path, oldest first.
func (s *Store) Tombstones(path string) []*models.FileRecord {
	s.sync()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.FileRecord
	for _, r := range s.tombstones[path] {
		out = append(out, r.Clone())
	}
	return out
}

// Commit validates c, persists it and makes it visible. Every stored record
// gets its revision bumped; the records passed in c.Put are bumped too so
// callers can return them as committed.
func (s *Store) Commit(c Change) error {
	for _, p := range c.paths() {
		if !s.locks.Held(p) {
			return fmt.Errorf("%w: %s", ErrNotLocked, p)
		}
	}

	staged := Change{Remove: c.Remove}
	for _, r := range c.Put {
		if !r.Tracked() {
			return fmt.Errorf("registry: put tombstoned record %s", r.Path)
		}
		if err := checkHistory(r); err != nil {
			return err
		}
		stored := r.Clone()
		stored.Dependents = nil
		stored.Rev++
		staged.Put = append(staged.Put, stored)
	}
	for _, r := range c.Bury {
		stored := r.Clone()
		stored.Dependents = nil
		stored.State = models.StateTombstoned
		stored.Rev++
		staged.Bury = append(staged.Bury, stored)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	gen, err := s.persist.Apply(staged, s.gen)
	if errors.Is(err, ErrStale) {
		if snap, lerr := s.persist.Load(); lerr == nil && snap.Generation > s.gen {
			s.install(snap)
		}
		return fmt.Errorf("registry: persist: %w", err)
	}
	if err != nil {
		return fmt.Errorf("registry: persist: %w", err)
	}
	s.gen = gen
	for _, p := range staged.Remove {
		delete(s.records, p)
	}
	for _, r := range staged.Bury {
		delete(s.records, r.Path)
		s.tombstones[r.Path] = append(s.tombstones[r.Path], r)
	}
	for _, r := range staged.Put {
		s.records[r.Path] = r
	}
	for _, r := range c.Put {
		r.Rev++
	}
	return nil
}

// checkHistory enforces that a record's digest matches its last version.
func checkHistory(r *models.FileRecord) error {
	if len(r.History) == 0 {
		return fmt.Errorf("registry: record %s has no history", r.Path)
	}
	if last := r.History[len(r.History)-1]; last.Digest != r.Digest {
		return fmt.Errorf("registry: record %s digest %s does not match last version %s", r.Path, r.Digest, last.Digest)
	}
	return nil
}

func uniqueSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	return dedupSorted(in)
}
