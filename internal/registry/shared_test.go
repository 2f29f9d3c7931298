package registry

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/starford/custodian/internal/apperr"
	"github.com/starford/custodian/internal/models"
)

func openShared(t *testing.T, open func(dir string) Persister, dir string, opts ...Option) *Store {
	t.Helper()
	s, err := Open(open(dir), opts...)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SharedStateKeepsBothWriters(t *testing.T) {
	for name, open := range persisters(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			lock := WithProcessLock(filepath.Join(dir, "registry.lock"))
			s1 := openShared(t, open, dir, lock)
			s2 := openShared(t, open, dir, lock)

			commit(t, s1, Change{Put: []*models.FileRecord{record("/a.txt", "d1")}})
			if _, ok := s2.Get("/a.txt"); !ok {
				t.Fatal("second store does not see /a.txt")
			}

			unlock := s2.Lock("/a.txt")
			rec, ok := s2.Get("/a.txt")
			if !ok {
				unlock()
				t.Fatal("/a.txt vanished under lock")
			}
			rec.Purpose = "edited by s2"
			if err := s2.Commit(Change{Put: []*models.FileRecord{rec}}); err != nil {
				unlock()
				t.Fatalf("Commit: %v", err)
			}
			unlock()

			commit(t, s1, Change{Put: []*models.FileRecord{record("/b.txt", "d2")}})

			got, _ := s1.Get("/a.txt")
			if got.Purpose != "edited by s2" || got.Rev != 2 {
				t.Errorf("s1 sees /a.txt = %+v", got)
			}

			s3 := openShared(t, open, dir)
			if n := len(s3.List()); n != 2 {
				t.Fatalf("reopened registry has %d records, want 2", n)
			}
			if got, _ := s3.Get("/a.txt"); got.Purpose != "edited by s2" {
				t.Errorf("purpose = %q after reopen", got.Purpose)
			}
		})
	}
}

func TestStore_StaleCommitIsRejectedAndReloads(t *testing.T) {
	for name, open := range persisters(t) {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			s1 := openShared(t, open, dir)
			s2 := openShared(t, open, dir)

			commit(t, s1, Change{Put: []*models.FileRecord{record("/a.txt", "d1")}})

			unlock := s2.Lock("/b.txt")
			err := s2.Commit(Change{Put: []*models.FileRecord{record("/b.txt", "d2")}})
			unlock()
			if !errors.Is(err, ErrStale) || !errors.Is(err, apperr.ErrConflict) {
				t.Fatalf("err = %v, want stale conflict", err)
			}
			if _, ok := s2.Get("/a.txt"); !ok {
				t.Error("stale store did not reload /a.txt")
			}

			commit(t, s2, Change{Put: []*models.FileRecord{record("/b.txt", "d2")}})
			s3 := openShared(t, open, dir)
			if n := len(s3.List()); n != 2 {
				t.Errorf("reopened registry has %d records, want 2", n)
			}
		})
	}
}
