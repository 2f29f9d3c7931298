package registry

import (
	"sort"
	"sync"
)

// Locker hands out per-path mutexes. Entries are reference counted and
// dropped once no goroutine holds or waits for them.
type Locker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
	held bool
}

// NewLocker returns an empty Locker.
func NewLocker() *Locker {
	return &Locker{locks: make(map[string]*pathLock)}
}

// Lock acquires the locks for every distinct path, in sorted order so that
// overlapping multi-path acquisitions cannot deadlock. The returned function
// releases them; calling it more than once is a no-op.
func (l *Locker) Lock(paths ...string) func() {
	keys := dedupSorted(paths)
	acquired := make([]*pathLock, 0, len(keys))
	for _, k := range keys {
		l.mu.Lock()
		pl, ok := l.locks[k]
		if !ok {
			pl = &pathLock{}
			l.locks[k] = pl
		}
		pl.refs++
		l.mu.Unlock()

		pl.mu.Lock()

		l.mu.Lock()
		pl.held = true
		l.mu.Unlock()
		acquired = append(acquired, pl)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(acquired) - 1; i >= 0; i-- {
				pl := acquired[i]
				l.mu.Lock()
				pl.held = false
				l.mu.Unlock()

				pl.mu.Unlock()

				l.mu.Lock()
				pl.refs--
				if pl.refs == 0 {
					delete(l.locks, keys[i])
				}
				l.mu.Unlock()
			}
		})
	}
}

// Held reports whether some goroutine currently holds the lock for path.
func (l *Locker) Held(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	pl, ok := l.locks[path]
	return ok && pl.held
}

func dedupSorted(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	n := 0
	for i, p := range out {
		if i > 0 && p == out[n-1] {
			continue
		}
		out[n] = p
		n++
	}
	return out[:n]
}
