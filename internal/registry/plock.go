package registry

import (
	"fmt"
	"os"
	"sync"
)

// processLock is an advisory lock file shared by every process that opens
// the same state directory. Goroutines of one process share a single
// acquisition: the first holder takes the file lock and the last one
// releases it.
type processLock struct {
	mu      sync.Mutex
	f       *os.File
	holders int
}

func openProcessLock(path string) (*processLock, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("registry: open lock file: %w", err)
	}
	return &processLock{f: f}, nil
}

// acquire blocks until this process holds the lock. first reports whether
// the call took the lock from another process rather than joining an
// in-process holder, in which case state read earlier may be stale.
func (l *processLock) acquire() (first bool, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holders == 0 {
		if err := lockFile(l.f); err != nil {
			return false, fmt.Errorf("registry: lock %s: %w", l.f.Name(), err)
		}
		first = true
	}
	l.holders++
	return first, nil
}

func (l *processLock) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.holders--
	if l.holders == 0 {
		_ = unlockFile(l.f)
	}
}

// held reports whether some goroutine of this process holds the lock.
func (l *processLock) held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holders > 0
}

func (l *processLock) close() error {
	return l.f.Close()
}
