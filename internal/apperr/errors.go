// Package apperr defines the error taxonomy shared by custodian components.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrHasDependents = errors.New("has dependents")
	ErrIO            = errors.New("io failure")
	// ErrNoContent is returned when a snapshot is requested for a file that does not exist.
	ErrNoContent = errors.New("no content")
)

// ConflictKind distinguishes content conflicts from registration races.
type ConflictKind string

const (
	PathExists ConflictKind = "path-exists"
	RaceLost   ConflictKind = "race-lost"
)

// ConflictError reports a content or path race on Path.
type ConflictError struct {
	Kind   ConflictKind
	Path   string
	Digest string // digest currently stored for Path, if any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (%s): %s", e.Kind, e.Path)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// GuardianKind enumerates Guardian failure kinds.
type GuardianKind string

const (
	KindConflict      GuardianKind = "conflict"
	KindNotFound      GuardianKind = "not-found"
	KindHasDependents GuardianKind = "has-dependents"
	KindIOFailure     GuardianKind = "io-failure"
)

// GuardianError is returned by every failed guarded mutation.
type GuardianError struct {
	Kind       GuardianKind
	Path       string
	Stage      string
	Dependents []string
	Err        error
}

func (e *GuardianError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "guardian: %s %s", e.Kind, e.Path)
	if e.Stage != "" {
		fmt.Fprintf(&b, " (aborted at %s)", e.Stage)
	}
	if len(e.Dependents) > 0 {
		fmt.Fprintf(&b, ": referenced by %s", strings.Join(e.Dependents, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *GuardianError) Unwrap() error { return e.Err }

func (e *GuardianError) Is(target error) bool {
	switch e.Kind {
	case KindConflict:
		return target == ErrConflict
	case KindNotFound:
		return target == ErrNotFound
	case KindHasDependents:
		return target == ErrHasDependents
	case KindIOFailure:
		return target == ErrIO
	}
	return false
}

// RewriteKind enumerates per-file rewrite failures.
type RewriteKind string

const Unwritable RewriteKind = "unwritable"

// RewriteError reports a dependent file whose annotations could not be rewritten.
type RewriteError struct {
	Kind RewriteKind
	Path string
	Err  error
}

func (e *RewriteError) Error() string {
	return fmt.Sprintf("rewrite: %s %s: %v", e.Kind, e.Path, e.Err)
}

func (e *RewriteError) Unwrap() error { return e.Err }

// WatcherError is fatal to one watched root, not to the process.
type WatcherError struct {
	Root string
	Err  error
}

func (e *WatcherError) Error() string {
	return fmt.Sprintf("watcher: root %s: %v", e.Root, e.Err)
}

func (e *WatcherError) Unwrap() error { return e.Err }

// IOError wraps a filesystem failure with the operation and path involved.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func (e *IOError) Is(target error) bool { return target == ErrIO }
