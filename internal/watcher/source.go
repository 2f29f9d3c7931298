package watcher

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Op is the kind of a raw file-system event.
type Op uint8

const (
	Create Op = iota + 1
	Write
	Remove
	Rename
)

func (o Op) String() string {
	switch o {
	case Create:
		return "create"
	case Write:
		return "write"
	case Remove:
		return "remove"
	case Rename:
		return "rename"
	}
	return "unknown"
}

// RawEvent is one event reported by a Source. Path is an absolute OS path.
// A Rename is reported for the old path only; the new path arrives as a
// separate Create.
type RawEvent struct {
	Op    Op
	Path  string
	IsDir bool
}

// Source produces raw events for a set of directory trees.
type Source interface {
	// Add starts watching root and every directory below it.
	Add(root string) error
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

// NotifySource is the fsnotify-backed Source. Directories created at
// runtime are watched automatically and the files already inside them are
// reported as created.
type NotifySource struct {
	w      *fsnotify.Watcher
	skip   func(abs string, isDir bool) bool
	logger *slog.Logger

	events chan RawEvent
	errors chan error
	quit   chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewNotifySource starts an fsnotify watcher. skip, when set, excludes
// paths from watching and reporting.
func NewNotifySource(skip func(abs string, isDir bool) bool, logger *slog.Logger) (*NotifySource, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if skip == nil {
		skip = func(string, bool) bool { return false }
	}
	s := &NotifySource{
		w:      w,
		skip:   skip,
		logger: logger,
		events: make(chan RawEvent, 64),
		errors: make(chan error, 8),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *NotifySource) Events() <-chan RawEvent { return s.events }
func (s *NotifySource) Errors() <-chan error    { return s.errors }

// Add watches root recursively.
func (s *NotifySource) Add(root string) error {
	return s.addDirsRecursive(root, false)
}

// Close stops the watcher and waits for the translation goroutine.
func (s *NotifySource) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.w.Close()
		<-s.done
	})
	return err
}

func (s *NotifySource) run() {
	defer close(s.done)
	defer close(s.events)
	for {
		select {
		case <-s.quit:
			return
		case ev, ok := <-s.w.Events:
			if !ok {
				return
			}
			s.translate(ev)
		case err, ok := <-s.w.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			default:
				s.logger.Error("watcher: error dropped", slog.String("error", err.Error()))
			}
		}
	}
}

func (s *NotifySource) translate(ev fsnotify.Event) {
	switch {
	case ev.Op&fsnotify.Create != 0:
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if s.skip(ev.Name, true) {
				return
			}
			if err := s.addDirsRecursive(ev.Name, true); err != nil {
				s.logger.Warn("watcher: add new dir failed",
					slog.String("path", ev.Name),
					slog.String("error", err.Error()))
			}
			return
		}
		s.emit(RawEvent{Op: Create, Path: ev.Name})
	case ev.Op&fsnotify.Write != 0:
		s.emit(RawEvent{Op: Write, Path: ev.Name})
	case ev.Op&fsnotify.Remove != 0:
		s.emit(RawEvent{Op: Remove, Path: ev.Name})
	case ev.Op&fsnotify.Rename != 0:
		s.emit(RawEvent{Op: Rename, Path: ev.Name})
	}
}

func (s *NotifySource) emit(ev RawEvent) {
	if s.skip(ev.Path, ev.IsDir) {
		return
	}
	select {
	case s.events <- ev:
	case <-s.quit:
	}
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
// With report set, files found on the way are emitted as created.
func (s *NotifySource) addDirsRecursive(root string, report bool) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && s.skip(path, true) {
				return filepath.SkipDir
			}
			return s.w.Add(path)
		}
		if report && d.Type().IsRegular() {
			s.emit(RawEvent{Op: Create, Path: path})
		}
		return nil
	})
}

var _ Source = (*NotifySource)(nil)

// SkipFunc excludes paths outside ws and paths its ignore rules match.
func SkipFunc(ws Workspace) func(abs string, isDir bool) bool {
	return func(abs string, isDir bool) bool {
		key, ok := ws.Key(abs)
		if !ok {
			return true
		}
		return key != "/" && ws.Ignored(key, isDir)
	}
}
