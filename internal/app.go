package internal

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/starford/custodian/internal/backup"
	"github.com/starford/custodian/internal/guardian"
	"github.com/starford/custodian/internal/monitor"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/registry"
	"github.com/starford/custodian/internal/rewriter"
	"github.com/starford/custodian/internal/storage"
	"github.com/starford/custodian/internal/watcher"
)

// NewLogger builds the structured JSON logger for cfg and installs it as
// the slog default. Logs go to w so command output on stdout stays clean.
func NewLogger(cfg *Config, w io.Writer) *slog.Logger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: cfg.App.LogLevel,
	}))
	slog.SetDefault(logger)
	return logger
}

// App is the wired set of components behind every command.
type App struct {
	Config   *Config
	Logger   *slog.Logger
	Files    *storage.FS
	Store    *registry.Store
	Bus      *notify.Bus
	Backups  *backup.Manager
	Monitor  *monitor.Monitor
	Rewriter *rewriter.Rewriter
	Guardian *guardian.Guardian

	watchDirs []string
}

// Open builds the components described by cfg. The caller must Close the
// returned App.
func Open(cfg *Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	root, err := filepath.Abs(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	ws := cfg.Workspace
	ws.Root = root
	state := ws.StatePath("")
	if err := os.MkdirAll(state, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	ignoreDirs := append([]string(nil), cfg.Watch.IgnoreDirs...)
	if within(root, state) {
		ignoreDirs = append(ignoreDirs, filepath.Base(state))
	}
	files, err := storage.NewFS(root, storage.Ignore{Patterns: cfg.Watch.Ignore, Dirs: ignoreDirs})
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}

	var dirs, keys []string
	for _, p := range cfg.Watch.Paths {
		abs := p
		if !filepath.IsAbs(abs) {
			abs = filepath.Join(root, p)
		}
		abs = filepath.Clean(abs)
		key, ok := files.Key(abs)
		if !ok {
			return nil, fmt.Errorf("watch path %s is outside the workspace %s", p, root)
		}
		dirs = append(dirs, abs)
		keys = append(keys, key)
	}

	p, err := registry.OpenPersister(cfg.Registry.Driver, ws.StatePath(cfg.Registry.Path))
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}
	store, err := registry.Open(p, registry.WithProcessLock(ws.StatePath(registryLockFile)))
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("load registry: %w", err)
	}

	backups, err := backup.NewManager(ws.StatePath(cfg.Backup.Dir), files)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("init backups: %w", err)
	}

	bus := notify.NewBus(notify.Options{MaxAttempts: cfg.Notify.MaxAttempts, Logger: logger})

	mon := monitor.New(store, files, monitor.Options{
		SimilarityThreshold: cfg.Integrity.SimilarityThreshold,
		NotifyConflicts:     cfg.Integrity.NotifyConflicts,
		Events:              bus,
		Logger:              logger,
	})

	gopts := guardian.Options{
		Rules:         cfg.Standards.Rules,
		NamingPattern: cfg.Standards.NamingPattern,
		Roots:         keys,
		AutoRegister:  cfg.Integrity.AutoRegister,
		Events:        bus,
		Logger:        logger,
	}
	if cfg.Backup.AutoBackup {
		gopts.Retention = cfg.Backup.Policy()
	}
	g, err := guardian.New(mon, backups, gopts)
	if err != nil {
		bus.Close()
		_ = store.Close()
		return nil, fmt.Errorf("init guardian: %w", err)
	}

	logger.Debug("workspace opened",
		slog.String("root", root),
		slog.String("state_dir", state),
		slog.String("registry_driver", cfg.Registry.Driver),
		slog.Int("records", len(store.List())))

	return &App{
		Config:    cfg,
		Logger:    logger,
		Files:     files,
		Store:     store,
		Bus:       bus,
		Backups:   backups,
		Monitor:   mon,
		Rewriter:  rewriter.New(mon, backups, bus, logger),
		Guardian:  g,
		watchDirs: dirs,
	}, nil
}

// NewWatcher returns a watcher over the configured paths fed by fsnotify.
func (a *App) NewWatcher() (*watcher.Watcher, error) {
	src, err := watcher.NewNotifySource(watcher.SkipFunc(a.Files), a.Logger)
	if err != nil {
		return nil, err
	}
	return watcher.New(src, a.Files, a.Monitor, a.Rewriter, watcher.Options{
		Roots:        a.watchDirs,
		Throttle:     a.Config.Watch.Throttle,
		AutoRegister: a.Config.Integrity.AutoRegister,
		Events:       a.Bus,
		Logger:       a.Logger,
	}), nil
}

// Close delivers queued events and closes the registry.
func (a *App) Close() error {
	a.Bus.Close()
	return a.Store.Close()
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	return err == nil && rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}
