// Package internal provides the main application initialization and runtime logic.
package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/starford/custodian/internal/api"
	"github.com/starford/custodian/internal/fileservice"
	"github.com/starford/custodian/internal/notify"
	"github.com/starford/custodian/internal/sse"
)

// Run starts the watch daemon: an initial scan, then the file watcher and,
// when enabled, the HTTP API until ctx is cancelled or a signal arrives.
func Run(ctx context.Context, opts ...Option) error {
	app := &application{version: "dev"}

	for _, opt := range opts {
		opt(app)
	}

	if app.config == nil {
		return fmt.Errorf("config is required")
	}

	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = NewLogger(cfg, os.Stderr)
	}

	logger.Info("Configuration loaded",
		slog.String("workspace", cfg.Workspace.Root),
		slog.Any("watch_paths", cfg.Watch.Paths),
		slog.String("registry_driver", cfg.Registry.Driver),
		slog.Duration("throttle", cfg.Watch.Throttle),
		slog.Bool("http_enabled", cfg.HTTP.Enabled),
		slog.String("log_level", cfg.App.LogLevel.String()))

	a, err := Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error("close registry", slog.String("error", err.Error()))
		}
	}()

	unsubscribe := a.Bus.Subscribe(notify.All, notify.LogHandler(logger))
	defer unsubscribe()

	// Catch up with changes made while the daemon was down.
	rep, err := a.Guardian.Scan(ctx)
	if err != nil {
		logger.Warn("initial scan failed", slog.String("error", err.Error()))
	} else {
		logger.Info("initial scan complete",
			slog.Int("registered", len(rep.Registered)),
			slog.Int("changed", len(rep.Changed)),
			slog.Int("missing", len(rep.Missing)),
			slog.Int("untracked", len(rep.Untracked)),
			slog.Int("unchanged", rep.Unchanged))
	}

	w, err := a.NewWatcher()
	if err != nil {
		return fmt.Errorf("init watcher: %w", err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return w.Run(gCtx)
	})

	// Faults are fatal to one root only; the watcher keeps the others.
	g.Go(func() error {
		for {
			select {
			case f := <-w.Faults():
				logger.Error("watch root lost", slog.String("root", f.Root), slog.String("error", f.Err.Error()))
			case <-gCtx.Done():
				return nil
			}
		}
	})

	var httpServer *http.Server
	if cfg.HTTP.Enabled {
		broker := sse.NewBroker(2 * time.Second)
		defer broker.Close()
		unsubscribeSSE := a.Bus.Subscribe(notify.All, broker.Handler())
		defer unsubscribeSSE()

		httpServer = &http.Server{
			Addr:              cfg.HTTP.Address(),
			Handler:           newHTTPHandler(a, broker, app.version),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			logger.Info("Starting HTTP server", slog.String("address", cfg.HTTP.Address()))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	// Handle shutdown signals.
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(quit)

		select {
		case sig := <-quit:
			logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
		case <-gCtx.Done():
			logger.Info("Context cancelled, initiating shutdown")
		}
		stop()

		if httpServer != nil {
			logger.Info("Shutting down server...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("HTTP server shutdown error", slog.String("error", err.Error()))
			}
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		return err
	}

	logger.Info("Watcher stopped successfully")
	return nil
}

// newHTTPHandler builds the chi router serving health checks, the API and
// the event stream.
func newHTTPHandler(a *App, broker *sse.Broker, version string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoints (unauthenticated).
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","version":%q}`, version)
	})
	r.Get("/health/ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"ok","records":%d}`, len(a.Store.List()))
	})

	// Mount API routes under /api; /api/events is the SSE stream.
	svc := fileservice.NewService(a.Guardian)
	r.Mount("/api", api.NewRouter(svc, a.Config.Auth.AuthEnabled(), a.Config.Auth.Token, broker))

	return r
}
