// SPDX-License-Identifier: MIT

// Package daemon owns the process lifecycle: the single-instance lock,
// the HTTP server, config hot reload, and the ordered teardown of the
// engine and store.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"loopcast/internal/config"
	"loopcast/internal/engine"
	"loopcast/internal/log"
	"loopcast/internal/store"
)

var (
	// ErrMissingEngine is returned when no engine is wired.
	ErrMissingEngine = errors.New("engine is required")
	// ErrMissingStore is returned when no store is wired.
	ErrMissingStore = errors.New("store is required")
	// ErrMissingHandler is returned when no HTTP handler is wired.
	ErrMissingHandler = errors.New("http handler is required")
	// ErrAlreadyLocked reports a second daemon instance on the same
	// data directory. Two instances would race the session registry.
	ErrAlreadyLocked = errors.New("another loopcastd instance holds the lock")
)

// HTTP server limits. WriteTimeout leaves room for a stop request that
// waits out the encoder grace period before responding.
const (
	readTimeout       = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 60 * time.Second
	idleTimeout       = 120 * time.Second
)

// Options wires the daemon's collaborators.
type Options struct {
	Config  config.Config
	Holder  *config.Holder
	Engine  *engine.Engine
	Store   store.Store
	Handler http.Handler

	// LockPath guards against a second instance republishing the same
	// broadcasts. Empty disables the guard.
	LockPath string
}

// App runs the daemon until its context is cancelled.
type App struct {
	cfg     config.Config
	holder  *config.Holder
	engine  *engine.Engine
	store   store.Store
	handler http.Handler
	lock    *flock.Flock
	logger  zerolog.Logger

	reloadSignal os.Signal
}

// New validates the wiring and builds the app.
func New(opts Options) (*App, error) {
	if opts.Engine == nil {
		return nil, ErrMissingEngine
	}
	if opts.Store == nil {
		return nil, ErrMissingStore
	}
	if opts.Handler == nil {
		return nil, ErrMissingHandler
	}

	a := &App{
		cfg:          opts.Config,
		holder:       opts.Holder,
		engine:       opts.Engine,
		store:        opts.Store,
		handler:      opts.Handler,
		logger:       log.WithComponent("daemon"),
		reloadSignal: syscall.SIGHUP,
	}
	if a.cfg.ShutdownTimeout <= 0 {
		a.cfg.ShutdownTimeout = 10 * time.Second
	}
	if opts.LockPath != "" {
		a.lock = flock.New(opts.LockPath)
	}
	return a, nil
}

// Run blocks until ctx is cancelled or the server fails, then tears
// down in order: HTTP server, live sessions, store.
func (a *App) Run(ctx context.Context) error {
	if a.lock != nil {
		ok, err := a.lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", a.lock.Path(), err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrAlreadyLocked, a.lock.Path())
		}
		defer func() {
			if err := a.lock.Unlock(); err != nil {
				a.logger.Warn().Err(err).Str("event", "daemon.unlock_failed").Msg("failed to release instance lock")
			}
		}()
		a.logger.Info().
			Str("event", "daemon.locked").
			Str("path", a.lock.Path()).
			Msg("instance lock acquired")
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.holder != nil {
		// Watcher is best-effort: a broken watch must not stop the daemon.
		if err := a.holder.Watch(ctx); err != nil {
			a.logger.Warn().Err(err).Str("event", "config.watcher_start_failed").Msg("failed to start config watcher")
		}

		applyCh := make(chan config.Config, 1)
		a.holder.RegisterListener(applyCh)
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cfg := <-applyCh:
					a.applyReload(cfg)
				}
			}
		})

		g.Go(func() error {
			hupChan := make(chan os.Signal, 1)
			signal.Notify(hupChan, a.reloadSignal)
			defer signal.Stop(hupChan)

			for {
				select {
				case <-ctx.Done():
					return nil
				case <-hupChan:
					a.logger.Info().
						Str("event", "config.reload_signal").
						Str("signal", a.reloadSignal.String()).
						Msg("received reload signal, reloading config")
					if err := a.holder.Reload(context.Background()); err != nil {
						a.logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("config reload failed")
					}
				}
			}
		})
	}

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           a.handler,
		ReadTimeout:       readTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}

	g.Go(func() error {
		a.logger.Info().
			Str("event", "api.listening").
			Str("addr", srv.Addr).
			Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		// Detached but bounded so shutdown completes even though the
		// parent context is already cancelled.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()

	teardownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err != nil && !errors.Is(err, context.Canceled) {
		errs = append(errs, err)
	}
	if shutdownErr := a.engine.Shutdown(teardownCtx); shutdownErr != nil {
		errs = append(errs, fmt.Errorf("engine shutdown: %w", shutdownErr))
	}
	if closeErr := a.store.Close(); closeErr != nil {
		errs = append(errs, fmt.Errorf("store close: %w", closeErr))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	a.logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped cleanly")
	return nil
}

// applyReload pushes the reloadable subset of a fresh config into the
// running daemon: log level and the engine's retry and health knobs.
func (a *App) applyReload(cfg config.Config) {
	if !log.SetLevel(cfg.LogLevel) {
		a.logger.Warn().
			Str("event", "config.level_invalid").
			Str("level", cfg.LogLevel).
			Msg("reloaded log level does not parse, keeping current")
	}

	a.engine.ApplyReloadable(cfg.ReconnectMaxAttempts, cfg.StuckAfter, cfg.PreflightDelay, cfg.PreflightHosts)

	a.logger.Info().
		Str("event", "config.reload_applied").
		Int("max_attempts", cfg.ReconnectMaxAttempts).
		Dur("stuck_after", cfg.StuckAfter).
		Dur("preflight_delay", cfg.PreflightDelay).
		Msg("reloadable settings applied")
}
