// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"loopcast/internal/log"
)

// debounceDuration coalesces the event bursts editors produce into one
// reload.
const debounceDuration = 500 * time.Millisecond

// Holder carries the current configuration and reloads it atomically.
// A reload that fails to load or validate keeps the old configuration.
// Only the reloadable subset takes effect without a restart; changes to
// static fields are logged as requiring one.
type Holder struct {
	mu      sync.RWMutex
	current Config
	loader  *Loader
	watcher *fsnotify.Watcher
	logger  zerolog.Logger

	listenerMu sync.RWMutex
	listeners  []chan<- Config
}

// NewHolder wraps an already loaded configuration. loader re-resolves
// it on Reload; its Path decides whether a file watcher can run.
func NewHolder(initial Config, loader *Loader) *Holder {
	return &Holder{
		current: initial,
		loader:  loader,
		logger:  log.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload re-resolves the configuration and swaps it in if valid.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str("event", "config.reload_start").Msg("reloading configuration")

	newCfg, err := h.loader.Load()
	if err != nil {
		h.logger.Error().Err(err).Str("event", "config.reload_failed").Msg("keeping previous configuration")
		return err
	}

	h.mu.Lock()
	oldCfg := h.current
	h.current = newCfg
	h.mu.Unlock()

	h.logChanges(oldCfg, newCfg)
	h.notify(newCfg)

	h.logger.Info().Str("event", "config.reload_success").Msg("configuration reloaded")
	return nil
}

// Watch starts the config file watcher; reloads are debounced. A
// holder without a file path declines, and SIGHUP-driven reloads still
// work through Reload.
func (h *Holder) Watch(ctx context.Context) error {
	if h.loader == nil || h.loader.Path == "" {
		h.logger.Info().Str("event", "config.watcher_disabled").Msg("no config file, watcher disabled")
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.loader.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}
	h.watcher = watcher

	h.logger.Info().
		Str("event", "config.watcher_started").
		Str("path", h.loader.Path).
		Msg("watching config file for changes")

	go h.watchLoop(ctx)
	return nil
}

func (h *Holder) watchLoop(ctx context.Context) {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		_ = h.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str("event", "config.watcher_stopped").Msg("config watcher stopped")
			return

		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			// Write and Create cover the editor save strategies
			// (in-place writes and rename-over).
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceDuration, func() {
				if err := h.Reload(ctx); err != nil {
					h.logger.Error().Err(err).Str("event", "config.auto_reload_failed").Msg("automatic reload failed")
				}
			})

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error().Err(err).Str("event", "config.watcher_error").Msg("config watcher error")
		}
	}
}

// RegisterListener adds a channel that receives each successfully
// reloaded configuration. Sends are non-blocking; a full channel is
// skipped.
func (h *Holder) RegisterListener(ch chan<- Config) {
	h.listenerMu.Lock()
	h.listeners = append(h.listeners, ch)
	h.listenerMu.Unlock()
}

func (h *Holder) notify(cfg Config) {
	h.listenerMu.RLock()
	defer h.listenerMu.RUnlock()
	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().Str("event", "config.listener_skip").Msg("listener channel full, skipped")
		}
	}
}

// logChanges reports what a reload changed. Static fields get a
// restart-required warning instead of taking effect.
func (h *Holder) logChanges(old, cur Config) {
	if old.LogLevel != cur.LogLevel {
		h.logger.Info().Str("old", old.LogLevel).Str("new", cur.LogLevel).Msg("config changed: LogLevel")
	}
	if old.ReconnectMaxAttempts != cur.ReconnectMaxAttempts {
		h.logger.Info().Int("old", old.ReconnectMaxAttempts).Int("new", cur.ReconnectMaxAttempts).Msg("config changed: ReconnectMaxAttempts")
	}
	if old.StuckAfter != cur.StuckAfter {
		h.logger.Info().Dur("old", old.StuckAfter).Dur("new", cur.StuckAfter).Msg("config changed: StuckAfter")
	}
	if old.PreflightDelay != cur.PreflightDelay {
		h.logger.Info().Dur("old", old.PreflightDelay).Dur("new", cur.PreflightDelay).Msg("config changed: PreflightDelay")
	}
	if !slices.Equal(old.PreflightHosts, cur.PreflightHosts) {
		h.logger.Info().Strs("old", old.PreflightHosts).Strs("new", cur.PreflightHosts).Msg("config changed: PreflightHosts")
	}

	for _, c := range []struct {
		name     string
		old, cur string
	}{
		{"Listen", old.Listen, cur.Listen},
		{"DataDir", old.DataDir, cur.DataDir},
		{"StoreBackend", old.StoreBackend, cur.StoreBackend},
		{"MediaConvertedDir", old.MediaConvertedDir, cur.MediaConvertedDir},
		{"MediaOriginalDir", old.MediaOriginalDir, cur.MediaOriginalDir},
		{"MediaLegacyDir", old.MediaLegacyDir, cur.MediaLegacyDir},
		{"WorkDir", old.WorkDir, cur.WorkDir},
		{"FFmpegBin", old.FFmpegBin, cur.FFmpegBin},
		{"FFprobeBin", old.FFprobeBin, cur.FFprobeBin},
	} {
		if c.old != c.cur {
			h.logger.Warn().
				Str("field", c.name).
				Str("event", "config.restart_required").
				Msg("changed field requires a restart to take effect")
		}
	}
}
