// SPDX-License-Identifier: MIT

// Package engine orchestrates broadcast sessions: it owns the registry
// of running encoder processes and drives each broadcast through
// prepare, spawn, monitor, classify and reconnect until a terminal
// status is persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"loopcast/internal/engine/quirk"
	"loopcast/internal/log"
	"loopcast/internal/media/encode"
	"loopcast/internal/media/source"
	"loopcast/internal/metrics"
	"loopcast/internal/store"
)

var (
	// ErrAlreadyActive rejects a Start for a broadcast that is already
	// running or reconnecting. Returned before anything is spawned.
	ErrAlreadyActive = errors.New("broadcast already active")
	// ErrNotActive rejects a Stop for a broadcast with no live session.
	ErrNotActive = errors.New("broadcast not active")
	// ErrClosed rejects Starts once shutdown has begun.
	ErrClosed = errors.New("engine is shutting down")
)

// StartRequest carries everything one broadcast needs to go live. The
// caller resolves the persisted record into this; the engine only
// writes status updates back.
type StartRequest struct {
	BroadcastID    string
	Content        store.ContentRef
	DestinationURL string
	StreamKey      string
	DurationLimitS int
	Overrides      encode.Overrides
}

// Options configures a new Engine. Zero values take defaults.
type Options struct {
	Store    store.Store
	Preparer *source.Preparer

	// FFmpegBin is the encoder binary; defaults to "ffmpeg" in PATH.
	FFmpegBin string
	// GraceTimeout bounds how long a stopped process may linger before
	// the group is killed hard.
	GraceTimeout time.Duration
	// MaxAttempts bounds reconnection after connection-class failures.
	MaxAttempts int
	// StuckAfter is how long a session may go without progress before
	// it is terminated as stuck.
	StuckAfter time.Duration
	// PreflightDelay overrides the wait before the first spawn against
	// slow-release ingest hosts.
	PreflightDelay time.Duration
	// ExtraPreflightHosts extends the built-in slow-release ingest
	// host list.
	ExtraPreflightHosts []string
}

// Engine is the broadcast orchestrator. All exported methods are safe
// for concurrent use.
type Engine struct {
	store    store.Store
	preparer *source.Preparer

	bin   string
	grace time.Duration

	mu     sync.Mutex
	active map[string]*session
	closed bool

	// Reloadable knobs, guarded by mu. Sessions read them when they
	// start an attempt, so a reload applies to the next spawn.
	quirk       *quirk.Handler
	maxAttempts int
	stuckAfter  time.Duration

	wg sync.WaitGroup
}

// New creates an Engine. Store and Preparer are required.
func New(opts Options) *Engine {
	bin := opts.FFmpegBin
	if bin == "" {
		bin = "ffmpeg"
	}
	stuckAfter := opts.StuckAfter
	if stuckAfter <= 0 {
		stuckAfter = defaultStuckAfter
	}
	q := quirk.New(opts.ExtraPreflightHosts...)
	if opts.PreflightDelay > 0 {
		q.Delay = opts.PreflightDelay
	}
	return &Engine{
		store:       opts.Store,
		preparer:    opts.Preparer,
		quirk:       q,
		bin:         bin,
		grace:       opts.GraceTimeout,
		maxAttempts: opts.MaxAttempts,
		stuckAfter:  stuckAfter,
		active:      make(map[string]*session),
	}
}

const defaultStuckAfter = 30 * time.Second

// ApplyReloadable installs new values for the reloadable knobs after a
// config reload. Sessions in flight keep the retry budget they started
// with; the stuck threshold and pre-flight handling apply from their
// next attempt.
func (e *Engine) ApplyReloadable(maxAttempts int, stuckAfter, preflightDelay time.Duration, extraHosts []string) {
	q := quirk.New(extraHosts...)
	if preflightDelay > 0 {
		q.Delay = preflightDelay
	}

	e.mu.Lock()
	if maxAttempts > 0 {
		e.maxAttempts = maxAttempts
	}
	if stuckAfter > 0 {
		e.stuckAfter = stuckAfter
	}
	e.quirk = q
	e.mu.Unlock()
}

func (e *Engine) retryBudget() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxAttempts
}

func (e *Engine) stuckThreshold() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stuckAfter
}

func (e *Engine) quirkHandler() *quirk.Handler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quirk
}

// Start brings a broadcast live. It reserves the registry slot, fails
// fast on unresolvable sources, then hands the session to its own
// orchestration goroutine. The returned error only covers the
// synchronous phase; later outcomes are persisted as status updates.
func (e *Engine) Start(ctx context.Context, req StartRequest) error {
	if req.BroadcastID == "" {
		return fmt.Errorf("missing broadcast id")
	}
	if req.DestinationURL == "" {
		return fmt.Errorf("broadcast %s: missing destination URL", req.BroadcastID)
	}

	ctx = log.ContextWithBroadcastID(ctx, req.BroadcastID)
	logger := log.WithComponentFromContext(ctx, "engine")

	// Reserving the slot before resolving sources keeps check-then-spawn
	// atomic: a concurrent Start for the same id sees AlreadyActive from
	// this point on.
	runCtx, cancel := context.WithCancel(log.ContextWithBroadcastID(context.Background(), req.BroadcastID))
	s := &session{
		id:        req.BroadcastID,
		ctx:       runCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startedAt: time.Now(),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		cancel()
		return ErrClosed
	}
	if _, ok := e.active[req.BroadcastID]; ok {
		e.mu.Unlock()
		cancel()
		metrics.IncBroadcastStart("already_active")
		logger.Warn().Str("event", "engine.already_active").Msg("start rejected, session already registered")
		return fmt.Errorf("broadcast %s: %w", req.BroadcastID, ErrAlreadyActive)
	}
	e.active[req.BroadcastID] = s
	e.mu.Unlock()

	// Shuffle is drawn once per Start; retries keep this order.
	order := req.Content.Playlist
	if req.Content.Shuffle {
		order = source.Shuffled(order)
	}

	input, err := e.prepareInput(ctx, req, order)
	if err != nil {
		e.updateStatus(runCtx, req.BroadcastID, store.StatusFailed, scrubKey(err.Error(), req.StreamKey))
		e.mu.Lock()
		delete(e.active, req.BroadcastID)
		e.mu.Unlock()
		cancel()
		close(s.done)

		var nf *source.NotFoundError
		if errors.As(err, &nf) {
			metrics.IncBroadcastStart("source_missing")
		} else {
			metrics.IncBroadcastStart("error")
		}
		logger.Error().Err(err).Str("event", "engine.source_rejected").Msg("start rejected, source preparation failed")
		return err
	}

	metrics.IncBroadcastStart("started")
	metrics.IncActiveSessions()
	logger.Info().
		Str("event", "engine.start").
		Str("destination", req.DestinationURL).
		Bool("playlist", req.Content.IsPlaylist()).
		Bool("loop", req.Content.Loop).
		Msg("broadcast accepted")

	e.wg.Add(1)
	go e.run(s, req, order, input)
	return nil
}

// Stop requests termination of an active broadcast and blocks until
// its session reaches a terminal status or ctx expires. Stopping a
// session that is waiting out a reconnect backoff takes effect
// immediately.
func (e *Engine) Stop(ctx context.Context, broadcastID string) error {
	e.mu.Lock()
	s, ok := e.active[broadcastID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("broadcast %s: %w", broadcastID, ErrNotActive)
	}

	logger := log.WithComponentFromContext(ctx, "engine")
	logger.Info().
		Str("event", "engine.stop").
		Str(log.FieldBroadcastID, broadcastID).
		Msg("stop requested")
	s.requestStop()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsActive reports whether the broadcast has a live session, including
// one waiting out a reconnect backoff.
func (e *Engine) IsActive(broadcastID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.active[broadcastID]
	return ok
}

// ActiveCount returns the number of live sessions.
func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// ActiveIds returns the ids of all live sessions, sorted.
func (e *Engine) ActiveIds() []string {
	e.mu.Lock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// Shutdown stops every live session and waits for the orchestration
// goroutines to finish or ctx to expire. Further Starts are rejected.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	sessions := make([]*session, 0, len(e.active))
	for _, s := range e.active {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	for _, s := range sessions {
		s.requestStop()
	}

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prepareInput resolves and prepares the broadcast's content for one
// attempt. Playlists regenerate their manifest from the order drawn at
// Start; single assets resolve fresh each time.
func (e *Engine) prepareInput(ctx context.Context, req StartRequest, order []string) (*source.Input, error) {
	if req.Content.IsPlaylist() {
		return e.preparer.Playlist(ctx, req.BroadcastID, order, req.Content.Loop)
	}
	return e.preparer.Single(ctx, req.Content.AssetPath, req.Content.Loop)
}

// updateStatus persists one transition; failures are logged, not
// propagated, so a flaky store cannot wedge the orchestration loop.
func (e *Engine) updateStatus(ctx context.Context, id string, st store.Status, msg string) {
	if err := e.store.UpdateStatus(ctx, id, st, msg); err != nil {
		logger := log.WithComponentFromContext(ctx, "engine")
		logger.Error().
			Err(err).
			Str(log.FieldBroadcastID, id).
			Str("status", string(st)).
			Msg("status update failed")
	}
}

// finish releases a session's registry slot and metrics.
func (e *Engine) finish(s *session) {
	e.mu.Lock()
	delete(e.active, s.id)
	e.mu.Unlock()

	metrics.DecActiveSessions()
	metrics.ForgetBroadcast(s.id)
	s.cancel()
	close(s.done)
	e.wg.Done()
}
