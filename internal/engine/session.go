// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"loopcast/internal/engine/classify"
	"loopcast/internal/engine/ffmpeg"
	"loopcast/internal/engine/health"
	"loopcast/internal/engine/reconnect"
	"loopcast/internal/log"
	"loopcast/internal/media/encode"
	"loopcast/internal/media/source"
	"loopcast/internal/metrics"
	"loopcast/internal/store"
)

// bitrateSampleEvery is the stream time between bitrate samples
// forwarded to the quality monitor. Sampling per progress event would
// drown the window in near-duplicate values.
const bitrateSampleEvery = 10 * time.Second

// session is one live broadcast: the registry entry plus the handle
// its orchestration loop and Stop share.
type session struct {
	id string

	ctx    context.Context
	cancel context.CancelFunc

	stopReq atomic.Bool
	done    chan struct{}

	mu     sync.Mutex
	runner *ffmpeg.Runner

	startedAt time.Time
}

func (s *session) setRunner(r *ffmpeg.Runner) {
	s.mu.Lock()
	s.runner = r
	s.mu.Unlock()
}

// requestStop flags the stop intent before terminating anything so the
// exit that follows is classified as a user stop, then cancels pending
// waits and tears down any running process.
func (s *session) requestStop() {
	s.stopReq.Store(true)
	s.cancel()
	s.mu.Lock()
	r := s.runner
	s.mu.Unlock()
	if r != nil {
		_ = r.Stop(context.Background())
	}
}

// attemptOutcome is the structured result of one spawn: either a clean
// end, a classification, or a preparation error.
type attemptOutcome struct {
	clean   bool
	res     classify.Result
	prepErr error
	status  ffmpeg.ExitStatus
	quality health.Quality
}

// persistContext returns the context used for status writes. Session
// cancellation must never abort a terminal status update, so these
// writes run on a fresh background context.
func persistContext(id string) context.Context {
	return log.ContextWithBroadcastID(context.Background(), id)
}

// run drives one broadcast from first spawn to terminal status.
func (e *Engine) run(s *session, req StartRequest, order []string, first *source.Input) {
	outcome := "failed"
	defer func() {
		metrics.ObserveSessionDuration(outcome, time.Since(s.startedAt).Seconds())
		e.finish(s)
	}()

	ctx := s.ctx
	persist := persistContext(s.id)
	logger := log.WithComponentFromContext(ctx, "engine")
	st := reconnect.NewState(e.retryBudget())
	input := first

	for {
		if s.stopReq.Load() {
			outcome = "stopped"
			e.updateStatus(persist, s.id, store.StatusStopped, "")
			logger.Info().Str("event", "session.stopped").Msg("broadcast stopped")
			return
		}

		firstSpawn := st.Attempts == 0
		out := e.attempt(ctx, s, req, order, input, firstSpawn)
		input = nil // retries prepare their own

		if out.prepErr != nil {
			if s.stopReq.Load() {
				outcome = "stopped"
				e.updateStatus(persist, s.id, store.StatusStopped, "")
				return
			}
			outcome = "failed"
			e.updateStatus(persist, s.id, store.StatusFailed, scrubKey(out.prepErr.Error(), req.StreamKey))
			logger.Error().Err(out.prepErr).Str("event", "session.failed").Msg("source preparation failed")
			return
		}

		if out.clean {
			metrics.IncEncoderExit("clean")
			outcome = "completed"
			e.updateStatus(persist, s.id, store.StatusCompleted, "")
			logger.Info().
				Str("event", "session.completed").
				Dur("uptime", out.status.EndedAt.Sub(out.status.StartedAt)).
				Msg("broadcast completed")
			return
		}
		metrics.IncEncoderExit(out.res.Kind.String())

		if out.res.Kind == classify.UserStop {
			outcome = "stopped"
			e.updateStatus(persist, s.id, store.StatusStopped, "")
			logger.Info().Str("event", "session.stopped").Msg("broadcast stopped")
			return
		}

		switch reconnect.Decide(out.res.Kind, st) {
		case reconnect.Stopped:
			outcome = "stopped"
			e.updateStatus(persist, s.id, store.StatusStopped, "")
			return
		case reconnect.Fail:
			outcome = "failed"
			if out.res.Kind == classify.ConnectionError {
				metrics.IncReconnectExhausted()
			}
			e.updateStatus(persist, s.id, store.StatusFailed, e.failureMessage(req, st, out))
			logger.Error().
				Str("event", "session.failed").
				Str(log.FieldErrorKind, out.res.Kind.String()).
				Int(log.FieldExitCode, out.res.ExitCode).
				Str(log.FieldSignal, out.res.Signal).
				Int("attempts", st.Attempts).
				Msg("broadcast failed")
			return
		case reconnect.Retry:
		}

		delay := st.Delay()
		e.updateStatus(persist, s.id, store.StatusReconnecting,
			fmt.Sprintf("reconnecting (attempt %d of %d)", st.Attempts+1, st.MaxAttempts))
		logger.Warn().
			Str("event", "session.reconnecting").
			Int(log.FieldAttempt, st.Attempts+1).
			Dur("backoff", delay).
			Str("reason", out.res.Match).
			Msg("connection lost, backing off before retry")

		if err := reconnect.Wait(ctx, delay); err != nil {
			outcome = "stopped"
			e.updateStatus(persist, s.id, store.StatusStopped, "")
			logger.Info().Str("event", "session.stopped").Msg("broadcast stopped during backoff")
			return
		}
		st.Advance(delay)
	}
}

// attempt runs one encoder process to its exit: prepare (unless handed
// a prepared input), pre-flight, spawn, monitor, classify.
func (e *Engine) attempt(ctx context.Context, s *session, req StartRequest, order []string, pre *source.Input, firstSpawn bool) attemptOutcome {
	ctx = log.ContextWithAttemptID(ctx, uuid.NewString())
	logger := log.WithComponentFromContext(ctx, "engine")

	input := pre
	if input == nil {
		var err error
		input, err = e.prepareInput(ctx, req, order)
		if err != nil {
			return attemptOutcome{prepErr: err}
		}
	}
	defer func() {
		if err := input.Cleanup(); err != nil {
			logger.Warn().Err(err).Str(log.FieldManifestPath, input.ManifestPath()).Msg("manifest cleanup failed")
		}
	}()

	if err := e.quirkHandler().Preflight(ctx, req.DestinationURL, firstSpawn); err != nil {
		return attemptOutcome{res: classify.Classify(err, "", s.stopReq.Load())}
	}

	settings := encode.Resolve(*input.Probe, req.Overrides)
	args, err := ffmpeg.BuildStreamArgs(
		ffmpeg.InputSpec{
			Path:        input.Path,
			Concat:      input.Concat,
			Loop:        input.LoopInput,
			SilentAudio: !input.HasAudio,
		},
		ffmpeg.OutputSpec{
			URL:            publishURL(req.DestinationURL, req.StreamKey),
			DurationLimitS: req.DurationLimitS,
		},
		settings,
	)
	if err != nil {
		return attemptOutcome{res: classify.Result{Kind: classify.FatalConfig, ExitCode: -1, Hint: err.Error()}}
	}

	logger.Info().
		Str("event", "session.attempt").
		Bool("first_spawn", firstSpawn).
		Str(log.FieldResolution, fmt.Sprintf("%dx%d", settings.Width, settings.Height)).
		Int(log.FieldBitrate, settings.BitrateKbps).
		Int(log.FieldFPS, settings.Framerate).
		Bool("silent_audio", !input.HasAudio).
		Msg("spawning encoder")

	stuckAfter := e.stuckThreshold()
	runner := ffmpeg.NewRunner(e.bin, e.grace)
	mon := health.New(stuckAfter)

	var lastSample time.Duration
	runner.OnProgress(func(p ffmpeg.Progress) {
		mon.Touch()
		if p.Timemark-lastSample < bitrateSampleEvery {
			return
		}
		lastSample = p.Timemark
		if p.BitrateKbps > 0 {
			mon.RecordBitrate(p.BitrateKbps)
			metrics.SetEncoderBitrate(s.id, p.BitrateKbps)
		}
		if p.Speed > 0 {
			metrics.SetEncoderSpeed(s.id, p.Speed)
		}
	})

	if err := runner.Start(ctx, args); err != nil {
		return attemptOutcome{res: classify.Classify(err, "", s.stopReq.Load())}
	}
	s.setRunner(runner)
	metrics.IncEncoderSpawn(!firstSpawn)
	e.updateStatus(persistContext(s.id), s.id, store.StatusActive, "")

	// Stuck watch: a frozen stream is terminated and folded into the
	// connection-failure path rather than waiting forever.
	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	var stuckFired atomic.Bool
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := mon.Run(watchCtx); errors.Is(err, health.ErrStuck) {
			stuckFired.Store(true)
			metrics.IncStuckDetected()
			logger.Warn().
				Str("event", "session.stuck").
				Dur("threshold", stuckAfter).
				Msg("no encoder progress, terminating process")
			_ = runner.Stop(context.Background())
		}
	}()

	status := runner.Wait()
	cancelWatch()
	<-watchDone
	s.setRunner(nil)

	quality := mon.Quality()
	if quality.Unstable {
		metrics.IncBitrateUnstable()
		logger.Warn().
			Str("event", "session.bitrate_unstable").
			Float64("mean_kbps", quality.Mean).
			Float64("stddev_kbps", quality.StdDev).
			Int("samples", quality.Samples).
			Msg("output bitrate was unstable")
	}

	stopRequested := s.stopReq.Load()
	if status.Err == nil && !stopRequested {
		return attemptOutcome{clean: true, status: status, quality: quality}
	}

	if stuckFired.Load() && !stopRequested {
		return attemptOutcome{
			res: classify.Result{
				Kind:     classify.ConnectionError,
				ExitCode: status.ExitCode,
				Match:    "no progress",
				Hint:     fmt.Sprintf("no encoder progress for %s; treated as a connection failure", stuckAfter),
			},
			status:  status,
			quality: quality,
		}
	}

	res := classify.Classify(status.Err, runner.StderrDump(), stopRequested)
	logger.Warn().
		Str("event", "session.encoder_exit").
		Str(log.FieldErrorKind, res.Kind.String()).
		Int(log.FieldExitCode, res.ExitCode).
		Str(log.FieldSignal, res.Signal).
		Dur("uptime", status.EndedAt.Sub(status.StartedAt)).
		Strs("stderr_tail", runner.LastLogLines(5)).
		Msg("encoder exited")
	return attemptOutcome{res: res, status: status, quality: quality}
}

// failureMessage builds the persisted errorMessage for a terminal
// failure: specific enough to act on, never leaking the stream key.
func (e *Engine) failureMessage(req StartRequest, st *reconnect.State, out attemptOutcome) string {
	res := out.res
	var b strings.Builder

	switch res.Kind {
	case classify.ConnectionError:
		if res.Match != "" {
			fmt.Fprintf(&b, "connection to ingest endpoint lost (%s); gave up after %d reconnect attempts", res.Match, st.Attempts)
		} else {
			fmt.Fprintf(&b, "connection to ingest endpoint lost; gave up after %d reconnect attempts", st.Attempts)
		}
		if hint := e.quirkHandler().Hint(req.DestinationURL); hint != "" {
			b.WriteString("; ")
			b.WriteString(hint)
		}
	case classify.Crash, classify.FatalConfig, classify.MemoryPressure:
		if res.Hint != "" {
			b.WriteString(res.Hint)
		} else {
			fmt.Fprintf(&b, "encoder failed (%s)", res.Kind)
		}
	default:
		if res.Signal != "" {
			fmt.Fprintf(&b, "encoder terminated by signal %s", res.Signal)
		} else {
			fmt.Fprintf(&b, "encoder exited unexpectedly (exit code %d)", res.ExitCode)
		}
	}

	if out.quality.Unstable {
		fmt.Fprintf(&b, "; output bitrate was unstable (mean %.0f kbps, stddev %.0f)", out.quality.Mean, out.quality.StdDev)
	}
	return scrubKey(b.String(), req.StreamKey)
}

// publishURL joins destination and stream key into the encoder's
// output target.
func publishURL(destination, key string) string {
	if key == "" {
		return destination
	}
	return strings.TrimRight(destination, "/") + "/" + key
}

// scrubKey removes the stream key from text headed for logs or the
// persisted record.
func scrubKey(text, key string) string {
	if key == "" {
		return text
	}
	return strings.ReplaceAll(text, key, "***")
}
