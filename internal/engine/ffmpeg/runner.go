// SPDX-License-Identifier: MIT

// Package ffmpeg supervises a single encoder process: argument
// construction, spawn, progress and stderr capture, and two-phase
// termination. Retry policy lives with the caller; one Runner runs one
// process.
package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"loopcast/internal/log"
	"loopcast/internal/procgroup"
)

// DefaultGraceTimeout is how long a terminated process gets to flush
// and close the RTMP connection before the group is killed hard.
const DefaultGraceTimeout = 5 * time.Second

// stderrTailLines bounds the diagnostic tail returned with an exit.
const stderrTailLines = 40

// ExitStatus describes one finished encoder process.
type ExitStatus struct {
	Err        error
	ExitCode   int
	StartedAt  time.Time
	EndedAt    time.Time
	StderrTail []string
}

// Runner manages a single encoder process.
type Runner struct {
	Bin          string
	GraceTimeout time.Duration

	// onProgress receives flushed progress blocks; set before Start.
	onProgress func(Progress)

	mu    sync.Mutex
	cmd   *exec.Cmd
	start time.Time

	done     chan struct{}
	doneOnce sync.Once

	ring *LineRing
	ioWg sync.WaitGroup

	progressLog rate.Sometimes
}

// NewRunner creates a runner for the given encoder binary.
func NewRunner(bin string, graceTimeout time.Duration) *Runner {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &Runner{
		Bin:          bin,
		GraceTimeout: graceTimeout,
		ring:         NewLineRing(256),
		done:         make(chan struct{}),
		progressLog:  rate.Sometimes{Interval: 10 * time.Second},
	}
}

// OnProgress registers the progress callback. Must be called before
// Start; the callback runs on the pipe reader goroutine and must not
// block.
func (r *Runner) OnProgress(fn func(Progress)) {
	r.onProgress = fn
}

// Start launches the process with machine-readable progress on stdout.
// It returns once the process is running; use Wait for the outcome.
func (r *Runner) Start(ctx context.Context, args []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cmd != nil {
		return errors.New("encoder process already started")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	full := append([]string{"-progress", "pipe:1"}, args...)
	cmd := exec.Command(r.Bin, full...) // #nosec G204 -- args are built internally, not user input
	procgroup.Set(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("capture encoder stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("capture encoder stderr: %w", err)
	}

	logger := log.WithComponentFromContext(ctx, "encoder")
	logger.Info().Str("event", "encoder.start").Str("command", cmd.String()).Msg("starting encoder process")

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", r.Bin, err)
	}
	r.cmd = cmd
	r.start = time.Now()

	r.ioWg.Add(2)
	go func() {
		defer r.ioWg.Done()
		parseProgress(stdout, func(p Progress) {
			r.progressLog.Do(func() {
				logger.Debug().
					Str("event", "encoder.progress").
					Dur("timemark", p.Timemark).
					Float64("fps", p.FPS).
					Float64("bitrate_kbps", p.BitrateKbps).
					Float64("speed", p.Speed).
					Msg("encoder progress")
			})
			if fn := r.onProgress; fn != nil {
				fn(p)
			}
		})
	}()
	go func() {
		defer r.ioWg.Done()
		r.ring.Scan(stderr)
	}()

	return nil
}

// Wait blocks until the process exits and returns its final status.
// The stderr pipe is fully drained before the exit is reported so the
// tail always contains the process's last words.
func (r *Runner) Wait() ExitStatus {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil {
		return ExitStatus{Err: errors.New("encoder process not started"), ExitCode: -1}
	}

	// Pipes must be drained before Wait closes them.
	r.ioWg.Wait()
	waitErr := cmd.Wait()
	r.doneOnce.Do(func() { close(r.done) })

	code := -1
	if state := cmd.ProcessState; state != nil {
		code = state.ExitCode()
	}

	return ExitStatus{
		Err:        waitErr,
		ExitCode:   code,
		StartedAt:  r.start,
		EndedAt:    time.Now(),
		StderrTail: r.ring.LastN(stderrTailLines),
	}
}

// Stop requests termination: SIGTERM to the whole process group, then
// SIGKILL once the grace period expires without an exit. Safe to call
// multiple times and after exit.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	cmd := r.cmd
	r.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	select {
	case <-r.done:
		return nil
	default:
	}

	logger := log.WithComponentFromContext(ctx, "encoder")
	logger.Debug().Str("event", "encoder.stop").Msg("sending SIGTERM to encoder process group")
	if err := procgroup.Kill(cmd, syscall.SIGTERM); err != nil {
		return err
	}

	grace := r.GraceTimeout
	if grace <= 0 {
		grace = DefaultGraceTimeout
	}

	go func() {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-r.done:
		case <-timer.C:
			logger.Warn().Str("event", "encoder.kill").Dur("grace", grace).Msg("grace period expired, killing encoder process group")
			_ = procgroup.Kill(cmd, syscall.SIGKILL)
		}
	}()

	return nil
}

// LastLogLines returns up to n of the most recent stderr lines.
func (r *Runner) LastLogLines(n int) []string {
	return r.ring.LastN(n)
}

// StderrDump returns the whole captured stderr tail as one string,
// oldest line first, for failure classification.
func (r *Runner) StderrDump() string {
	return r.ring.Dump()
}
