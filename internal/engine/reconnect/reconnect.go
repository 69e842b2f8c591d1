// SPDX-License-Identifier: MIT

// Package reconnect decides whether and when a failed broadcast attempt
// is retried. The policy consumes the classifier's label; keeping "what
// happened" and "what to do about it" apart makes both testable on
// their own.
package reconnect

import (
	"context"
	"time"

	"loopcast/internal/engine/classify"
)

const (
	// DefaultMaxAttempts bounds consecutive reconnection attempts.
	DefaultMaxAttempts = 4

	baseDelay = 1 * time.Second
	maxDelay  = 60 * time.Second
)

// State tracks one session's retry sequence. Reset by constructing a
// fresh State; an explicit user stop discards it wholesale.
type State struct {
	Attempts    int
	MaxAttempts int
	BackoffLog  []time.Duration
}

// NewState returns a State with the given budget; zero or negative
// means DefaultMaxAttempts.
func NewState(maxAttempts int) *State {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &State{MaxAttempts: maxAttempts}
}

// Delay returns the backoff before the next attempt:
// min(2^attempts × 1s, 60s).
func (s *State) Delay() time.Duration {
	shift := s.Attempts
	if shift > 6 {
		// 2^6 s already exceeds the cap; larger shifts would overflow.
		shift = 6
	}
	d := baseDelay << uint(shift)
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// Advance records a completed wait. Attempts increments after each
// wait, independent of the delay value.
func (s *State) Advance(waited time.Duration) {
	s.BackoffLog = append(s.BackoffLog, waited)
	s.Attempts++
}

// Exhausted reports whether the retry budget is spent.
func (s *State) Exhausted() bool { return s.Attempts >= s.MaxAttempts }

// Decision is what the supervising loop does with a classified exit.
type Decision int

const (
	// Stopped: user-initiated stop, persisted as stopped, never an error.
	Stopped Decision = iota
	// Fail: terminal failure, persisted with the classifier's hint.
	Fail
	// Retry: wait State.Delay(), then respawn.
	Retry
)

func (d Decision) String() string {
	switch d {
	case Stopped:
		return "stopped"
	case Fail:
		return "fail"
	case Retry:
		return "retry"
	default:
		return "unknown"
	}
}

// Decide maps a classification onto the next action. Only
// connection-class failures retry, and only while budget remains.
func Decide(kind classify.Kind, st *State) Decision {
	if kind == classify.UserStop {
		return Stopped
	}
	if !kind.Retryable() || st.Exhausted() {
		return Fail
	}
	return Retry
}

// Wait blocks for d or until ctx is cancelled, whichever comes first. A
// user stop during a backoff wait is honored immediately through the
// context, not after the delay elapses.
func Wait(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
