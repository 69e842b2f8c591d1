// SPDX-License-Identifier: MIT

// Package health watches a running broadcast's progress events for two
// symptoms: frozen progress (stuck stream) and unstable output bitrate.
// Stuck streams are surfaced to the supervising loop as a
// connection-class symptom; bitrate instability is advisory telemetry
// that enriches failure diagnostics.
package health

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"
)

const (
	// DefaultStuckThreshold is how long progress may be silent before
	// the stream counts as stuck.
	DefaultStuckThreshold = 30 * time.Second

	// checkInterval paces the Run loop.
	checkInterval = 5 * time.Second

	// bitrateWindowSize bounds the rolling sample window.
	bitrateWindowSize = 60

	// instabilityRatio flags the window when the standard deviation
	// exceeds this share of the mean.
	instabilityRatio = 0.30

	// minSamplesForVerdict avoids verdicts on thin evidence.
	minSamplesForVerdict = 10
)

// ErrStuck is returned by Run when progress freezes past the threshold.
var ErrStuck = errors.New("no encoder progress within threshold")

type clock interface {
	Now() time.Time
	NewTicker(d time.Duration) ticker
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

func (realClock) Now() time.Time                   { return time.Now() }
func (realClock) NewTicker(d time.Duration) ticker { return &realTicker{time.NewTicker(d)} }

type realTicker struct{ *time.Ticker }

func (rt *realTicker) C() <-chan time.Time { return rt.Ticker.C }

// Quality summarizes the rolling bitrate window.
type Quality struct {
	Mean    float64
	StdDev  float64
	Samples int
	// Unstable is set when relative variance exceeds the fixed
	// threshold on enough samples.
	Unstable bool
}

// Monitor tracks one session's liveness and output quality. Safe for
// concurrent use: the progress parser feeds it while the Run loop
// checks it.
type Monitor struct {
	mu         sync.RWMutex
	stuckAfter time.Duration

	lastProgress time.Time

	window [bitrateWindowSize]float64
	next   int
	count  int

	clock clock
}

// New creates a monitor. A zero threshold means DefaultStuckThreshold.
func New(stuckAfter time.Duration) *Monitor {
	if stuckAfter <= 0 {
		stuckAfter = DefaultStuckThreshold
	}
	m := &Monitor{stuckAfter: stuckAfter, clock: realClock{}}
	m.lastProgress = m.clock.Now()
	return m
}

// Touch records a progress event, resetting the stuck timer.
func (m *Monitor) Touch() {
	m.mu.Lock()
	m.lastProgress = m.clock.Now()
	m.mu.Unlock()
}

// RecordBitrate adds one sampled output bitrate to the rolling window.
func (m *Monitor) RecordBitrate(kbps float64) {
	if kbps <= 0 {
		return
	}
	m.mu.Lock()
	m.window[m.next] = kbps
	m.next = (m.next + 1) % bitrateWindowSize
	if m.count < bitrateWindowSize {
		m.count++
	}
	m.mu.Unlock()
}

// Stuck reports whether no progress arrived within the threshold.
func (m *Monitor) Stuck() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clock.Now().Sub(m.lastProgress) > m.stuckAfter
}

// Quality computes mean and standard deviation over the current window.
func (m *Monitor) Quality() Quality {
	m.mu.RLock()
	defer m.mu.RUnlock()

	q := Quality{Samples: m.count}
	if m.count == 0 {
		return q
	}

	var sum float64
	for i := 0; i < m.count; i++ {
		sum += m.window[i]
	}
	q.Mean = sum / float64(m.count)

	var sq float64
	for i := 0; i < m.count; i++ {
		d := m.window[i] - q.Mean
		sq += d * d
	}
	q.StdDev = math.Sqrt(sq / float64(m.count))

	q.Unstable = m.count >= minSamplesForVerdict && q.Mean > 0 &&
		q.StdDev > instabilityRatio*q.Mean
	return q
}

// Run checks for stuck progress until ctx is cancelled. It returns
// ErrStuck on a frozen stream, nil on cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	t := m.clock.NewTicker(checkInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C():
			if m.Stuck() {
				return ErrStuck
			}
		}
	}
}
