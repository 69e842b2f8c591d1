// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu   sync.Mutex
	now  time.Time
	tick chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0), tick: make(chan time.Time, 4)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fakeClock) NewTicker(time.Duration) ticker { return &fakeTicker{ch: f.tick} }

type fakeTicker struct{ ch chan time.Time }

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

func newTestMonitor(threshold time.Duration) (*Monitor, *fakeClock) {
	fc := newFakeClock()
	m := &Monitor{stuckAfter: threshold, clock: fc}
	m.lastProgress = fc.Now()
	return m, fc
}

func TestStuckDetection(t *testing.T) {
	m, fc := newTestMonitor(30 * time.Second)

	assert.False(t, m.Stuck())

	fc.advance(29 * time.Second)
	assert.False(t, m.Stuck())

	fc.advance(2 * time.Second)
	assert.True(t, m.Stuck())

	m.Touch()
	assert.False(t, m.Stuck(), "progress resets the stuck timer")
}

func TestRunReturnsErrStuck(t *testing.T) {
	m, fc := newTestMonitor(30 * time.Second)

	errc := make(chan error, 1)
	go func() { errc <- m.Run(context.Background()) }()

	// First check: healthy.
	fc.tick <- fc.Now()

	fc.advance(31 * time.Second)
	fc.tick <- fc.Now()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrStuck)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not report the stuck stream")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	m, _ := newTestMonitor(30 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancellation")
	}
}

func TestQualityStable(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)

	for i := 0; i < 20; i++ {
		m.RecordBitrate(2500)
	}

	q := m.Quality()
	assert.Equal(t, 20, q.Samples)
	assert.InDelta(t, 2500, q.Mean, 0.001)
	assert.InDelta(t, 0, q.StdDev, 0.001)
	assert.False(t, q.Unstable)
}

func TestQualityUnstable(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)

	// Alternating between 500 and 4500 kbps: stddev 2000 on mean 2500.
	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			m.RecordBitrate(500)
		} else {
			m.RecordBitrate(4500)
		}
	}

	q := m.Quality()
	assert.InDelta(t, 2500, q.Mean, 0.001)
	assert.InDelta(t, 2000, q.StdDev, 0.001)
	assert.True(t, q.Unstable)
}

func TestQualityNeedsEnoughSamples(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)

	// Wild variance but too few samples for a verdict.
	for _, v := range []float64{100, 9000, 120, 8000} {
		m.RecordBitrate(v)
	}

	q := m.Quality()
	assert.Equal(t, 4, q.Samples)
	assert.False(t, q.Unstable)
}

func TestQualityWindowBounded(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)

	// 100 noisy samples followed by a full window of steady ones: the
	// noise must have aged out entirely.
	for i := 0; i < 100; i++ {
		m.RecordBitrate(float64(100 + i*97))
	}
	for i := 0; i < bitrateWindowSize; i++ {
		m.RecordBitrate(3000)
	}

	q := m.Quality()
	assert.Equal(t, bitrateWindowSize, q.Samples)
	assert.InDelta(t, 3000, q.Mean, 0.001)
	assert.False(t, q.Unstable)
}

func TestZeroSamplesIgnored(t *testing.T) {
	m, _ := newTestMonitor(time.Minute)
	m.RecordBitrate(0)
	m.RecordBitrate(-5)

	q := m.Quality()
	assert.Equal(t, 0, q.Samples)
	assert.False(t, q.Unstable)
}
