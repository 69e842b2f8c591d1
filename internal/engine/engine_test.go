// SPDX-License-Identifier: MIT

package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"loopcast/internal/media/probe"
	"loopcast/internal/media/source"
	"loopcast/internal/store"
)

// countingProber hands out a fixed probe result and counts calls, one
// per source preparation.
type countingProber struct {
	calls atomic.Int32
	res   probe.Result
}

func (p *countingProber) File(context.Context, string) (*probe.Result, error) {
	p.calls.Add(1)
	r := p.res
	return &r, nil
}

func defaultProber() *countingProber {
	return &countingProber{res: probe.Result{
		Width: 1280, Height: 720, Framerate: 30, BitrateKbps: 2500, HasAudio: true,
	}}
}

// fakeEncoderScript writes a shell script standing in for the encoder.
// Scripts ignore the argument vector they are spawned with.
func fakeEncoderScript(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake encoder scripts need sh")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not found")
	}
	path := filepath.Join(t.TempDir(), "encoder.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o700))
	return path
}

func newTestEngine(st store.Store, prober source.FileProber, mediaDir, workDir, bin string, maxAttempts int, stuckAfter time.Duration) *Engine {
	return New(Options{
		Store: st,
		Preparer: &source.Preparer{
			Resolver: &source.Resolver{ConvertedDir: mediaDir},
			Prober:   prober,
			WorkDir:  workDir,
		},
		FFmpegBin:    bin,
		GraceTimeout: time.Second,
		MaxAttempts:  maxAttempts,
		StuckAfter:   stuckAfter,
	})
}

func shutdownEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))
}

func writeMediaFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("mpegts"), 0o600))
}

func seedRecord(t *testing.T, st store.Store, id string, content store.ContentRef) {
	t.Helper()
	require.NoError(t, st.PutBroadcast(context.Background(), &store.BroadcastRecord{
		ID:             id,
		Title:          "test broadcast",
		DestinationURL: "rtmp://ingest.test/live",
		StreamKey:      "sekret",
		Content:        content,
		Status:         store.StatusOffline,
	}))
}

func startReq(id string, content store.ContentRef) StartRequest {
	return StartRequest{
		BroadcastID:    id,
		Content:        content,
		DestinationURL: "rtmp://ingest.test/live",
		StreamKey:      "sekret",
	}
}

func waitStatus(t *testing.T, st store.Store, id string, want store.Status, within time.Duration) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec, err := st.GetBroadcast(context.Background(), id)
		return err == nil && rec.Status == want
	}, within, 10*time.Millisecond, "broadcast %s never reached %s", id, want)
}

func countSpawns(t *testing.T, marker string) int {
	t.Helper()
	data, err := os.ReadFile(marker)
	if errors.Is(err, fs.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(strings.Fields(string(data)))
}

func statuses(t *testing.T, st store.Store, id string) []store.Status {
	t.Helper()
	hist, err := st.StatusHistory(context.Background(), id, 0)
	require.NoError(t, err)
	out := make([]store.Status, 0, len(hist))
	for _, h := range hist {
		out = append(out, h.Status)
	}
	return out
}

func TestStart_CleanExitCompletes(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	bin := fakeEncoderScript(t, `
printf 'out_time_us=1000000\nbitrate=2500.0kbits/s\nspeed=1.0x\nprogress=continue\n'
printf 'out_time_us=2000000\nprogress=end\n'
exit 0`)
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 2, 0)
	defer shutdownEngine(t, e)

	require.NoError(t, e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})))
	waitStatus(t, st, "b1", store.StatusCompleted, 5*time.Second)

	require.Eventually(t, func() bool { return !e.IsActive("b1") }, time.Second, 10*time.Millisecond)

	rec, err := st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.False(t, rec.StartedAt.IsZero(), "StartedAt stamped on first active")
	assert.False(t, rec.EndedAt.IsZero(), "EndedAt stamped on terminal exit")
	assert.Empty(t, rec.ErrorMessage)
	assert.Equal(t, []store.Status{store.StatusActive, store.StatusCompleted}, statuses(t, st, "b1"))
}

func TestStart_AlreadyActive(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	marker := filepath.Join(t.TempDir(), "spawns")
	bin := fakeEncoderScript(t, fmt.Sprintf(`echo spawn >> %q
printf 'out_time_us=1000000\nprogress=continue\n'
while true; do sleep 10; done`, marker))
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 2, 0)
	defer shutdownEngine(t, e)

	req := startReq("b1", store.ContentRef{AssetPath: "film.mp4"})
	require.NoError(t, e.Start(context.Background(), req))
	waitStatus(t, st, "b1", store.StatusActive, 5*time.Second)

	err := e.Start(context.Background(), req)
	require.ErrorIs(t, err, ErrAlreadyActive)

	assert.True(t, e.IsActive("b1"))
	assert.Equal(t, 1, e.ActiveCount())
	assert.Equal(t, []string{"b1"}, e.ActiveIds())
	assert.Equal(t, 1, countSpawns(t, marker), "rejected start must not spawn a second process")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx, "b1"))
	waitStatus(t, st, "b1", store.StatusStopped, time.Second)
}

func TestStart_ConcurrentSameID(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	marker := filepath.Join(t.TempDir(), "spawns")
	bin := fakeEncoderScript(t, fmt.Sprintf(`echo spawn >> %q
while true; do sleep 10; done`, marker))
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 2, 0)
	defer shutdownEngine(t, e)

	const racers = 8
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})) == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one concurrent start may win")
	waitStatus(t, st, "b1", store.StatusActive, 5*time.Second)
	assert.Equal(t, 1, countSpawns(t, marker))
}

func TestStart_SourceMissing(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "gone.mp4"})

	e := newTestEngine(st, defaultProber(), mediaDir, workDir, "ffmpeg", 2, 0)
	defer shutdownEngine(t, e)

	err := e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "gone.mp4"}))
	require.Error(t, err)
	var nf *source.NotFoundError
	require.ErrorAs(t, err, &nf)

	assert.False(t, e.IsActive("b1"), "failed start must not stay registered")

	rec, gerr := st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, gerr)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Contains(t, rec.ErrorMessage, "gone.mp4", "error message names the missing asset")
}

func TestStop_NotActive(t *testing.T) {
	st := store.NewMemoryStore()
	e := newTestEngine(st, defaultProber(), t.TempDir(), t.TempDir(), "ffmpeg", 2, 0)
	defer shutdownEngine(t, e)

	err := e.Stop(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotActive)
}

func TestStop_DuringBackoffIsImmediate(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	marker := filepath.Join(t.TempDir(), "spawns")
	bin := fakeEncoderScript(t, fmt.Sprintf(`echo spawn >> %q
echo 'Connection reset by peer' >&2
exit 1`, marker))
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 4, 0)
	defer shutdownEngine(t, e)

	require.NoError(t, e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})))
	waitStatus(t, st, "b1", store.StatusReconnecting, 5*time.Second)

	// First backoff is 1s; a stop inside it must not wait it out.
	begin := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx, "b1"))
	assert.Less(t, time.Since(begin), 900*time.Millisecond, "stop during backoff must take effect immediately")

	rec, err := st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusStopped, rec.Status)
	assert.False(t, e.IsActive("b1"))
	assert.LessOrEqual(t, countSpawns(t, marker), 2, "no further attempts after stop")
}

func TestReconnect_ExhaustionFails(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	marker := filepath.Join(t.TempDir(), "spawns")
	bin := fakeEncoderScript(t, fmt.Sprintf(`echo spawn >> %q
echo 'Connection refused' >&2
exit 1`, marker))
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 2, 0)
	defer shutdownEngine(t, e)

	require.NoError(t, e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})))

	// Two retries with 1s and 2s backoffs before exhaustion.
	waitStatus(t, st, "b1", store.StatusFailed, 10*time.Second)

	require.Eventually(t, func() bool { return !e.IsActive("b1") }, time.Second, 10*time.Millisecond,
		"exhaustion must remove the session from the registry")
	assert.Equal(t, 3, countSpawns(t, marker), "initial attempt plus maxAttempts retries")

	rec, err := st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.Contains(t, rec.ErrorMessage, "gave up after 2 reconnect attempts")
	assert.Contains(t, rec.ErrorMessage, "connection refused")

	assert.Equal(t, []store.Status{
		store.StatusActive, store.StatusReconnecting,
		store.StatusActive, store.StatusReconnecting,
		store.StatusActive, store.StatusFailed,
	}, statuses(t, st, "b1"), "every retry passes through reconnecting before going active again")
}

func TestReconnect_FatalConfigDoesNotRetry(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	marker := filepath.Join(t.TempDir(), "spawns")
	bin := fakeEncoderScript(t, fmt.Sprintf(`echo spawn >> %q
echo 'Unrecognized option "bogus"' >&2
exit 1`, marker))
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 4, 0)
	defer shutdownEngine(t, e)

	require.NoError(t, e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})))
	waitStatus(t, st, "b1", store.StatusFailed, 5*time.Second)

	assert.Equal(t, 1, countSpawns(t, marker), "fatal configuration must not be retried")
	rec, err := st.GetBroadcast(context.Background(), "b1")
	require.NoError(t, err)
	assert.Contains(t, rec.ErrorMessage, "unrecognized option")
}

func TestPlaylist_RegeneratedPerAttempt(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "a.mp4")
	writeMediaFile(t, mediaDir, "b.mp4")
	st := store.NewMemoryStore()
	content := store.ContentRef{Playlist: []string{"a.mp4", "b.mp4"}, Loop: true}
	seedRecord(t, st, "b1", content)

	prober := defaultProber()
	bin := fakeEncoderScript(t, `
echo 'Connection timed out' >&2
exit 1`)
	e := newTestEngine(st, prober, mediaDir, workDir, bin, 1, 0)
	defer shutdownEngine(t, e)

	require.NoError(t, e.Start(context.Background(), startReq("b1", content)))
	waitStatus(t, st, "b1", store.StatusFailed, 8*time.Second)
	require.Eventually(t, func() bool { return !e.IsActive("b1") }, time.Second, 10*time.Millisecond)

	// One preparation per attempt: initial plus one retry.
	assert.Equal(t, int32(2), prober.calls.Load(), "each attempt prepares the playlist afresh")

	// Manifests are attempt-scoped artifacts and must not outlive the session.
	leftovers, err := filepath.Glob(filepath.Join(workDir, "*.concat.txt"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "manifest removed on attempt exit")
}

func TestStuck_TreatedAsConnectionFailure(t *testing.T) {
	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})

	// Emits no progress at all; the health check runs every 5s, so the
	// 1s threshold trips on the first tick.
	bin := fakeEncoderScript(t, `while true; do sleep 10; done`)
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 4, time.Second)
	defer shutdownEngine(t, e)

	require.NoError(t, e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})))
	waitStatus(t, st, "b1", store.StatusActive, 5*time.Second)

	// Stuck detection terminates the frozen process and folds it into
	// the reconnect path.
	waitStatus(t, st, "b1", store.StatusReconnecting, 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.Stop(ctx, "b1"))
}

func TestApplyReloadable(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore(), MaxAttempts: 4, StuckAfter: 30 * time.Second})

	e.ApplyReloadable(2, 10*time.Second, 7*time.Second, []string{"ingest.example.tv"})

	assert.Equal(t, 2, e.retryBudget())
	assert.Equal(t, 10*time.Second, e.stuckThreshold())

	h := e.quirkHandler()
	assert.Equal(t, 7*time.Second, h.Delay)
	_, ok := h.Match("rtmp://ingest.example.tv/app")
	assert.True(t, ok)
	_, ok = h.Match("rtmp://a.rtmp.youtube.com/live2")
	assert.True(t, ok, "built-in hosts survive a reload")

	// Zero values leave the previous settings in place.
	e.ApplyReloadable(0, 0, 0, nil)
	assert.Equal(t, 2, e.retryBudget())
	assert.Equal(t, 10*time.Second, e.stuckThreshold())
}

func TestShutdown_StopsAllSessions(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	mediaDir, workDir := t.TempDir(), t.TempDir()
	writeMediaFile(t, mediaDir, "film.mp4")
	st := store.NewMemoryStore()
	seedRecord(t, st, "b1", store.ContentRef{AssetPath: "film.mp4"})
	seedRecord(t, st, "b2", store.ContentRef{AssetPath: "film.mp4"})

	bin := fakeEncoderScript(t, `
printf 'out_time_us=1000000\nprogress=continue\n'
while true; do sleep 10; done`)
	e := newTestEngine(st, defaultProber(), mediaDir, workDir, bin, 2, 0)

	require.NoError(t, e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"})))
	require.NoError(t, e.Start(context.Background(), startReq("b2", store.ContentRef{AssetPath: "film.mp4"})))
	require.Equal(t, 2, e.ActiveCount())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(ctx))

	assert.Equal(t, 0, e.ActiveCount())
	waitStatus(t, st, "b1", store.StatusStopped, time.Second)
	waitStatus(t, st, "b2", store.StatusStopped, time.Second)

	err := e.Start(context.Background(), startReq("b1", store.ContentRef{AssetPath: "film.mp4"}))
	require.ErrorIs(t, err, ErrClosed)
}
