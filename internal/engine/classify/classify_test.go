// SPDX-License-Identifier: MIT

//go:build linux

package classify

import (
	"errors"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// exitWith runs a throwaway shell so the returned error carries a real
// process state (exit code or signal).
func exitWith(t *testing.T, script string) error {
	t.Helper()
	err := exec.Command("sh", "-c", script).Run()
	require.Error(t, err)
	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	return err
}

func TestClassifyCrashSignal(t *testing.T) {
	err := exitWith(t, "kill -SEGV $$")

	res := Classify(err, "", false)
	assert.Equal(t, Crash, res.Kind)
	assert.Equal(t, "segmentation fault", res.Signal)
	assert.Contains(t, res.Hint, "crashed")
}

func TestCrashBeatsStopRequest(t *testing.T) {
	// A fault during teardown must never be read as a benign stop.
	err := exitWith(t, "kill -SEGV $$")

	res := Classify(err, "", true)
	assert.Equal(t, Crash, res.Kind)
}

func TestClassifyUserStop(t *testing.T) {
	err := exitWith(t, "kill -TERM $$")

	res := Classify(err, "whatever noise the dying process printed", true)
	assert.Equal(t, UserStop, res.Kind)
}

func TestStopRequestedPlainExit(t *testing.T) {
	// Process happened to exit on its own while we were stopping it.
	err := exitWith(t, "exit 1")

	res := Classify(err, "Connection reset by peer", true)
	assert.Equal(t, UserStop, res.Kind)
}

func TestTermWithoutStopRequestIsNotUserStop(t *testing.T) {
	// Something outside the engine killed the process.
	err := exitWith(t, "kill -TERM $$")

	res := Classify(err, "", false)
	assert.Equal(t, Unclassified, res.Kind)
}

func TestUnrequestedKillReadsAsMemoryPressure(t *testing.T) {
	// SIGKILL nobody asked for is the OOM killer's signature.
	err := exitWith(t, "kill -KILL $$")

	res := Classify(err, "", false)
	assert.Equal(t, MemoryPressure, res.Kind)
}

func TestRequestedKillIsUserStop(t *testing.T) {
	err := exitWith(t, "kill -KILL $$")

	res := Classify(err, "", true)
	assert.Equal(t, UserStop, res.Kind)
}

func TestClassifyStderrPatterns(t *testing.T) {
	exitOne := exitWith(t, "exit 1")

	tests := []struct {
		name   string
		stderr string
		want   Kind
	}{
		{"missing input", "/data/missing.mp4: No such file or directory", FatalConfig},
		{"permission", "/data/locked.mp4: Permission denied", FatalConfig},
		{"bad encoder", "Unknown encoder 'libx265'", FatalConfig},
		{"bad option", "Unrecognized option 'froob'.", FatalConfig},
		{"oom", "av_malloc(): Cannot allocate memory", MemoryPressure},
		{"refused", "rtmp://live.example/app: Connection refused", ConnectionError},
		{"reset", "Connection reset by peer", ConnectionError},
		{"pipe", "av_interleaved_write_frame(): Broken pipe", ConnectionError},
		{"timeout", "RTMP_Connect0, connection timed out", ConnectionError},
		{"unreachable", "Network is unreachable", ConnectionError},
		{"handshake", "RTMP handshake failed", ConnectionError},
		{"eof", "End of file", ConnectionError},
		{"mystery", "some novel failure mode", Unclassified},
		{"empty", "", Unclassified},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(exitOne, tt.stderr, false)
			assert.Equal(t, tt.want, res.Kind)
		})
	}
}

func TestFatalConfigBeatsConnection(t *testing.T) {
	err := exitWith(t, "exit 1")

	// Both signatures present: the misconfiguration wins, because a
	// retry would fail identically.
	stderr := "rtmp://x: Connection refused\nUnknown encoder 'h264_fancy'"
	res := Classify(err, stderr, false)
	assert.Equal(t, FatalConfig, res.Kind)
}

func TestMemoryBeatsConnection(t *testing.T) {
	err := exitWith(t, "exit 1")

	stderr := "Cannot allocate memory\nBroken pipe"
	res := Classify(err, stderr, false)
	assert.Equal(t, MemoryPressure, res.Kind)
}

func TestClassifyErrorTextFallback(t *testing.T) {
	// No process state at all, but the error text itself matches.
	res := Classify(errors.New("dial tcp: connection refused"), "", false)
	assert.Equal(t, ConnectionError, res.Kind)
	assert.Equal(t, -1, res.ExitCode)
}

func TestKindStringsAndRetryable(t *testing.T) {
	assert.Equal(t, "connection_error", ConnectionError.String())
	assert.Equal(t, "user_stop", UserStop.String())
	assert.Equal(t, "unclassified", Unclassified.String())

	assert.True(t, ConnectionError.Retryable())
	for _, k := range []Kind{UserStop, Crash, FatalConfig, MemoryPressure, Unclassified} {
		assert.False(t, k.Retryable(), k.String())
	}
}
