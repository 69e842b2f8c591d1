// SPDX-License-Identifier: MIT

package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"loopcast/internal/engine/classify"
	"loopcast/internal/engine/health"
	"loopcast/internal/engine/reconnect"
	"loopcast/internal/store"
)

func TestPublishURL(t *testing.T) {
	tests := []struct {
		name        string
		destination string
		key         string
		want        string
	}{
		{"plain", "rtmp://a.example/live", "k1", "rtmp://a.example/live/k1"},
		{"trailing slash", "rtmp://a.example/live/", "k1", "rtmp://a.example/live/k1"},
		{"no key", "rtmp://a.example/live", "", "rtmp://a.example/live"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, publishURL(tt.destination, tt.key))
		})
	}
}

func TestScrubKey(t *testing.T) {
	assert.Equal(t, "push to rtmp://x/live/*** failed", scrubKey("push to rtmp://x/live/sekret failed", "sekret"))
	assert.Equal(t, "*** and *** again", scrubKey("sekret and sekret again", "sekret"))
	assert.Equal(t, "untouched", scrubKey("untouched", ""))
}

func TestFailureMessage_ConnectionExhausted(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore()})
	st := reconnect.NewState(4)
	st.Attempts = 4

	msg := e.failureMessage(
		startReq("b1", store.ContentRef{AssetPath: "a.mp4"}),
		st,
		attemptOutcome{res: classify.Result{Kind: classify.ConnectionError, Match: "connection reset"}},
	)

	assert.Contains(t, msg, "connection to ingest endpoint lost (connection reset)")
	assert.Contains(t, msg, "gave up after 4 reconnect attempts")
	assert.NotContains(t, msg, "releases a dropped ingest connection", "no hint for unlisted hosts")
}

func TestFailureMessage_SlowReleaseHostHint(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore()})
	st := reconnect.NewState(4)
	st.Attempts = 4

	req := startReq("b1", store.ContentRef{AssetPath: "a.mp4"})
	req.DestinationURL = "rtmp://rtmp.youtube.com/live2"

	msg := e.failureMessage(req, st,
		attemptOutcome{res: classify.Result{Kind: classify.ConnectionError, Match: "broken pipe"}})

	assert.Contains(t, msg, "rtmp.youtube.com releases a dropped ingest connection slowly")
}

func TestFailureMessage_HintWins(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore()})

	msg := e.failureMessage(
		startReq("b1", store.ContentRef{AssetPath: "a.mp4"}),
		reconnect.NewState(4),
		attemptOutcome{res: classify.Result{
			Kind: classify.FatalConfig,
			Hint: "unrecoverable encoder configuration (unknown encoder); fix the broadcast settings before restarting",
		}},
	)
	assert.Equal(t, "unrecoverable encoder configuration (unknown encoder); fix the broadcast settings before restarting", msg)
}

func TestFailureMessage_ScrubsStreamKey(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore()})

	msg := e.failureMessage(
		startReq("b1", store.ContentRef{AssetPath: "a.mp4"}),
		reconnect.NewState(4),
		attemptOutcome{res: classify.Result{
			Kind: classify.FatalConfig,
			Hint: "error opening output rtmp://a.example/live/sekret",
		}},
	)
	assert.NotContains(t, msg, "sekret")
	assert.Contains(t, msg, "***")
}

func TestFailureMessage_UnstableBitrateSuffix(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore()})
	st := reconnect.NewState(4)
	st.Attempts = 4

	msg := e.failureMessage(
		startReq("b1", store.ContentRef{AssetPath: "a.mp4"}),
		st,
		attemptOutcome{
			res:     classify.Result{Kind: classify.ConnectionError, Match: "timed out"},
			quality: health.Quality{Mean: 2000, StdDev: 800, Samples: 20, Unstable: true},
		},
	)
	assert.Contains(t, msg, "output bitrate was unstable (mean 2000 kbps, stddev 800)")
}

func TestFailureMessage_UnclassifiedExit(t *testing.T) {
	e := New(Options{Store: store.NewMemoryStore()})

	msg := e.failureMessage(
		startReq("b1", store.ContentRef{AssetPath: "a.mp4"}),
		reconnect.NewState(4),
		attemptOutcome{res: classify.Result{Kind: classify.Unclassified, ExitCode: 187}},
	)
	assert.Equal(t, "encoder exited unexpectedly (exit code 187)", msg)

	msg = e.failureMessage(
		startReq("b1", store.ContentRef{AssetPath: "a.mp4"}),
		reconnect.NewState(4),
		attemptOutcome{res: classify.Result{Kind: classify.Unclassified, ExitCode: -1, Signal: "killed"}},
	)
	assert.Equal(t, "encoder terminated by signal killed", msg)
}
