// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProgress(t *testing.T) {
	input := strings.Join([]string{
		"fps=29.97",
		"bitrate=2489.3kbits/s",
		"total_size=1867008",
		"out_time_us=6000000",
		"speed=1.01x",
		"progress=continue",
		"fps=30.01",
		"bitrate=2512.0kbits/s",
		"total_size=3751936",
		"out_time_us=12000000",
		"speed=1.00x",
		"progress=end",
	}, "\n")

	var got []Progress
	parseProgress(strings.NewReader(input), func(p Progress) {
		got = append(got, p)
	})

	require.Len(t, got, 2)
	assert.Equal(t, 6*time.Second, got[0].Timemark)
	assert.InDelta(t, 29.97, got[0].FPS, 0.001)
	assert.InDelta(t, 2489.3, got[0].BitrateKbps, 0.001)
	assert.InDelta(t, 1.01, got[0].Speed, 0.001)
	assert.Equal(t, int64(1867008), got[0].TotalBytes)
	assert.False(t, got[0].End)

	assert.Equal(t, 12*time.Second, got[1].Timemark)
	assert.True(t, got[1].End)
}

func TestParseProgress_NAValues(t *testing.T) {
	// Before the first output packet ffmpeg reports N/A for rate fields;
	// those parse as zero rather than poisoning the block.
	input := "bitrate=N/A\nspeed=N/A\nout_time_us=0\nprogress=continue\n"

	var got []Progress
	parseProgress(strings.NewReader(input), func(p Progress) {
		got = append(got, p)
	})

	require.Len(t, got, 1)
	assert.Zero(t, got[0].BitrateKbps)
	assert.Zero(t, got[0].Speed)
}

func TestParseProgress_IgnoresNoise(t *testing.T) {
	input := "garbage line without equals\nframe=42\nprogress=continue\n"

	var calls int
	parseProgress(strings.NewReader(input), func(Progress) { calls++ })
	assert.Equal(t, 1, calls)
}

func TestParseProgress_NoFlushWithoutTerminator(t *testing.T) {
	input := "out_time_us=1000000\nfps=30\n"

	var calls int
	parseProgress(strings.NewReader(input), func(Progress) { calls++ })
	assert.Zero(t, calls, "partial block must not flush")
}
