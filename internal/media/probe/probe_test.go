// SPDX-License-Identifier: MIT

package probe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProbeOutputFull(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"codec_type": "video", "width": 1920, "height": 1080, "r_frame_rate": "30000/1001", "avg_frame_rate": "30000/1001", "bit_rate": "4500000"},
			{"codec_type": "audio", "bit_rate": "128000"}
		],
		"format": {"bit_rate": "4628000", "duration": "1800.500000"}
	}`)

	res, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, 1920, res.Width)
	assert.Equal(t, 1080, res.Height)
	assert.InDelta(t, 29.97, res.Framerate, 0.01)
	assert.Equal(t, 4500, res.BitrateKbps)
	assert.InDelta(t, 1800.5, res.DurationS, 0.001)
	assert.True(t, res.HasAudio)
}

func TestParseProbeOutputNoAudio(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"codec_type": "video", "width": 3840, "height": 2160, "r_frame_rate": "25/1"}
		],
		"format": {"bit_rate": "12000000", "duration": "60.0"}
	}`)

	res, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.False(t, res.HasAudio)
	assert.Equal(t, 3840, res.Width)
	assert.Equal(t, 2160, res.Height)
	assert.InDelta(t, 25.0, res.Framerate, 0.001)
	// Stream-level bitrate missing: format bitrate fills in.
	assert.Equal(t, 12000, res.BitrateKbps)
}

func TestParseProbeOutputSecondVideoIgnored(t *testing.T) {
	// Cover art shows up as a second video stream in some files.
	out := []byte(`{
		"streams": [
			{"codec_type": "video", "width": 1280, "height": 720, "r_frame_rate": "50/1", "bit_rate": "2500000"},
			{"codec_type": "video", "width": 600, "height": 600, "r_frame_rate": "0/0"},
			{"codec_type": "audio"}
		],
		"format": {}
	}`)

	res, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.Equal(t, 1280, res.Width)
	assert.Equal(t, 720, res.Height)
}

func TestParseProbeOutputNoVideo(t *testing.T) {
	out := []byte(`{"streams": [{"codec_type": "audio"}], "format": {}}`)
	_, err := parseProbeOutput(out)
	require.ErrorIs(t, err, ErrNoVideo)
}

func TestParseProbeOutputGarbage(t *testing.T) {
	_, err := parseProbeOutput([]byte("not json"))
	require.Error(t, err)
}

func TestParseRational(t *testing.T) {
	tests := []struct {
		in   string
		want float64
	}{
		{"30/1", 30},
		{"30000/1001", 29.97002997},
		{"0/0", 0},
		{"", 0},
		{"25", 25},
		{"bad", 0},
		{"10/0", 0},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.InDelta(t, tt.want, parseRational(tt.in), 0.0001)
		})
	}
}
