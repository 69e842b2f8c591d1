// SPDX-License-Identifier: MIT

// Package probe extracts the source characteristics the encode resolver
// needs: native resolution, frame rate, bitrate and audio presence. It
// shells out to ffprobe; the engine never parses media bytes itself.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// ErrNoVideo marks a file the probe parsed successfully but that
// carries no video stream at all. Unlike a failed probe run, this is
// proof the source cannot be broadcast.
var ErrNoVideo = errors.New("no video stream found")

// Result describes one probed source file. Zero values mean "unknown";
// the encode resolver substitutes defaults for those.
type Result struct {
	Width       int
	Height      int
	Framerate   float64
	BitrateKbps int
	DurationS   float64
	HasAudio    bool
}

// Prober runs ffprobe. Bin is the binary to invoke; empty means
// "ffprobe" from PATH.
type Prober struct {
	Bin string
}

// File probes a single media file.
func (p *Prober) File(ctx context.Context, path string) (*Result, error) {
	bin := p.Bin
	if bin == "" {
		bin = "ffprobe"
	}

	cmd := exec.CommandContext(ctx, bin,
		"-v", "quiet",
		"-print_format", "json",
		"-show_entries", "stream=codec_type,width,height,r_frame_rate,avg_frame_rate,bit_rate",
		"-show_entries", "format=bit_rate,duration",
		"-show_streams",
		"-show_format",
		path,
	)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed (exit %d): %w\nOutput: %s",
			cmd.ProcessState.ExitCode(), err, truncateForLog(string(out), 500))
	}
	return parseProbeOutput(out)
}

func parseProbeOutput(out []byte) (*Result, error) {
	var probeData struct {
		Streams []struct {
			CodecType    string `json:"codec_type"`
			Width        int    `json:"width"`
			Height       int    `json:"height"`
			RFrameRate   string `json:"r_frame_rate"`
			AvgFrameRate string `json:"avg_frame_rate"`
			BitRate      string `json:"bit_rate"`
		} `json:"streams"`
		Format struct {
			BitRate  string `json:"bit_rate"`
			Duration string `json:"duration"`
		} `json:"format"`
	}
	if err := json.Unmarshal(out, &probeData); err != nil {
		return nil, fmt.Errorf("ffprobe JSON parse failed: %w\nRaw output: %s", err, truncateForLog(string(out), 500))
	}

	res := &Result{}
	haveVideo := false

	for _, s := range probeData.Streams {
		switch s.CodecType {
		case "video":
			if haveVideo {
				continue
			}
			haveVideo = true
			res.Width = s.Width
			res.Height = s.Height
			if fps := parseRational(s.RFrameRate); fps > 0 {
				res.Framerate = fps
			} else {
				res.Framerate = parseRational(s.AvgFrameRate)
			}
			if kbps := parseBitrateKbps(s.BitRate); kbps > 0 {
				res.BitrateKbps = kbps
			}
		case "audio":
			res.HasAudio = true
		}
	}
	if !haveVideo {
		return nil, ErrNoVideo
	}

	// Still images and some containers report bitrate only at format level.
	if res.BitrateKbps == 0 {
		res.BitrateKbps = parseBitrateKbps(probeData.Format.BitRate)
	}
	if probeData.Format.Duration != "" {
		if d, err := strconv.ParseFloat(probeData.Format.Duration, 64); err == nil {
			res.DurationS = d
		}
	}
	return res, nil
}

// parseRational turns ffprobe's "30000/1001" frame-rate notation into
// frames per second. Returns 0 for unknown or degenerate values.
func parseRational(s string) float64 {
	if s == "" || s == "0/0" {
		return 0
	}
	num, den, ok := strings.Cut(s, "/")
	if !ok {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

func parseBitrateKbps(s string) int {
	if s == "" {
		return 0
	}
	bps, err := strconv.Atoi(s)
	if err != nil || bps <= 0 {
		return 0
	}
	return bps / 1000
}

func truncateForLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + fmt.Sprintf("... (truncated, %d bytes total)", len(s))
}
