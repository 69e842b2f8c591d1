// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"bufio"
	"io"
	"strconv"
	"strings"
	"time"
)

// Progress is one flushed progress block from the encoder's
// -progress pipe:1 output.
type Progress struct {
	// Timemark is how much stream time has been produced.
	Timemark time.Duration
	// FPS is the current encode rate in frames per second.
	FPS float64
	// BitrateKbps is the current output bitrate.
	BitrateKbps float64
	// Speed is the encode speed relative to realtime; with -re it
	// hovers around 1.0.
	Speed float64
	// TotalBytes is the cumulative output size.
	TotalBytes int64
	// End marks the final block (progress=end).
	End bool
}

// parseProgress reads key=value blocks from r and invokes emit on each
// flush (the "progress" key terminates a block). The reader ends when
// the process closes its stdout.
func parseProgress(r io.Reader, emit func(Progress)) {
	scanner := bufio.NewScanner(r)
	var current Progress

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)

		switch key {
		case "out_time_us":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.Timemark = time.Duration(v) * time.Microsecond
			}
		case "fps":
			if v, err := strconv.ParseFloat(val, 64); err == nil {
				current.FPS = v
			}
		case "bitrate":
			// Format: "4523.4kbits/s"; "N/A" before the first sample.
			if v, err := strconv.ParseFloat(strings.TrimSuffix(val, "kbits/s"), 64); err == nil {
				current.BitrateKbps = v
			}
		case "speed":
			// Format: "1.01x".
			if v, err := strconv.ParseFloat(strings.TrimSuffix(val, "x"), 64); err == nil {
				current.Speed = v
			}
		case "total_size":
			if v, err := strconv.ParseInt(val, 10, 64); err == nil {
				current.TotalBytes = v
			}
		case "progress":
			current.End = val == "end"
			emit(current)
		}
	}
}
