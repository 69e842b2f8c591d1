// SPDX-License-Identifier: MIT

package ffmpeg

import (
	"fmt"
	"strconv"

	"loopcast/internal/media/encode"
)

// InputSpec describes the encoder's input side.
type InputSpec struct {
	// Path is the media file or concat manifest to read.
	Path string
	// Concat marks Path as a concat-demuxer manifest.
	Concat bool
	// Loop replays a single file forever via -stream_loop. Looping
	// playlists encode repetition in the manifest instead.
	Loop bool
	// SilentAudio synthesizes a silent stereo track and maps it against
	// the video. Set when the source has no audio; most ingest
	// destinations reject audio-less streams.
	SilentAudio bool
}

// OutputSpec describes the ingest destination.
type OutputSpec struct {
	// URL is the full RTMP-style target including the stream key.
	URL string
	// DurationLimitS makes the encoder self-terminate after this many
	// seconds of output; zero means unbounded.
	DurationLimitS int
}

// silentAudioSource is the lavfi graph for the synthetic audio track.
// Unbounded by construction; -shortest ends the stream with the video.
const silentAudioSource = "anullsrc=channel_layout=stereo:sample_rate=44100"

// BuildStreamArgs constructs the encoder invocation for one broadcast
// attempt. Argument vectors only, never a shell line.
func BuildStreamArgs(in InputSpec, out OutputSpec, s encode.Settings) ([]string, error) {
	if in.Path == "" {
		return nil, fmt.Errorf("missing input path")
	}
	if out.URL == "" {
		return nil, fmt.Errorf("missing destination URL")
	}

	args := []string{
		"-nostdin",
		"-hide_banner",
		"-loglevel", "error", // stderr feeds the line ring
		"-nostats",
	}

	// Input. -re reads at native rate so the destination receives a
	// realtime stream, not a file dump.
	if in.Loop && !in.Concat {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-re")
	if in.Concat {
		// Manifests carry absolute paths; the concat demuxer refuses
		// them without -safe 0.
		args = append(args, "-f", "concat", "-safe", "0")
	}
	args = append(args, "-i", in.Path)

	if in.SilentAudio {
		args = append(args, "-f", "lavfi", "-i", silentAudioSource)
	}

	// Mapping. The synthetic track lives in input 1 when present.
	args = append(args, "-map", "0:v:0")
	if in.SilentAudio {
		args = append(args, "-map", "1:a:0")
	} else {
		args = append(args, "-map", "0:a:0")
	}

	// Video.
	gop := s.Framerate * 2 // keyframe every 2s, expected by RTMP ingests
	args = append(args,
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-profile:v", "high",
		"-pix_fmt", "yuv420p",
		"-vf", scaleFilter(s.Width, s.Height),
		"-r", strconv.Itoa(s.Framerate),
		"-g", strconv.Itoa(gop),
		"-b:v", fmt.Sprintf("%dk", s.BitrateKbps),
		"-maxrate", fmt.Sprintf("%dk", s.MaxrateKbps),
		"-bufsize", fmt.Sprintf("%dk", s.BufsizeKbps),
	)

	// Audio.
	args = append(args,
		"-c:a", "aac",
		"-b:a", "128k",
		"-ar", "44100",
		"-ac", "2",
	)

	if in.SilentAudio {
		// Silent audio never ends; terminate with the video stream.
		args = append(args, "-shortest")
	}

	if out.DurationLimitS > 0 {
		args = append(args, "-t", strconv.Itoa(out.DurationLimitS))
	}

	args = append(args, "-f", "flv", out.URL)
	return args, nil
}

// scaleFilter fits the source into the target frame without
// distortion, padding the remainder.
func scaleFilter(w, h int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2", w, h, w, h)
}
