// SPDX-License-Identifier: MIT

// Package encode resolves the output parameters for a broadcast: a pure
// mapping from probed source characteristics plus optional user
// overrides to a settings struct with no remaining "auto" values.
package encode

import (
	"math"

	"loopcast/internal/media/probe"
)

// Resolution tiers map to fixed pixel dimensions. An unrecognized tier
// falls back to the source's native resolution.
var resolutionTiers = map[string][2]int{
	"480p":  {854, 480},
	"720p":  {1280, 720},
	"1080p": {1920, 1080},
	"1440p": {2560, 1440},
	"2160p": {3840, 2160},
}

const (
	// minHeight is the output floor; sources shorter than this are
	// scaled up so ingest endpoints get at least 480 lines.
	minHeight = 480

	defaultWidth       = 1280
	defaultHeight      = 720
	defaultBitrateKbps = 2500
	defaultFramerate   = 30
)

// Orientation values accepted in overrides.
const (
	OrientationLandscape = "landscape"
	OrientationPortrait  = "portrait"
)

// Overrides carries the caller's encode wishes. Zero values mean
// "unspecified".
type Overrides struct {
	Resolution  string
	BitrateKbps int
	Framerate   int
	Orientation string
}

func (o Overrides) empty() bool {
	return o.Resolution == "" && o.BitrateKbps == 0 && o.Framerate == 0 && o.Orientation == ""
}

// Settings is the fully-resolved encoder configuration.
type Settings struct {
	Width       int
	Height      int
	BitrateKbps int
	MaxrateKbps int
	BufsizeKbps int
	Framerate   int
}

// Resolve computes the output settings for a source.
//
// With no overrides at all the source's native bitrate, frame rate and
// resolution win (clamped to the height floor, width forced even). With
// any override present, specified fields win; an unspecified resolution
// still follows the source, while unspecified bitrate and frame rate
// take the defaults.
func Resolve(src probe.Result, ov Overrides) Settings {
	var s Settings

	w, h := nativeResolution(src)
	if ov.Resolution != "" {
		if dims, ok := resolutionTiers[ov.Resolution]; ok {
			w, h = dims[0], dims[1]
		}
	}
	if ov.Orientation == OrientationPortrait && w > h {
		w, h = h, w
	}
	s.Width, s.Height = w, h

	if ov.empty() {
		s.BitrateKbps = src.BitrateKbps
		s.Framerate = int(math.Round(src.Framerate))
	} else {
		s.BitrateKbps = ov.BitrateKbps
		s.Framerate = ov.Framerate
	}
	if s.BitrateKbps <= 0 {
		s.BitrateKbps = defaultBitrateKbps
	}
	if s.Framerate <= 0 {
		s.Framerate = defaultFramerate
	}

	s.MaxrateKbps = s.BitrateKbps * 3 / 2
	s.BufsizeKbps = s.BitrateKbps * 2
	return s
}

// nativeResolution clamps the probed dimensions to the output floor and
// forces even pixel counts for encoder compatibility.
func nativeResolution(src probe.Result) (int, int) {
	w, h := src.Width, src.Height
	if w <= 0 || h <= 0 {
		return defaultWidth, defaultHeight
	}
	if h < minHeight {
		w = int(math.Round(float64(w) * float64(minHeight) / float64(h)))
		h = minHeight
	}
	if w%2 != 0 {
		w++
	}
	if h%2 != 0 {
		h++
	}
	return w, h
}
