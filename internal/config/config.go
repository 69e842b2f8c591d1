// SPDX-License-Identifier: MIT

// Package config loads the daemon configuration with precedence
// ENV > file > defaults. The YAML file is optional; every field has a
// LOOPCAST_-prefixed environment variable. A Holder provides hot reload
// of the reloadable subset via fsnotify and SIGHUP.
package config

import (
	"time"

	"loopcast/internal/engine/quirk"
	"loopcast/internal/engine/reconnect"
)

// Config is the fully resolved daemon configuration.
type Config struct {
	// Listen is the control API address (host:port). Not reloadable.
	Listen string
	// DataDir holds the sqlite database and the instance lock. Empty
	// selects the in-memory store. Not reloadable.
	DataDir string
	// StoreBackend selects the record store: sqlite or memory.
	StoreBackend string

	// MediaConvertedDir, MediaOriginalDir and MediaLegacyDir are the
	// asset search roots, probed in that order.
	MediaConvertedDir string
	MediaOriginalDir  string
	MediaLegacyDir    string
	// WorkDir holds per-attempt manifest artifacts. Empty means the OS
	// temp directory.
	WorkDir string

	// FFmpegBin and FFprobeBin name the encoder and prober binaries.
	FFmpegBin  string
	FFprobeBin string

	// ReconnectMaxAttempts bounds automatic reconnection. Reloadable;
	// sessions in flight keep the budget they started with.
	ReconnectMaxAttempts int
	// StuckAfter is how long progress may be silent before a session is
	// terminated as stuck. Reloadable.
	StuckAfter time.Duration
	// GraceTimeout bounds SIGTERM-to-SIGKILL on process teardown.
	GraceTimeout time.Duration
	// PreflightDelay is the wait before the first spawn against
	// slow-release ingest hosts. Reloadable.
	PreflightDelay time.Duration
	// PreflightHosts extends the built-in slow-release host list.
	// Reloadable.
	PreflightHosts []string

	// APIToken, when set, requires Bearer auth on every control
	// endpoint except health and metrics.
	APIToken string
	// RateLimitRPM caps control API requests per client IP per minute.
	RateLimitRPM int

	// LogLevel is the zerolog level name. Reloadable.
	LogLevel string

	// ShutdownTimeout bounds graceful daemon shutdown.
	ShutdownTimeout time.Duration
}

// Default returns the configuration before file and environment
// overrides.
func Default() Config {
	return Config{
		Listen:               ":8080",
		StoreBackend:         "sqlite",
		MediaConvertedDir:    "/media/converted",
		MediaOriginalDir:     "/media/uploads",
		FFmpegBin:            "ffmpeg",
		FFprobeBin:           "ffprobe",
		ReconnectMaxAttempts: reconnect.DefaultMaxAttempts,
		StuckAfter:           30 * time.Second,
		GraceTimeout:         5 * time.Second,
		PreflightDelay:       quirk.DefaultPreflightDelay,
		RateLimitRPM:         60,
		LogLevel:             "info",
		ShutdownTimeout:      20 * time.Second,
	}
}
