// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
)

// Environment variable names. One per Config field; the file uses the
// camelCase equivalents.
const (
	EnvListen          = "LOOPCAST_LISTEN"
	EnvDataDir         = "LOOPCAST_DATA_DIR"
	EnvStoreBackend    = "LOOPCAST_STORE_BACKEND"
	EnvLogLevel        = "LOOPCAST_LOG_LEVEL"
	EnvMediaConverted  = "LOOPCAST_MEDIA_CONVERTED"
	EnvMediaOriginal   = "LOOPCAST_MEDIA_ORIGINAL"
	EnvMediaLegacy     = "LOOPCAST_MEDIA_LEGACY"
	EnvWorkDir         = "LOOPCAST_WORK_DIR"
	EnvFFmpegBin       = "LOOPCAST_FFMPEG_BIN"
	EnvFFprobeBin      = "LOOPCAST_FFPROBE_BIN"
	EnvGraceTimeout    = "LOOPCAST_GRACE_TIMEOUT"
	EnvMaxAttempts     = "LOOPCAST_RECONNECT_MAX_ATTEMPTS"
	EnvStuckAfter      = "LOOPCAST_STUCK_AFTER"
	EnvPreflightDelay  = "LOOPCAST_PREFLIGHT_DELAY"
	EnvPreflightHosts  = "LOOPCAST_PREFLIGHT_HOSTS"
	EnvAPIToken        = "LOOPCAST_API_TOKEN"
	EnvRateLimitRPM    = "LOOPCAST_RATE_LIMIT_RPM"
	EnvShutdownTimeout = "LOOPCAST_SHUTDOWN_TIMEOUT"
)

// Loader resolves the daemon configuration. Path names the optional
// YAML file; empty means environment-only.
type Loader struct {
	Path string
}

// Load resolves defaults, then the file, then the environment, and
// validates the result. A validation failure returns the error with
// the partially resolved config for diagnostics.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.Path != "" {
		fc, err := LoadFile(l.Path, true)
		if err != nil {
			return cfg, err
		}
		if err := fc.apply(&cfg); err != nil {
			return cfg, err
		}
	}

	l.applyEnv(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (l *Loader) applyEnv(cfg *Config) {
	cfg.Listen = ParseString(EnvListen, cfg.Listen)
	cfg.DataDir = ParseString(EnvDataDir, cfg.DataDir)
	cfg.StoreBackend = ParseString(EnvStoreBackend, cfg.StoreBackend)
	cfg.LogLevel = ParseString(EnvLogLevel, cfg.LogLevel)

	cfg.MediaConvertedDir = ParseString(EnvMediaConverted, cfg.MediaConvertedDir)
	cfg.MediaOriginalDir = ParseString(EnvMediaOriginal, cfg.MediaOriginalDir)
	cfg.MediaLegacyDir = ParseString(EnvMediaLegacy, cfg.MediaLegacyDir)
	cfg.WorkDir = ParseString(EnvWorkDir, cfg.WorkDir)

	cfg.FFmpegBin = ParseString(EnvFFmpegBin, cfg.FFmpegBin)
	cfg.FFprobeBin = ParseString(EnvFFprobeBin, cfg.FFprobeBin)
	cfg.GraceTimeout = ParseDuration(EnvGraceTimeout, cfg.GraceTimeout)

	cfg.ReconnectMaxAttempts = ParseInt(EnvMaxAttempts, cfg.ReconnectMaxAttempts)
	cfg.StuckAfter = ParseDuration(EnvStuckAfter, cfg.StuckAfter)
	cfg.PreflightDelay = ParseDuration(EnvPreflightDelay, cfg.PreflightDelay)
	cfg.PreflightHosts = ParseStringSlice(EnvPreflightHosts, cfg.PreflightHosts)

	cfg.APIToken = ParseString(EnvAPIToken, cfg.APIToken)
	cfg.RateLimitRPM = ParseInt(EnvRateLimitRPM, cfg.RateLimitRPM)
	cfg.ShutdownTimeout = ParseDuration(EnvShutdownTimeout, cfg.ShutdownTimeout)
}
