// SPDX-License-Identifier: MIT

package config

import (
	"time"

	"loopcast/internal/validate"
)

// Validate checks a resolved configuration. All problems are reported
// at once.
func Validate(cfg Config) error {
	v := validate.New()

	v.ListenAddr("Listen", cfg.Listen)
	v.OneOf("StoreBackend", cfg.StoreBackend, []string{"sqlite", "memory"})
	v.OneOf("LogLevel", cfg.LogLevel, []string{"trace", "debug", "info", "warn", "error"})

	if cfg.DataDir != "" {
		v.Directory("DataDir", cfg.DataDir, false)
	}
	if cfg.WorkDir != "" {
		v.Directory("WorkDir", cfg.WorkDir, false)
	}
	v.NotEmpty("MediaConvertedDir", cfg.MediaConvertedDir)

	v.NotEmpty("FFmpegBin", cfg.FFmpegBin)
	v.NotEmpty("FFprobeBin", cfg.FFprobeBin)

	v.Range("ReconnectMaxAttempts", cfg.ReconnectMaxAttempts, 1, 20)
	if cfg.StuckAfter < 5*time.Second {
		v.AddError("StuckAfter", "must be at least 5s (the health check interval)", cfg.StuckAfter)
	}
	if cfg.GraceTimeout <= 0 {
		v.AddError("GraceTimeout", "must be positive", cfg.GraceTimeout)
	}
	if cfg.PreflightDelay < 0 {
		v.AddError("PreflightDelay", "cannot be negative", cfg.PreflightDelay)
	}

	v.Positive("RateLimitRPM", cfg.RateLimitRPM)
	if cfg.ShutdownTimeout <= 0 {
		v.AddError("ShutdownTimeout", "must be positive", cfg.ShutdownTimeout)
	}

	return v.Err()
}
