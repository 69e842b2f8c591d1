// SPDX-License-Identifier: MIT

// Package validation runs pre-flight startup checks so a misconfigured
// daemon fails at boot instead of on the first broadcast.
package validation

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/rs/zerolog"

	"loopcast/internal/config"
	"loopcast/internal/log"
)

// PerformStartupChecks verifies the encoder binaries and directory
// permissions the engine depends on.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks...")

	if err := checkEncoderBinaries(logger, cfg); err != nil {
		return fmt.Errorf("encoder binary check failed: %w", err)
	}
	if err := checkMediaDirs(logger, cfg); err != nil {
		return fmt.Errorf("media directory check failed: %w", err)
	}
	if cfg.DataDir != "" {
		if err := checkWritableDir(logger, "data", cfg.DataDir); err != nil {
			return fmt.Errorf("data directory check failed: %w", err)
		}
	}
	if cfg.WorkDir != "" {
		if err := checkWritableDir(logger, "work", cfg.WorkDir); err != nil {
			return fmt.Errorf("work directory check failed: %w", err)
		}
	}

	logger.Info().Msg("✅ all startup checks passed")
	return nil
}

func checkEncoderBinaries(logger zerolog.Logger, cfg config.Config) error {
	for _, bin := range []string{cfg.FFmpegBin, cfg.FFprobeBin} {
		path, err := exec.LookPath(bin)
		if err != nil {
			return fmt.Errorf("%s: %w", bin, err)
		}
		logger.Info().Str("binary", bin).Str("path", path).Msg("✓ encoder binary found")
	}
	return nil
}

// checkMediaDirs requires the converted rendition root; the secondary
// roots only warn so a fresh install without uploads still boots.
func checkMediaDirs(logger zerolog.Logger, cfg config.Config) error {
	info, err := os.Stat(cfg.MediaConvertedDir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("converted media directory does not exist: %s", cfg.MediaConvertedDir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("converted media path is not a directory: %s", cfg.MediaConvertedDir)
	}
	logger.Info().Str("path", cfg.MediaConvertedDir).Msg("✓ converted media directory present")

	for _, dir := range []string{cfg.MediaOriginalDir, cfg.MediaLegacyDir} {
		if dir == "" {
			continue
		}
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			logger.Warn().
				Str("path", dir).
				Msg("secondary media directory missing, source fallback disabled for it")
		}
	}
	return nil
}

// checkWritableDir probes write permission by creating a temp file, the
// only check that catches read-only mounts.
func checkWritableDir(logger zerolog.Logger, name, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", path)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}

	testFile := filepath.Join(path, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0o600); err != nil {
		return fmt.Errorf("directory is not writable: %s (error: %v)", path, err)
	}
	_ = os.Remove(testFile)

	logger.Info().Str("path", path).Msgf("✓ %s directory is writable", name)
	return nil
}
