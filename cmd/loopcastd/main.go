// SPDX-License-Identifier: MIT

// Command loopcastd republishes stored media to RTMP ingest endpoints.
// It owns the broadcast engine, the control API, and the config reload
// loop; one instance per data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"loopcast/internal/api"
	"loopcast/internal/config"
	"loopcast/internal/daemon"
	"loopcast/internal/engine"
	"loopcast/internal/log"
	"loopcast/internal/media/probe"
	"loopcast/internal/media/source"
	"loopcast/internal/store"
	"loopcast/internal/validation"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("loopcastd %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Safe defaults until the config is loaded.
	log.Configure(log.Config{
		Level:   "info",
		Service: "loopcast",
		Version: version,
	})
	logger := log.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Config path: explicit via -config, otherwise the data directory's
	// config.yaml when one exists.
	explicitPath := strings.TrimSpace(*configPath)
	effectivePath := explicitPath
	if effectivePath == "" {
		if dataDir := strings.TrimSpace(config.ParseString(config.EnvDataDir, "")); dataDir != "" {
			autoPath := filepath.Join(dataDir, "config.yaml")
			if _, err := os.Stat(autoPath); err == nil {
				effectivePath = autoPath
			}
		}
	}

	loader := &config.Loader{Path: effectivePath}
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectivePath).
			Msg("failed to load configuration")
	}

	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "loopcast",
		Version: version,
	})

	switch {
	case explicitPath != "":
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", explicitPath).
			Msg("loaded configuration from file")
	case effectivePath != "":
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file(auto)").
			Str("path", effectivePath).
			Msg("loaded configuration from file")
	default:
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	// Playlist manifests need a writable scratch dir even when none is
	// configured.
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "loopcast-work")
		if err := os.MkdirAll(cfg.WorkDir, 0o750); err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "startup.workdir_failed").
				Str("path", cfg.WorkDir).
				Msg("failed to create work directory")
		}
	}

	if err := validation.PerformStartupChecks(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("startup checks failed, verify configuration and permissions")
	}

	backend := effectiveBackend(cfg)
	st, err := store.New(cfg.StoreBackend, cfg.DataDir)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "store.open_failed").
			Str("backend", backend).
			Msg("failed to open broadcast store")
	}
	st = store.NewInstrumentedStore(st, backend)

	eng := engine.New(engine.Options{
		Store: st,
		Preparer: &source.Preparer{
			Resolver: &source.Resolver{
				ConvertedDir: cfg.MediaConvertedDir,
				OriginalDir:  cfg.MediaOriginalDir,
				LegacyDir:    cfg.MediaLegacyDir,
			},
			Prober:  &probe.Prober{Bin: cfg.FFprobeBin},
			WorkDir: cfg.WorkDir,
		},
		FFmpegBin:           cfg.FFmpegBin,
		GraceTimeout:        cfg.GraceTimeout,
		MaxAttempts:         cfg.ReconnectMaxAttempts,
		StuckAfter:          cfg.StuckAfter,
		PreflightDelay:      cfg.PreflightDelay,
		ExtraPreflightHosts: cfg.PreflightHosts,
	})

	srv := api.New(api.Options{
		Engine:       eng,
		Store:        st,
		APIToken:     cfg.APIToken,
		RateLimitRPM: cfg.RateLimitRPM,
	})

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", cfg.Listen).
		Msg("starting loopcastd")

	logger.Info().Msgf("→ Media: %s (originals: %s)", cfg.MediaConvertedDir, cfg.MediaOriginalDir)
	logger.Info().Msgf("→ Encoder: %s / %s", cfg.FFmpegBin, cfg.FFprobeBin)
	logger.Info().Msgf("→ Store: %s (data dir: %s)", backend, cfg.DataDir)
	logger.Info().Msgf("→ Reconnect: up to %d attempts, stuck after %s", cfg.ReconnectMaxAttempts, cfg.StuckAfter)
	if cfg.APIToken != "" {
		logger.Info().Msg("→ API token: configured")
	} else {
		logger.Warn().
			Str("security", "weak").
			Msg("→ API token: NOT configured (auth disabled). Set LOOPCAST_API_TOKEN for security.")
	}

	holder := config.NewHolder(cfg, loader)

	lockPath := ""
	if cfg.DataDir != "" {
		lockPath = filepath.Join(cfg.DataDir, "loopcastd.lock")
	}

	app, err := daemon.New(daemon.Options{
		Config:   cfg,
		Holder:   holder,
		Engine:   eng,
		Store:    st,
		Handler:  srv.Router(),
		LockPath: lockPath,
	})
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.wiring_failed").
			Msg("failed to assemble daemon")
	}

	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "daemon.failed").
			Msg("daemon exited with error")
	}

	logger.Info().Msg("server exiting")
}

// effectiveBackend names the store implementation the factory actually
// selects, so logs and metric labels agree with its defaulting.
func effectiveBackend(cfg config.Config) string {
	backend := cfg.StoreBackend
	if backend == "" {
		backend = "sqlite"
	}
	if backend == "sqlite" && cfg.DataDir == "" {
		backend = "memory"
	}
	return backend
}
