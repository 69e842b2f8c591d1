// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of the optional config file. Every field
// is optional; set fields override defaults and are themselves
// overridden by environment variables. Durations are Go duration
// strings ("30s").
type FileConfig struct {
	Listen       string `yaml:"listen,omitempty"`
	DataDir      string `yaml:"dataDir,omitempty"`
	StoreBackend string `yaml:"storeBackend,omitempty"`
	LogLevel     string `yaml:"logLevel,omitempty"`

	Media struct {
		ConvertedDir string `yaml:"convertedDir,omitempty"`
		OriginalDir  string `yaml:"originalDir,omitempty"`
		LegacyDir    string `yaml:"legacyDir,omitempty"`
		WorkDir      string `yaml:"workDir,omitempty"`
	} `yaml:"media,omitempty"`

	Encoder struct {
		FFmpegBin    string `yaml:"ffmpegBin,omitempty"`
		FFprobeBin   string `yaml:"ffprobeBin,omitempty"`
		GraceTimeout string `yaml:"graceTimeout,omitempty"`
	} `yaml:"encoder,omitempty"`

	Reconnect struct {
		MaxAttempts *int   `yaml:"maxAttempts,omitempty"`
		StuckAfter  string `yaml:"stuckAfter,omitempty"`
	} `yaml:"reconnect,omitempty"`

	Preflight struct {
		Delay string   `yaml:"delay,omitempty"`
		Hosts []string `yaml:"hosts,omitempty"`
	} `yaml:"preflight,omitempty"`

	API struct {
		Token        string `yaml:"token,omitempty"`
		RateLimitRPM *int   `yaml:"rateLimitRpm,omitempty"`
	} `yaml:"api,omitempty"`

	ShutdownTimeout string `yaml:"shutdownTimeout,omitempty"`
}

// LoadFile parses a config file strictly: unknown keys are an error so
// a typo cannot silently fall back to a default. A missing file is not
// an error when optional is true.
func LoadFile(path string, optional bool) (*FileConfig, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied config path
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var fc FileConfig
	if err := dec.Decode(&fc); err != nil {
		if errors.Is(err, io.EOF) {
			return &FileConfig{}, nil
		}
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return &fc, nil
}

// apply overlays the file's set fields onto cfg.
func (fc *FileConfig) apply(cfg *Config) error {
	setString(&cfg.Listen, fc.Listen)
	setString(&cfg.DataDir, fc.DataDir)
	setString(&cfg.StoreBackend, fc.StoreBackend)
	setString(&cfg.LogLevel, fc.LogLevel)

	setString(&cfg.MediaConvertedDir, fc.Media.ConvertedDir)
	setString(&cfg.MediaOriginalDir, fc.Media.OriginalDir)
	setString(&cfg.MediaLegacyDir, fc.Media.LegacyDir)
	setString(&cfg.WorkDir, fc.Media.WorkDir)

	setString(&cfg.FFmpegBin, fc.Encoder.FFmpegBin)
	setString(&cfg.FFprobeBin, fc.Encoder.FFprobeBin)
	if err := setDuration(&cfg.GraceTimeout, "encoder.graceTimeout", fc.Encoder.GraceTimeout); err != nil {
		return err
	}

	if fc.Reconnect.MaxAttempts != nil {
		cfg.ReconnectMaxAttempts = *fc.Reconnect.MaxAttempts
	}
	if err := setDuration(&cfg.StuckAfter, "reconnect.stuckAfter", fc.Reconnect.StuckAfter); err != nil {
		return err
	}

	if err := setDuration(&cfg.PreflightDelay, "preflight.delay", fc.Preflight.Delay); err != nil {
		return err
	}
	if len(fc.Preflight.Hosts) > 0 {
		cfg.PreflightHosts = append([]string(nil), fc.Preflight.Hosts...)
	}

	setString(&cfg.APIToken, fc.API.Token)
	if fc.API.RateLimitRPM != nil {
		cfg.RateLimitRPM = *fc.API.RateLimitRPM
	}

	return setDuration(&cfg.ShutdownTimeout, "shutdownTimeout", fc.ShutdownTimeout)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, field, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config file field %s: %w", field, err)
	}
	*dst = d
	return nil
}
