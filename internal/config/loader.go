package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. Keys absent from the document keep their defaults;
// unknown keys are rejected.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.DTW.WindowRatio < 0 || cfg.DTW.WindowRatio > 1 {
		errs = append(errs, fmt.Errorf("dtw.window_ratio %v must be within [0, 1]", cfg.DTW.WindowRatio))
	}
	if cfg.DTW.MinFrames < 0 {
		errs = append(errs, fmt.Errorf("dtw.min_frames %d must not be negative", cfg.DTW.MinFrames))
	}
	if cfg.HopSize > cfg.FrameSize && cfg.FrameSize > 0 {
		slog.Warn("config: hop_size exceeds frame_size; samples between frames are skipped",
			"hop_size", cfg.HopSize, "frame_size", cfg.FrameSize)
	}
	if cfg.MasterCalls.Dir != "" {
		if info, err := os.Stat(cfg.MasterCalls.Dir); err != nil {
			errs = append(errs, fmt.Errorf("master_calls.dir: %w", err))
		} else if !info.IsDir() {
			errs = append(errs, fmt.Errorf("master_calls.dir %q is not a directory", cfg.MasterCalls.Dir))
		}
	}

	errs = append(errs,
		cfg.MFCCConfig().Validate(),
		cfg.VADConfig().Validate(),
		cfg.RingConfig().Validate(),
	)
	return errors.Join(errs...)
}
