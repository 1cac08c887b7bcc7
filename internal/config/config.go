// Package config provides the YAML configuration schema and loader for the
// Huntmaster call-matching engine.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/huntmaster/huntmaster/pkg/audio/ring"
	"github.com/huntmaster/huntmaster/pkg/dtw"
	"github.com/huntmaster/huntmaster/pkg/mfcc"
	"github.com/huntmaster/huntmaster/pkg/vad"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SlogLevel maps l to a [slog.Level]. Unknown or empty levels map to Info.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Duration is a [time.Duration] written in YAML as a Go duration string such
// as "20ms" or "1.5s".
type Duration time.Duration

// UnmarshalYAML implements [yaml.Unmarshaler].
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("config: line %d: duration must be a string: %w", node.Line, err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements [yaml.Marshaler].
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a [time.Duration].
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration. Audio analysis parameters live at the top
// level; it is typically loaded with [Load] or [LoadFromReader] and starts
// from [Default].
type Config struct {
	// Feature extraction.
	SampleRate      int     `yaml:"sample_rate"`
	FrameSize       int     `yaml:"frame_size"`
	HopSize         int     `yaml:"hop_size"`
	NumCoefficients int     `yaml:"num_coefficients"`
	NumFilters      int     `yaml:"num_filters"`
	LowFreq         float64 `yaml:"low_freq"`
	HighFreq        float64 `yaml:"high_freq"`
	UseEnergy       bool    `yaml:"use_energy"`
	ApplyLifter     bool    `yaml:"apply_lifter"`
	LifterCoeff     int     `yaml:"lifter_coeff"`
	EnableCaching   bool    `yaml:"enable_caching"`
	CacheLimit      int     `yaml:"cache_limit"`
	FFTBackend      string  `yaml:"fft_backend"`

	// Ingestion.
	RingBufferSize int `yaml:"ring_buffer_size"`
	ChunkSize      int `yaml:"chunk_size"`

	// Voice activity detection.
	EnergyThreshold  float32  `yaml:"energy_threshold"`
	WindowDuration   Duration `yaml:"window_duration"`
	MinSoundDuration Duration `yaml:"min_sound_duration"`
	PreBuffer        Duration `yaml:"pre_buffer"`
	PostBuffer       Duration `yaml:"post_buffer"`
	HistorySize      int      `yaml:"history_size"`
	VADEnabled       bool     `yaml:"vad_enabled"`

	DTW         DTWConfig        `yaml:"dtw"`
	MasterCalls MasterCallConfig `yaml:"master_calls"`
	Server      ServerConfig     `yaml:"server"`
}

// DTWConfig tunes alignment scoring.
type DTWConfig struct {
	// WindowRatio is the Sakoe-Chiba band as a fraction of the longer
	// sequence. Zero disables the band.
	WindowRatio float64 `yaml:"window_ratio"`

	// MinFrames is the fewest session frames a score is computed from.
	MinFrames int `yaml:"min_frames"`
}

// MasterCallConfig locates reference recordings.
type MasterCallConfig struct {
	// Dir holds <id>.wav files loaded on demand.
	Dir string `yaml:"dir"`
}

// ServerConfig holds network and logging settings for the host process.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on (e.g. ":8080").
	// Empty disables the server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// Default returns the built-in configuration for 44.1 kHz audio.
func Default() *Config {
	m := mfcc.DefaultConfig()
	v := vad.DefaultConfig()
	r := ring.DefaultConfig()
	return &Config{
		SampleRate:      m.SampleRate,
		FrameSize:       m.FrameSize,
		HopSize:         m.HopSize,
		NumCoefficients: m.NumCoefficients,
		NumFilters:      m.NumFilters,
		LowFreq:         m.LowFreq,
		HighFreq:        m.HighFreq,
		UseEnergy:       m.UseEnergy,
		ApplyLifter:     m.ApplyLifter,
		LifterCoeff:     m.LifterCoeff,
		EnableCaching:   m.EnableCaching,
		CacheLimit:      m.CacheLimit,
		FFTBackend:      m.FFTBackend,

		RingBufferSize: r.Capacity,
		ChunkSize:      r.ChunkSize,

		EnergyThreshold:  v.EnergyThreshold,
		WindowDuration:   Duration(v.WindowDuration),
		MinSoundDuration: Duration(v.MinSoundDuration),
		PreBuffer:        Duration(v.PreBuffer),
		PostBuffer:       Duration(v.PostBuffer),
		HistorySize:      v.HistorySize,
		VADEnabled:       true,

		DTW:    DTWConfig{MinFrames: 1},
		Server: ServerConfig{LogLevel: LogInfo},
	}
}

// MFCCConfig returns the feature extractor settings.
func (c *Config) MFCCConfig() mfcc.Config {
	return mfcc.Config{
		SampleRate:      c.SampleRate,
		FrameSize:       c.FrameSize,
		HopSize:         c.HopSize,
		NumCoefficients: c.NumCoefficients,
		NumFilters:      c.NumFilters,
		LowFreq:         c.LowFreq,
		HighFreq:        c.HighFreq,
		UseEnergy:       c.UseEnergy,
		ApplyLifter:     c.ApplyLifter,
		LifterCoeff:     c.LifterCoeff,
		EnableCaching:   c.EnableCaching,
		CacheLimit:      c.CacheLimit,
		FFTBackend:      c.FFTBackend,
	}
}

// VADConfig returns the voice activity detector settings.
func (c *Config) VADConfig() vad.Config {
	return vad.Config{
		SampleRate:       c.SampleRate,
		EnergyThreshold:  c.EnergyThreshold,
		WindowDuration:   c.WindowDuration.Std(),
		MinSoundDuration: c.MinSoundDuration.Std(),
		PreBuffer:        c.PreBuffer.Std(),
		PostBuffer:       c.PostBuffer.Std(),
		HistorySize:      c.HistorySize,
	}
}

// RingConfig returns the ring buffer settings.
func (c *Config) RingConfig() ring.Config {
	return ring.Config{Capacity: c.RingBufferSize, ChunkSize: c.ChunkSize}
}

// DTWConfig returns the aligner settings.
func (c *Config) DTWConfig() dtw.Config {
	return dtw.Config{
		WindowRatio:    c.DTW.WindowRatio,
		DistanceWeight: 1,
		MinFrames:      c.DTW.MinFrames,
	}
}
