// Package vad implements an energy-based Voice Activity Detector.
//
// A Detector classifies successive fixed-duration audio windows as voiced or
// unvoiced. Classification uses a four-state hysteresis machine so that short
// bursts do not register as sound and short gaps do not chop it:
//
//	Silence ──loud──▶ VoiceCandidate ──loud for MinSoundDuration──▶ VoiceActive
//	   ▲                   │ quiet                                   │ quiet
//	   └───────────────────┘                                         ▼
//	   └──────────── quiet for PostBuffer ─────────────────────── Hangover
//	                                          loud ──▶ VoiceActive ◀─┘
//
// Durations are counted in windows. MinSoundDuration and PostBuffer are
// rounded up to whole windows, so a window length that does not divide the
// sample rate evenly cannot stretch either gate by an extra window. The
// behaviour is identical for live and recorded input.
//
// The loudness threshold adapts to the background noise floor while the
// detector is in Silence and is frozen in every other state, so a long call
// cannot raise the threshold above itself.
//
// A Detector is owned by a single session and is not safe for concurrent use.
package vad

import (
	"fmt"
	"math"
	"time"

	"github.com/huntmaster/huntmaster/pkg/types"
)

// State enumerates the detector's hysteresis states.
type State int

const (
	// Silence is the initial rest state.
	Silence State = iota

	// VoiceCandidate means energy is above threshold but has not yet lasted
	// MinSoundDuration.
	VoiceCandidate

	// VoiceActive means voiced activity is confirmed.
	VoiceActive

	// Hangover means energy dropped but the PostBuffer grace period has not
	// elapsed. The detector still reports activity.
	Hangover
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case Silence:
		return "silence"
	case VoiceCandidate:
		return "voice_candidate"
	case VoiceActive:
		return "voice_active"
	case Hangover:
		return "hangover"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Active reports whether s counts as voiced.
func (s State) Active() bool { return s == VoiceActive || s == Hangover }

// noiseFactor scales the mean background energy into the adaptive threshold.
const noiseFactor = 1.5

// Config holds the detector parameters. It is immutable once the Detector is
// constructed.
type Config struct {
	// SampleRate of the analysed audio in Hz.
	SampleRate int

	// EnergyThreshold is the static floor of the loudness threshold, expressed
	// as mean squared amplitude.
	EnergyThreshold float32

	// WindowDuration is the nominal duration of one analysis window. The
	// engine slices audio into windows of this length.
	WindowDuration time.Duration

	// MinSoundDuration is how long energy must stay above threshold before a
	// candidate onset is confirmed.
	MinSoundDuration time.Duration

	// PreBuffer is reserved. It is validated but does not influence
	// transitions.
	PreBuffer time.Duration

	// PostBuffer is the hangover grace period after energy drops.
	PostBuffer time.Duration

	// HistorySize bounds the rolling noise-floor history.
	HistorySize int
}

// DefaultConfig returns the detector defaults for 44.1 kHz audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:       44100,
		EnergyThreshold:  0.01,
		WindowDuration:   20 * time.Millisecond,
		MinSoundDuration: 100 * time.Millisecond,
		PreBuffer:        50 * time.Millisecond,
		PostBuffer:       100 * time.Millisecond,
		HistorySize:      50,
	}
}

// WindowSamples returns the number of samples in one analysis window.
func (c Config) WindowSamples() int {
	return int(int64(c.SampleRate) * int64(c.WindowDuration) / int64(time.Second))
}

// Windows returns how many whole windows cover d, rounding up.
func (c Config) Windows(d time.Duration) int {
	if d <= 0 || c.WindowDuration <= 0 {
		return 0
	}
	return int((d + c.WindowDuration - 1) / c.WindowDuration)
}

// Validate reports whether c can be used to build a Detector.
func (c Config) Validate() error {
	switch {
	case c.SampleRate <= 0:
		return fmt.Errorf("vad: sample rate %d must be positive: %w", c.SampleRate, types.ErrInvalidConfig)
	case c.EnergyThreshold < 0 || math.IsNaN(float64(c.EnergyThreshold)) || math.IsInf(float64(c.EnergyThreshold), 0):
		return fmt.Errorf("vad: energy threshold %v must be a finite non-negative value: %w", c.EnergyThreshold, types.ErrInvalidConfig)
	case c.WindowDuration <= 0:
		return fmt.Errorf("vad: window duration %v must be positive: %w", c.WindowDuration, types.ErrInvalidConfig)
	case c.WindowSamples() < 1:
		return fmt.Errorf("vad: window duration %v holds no samples at %d Hz: %w", c.WindowDuration, c.SampleRate, types.ErrInvalidConfig)
	case c.MinSoundDuration < 0:
		return fmt.Errorf("vad: min sound duration %v must not be negative: %w", c.MinSoundDuration, types.ErrInvalidConfig)
	case c.PreBuffer < 0:
		return fmt.Errorf("vad: pre buffer %v must not be negative: %w", c.PreBuffer, types.ErrInvalidConfig)
	case c.PostBuffer < 0:
		return fmt.Errorf("vad: post buffer %v must not be negative: %w", c.PostBuffer, types.ErrInvalidConfig)
	case c.HistorySize <= 0:
		return fmt.Errorf("vad: history size %d must be positive: %w", c.HistorySize, types.ErrInvalidConfig)
	}
	return nil
}

// Result is the classification of one window.
type Result struct {
	// Active is true in VoiceActive and Hangover.
	Active bool

	// Energy is the window's mean squared amplitude.
	Energy float32

	// Duration is the number of windows since the most recent entry into
	// VoiceCandidate, including the current one, times WindowDuration. Zero
	// when not active.
	Duration time.Duration

	// State is the detector state after processing the window.
	State State
}

// Detector is the hysteresis voice activity detector. Create one with [New];
// the zero value reports [types.ErrNotInitialized].
type Detector struct {
	cfg   Config
	ready bool

	// Window counts that confirm an onset and end a hangover.
	minWindows  int
	postWindows int

	state     State
	threshold float32

	// Windows since entering VoiceCandidate, and since entering Hangover.
	onset  int
	silent int

	history []float32
	histPos int
	histLen int
	histSum float64

	transitions uint64
}

// New builds a Detector for cfg. It returns an error wrapping
// [types.ErrInvalidConfig] when cfg fails [Config.Validate].
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{
		cfg:         cfg,
		ready:       true,
		minWindows:  cfg.Windows(cfg.MinSoundDuration),
		postWindows: cfg.Windows(cfg.PostBuffer),
		threshold:   cfg.EnergyThreshold,
		history:     make([]float32, cfg.HistorySize),
	}, nil
}

// Config returns the configuration the detector was built with.
func (d *Detector) Config() Config { return d.cfg }

// ProcessWindow classifies one window of samples and advances the state
// machine. An empty window is rejected with [types.ErrInvalidInput]; a closed
// or zero-value detector returns [types.ErrNotInitialized].
func (d *Detector) ProcessWindow(samples []float32) (Result, error) {
	if d == nil || !d.ready {
		return Result{}, fmt.Errorf("vad: process window: %w", types.ErrNotInitialized)
	}
	if len(samples) == 0 {
		return Result{}, fmt.Errorf("vad: process window: empty window: %w", types.ErrInvalidInput)
	}

	energy := Energy(samples)
	loud := energy > d.threshold

	switch d.state {
	case Silence:
		if loud {
			d.enter(VoiceCandidate)
			d.onset = 1
			if d.onset >= d.minWindows {
				d.enter(VoiceActive)
			}
		} else {
			d.observeNoise(energy)
		}

	case VoiceCandidate:
		if loud {
			d.onset++
			if d.onset >= d.minWindows {
				d.enter(VoiceActive)
			}
		} else {
			d.enter(Silence)
		}

	case VoiceActive:
		d.onset++
		if !loud {
			d.enter(Hangover)
			d.silent = 1
			if d.silent >= d.postWindows {
				d.enter(Silence)
			}
		}

	case Hangover:
		d.onset++
		if loud {
			d.enter(VoiceActive)
		} else {
			d.silent++
			if d.silent >= d.postWindows {
				d.enter(Silence)
			}
		}
	}

	res := Result{
		Active: d.state.Active(),
		Energy: energy,
		State:  d.state,
	}
	if res.Active {
		res.Duration = time.Duration(d.onset) * d.cfg.WindowDuration
	}
	return res, nil
}

func (d *Detector) enter(s State) {
	d.state = s
	d.transitions++
	switch s {
	case Silence:
		d.onset = 0
		d.silent = 0
	case VoiceActive:
		d.silent = 0
	}
}

// observeNoise records a silent window's energy and recomputes the threshold.
func (d *Detector) observeNoise(energy float32) {
	if d.histLen == len(d.history) {
		d.histSum -= float64(d.history[d.histPos])
	} else {
		d.histLen++
	}
	d.history[d.histPos] = energy
	d.histSum += float64(energy)
	d.histPos = (d.histPos + 1) % len(d.history)

	adaptive := float32(noiseFactor * d.histSum / float64(d.histLen))
	d.threshold = max(d.cfg.EnergyThreshold, adaptive)
}

// Reset returns the detector to Silence, clears the noise history and
// restores the static threshold.
func (d *Detector) Reset() {
	if d == nil || !d.ready {
		return
	}
	d.state = Silence
	d.onset = 0
	d.silent = 0
	d.histPos = 0
	d.histLen = 0
	d.histSum = 0
	clear(d.history)
	d.threshold = d.cfg.EnergyThreshold
}

// Close invalidates the detector. Subsequent calls to
// [Detector.ProcessWindow] return [types.ErrNotInitialized]. Close is
// idempotent.
func (d *Detector) Close() error {
	if d != nil {
		d.ready = false
	}
	return nil
}

// State returns the current state.
func (d *Detector) State() State { return d.state }

// IsVoiceActive reports whether the detector is in VoiceActive or Hangover.
func (d *Detector) IsVoiceActive() bool { return d.state.Active() }

// Threshold returns the current adaptive energy threshold.
func (d *Detector) Threshold() float32 { return d.threshold }

// Transitions returns the number of state changes since construction.
func (d *Detector) Transitions() uint64 { return d.transitions }

// Energy returns the mean squared amplitude of samples, accumulated in
// float64. It returns 0 for an empty slice.
func Energy(samples []float32) float32 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return float32(sum / float64(len(samples)))
}
