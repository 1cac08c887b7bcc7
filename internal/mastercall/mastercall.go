// Package mastercall holds reference calls that live sessions are scored
// against.
//
// A [MasterCall] is built once, either from raw samples or from a WAV file,
// and is then shared read-only by every session that loads it. A [Builder]
// turns decoded samples into features; hosts that gate live audio with a
// voice activity detector supply one that gates the reference the same way.
// The [Library] indexes master calls by id and deduplicates concurrent loads
// of the same id.
package mastercall

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/huntmaster/huntmaster/pkg/mfcc"
	"github.com/huntmaster/huntmaster/pkg/types"
)

// MasterCall is an immutable reference feature sequence.
type MasterCall struct {
	ID       string
	Features types.FeatureMatrix
	Meta
}

// Meta describes the audio a MasterCall was extracted from.
type Meta struct {
	SampleRate int

	// RMS is the root mean square amplitude of the source samples.
	RMS float64

	Duration time.Duration
}

// Frames returns the number of feature vectors.
func (m *MasterCall) Frames() int { return len(m.Features) }

// Dim returns the vector length shared by all frames.
func (m *MasterCall) Dim() int { return m.Features.Dim() }

// Loader produces the master call for id. It is invoked at most once per id
// at a time by [Library.Load].
type Loader func(ctx context.Context, id string) (*MasterCall, error)

// Library is a concurrency-safe index of master calls.
type Library struct {
	mu    sync.RWMutex
	calls map[string]*MasterCall
	group singleflight.Group
}

// NewLibrary returns an empty Library.
func NewLibrary() *Library {
	return &Library{calls: make(map[string]*MasterCall)}
}

// Register validates features and stores them under id, replacing any
// previous entry. The matrix is retained; callers must not modify it
// afterwards.
func (l *Library) Register(id string, features types.FeatureMatrix, meta Meta) (*MasterCall, error) {
	if id == "" {
		return nil, fmt.Errorf("mastercall: register: empty id: %w", types.ErrInvalidInput)
	}
	if features.Frames() == 0 {
		return nil, fmt.Errorf("mastercall: register %q: no frames: %w", id, types.ErrInsufficientData)
	}
	if !features.Uniform() || features.Dim() == 0 {
		return nil, fmt.Errorf("mastercall: register %q: frames differ in length: %w", id, types.ErrInvalidInput)
	}

	mc := &MasterCall{ID: id, Features: features, Meta: meta}
	l.mu.Lock()
	l.calls[id] = mc
	l.mu.Unlock()
	return mc, nil
}

// Add stores an already built master call and returns the registered entry.
func (l *Library) Add(mc *MasterCall) (*MasterCall, error) {
	if mc == nil {
		return nil, fmt.Errorf("mastercall: add: nil master call: %w", types.ErrInvalidInput)
	}
	return l.Register(mc.ID, mc.Features, mc.Meta)
}

// Get returns the master call registered under id.
func (l *Library) Get(id string) (*MasterCall, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	mc, ok := l.calls[id]
	return mc, ok
}

// Load returns the master call for id, invoking loader if it is not yet
// registered. Concurrent loads of the same id share one loader call.
func (l *Library) Load(ctx context.Context, id string, loader Loader) (*MasterCall, error) {
	if mc, ok := l.Get(id); ok {
		return mc, nil
	}
	if loader == nil {
		return nil, fmt.Errorf("mastercall: load %q: no loader: %w", id, types.ErrNotInitialized)
	}

	v, err, shared := l.group.Do(id, func() (any, error) {
		if mc, ok := l.Get(id); ok {
			return mc, nil
		}
		start := time.Now()
		mc, err := loader(ctx, id)
		if err != nil {
			return nil, err
		}
		if mc == nil {
			return nil, fmt.Errorf("loader returned no master call: %w", types.ErrInsufficientData)
		}
		registered, err := l.Register(id, mc.Features, mc.Meta)
		if err != nil {
			return nil, err
		}
		slog.Debug("mastercall: loaded", "id", id, "frames", registered.Frames(), "elapsed", time.Since(start))
		return registered, nil
	})
	if err != nil {
		return nil, fmt.Errorf("mastercall: load %q: %w", id, err)
	}
	if shared {
		slog.Debug("mastercall: shared load", "id", id)
	}
	return v.(*MasterCall), nil
}

// IDs returns the registered ids in sorted order.
func (l *Library) IDs() []string {
	l.mu.RLock()
	ids := make([]string, 0, len(l.calls))
	for id := range l.calls {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

// Remove drops id. Sessions already holding the master call keep using it.
func (l *Library) Remove(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.calls[id]
	delete(l.calls, id)
	return ok
}

// Len returns the number of registered master calls.
func (l *Library) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.calls)
}

// Builder turns decoded mono samples into the master call id.
type Builder func(ctx context.Context, id string, samples []float32, sampleRate int) (*MasterCall, error)

// DirectBuilder returns a Builder that frames every sample with a fresh
// extractor built from cfg. It applies no voice activity gating.
func DirectBuilder(cfg mfcc.Config) Builder {
	return func(ctx context.Context, id string, samples []float32, sampleRate int) (*MasterCall, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ext, err := mfcc.New(cfg)
		if err != nil {
			return nil, err
		}
		return FromSamples(id, samples, sampleRate, ext, cfg.HopSize)
	}
}

// Describe validates samples and measures them.
func Describe(id string, samples []float32, sampleRate int) (Meta, error) {
	if len(samples) == 0 {
		return Meta{}, fmt.Errorf("mastercall: %q: no samples: %w", id, types.ErrInsufficientData)
	}
	if sampleRate <= 0 {
		return Meta{}, fmt.Errorf("mastercall: %q: sample rate %d: %w", id, sampleRate, types.ErrInvalidInput)
	}
	var sum float64
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Meta{}, fmt.Errorf("mastercall: %q: sample %d is not finite: %w", id, i, types.ErrInvalidInput)
		}
		sum += v * v
	}
	return Meta{
		SampleRate: sampleRate,
		RMS:        math.Sqrt(sum / float64(len(samples))),
		Duration:   time.Duration(int64(len(samples)) * int64(time.Second) / int64(sampleRate)),
	}, nil
}

// FromSamples extracts features from every frame of samples with ext,
// framing at hop.
func FromSamples(id string, samples []float32, sampleRate int, ext *mfcc.Extractor, hop int) (*MasterCall, error) {
	meta, err := Describe(id, samples, sampleRate)
	if err != nil {
		return nil, err
	}
	if ext.Config().SampleRate != sampleRate {
		return nil, fmt.Errorf("mastercall: %q: sample rate %d does not match extractor rate %d: %w",
			id, sampleRate, ext.Config().SampleRate, types.ErrInvalidInput)
	}

	features, err := ext.ExtractBuffer(samples, hop)
	if err != nil {
		return nil, fmt.Errorf("mastercall: %q: %w", id, err)
	}
	if features.Frames() == 0 {
		return nil, fmt.Errorf("mastercall: %q: %d samples are shorter than one frame: %w", id, len(samples), types.ErrInsufficientData)
	}
	return &MasterCall{ID: id, Features: features, Meta: meta}, nil
}
