// Package engine is the session manager of the call-matching core.
//
// An [Engine] owns any number of independent analysis sessions. Each session
// has its own ring buffer, voice activity detector, feature extractor and
// growing feature matrix; audio pushed with [Engine.ProcessAudioChunk] flows
//
//	ring buffer → fixed VAD windows → voiced stream → MFCC frames at hop
//
// and [Engine.GetSimilarityScore] aligns the accumulated matrix against the
// session's master call with DTW.
//
// The session table is guarded by one lock that is held only for lookups and
// structural changes. Audio processing runs under a per-session lock, so
// different sessions proceed fully in parallel. Master calls are shared
// read-only between sessions.
//
// All exported methods are safe for concurrent use.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/huntmaster/huntmaster/internal/config"
	"github.com/huntmaster/huntmaster/internal/mastercall"
	"github.com/huntmaster/huntmaster/internal/observe"
	"github.com/huntmaster/huntmaster/pkg/audio/ring"
	"github.com/huntmaster/huntmaster/pkg/dtw"
	"github.com/huntmaster/huntmaster/pkg/types"
	"github.com/huntmaster/huntmaster/pkg/vad"
)

var (
	// ErrMasterCallNotFound reports a master call id that is neither
	// registered nor loadable.
	ErrMasterCallNotFound = errors.New("master call not found")

	// ErrSessionInactive reports audio pushed to a session whose processing
	// was stopped.
	ErrSessionInactive = errors.New("session is not processing")

	// ErrClosed reports an operation on a closed engine.
	ErrClosed = errors.New("engine closed")
)

// Service is the set of engine operations a host layer drives.
type Service interface {
	// CreateSession allocates a session for audio at sampleRate. bufferSize
	// is the ring capacity in chunks; zero selects the configured default.
	CreateSession(sampleRate, bufferSize int) (SessionID, error)

	// DestroySession releases the session. Later calls with id fail with
	// [types.ErrSessionNotFound].
	DestroySession(id SessionID) error

	// LoadMasterCall attaches the master call masterID to the session.
	LoadMasterCall(ctx context.Context, id SessionID, masterID string) error

	// ProcessAudioChunk pushes samples through the session pipeline.
	ProcessAudioChunk(ctx context.Context, id SessionID, samples []float32) (ChunkResult, error)

	// GetSimilarityScore aligns the session against its master call and
	// returns a score in (0, 1].
	GetSimilarityScore(ctx context.Context, id SessionID) (float64, error)

	// Reset discards the session's audio and features, keeping the master
	// call.
	Reset(id SessionID) error
}

var _ Service = (*Engine)(nil)

// Option is a functional option for [New].
type Option func(*Engine)

// WithLibrary sets the master call library. By default the engine creates an
// empty one.
func WithLibrary(l *mastercall.Library) Option {
	return func(e *Engine) { e.library = l }
}

// WithLoader sets the loader used for master calls missing from the library.
// Without a loader only registered master calls can be attached.
func WithLoader(fn mastercall.Loader) Option {
	return func(e *Engine) { e.loader = fn }
}

// WithMetrics sets the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the session manager. Create one with [New].
type Engine struct {
	base    sessionConfig
	aligner *dtw.Aligner
	library *mastercall.Library
	loader  mastercall.Loader
	metrics *observe.Metrics

	// quiet records nothing; master call builds run on it.
	quiet *observe.Metrics

	mu     sync.RWMutex
	table  slotTable
	closed bool
}

// New validates cfg and builds an Engine. Configuration errors wrap
// [types.ErrInvalidConfig].
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("engine: nil config: %w", types.ErrInvalidConfig)
	}
	base := sessionConfig{
		ring:       cfg.RingConfig(),
		vad:        cfg.VADConfig(),
		mfcc:       cfg.MFCCConfig(),
		vadEnabled: cfg.VADEnabled,
	}
	if err := errors.Join(base.ring.Validate(), base.vad.Validate(), base.mfcc.Validate()); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	aligner, err := dtw.New(cfg.DTWConfig())
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}

	e := &Engine{base: base, aligner: aligner}
	for _, o := range opts {
		o(e)
	}
	if e.library == nil {
		e.library = mastercall.NewLibrary()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	if e.quiet, err = observe.NewMetrics(noop.NewMeterProvider()); err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	return e, nil
}

// Library returns the engine's master call library.
func (e *Engine) Library() *mastercall.Library { return e.library }

// SetLoader replaces the loader used for master calls missing from the
// library. Master calls already loaded are kept.
func (e *Engine) SetLoader(fn mastercall.Loader) {
	e.mu.Lock()
	e.loader = fn
	e.mu.Unlock()
}

// BuildMasterCall extracts the master call id from samples through the same
// ring, window assembly, voice activity gate and framer a session uses, so a
// session fed the same recording accumulates the same frames. It implements
// [mastercall.Builder]. sampleRate must equal the configured analysis rate.
func (e *Engine) BuildMasterCall(ctx context.Context, id string, samples []float32, sampleRate int) (*mastercall.MasterCall, error) {
	meta, err := mastercall.Describe(id, samples, sampleRate)
	if err != nil {
		return nil, fmt.Errorf("engine: build master call: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	base := e.base
	e.mu.RUnlock()
	if sampleRate != base.mfcc.SampleRate {
		return nil, fmt.Errorf("engine: build master call %q: sample rate %d does not match analysis rate %d: %w",
			id, sampleRate, base.mfcc.SampleRate, types.ErrInvalidInput)
	}

	s, err := newSession(sampleRate, base.ring.Capacity, base, e.quiet)
	if err != nil {
		return nil, fmt.Errorf("engine: build master call %q: %w", id, err)
	}
	_, err = s.ingest(ctx, samples)
	features := s.features
	s.release()
	if err != nil {
		return nil, fmt.Errorf("engine: build master call %q: %w", id, err)
	}
	if len(features) == 0 {
		return nil, fmt.Errorf("engine: build master call %q: no voiced frames in %v of audio: %w",
			id, meta.Duration, types.ErrInsufficientData)
	}
	return &mastercall.MasterCall{ID: id, Features: features, Meta: meta}, nil
}

// SetDefaultVADEnabled sets voice activity gating for sessions created
// afterwards.
func (e *Engine) SetDefaultVADEnabled(enabled bool) {
	e.mu.Lock()
	e.base.vadEnabled = enabled
	e.mu.Unlock()
}

// CreateSession allocates a fresh session. sampleRate must be positive and
// bufferSize, when non-zero, a power of two.
func (e *Engine) CreateSession(sampleRate, bufferSize int) (SessionID, error) {
	if sampleRate <= 0 {
		return 0, fmt.Errorf("engine: create session: sample rate %d: %w", sampleRate, types.ErrInvalidConfig)
	}
	if bufferSize < 0 {
		return 0, fmt.Errorf("engine: create session: buffer size %d: %w", bufferSize, types.ErrInvalidConfig)
	}
	e.mu.RLock()
	base := e.base
	e.mu.RUnlock()
	if bufferSize == 0 {
		bufferSize = base.ring.Capacity
	}

	s, err := newSession(sampleRate, bufferSize, base, e.metrics)
	if err != nil {
		return 0, fmt.Errorf("engine: create session: %w", err)
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return 0, fmt.Errorf("engine: create session: %w", ErrClosed)
	}
	id, err := e.table.alloc(s)
	if err == nil {
		s.id = id
	}
	e.mu.Unlock()
	if err != nil {
		return 0, err
	}

	e.metrics.ActiveSessions.Add(context.Background(), 1)
	slog.Debug("engine: session created", "session", id, "sample_rate", sampleRate, "ring_capacity", bufferSize)
	return id, nil
}

// DestroySession removes the session and releases its state. A concurrent
// ProcessAudioChunk either completes first or observes
// [types.ErrSessionNotFound].
func (e *Engine) DestroySession(id SessionID) error {
	e.mu.Lock()
	s := e.table.release(id)
	e.mu.Unlock()
	if s == nil {
		return notFound("destroy session", id)
	}

	s.mu.Lock()
	s.release()
	s.mu.Unlock()

	e.metrics.ActiveSessions.Add(context.Background(), -1)
	slog.Debug("engine: session destroyed", "session", id)
	return nil
}

// ActiveSessions returns the number of live sessions.
func (e *Engine) ActiveSessions() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.table.live
}

// Sessions returns the ids of all live sessions.
func (e *Engine) Sessions() []SessionID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]SessionID, 0, e.table.live)
	e.table.each(func(id SessionID, _ *session) { ids = append(ids, id) })
	return ids
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// Close destroys every session and rejects new ones. It is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var ids []SessionID
	e.table.each(func(id SessionID, _ *session) { ids = append(ids, id) })
	e.mu.Unlock()

	var errs []error
	for _, id := range ids {
		if err := e.DestroySession(id); err != nil && !errors.Is(err, types.ErrSessionNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// acquire looks id up under the table lock and returns the session locked.
// The caller must unlock s.mu.
func (e *Engine) acquire(op string, id SessionID) (*session, error) {
	e.mu.RLock()
	s := e.table.lookup(id)
	e.mu.RUnlock()
	if s == nil {
		return nil, notFound(op, id)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, notFound(op, id)
	}
	return s, nil
}

func notFound(op string, id SessionID) error {
	return fmt.Errorf("engine: %s: session %s: %w", op, id, types.ErrSessionNotFound)
}

// LoadMasterCall attaches masterID to the session. The master call comes from
// the library, or from the configured loader on a miss. Its sample rate and
// vector length must match the session.
func (e *Engine) LoadMasterCall(ctx context.Context, id SessionID, masterID string) error {
	if err := e.withSession("load master call", id, func(*session) error { return nil }); err != nil {
		return err
	}

	mc, err := e.masterCall(ctx, masterID)
	if err != nil {
		return fmt.Errorf("engine: load master call: session %s: %w", id, err)
	}

	err = e.withSession("load master call", id, func(s *session) error {
		if mc.Meta.SampleRate != 0 && mc.Meta.SampleRate != s.sampleRate {
			return fmt.Errorf("engine: load master call: %q is %d Hz, session %s is %d Hz: %w",
				masterID, mc.Meta.SampleRate, id, s.sampleRate, types.ErrInvalidInput)
		}
		if mc.Dim() != s.ext.Dim() {
			return fmt.Errorf("engine: load master call: %q has %d coefficients, session %s extracts %d: %w",
				masterID, mc.Dim(), id, s.ext.Dim(), types.ErrInvalidInput)
		}
		s.master = mc
		return nil
	})
	if err == nil {
		slog.Debug("engine: master call attached", "session", id, "master", masterID, "frames", mc.Frames())
	}
	return err
}

// masterCall resolves masterID through the library and loader.
func (e *Engine) masterCall(ctx context.Context, masterID string) (*mastercall.MasterCall, error) {
	if mc, ok := e.library.Get(masterID); ok {
		return mc, nil
	}
	e.mu.RLock()
	loader := e.loader
	e.mu.RUnlock()
	if loader == nil {
		e.metrics.RecordMasterCallLoad(ctx, "not_found")
		return nil, fmt.Errorf("%q: %w", masterID, ErrMasterCallNotFound)
	}

	t := observe.StartTimer(ctx, e.metrics.MasterCallLoadDuration)
	defer t.Stop()

	mc, err := e.library.Load(ctx, masterID, loader)
	switch {
	case err == nil:
		e.metrics.RecordMasterCallLoad(ctx, "ok")
		return mc, nil
	case errors.Is(err, fs.ErrNotExist):
		e.metrics.RecordMasterCallLoad(ctx, "not_found")
		return nil, fmt.Errorf("%w: %w", ErrMasterCallNotFound, err)
	default:
		e.metrics.RecordMasterCallLoad(ctx, "error")
		return nil, err
	}
}

// UnloadMasterCall detaches the session's master call.
func (e *Engine) UnloadMasterCall(id SessionID) error {
	err := e.withSession("unload master call", id, func(s *session) error {
		s.master = nil
		return nil
	})
	return err
}

// withSession runs fn with the session locked.
func (e *Engine) withSession(op string, id SessionID, fn func(*session) error) error {
	s, err := e.acquire(op, id)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()
	return fn(s)
}

// ProcessAudioChunk pushes samples through the session pipeline and returns
// what the call produced. Non-finite samples are rejected with
// [types.ErrInvalidInput] before any state changes; an empty chunk is a no-op.
//
// Frames that fail extraction are skipped and reported in the returned error
// alongside a valid ChunkResult; the session stays usable.
func (e *Engine) ProcessAudioChunk(ctx context.Context, id SessionID, samples []float32) (ChunkResult, error) {
	if err := checkSamples(samples); err != nil {
		return ChunkResult{}, fmt.Errorf("engine: process audio chunk: session %s: %w", id, err)
	}

	s, err := e.acquire("process audio chunk", id)
	if err != nil {
		return ChunkResult{}, err
	}
	defer s.mu.Unlock()

	if !s.processing {
		return ChunkResult{}, fmt.Errorf("engine: process audio chunk: session %s: %w", id, ErrSessionInactive)
	}
	if len(samples) == 0 {
		return ChunkResult{TotalFrames: len(s.features), Active: s.lastVAD.Active, Loudness: s.loudness()}, nil
	}

	t := observe.StartTimer(ctx, e.metrics.ChunkDuration)
	defer t.Stop()

	res, err := s.ingest(ctx, samples)
	if err != nil {
		slog.Warn("engine: chunk processed with errors", "session", id, "failed", res.Failed, "err", err)
	}
	return res, err
}

// GetSimilarityScore aligns the session's features against its master call.
// It returns [types.ErrInsufficientData] when no master call is loaded or no
// frame has been accumulated.
func (e *Engine) GetSimilarityScore(ctx context.Context, id SessionID) (float64, error) {
	res, err := e.Align(ctx, id)
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}

// Align is GetSimilarityScore with the full DTW result.
func (e *Engine) Align(ctx context.Context, id SessionID, opts ...dtw.AlignOption) (dtw.Result, error) {
	s, err := e.acquire("score", id)
	if err != nil {
		return dtw.Result{}, err
	}
	master := s.master
	// Rows are append-only and Reset swaps the slice, so the capped view
	// stays consistent after unlocking.
	feats := s.features[:len(s.features):len(s.features)]
	s.mu.Unlock()

	if master == nil {
		return dtw.Result{}, fmt.Errorf("engine: score: session %s: no master call loaded: %w", id, types.ErrInsufficientData)
	}
	if len(feats) == 0 {
		return dtw.Result{}, fmt.Errorf("engine: score: session %s: no features accumulated: %w", id, types.ErrInsufficientData)
	}

	t := observe.StartTimer(ctx, e.metrics.ScoreDuration)
	defer t.Stop()

	res, err := e.aligner.Align(feats, master.Features, opts...)
	if err != nil {
		t.SetAttributes(observe.Attr("status", "error"))
		return dtw.Result{}, fmt.Errorf("engine: score: session %s: %w", id, err)
	}
	t.SetAttributes(observe.Attr("status", "ok"))
	slog.Debug("engine: scored", "session", id, "master", master.ID,
		"frames", len(feats), "master_frames", master.Frames(), "score", res.Score)
	return res, nil
}

// Reset clears the session's ring, detector, pending audio and features and
// resumes processing. The master call stays attached.
func (e *Engine) Reset(id SessionID) error {
	err := e.withSession("reset", id, func(s *session) error {
		s.reset()
		return nil
	})
	return err
}

// SetVADEnabled toggles voice activity gating. While disabled every window is
// treated as voiced.
func (e *Engine) SetVADEnabled(id SessionID, enabled bool) error {
	err := e.withSession("set vad enabled", id, func(s *session) error {
		if s.vadEnabled == enabled {
			return nil
		}
		s.vadEnabled = enabled
		// Voiced audio before and after the switch must not share a frame.
		s.held = s.held[:0]
		s.pending = s.pending[:0]
		s.skip = 0
		s.vad.Reset()
		return nil
	})
	return err
}

// StopProcessing freezes the session's feature matrix. Further chunks fail
// with [ErrSessionInactive] until [Engine.Reset].
func (e *Engine) StopProcessing(id SessionID) error {
	err := e.withSession("stop processing", id, func(s *session) error {
		s.processing = false
		return nil
	})
	return err
}

// IsProcessing reports whether the session accepts audio.
func (e *Engine) IsProcessing(id SessionID) (bool, error) {
	var ok bool
	err := e.withSession("is processing", id, func(s *session) error {
		ok = s.processing
		return nil
	})
	return ok, err
}

// FeatureCount returns the number of accumulated feature frames.
func (e *Engine) FeatureCount(id SessionID) (int, error) {
	var n int
	err := e.withSession("feature count", id, func(s *session) error {
		n = len(s.features)
		return nil
	})
	return n, err
}

// Features returns a deep copy of the accumulated feature matrix.
func (e *Engine) Features(id SessionID) (types.FeatureMatrix, error) {
	var m types.FeatureMatrix
	err := e.withSession("features", id, func(s *session) error {
		m = s.features.Clone()
		return nil
	})
	return m, err
}

// SessionInfo describes the session.
func (e *Engine) SessionInfo(id SessionID) (SessionInfo, error) {
	var info SessionInfo
	err := e.withSession("session info", id, func(s *session) error {
		info = s.info()
		return nil
	})
	return info, err
}

// RingStats returns the session's ring buffer counters.
func (e *Engine) RingStats(id SessionID) (ring.Stats, error) {
	var st ring.Stats
	err := e.withSession("ring stats", id, func(s *session) error {
		st = s.ring.Stats()
		return nil
	})
	return st, err
}

// Loudness compares the level of everything the session received with its
// master call's level.
func (e *Engine) Loudness(id SessionID) (Loudness, error) {
	var l Loudness
	err := e.withSession("loudness", id, func(s *session) error {
		l = s.loudness()
		return nil
	})
	return l, err
}

// LastVAD returns the classification of the most recent window.
func (e *Engine) LastVAD(id SessionID) (vad.Result, error) {
	var r vad.Result
	err := e.withSession("last vad", id, func(s *session) error {
		r = s.lastVAD
		return nil
	})
	return r, err
}
