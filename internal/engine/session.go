package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/huntmaster/huntmaster/internal/mastercall"
	"github.com/huntmaster/huntmaster/internal/observe"
	"github.com/huntmaster/huntmaster/pkg/audio/ring"
	"github.com/huntmaster/huntmaster/pkg/mfcc"
	"github.com/huntmaster/huntmaster/pkg/types"
	"github.com/huntmaster/huntmaster/pkg/vad"
)

// drainBatch is the number of ring chunks moved per DequeueBatch call.
const drainBatch = 16

// ChunkResult summarises one [Engine.ProcessAudioChunk] call.
type ChunkResult struct {
	// Windows is the number of complete VAD windows classified.
	Windows int

	// VoicedWindows counts the windows that reached the extractor, including
	// candidate windows released by a confirmed onset.
	VoicedWindows int

	// Frames is the number of feature vectors appended by this call.
	Frames int

	// Failed is the number of frames skipped after an extraction failure.
	Failed int

	// TotalFrames is the session's feature count after the call.
	TotalFrames int

	// Active reports whether the detector considered the last window voiced.
	Active bool

	// Loudness compares everything the session received so far with its
	// master call.
	Loudness Loudness

	// classified counts windows the detector itself reported active.
	classified int
}

// SessionInfo is a point-in-time description of a session.
type SessionInfo struct {
	ID           SessionID
	SampleRate   int
	RingCapacity int
	MasterID     string
	Frames       int
	Processing   bool
	VADEnabled   bool
	VADState     vad.State
	CreatedAt    time.Time

	// RMS and Duration cover every sample received since creation or the
	// last reset, voiced or not.
	RMS      float64
	Duration time.Duration
}

// Loudness is the level of a session relative to its master call.
type Loudness struct {
	SessionRMS float64
	MasterRMS  float64

	// DeviationDB is 20*log10(SessionRMS/MasterRMS). It is set only when
	// Valid.
	DeviationDB float64

	// Valid is false while no master call is attached or either level is
	// zero.
	Valid bool
}

// session owns every piece of per-session mutable state. All fields below mu
// are guarded by it.
type session struct {
	id         SessionID
	sampleRate int
	createdAt  time.Time
	metrics    *observe.Metrics

	mu     sync.Mutex
	closed bool

	ring *ring.Buffer
	vad  *vad.Detector
	ext  *mfcc.Extractor

	features types.FeatureMatrix
	master   *mastercall.MasterCall

	processing bool
	vadEnabled bool

	frameSize     int
	hop           int
	windowSamples int

	// batches and chunks are reusable ring transfer buffers.
	batches [][]float32
	chunks  []ring.AudioChunk

	// win assembles ring chunks into fixed VAD windows.
	win []float32

	// held keeps candidate windows until the onset is confirmed or aborted.
	held []float32

	// pending is the voiced stream not yet framed; skip is how many incoming
	// voiced samples to drop before framing resumes when hop exceeds the
	// frame size.
	pending []float32
	skip    int

	lastVAD vad.Result

	// sumSquares and received measure the raw input level.
	sumSquares float64
	received   int64
}

func newSession(sampleRate, capacity int, base sessionConfig, m *observe.Metrics) (*session, error) {
	rc := base.ring
	rc.Capacity = capacity
	rb, err := ring.New(rc)
	if err != nil {
		return nil, err
	}

	vc := base.vad
	vc.SampleRate = sampleRate
	det, err := vad.New(vc)
	if err != nil {
		return nil, err
	}

	mc := base.mfcc
	mc.SampleRate = sampleRate
	ext, err := mfcc.New(mc)
	if err != nil {
		return nil, err
	}

	chunks := make([]ring.AudioChunk, drainBatch)
	for i := range chunks {
		chunks[i] = rb.NewChunk()
	}

	return &session{
		sampleRate:    sampleRate,
		createdAt:     time.Now(),
		metrics:       m,
		ring:          rb,
		vad:           det,
		ext:           ext,
		features:      types.FeatureMatrix{},
		processing:    true,
		vadEnabled:    base.vadEnabled,
		frameSize:     mc.FrameSize,
		hop:           mc.HopSize,
		windowSamples: vc.WindowSamples(),
		chunks:        chunks,
		win:           make([]float32, 0, 2*vc.WindowSamples()),
	}, nil
}

// sessionConfig is the validated per-session template the engine stamps
// sessions from.
type sessionConfig struct {
	ring       ring.Config
	vad        vad.Config
	mfcc       mfcc.Config
	vadEnabled bool
}

// ingest pushes samples through ring, VAD and extractor. The caller holds mu.
func (s *session) ingest(ctx context.Context, samples []float32) (ChunkResult, error) {
	var (
		res  ChunkResult
		errs []error
	)
	for _, v := range samples {
		f := float64(v)
		s.sumSquares += f * f
	}
	s.received += int64(len(samples))

	cs := s.ring.ChunkSize()
	for off := 0; off < len(samples); {
		free := s.ring.Cap() - s.ring.Len()
		if free == 0 {
			s.metrics.RingOverruns.Add(ctx, 1)
			errs = append(errs, s.drain(ctx, &res)...)
			continue
		}
		s.batches = s.batches[:0]
		for p := off; p < len(samples) && len(s.batches) < free; {
			end := min(p+cs, len(samples))
			s.batches = append(s.batches, samples[p:end])
			p = end
		}
		n := s.ring.EnqueueBatch(s.batches)
		if n == 0 {
			s.metrics.RingOverruns.Add(ctx, 1)
			return res, fmt.Errorf("engine: session %s: ring rejected %d samples: %w", s.id, len(samples)-off, types.ErrProcessingFailed)
		}
		for _, b := range s.batches[:n] {
			off += len(b)
		}
		errs = append(errs, s.drain(ctx, &res)...)
	}

	res.TotalFrames = len(s.features)
	res.Active = s.lastVAD.Active
	res.Loudness = s.loudness()

	s.metrics.RecordWindows(ctx, res.classified, true)
	s.metrics.RecordWindows(ctx, res.Windows-res.classified, false)
	if res.Frames > 0 {
		s.metrics.FramesExtracted.Add(ctx, int64(res.Frames))
	}

	if len(errs) > 0 {
		return res, fmt.Errorf("engine: session %s: %d frames skipped: %w", s.id, res.Failed, errors.Join(errs...))
	}
	return res, nil
}

// drain empties the ring into the window assembler.
func (s *session) drain(ctx context.Context, res *ChunkResult) []error {
	var errs []error
	for s.ring.Len() > 0 {
		n := s.ring.DequeueBatch(s.chunks)
		for i := range n {
			errs = append(errs, s.assemble(ctx, s.chunks[i].Samples(), res)...)
		}
	}
	return errs
}

// assemble appends chunk to the window buffer and classifies every complete
// window.
func (s *session) assemble(ctx context.Context, chunk []float32, res *ChunkResult) []error {
	s.win = append(s.win, chunk...)
	var (
		errs  []error
		start int
	)
	for ; start+s.windowSamples <= len(s.win); start += s.windowSamples {
		w := s.win[start : start+s.windowSamples]
		if err := s.classify(ctx, w, res); err != nil {
			errs = append(errs, err)
		}
	}
	s.win = s.win[:copy(s.win, s.win[start:])]
	return errs
}

// classify runs one window through the detector and routes its samples.
func (s *session) classify(ctx context.Context, w []float32, res *ChunkResult) error {
	res.Windows++

	if !s.vadEnabled {
		s.lastVAD = vad.Result{Active: true, Energy: vad.Energy(w), State: vad.VoiceActive}
		res.VoicedWindows++
		res.classified++
		return s.feed(ctx, w, res)
	}

	prev := s.vad.State()
	r, err := s.vad.ProcessWindow(w)
	if err != nil {
		return err
	}
	s.lastVAD = r
	if r.Active {
		res.classified++
	}

	switch {
	case r.State == vad.VoiceCandidate:
		s.held = append(s.held, w...)
		return nil

	case r.Active:
		var errs []error
		if len(s.held) > 0 {
			res.VoicedWindows += len(s.held) / s.windowSamples
			errs = append(errs, s.feed(ctx, s.held, res))
			s.held = s.held[:0]
		}
		res.VoicedWindows++
		errs = append(errs, s.feed(ctx, w, res))
		return errors.Join(errs...)

	default:
		s.held = s.held[:0]
		if prev.Active() {
			// A voiced segment ended; its tail is shorter than a frame.
			s.pending = s.pending[:0]
			s.skip = 0
		}
		return nil
	}
}

// feed frames voiced samples at hop positions and appends one vector per
// frame. A frame that fails extraction is skipped; the matrix only ever
// receives complete vectors.
func (s *session) feed(ctx context.Context, samples []float32, res *ChunkResult) error {
	if s.skip > 0 {
		k := min(s.skip, len(samples))
		samples = samples[k:]
		s.skip -= k
	}
	s.pending = append(s.pending, samples...)

	var (
		errs  []error
		start int
	)
	for ; start+s.frameSize <= len(s.pending); start += s.hop {
		v, err := s.extract(s.pending[start : start+s.frameSize])
		if err != nil {
			res.Failed++
			s.metrics.RecordExtractionFailure(ctx, failureKind(err))
			errs = append(errs, err)
			continue
		}
		s.features = append(s.features, v)
		res.Frames++
	}
	if start >= len(s.pending) {
		s.skip = start - len(s.pending)
		s.pending = s.pending[:0]
	} else {
		s.pending = s.pending[:copy(s.pending, s.pending[start:])]
	}
	return errors.Join(errs...)
}

// extract calls the extractor, converting a panic into ErrProcessingFailed.
func (s *session) extract(frame []float32) (v types.FeatureVector, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = nil
			err = fmt.Errorf("engine: extractor panic: %v: %w", r, types.ErrProcessingFailed)
		}
	}()
	return s.ext.Extract(frame)
}

// reset discards accumulated audio and features. The caller holds mu.
func (s *session) reset() {
	s.ring.Clear()
	s.ring.ResetStats()
	s.vad.Reset()
	s.features = types.FeatureMatrix{}
	s.win = s.win[:0]
	s.held = s.held[:0]
	s.pending = s.pending[:0]
	s.skip = 0
	s.lastVAD = vad.Result{}
	s.sumSquares = 0
	s.received = 0
	s.processing = true
}

// rms is the root mean square of every sample received.
func (s *session) rms() float64 {
	if s.received == 0 {
		return 0
	}
	return math.Sqrt(s.sumSquares / float64(s.received))
}

func (s *session) loudness() Loudness {
	l := Loudness{SessionRMS: s.rms()}
	if s.master == nil {
		return l
	}
	l.MasterRMS = s.master.RMS
	if l.SessionRMS > 0 && l.MasterRMS > 0 {
		l.DeviationDB = 20 * math.Log10(l.SessionRMS/l.MasterRMS)
		l.Valid = true
	}
	return l
}

// release drops every owned resource. The caller holds mu.
func (s *session) release() {
	s.closed = true
	s.processing = false
	s.ring.Clear()
	_ = s.vad.Close()
	s.ext.ClearCache()
	s.features = nil
	s.master = nil
	s.win, s.held, s.pending = nil, nil, nil
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		ID:           s.id,
		SampleRate:   s.sampleRate,
		RingCapacity: s.ring.Cap(),
		Frames:       len(s.features),
		Processing:   s.processing,
		VADEnabled:   s.vadEnabled,
		VADState:     s.vad.State(),
		CreatedAt:    s.createdAt,
		RMS:          s.rms(),
		Duration:     time.Duration(s.received * int64(time.Second) / int64(s.sampleRate)),
	}
	if s.master != nil {
		info.MasterID = s.master.ID
	}
	return info
}

func failureKind(err error) string {
	switch {
	case errors.Is(err, types.ErrFFTFailed):
		return "fft"
	case errors.Is(err, types.ErrInvalidInput):
		return "input"
	default:
		return "processing"
	}
}

// checkSamples rejects non-finite sample values.
func checkSamples(samples []float32) error {
	for i, v := range samples {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return fmt.Errorf("sample %d is not finite: %w", i, types.ErrInvalidInput)
		}
	}
	return nil
}
