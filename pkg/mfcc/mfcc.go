// Package mfcc extracts Mel-Frequency Cepstral Coefficients from audio frames.
//
// An [Extractor] precomputes its Hamming window, HTK mel filter bank and
// orthonormal DCT-II matrix at construction. Each frame is then windowed,
// transformed by an [FFT] backend, projected onto the mel bank, log-compressed
// and decorrelated by the DCT. Optionally the first coefficient is replaced by
// the frame's log energy and the result is liftered.
//
// Extractors keep scratch buffers and a result cache, so each session owns
// its own instance.
package mfcc

import (
	"errors"
	"fmt"
	"math"

	"github.com/huntmaster/huntmaster/pkg/types"
)

// epsilon keeps log arguments strictly positive.
const epsilon = 1e-10

// DefaultCacheLimit bounds the number of cached frames.
const DefaultCacheLimit = 4096

// Config describes the extraction pipeline. It is immutable once the
// Extractor is built.
type Config struct {
	SampleRate int

	// FrameSize is the analysis length N in samples. It is also the FFT size.
	FrameSize int

	// HopSize is the frame advance used by callers that frame a stream. The
	// extractor itself only validates it.
	HopSize int

	NumCoefficients int
	NumFilters      int

	// LowFreq and HighFreq bound the mel bank in Hz. A zero HighFreq means
	// the Nyquist frequency.
	LowFreq  float64
	HighFreq float64

	// UseEnergy replaces c0 with the log frame energy.
	UseEnergy bool

	ApplyLifter bool
	LifterCoeff int

	EnableCaching bool

	// CacheLimit caps cached frames. When full the cache is cleared. Zero
	// means DefaultCacheLimit.
	CacheLimit int

	// FFTBackend selects the transform, see [NewFFT].
	FFTBackend string
}

// DefaultConfig returns the extractor defaults for 44.1 kHz audio.
func DefaultConfig() Config {
	return Config{
		SampleRate:      44100,
		FrameSize:       512,
		HopSize:         256,
		NumCoefficients: 13,
		NumFilters:      26,
		UseEnergy:       true,
		ApplyLifter:     true,
		LifterCoeff:     22,
		EnableCaching:   true,
		CacheLimit:      DefaultCacheLimit,
		FFTBackend:      BackendGonum,
	}
}

// highFreq resolves the upper mel bound.
func (c Config) highFreq() float64 {
	if c.HighFreq == 0 {
		return float64(c.SampleRate) / 2
	}
	return c.HighFreq
}

// Validate reports every problem with c. Each error wraps
// [types.ErrInvalidConfig].
func (c Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("mfcc: "+format+": %w", append(args, types.ErrInvalidConfig)...))
	}

	if c.SampleRate <= 0 {
		add("sample rate %d must be positive", c.SampleRate)
	}
	if c.FrameSize < 2 {
		add("frame size %d must be at least 2", c.FrameSize)
	}
	if c.HopSize <= 0 {
		add("hop size %d must be positive", c.HopSize)
	}
	if c.NumFilters <= 0 {
		add("num filters %d must be positive", c.NumFilters)
	}
	if c.NumCoefficients <= 0 {
		add("num coefficients %d must be positive", c.NumCoefficients)
	}
	if c.NumFilters > 0 && c.NumCoefficients > c.NumFilters {
		add("num coefficients %d exceeds num filters %d", c.NumCoefficients, c.NumFilters)
	}
	if c.LowFreq < 0 {
		add("low freq %v must not be negative", c.LowFreq)
	}
	if c.SampleRate > 0 {
		high := c.highFreq()
		if high <= c.LowFreq {
			add("high freq %v must exceed low freq %v", high, c.LowFreq)
		}
		if nyquist := float64(c.SampleRate) / 2; high > nyquist {
			add("high freq %v exceeds nyquist %v", high, nyquist)
		}
	}
	if c.ApplyLifter && c.LifterCoeff <= 0 {
		add("lifter coefficient %d must be positive", c.LifterCoeff)
	}
	if c.CacheLimit < 0 {
		add("cache limit %d must not be negative", c.CacheLimit)
	}
	switch c.FFTBackend {
	case "", BackendGonum, BackendRadix2:
	default:
		add("unknown fft backend %q", c.FFTBackend)
	}
	return errors.Join(errs...)
}

// filter is one triangular mel filter stored sparsely from bin start.
type filter struct {
	start   int
	weights []float64
}

// Extractor computes MFCC vectors. It is not safe for concurrent use.
type Extractor struct {
	cfg    Config
	fft    FFT
	window []float64
	bank   []filter
	dct    [][]float64
	lifter []float64

	// Scratch reused across frames.
	frame []float64
	power []float64
	mel   []float64

	cache *cache
}

// Option customises an Extractor.
type Option func(*Extractor)

// WithFFT overrides the backend chosen by Config.FFTBackend. The backend's
// size must equal Config.FrameSize.
func WithFFT(f FFT) Option {
	return func(e *Extractor) { e.fft = f }
}

// New builds an Extractor for cfg.
func New(cfg Config, opts ...Option) (*Extractor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.CacheLimit == 0 {
		cfg.CacheLimit = DefaultCacheLimit
	}

	e := &Extractor{
		cfg:    cfg,
		window: hamming(cfg.FrameSize),
		bank:   melBank(cfg.NumFilters, cfg.FrameSize, cfg.SampleRate, cfg.LowFreq, cfg.highFreq()),
		dct:    dctMatrix(cfg.NumCoefficients, cfg.NumFilters),
		frame:  make([]float64, cfg.FrameSize),
		power:  make([]float64, cfg.FrameSize/2+1),
		mel:    make([]float64, cfg.NumFilters),
	}
	if cfg.ApplyLifter {
		e.lifter = lifterWeights(cfg.NumCoefficients, cfg.LifterCoeff)
	}
	if cfg.EnableCaching {
		e.cache = newCache(cfg.CacheLimit, cfg.FrameSize)
	}
	for _, o := range opts {
		o(e)
	}

	if e.fft == nil {
		f, err := NewFFT(cfg.FFTBackend, cfg.FrameSize)
		if err != nil {
			return nil, err
		}
		e.fft = f
	}
	if e.fft.Size() != cfg.FrameSize {
		return nil, fmt.Errorf("mfcc: fft size %d does not match frame size %d: %w", e.fft.Size(), cfg.FrameSize, types.ErrInvalidConfig)
	}
	return e, nil
}

// Config returns the configuration the extractor was built with.
func (e *Extractor) Config() Config { return e.cfg }

// Dim returns the length of every produced vector.
func (e *Extractor) Dim() int { return e.cfg.NumCoefficients }

// Extract computes the feature vector for the first FrameSize samples of
// frame. The returned vector is owned by the caller.
func (e *Extractor) Extract(frame []float32) (types.FeatureVector, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("mfcc: extract: empty frame: %w", types.ErrInvalidInput)
	}
	if len(frame) < e.cfg.FrameSize {
		return nil, fmt.Errorf("mfcc: extract: frame has %d samples, want %d: %w", len(frame), e.cfg.FrameSize, types.ErrInvalidInput)
	}
	frame = frame[:e.cfg.FrameSize]

	var key uint64
	if e.cache != nil {
		key = e.cache.key(frame)
		if v, ok := e.cache.get(key); ok {
			return v.Clone(), nil
		}
	}

	v, err := e.compute(frame)
	if err != nil {
		return nil, err
	}
	if e.cache != nil {
		e.cache.put(key, v.Clone())
	}
	return v, nil
}

func (e *Extractor) compute(frame []float32) (types.FeatureVector, error) {
	var energy float64
	for i, s := range frame {
		w := float64(s) * e.window[i]
		e.frame[i] = w
		energy += w * w
	}

	if err := e.fft.PowerSpectrum(e.power, e.frame); err != nil {
		if errors.Is(err, types.ErrFFTFailed) {
			return nil, err
		}
		return nil, fmt.Errorf("mfcc: fft: %v: %w", err, types.ErrFFTFailed)
	}
	for k, p := range e.power {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, fmt.Errorf("mfcc: fft bin %d is not finite: %w", k, types.ErrFFTFailed)
		}
	}

	for m, f := range e.bank {
		var sum float64
		for j, w := range f.weights {
			sum += w * e.power[f.start+j]
		}
		e.mel[m] = math.Log(sum + epsilon)
	}

	out := make(types.FeatureVector, e.cfg.NumCoefficients)
	for i, row := range e.dct {
		var c float64
		for m, w := range row {
			c += w * e.mel[m]
		}
		if i == 0 && e.cfg.UseEnergy {
			c = math.Log(energy + epsilon)
		}
		if e.lifter != nil {
			c *= e.lifter[i]
		}
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return nil, fmt.Errorf("mfcc: coefficient %d is not finite: %w", i, types.ErrProcessingFailed)
		}
		out[i] = float32(c)
	}
	return out, nil
}

// ExtractBuffer frames buf with the given hop and extracts one vector per
// frame. It yields (len(buf)-FrameSize)/hop+1 rows, or none when buf is
// shorter than one frame.
func (e *Extractor) ExtractBuffer(buf []float32, hop int) (types.FeatureMatrix, error) {
	if hop <= 0 {
		return nil, fmt.Errorf("mfcc: extract buffer: hop %d must be positive: %w", hop, types.ErrInvalidInput)
	}
	n := e.cfg.FrameSize
	if len(buf) < n {
		return types.FeatureMatrix{}, nil
	}

	out := make(types.FeatureMatrix, 0, (len(buf)-n)/hop+1)
	for start := 0; start+n <= len(buf); start += hop {
		v, err := e.Extract(buf[start : start+n])
		if err != nil {
			return nil, fmt.Errorf("mfcc: extract buffer: frame at %d: %w", start, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// ClearCache drops every cached vector.
func (e *Extractor) ClearCache() {
	if e.cache != nil {
		e.cache.clear()
	}
}

// CacheSize returns the number of cached vectors.
func (e *Extractor) CacheSize() int {
	if e.cache == nil {
		return 0
	}
	return e.cache.len()
}

func hamming(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.54 - 0.46*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}

func hzToMel(hz float64) float64 { return 2595 * math.Log10(1+hz/700) }

func melToHz(mel float64) float64 { return 700 * (math.Pow(10, mel/2595) - 1) }

// melBank builds numFilters triangles over bins [0, n/2] with breakpoints
// equally spaced on the mel scale between low and high.
func melBank(numFilters, n, sampleRate int, low, high float64) []filter {
	last := n / 2
	melLow, melHigh := hzToMel(low), hzToMel(high)

	bins := make([]int, numFilters+2)
	for i := range bins {
		mel := melLow + float64(i)*(melHigh-melLow)/float64(numFilters+1)
		b := int(math.Floor(melToHz(mel) * float64(n) / float64(sampleRate)))
		bins[i] = min(max(b, 0), last)
	}

	bank := make([]filter, numFilters)
	for m := range bank {
		left, center, right := bins[m], bins[m+1], bins[m+2]
		weights := make([]float64, right-left+1)
		for k := left; k <= right; k++ {
			switch {
			case k < center:
				weights[k-left] = float64(k-left) / float64(center-left)
			case k == center:
				weights[k-left] = 1
			default:
				weights[k-left] = float64(right-k) / float64(right-center)
			}
		}
		bank[m] = filter{start: left, weights: weights}
	}
	return bank
}

// dctMatrix returns the orthonormal DCT-II basis restricted to the first
// rows coefficients.
func dctMatrix(rows, cols int) [][]float64 {
	scale := math.Sqrt(2 / float64(cols))
	m := make([][]float64, rows)
	for i := range m {
		m[i] = make([]float64, cols)
		for j := range m[i] {
			m[i][j] = scale * math.Cos(math.Pi*float64(i)*(float64(j)+0.5)/float64(cols))
		}
		if i == 0 {
			for j := range m[i] {
				m[i][j] /= math.Sqrt2
			}
		}
	}
	return m
}

func lifterWeights(n, l int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 1 + float64(l)/2*math.Sin(math.Pi*float64(i)/float64(l))
	}
	return w
}
