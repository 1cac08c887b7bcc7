package mfcc

import (
	"errors"
	"math"
	"testing"

	"github.com/huntmaster/huntmaster/pkg/types"
)

func sine(freq float64, n, sampleRate int, amp float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return s
}

func newExtractor(t *testing.T, cfg Config, opts ...Option) *Extractor {
	t.Helper()
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func distance(a, b types.FeatureVector) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func TestExtract_Dimensions(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newExtractor(t, cfg)
	v, err := e.Extract(sine(440, cfg.FrameSize, cfg.SampleRate, 0.5))
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(v) != cfg.NumCoefficients || e.Dim() != cfg.NumCoefficients {
		t.Fatalf("len = %d, Dim = %d, want %d", len(v), e.Dim(), cfg.NumCoefficients)
	}
	for i, c := range v {
		if math.IsNaN(float64(c)) || math.IsInf(float64(c), 0) {
			t.Fatalf("coefficient %d = %v", i, c)
		}
	}
}

func TestExtract_UsesOnlyFirstFrame(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.EnableCaching = false
	e := newExtractor(t, cfg)

	frame := sine(440, cfg.FrameSize, cfg.SampleRate, 0.5)
	long := append(append([]float32{}, frame...), sine(3000, 100, cfg.SampleRate, 1)...)

	a, err := e.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Extract(long)
	if err != nil {
		t.Fatal(err)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("coefficient %d differs: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestExtract_CacheIsTransparent(t *testing.T) {
	t.Parallel()

	cached := DefaultConfig()
	uncached := DefaultConfig()
	uncached.EnableCaching = false

	ec := newExtractor(t, cached)
	eu := newExtractor(t, uncached)
	frame := sine(440, cached.FrameSize, cached.SampleRate, 0.5)

	first, err := ec.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	if ec.CacheSize() != 1 {
		t.Fatalf("CacheSize = %d, want 1", ec.CacheSize())
	}
	second, err := ec.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := eu.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	for i := range first {
		if first[i] != second[i] || first[i] != plain[i] {
			t.Fatalf("coefficient %d: first %v second %v uncached %v", i, first[i], second[i], plain[i])
		}
	}

	// Returned vectors are copies.
	second[0] = 1e6
	again, err := ec.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	if again[0] != first[0] {
		t.Fatal("mutating a returned vector changed the cache")
	}

	ec.ClearCache()
	if ec.CacheSize() != 0 {
		t.Errorf("CacheSize after ClearCache = %d", ec.CacheSize())
	}
	if eu.CacheSize() != 0 {
		t.Errorf("uncached extractor CacheSize = %d", eu.CacheSize())
	}
}

func TestExtract_CacheLimitClearsWholesale(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.CacheLimit = 2
	e := newExtractor(t, cfg)

	for _, f := range []float64{300, 600, 900} {
		if _, err := e.Extract(sine(f, cfg.FrameSize, cfg.SampleRate, 0.5)); err != nil {
			t.Fatal(err)
		}
	}
	if got := e.CacheSize(); got != 1 {
		t.Errorf("CacheSize = %d, want 1 after overflow", got)
	}
}

func TestExtract_SilenceVersusTone(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newExtractor(t, cfg)

	silent, err := e.Extract(make([]float32, cfg.FrameSize))
	if err != nil {
		t.Fatal(err)
	}
	tone, err := e.Extract(sine(440, cfg.FrameSize, cfg.SampleRate, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	if silent[0] >= tone[0] {
		t.Errorf("energy term: silence %v should be below tone %v", silent[0], tone[0])
	}
}

func TestExtract_DifferentTonesAreFarApart(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newExtractor(t, cfg)

	a, err := e.Extract(sine(440, cfg.FrameSize, cfg.SampleRate, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Extract(sine(880, cfg.FrameSize, cfg.SampleRate, 0.5))
	if err != nil {
		t.Fatal(err)
	}
	if d := distance(a, b); d <= 1.0 {
		t.Errorf("distance(440 Hz, 880 Hz) = %v, want > 1", d)
	}
}

func TestExtract_BackendsAgree(t *testing.T) {
	t.Parallel()

	g := DefaultConfig()
	r := DefaultConfig()
	r.FFTBackend = BackendRadix2
	eg := newExtractor(t, g)
	er := newExtractor(t, r)

	frame := sine(523.25, g.FrameSize, g.SampleRate, 0.4)
	a, err := eg.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	b, err := er.Extract(frame)
	if err != nil {
		t.Fatal(err)
	}
	if d := distance(a, b); d > 1e-3 {
		t.Errorf("gonum and radix2 differ by %v", d)
	}
}

func TestExtract_InvalidInput(t *testing.T) {
	t.Parallel()

	e := newExtractor(t, DefaultConfig())
	if _, err := e.Extract(nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Extract(nil) error = %v", err)
	}
	if _, err := e.Extract(make([]float32, 100)); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("Extract(short) error = %v", err)
	}
}

type brokenFFT struct{ n int }

func (b brokenFFT) Size() int { return b.n }

func (b brokenFFT) PowerSpectrum(dst, _ []float64) error {
	for i := range dst {
		dst[i] = math.NaN()
	}
	return nil
}

func TestExtract_BackendFailure(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newExtractor(t, cfg, WithFFT(brokenFFT{n: cfg.FrameSize}))
	if _, err := e.Extract(sine(440, cfg.FrameSize, cfg.SampleRate, 0.5)); !errors.Is(err, types.ErrFFTFailed) {
		t.Fatalf("error = %v, want ErrFFTFailed", err)
	}
	if e.CacheSize() != 0 {
		t.Error("failed frame must not be cached")
	}

	if _, err := New(cfg, WithFFT(brokenFFT{n: 256})); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("mismatched backend size error = %v, want ErrInvalidConfig", err)
	}
}

func TestExtractBuffer_FrameCount(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	e := newExtractor(t, cfg)

	tests := []struct {
		name string
		n    int
		hop  int
		want int
	}{
		{"two seconds", 88200, 256, 343},
		{"exact frame", 512, 256, 1},
		{"one hop past", 768, 256, 2},
		{"short", 511, 256, 0},
		{"empty", 0, 256, 0},
		{"hop larger than frame", 2048, 1024, 2},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			m, err := e.ExtractBuffer(sine(440, tc.n, cfg.SampleRate, 0.5), tc.hop)
			if err != nil {
				t.Fatalf("ExtractBuffer: %v", err)
			}
			if m.Frames() != tc.want {
				t.Fatalf("frames = %d, want %d", m.Frames(), tc.want)
			}
			if !m.Uniform() {
				t.Fatal("rows differ in length")
			}
		})
	}

	if _, err := e.ExtractBuffer(make([]float32, 1024), 0); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("hop 0 error = %v, want ErrInvalidInput", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero filters", func(c *Config) { c.NumFilters = 0 }},
		{"zero coefficients", func(c *Config) { c.NumCoefficients = 0 }},
		{"coefficients exceed filters", func(c *Config) { c.NumCoefficients = 30 }},
		{"low not below high", func(c *Config) { c.LowFreq = 8000; c.HighFreq = 4000 }},
		{"high above nyquist", func(c *Config) { c.HighFreq = 30000 }},
		{"tiny frame", func(c *Config) { c.FrameSize = 1 }},
		{"zero sample rate", func(c *Config) { c.SampleRate = 0 }},
		{"zero hop", func(c *Config) { c.HopSize = 0 }},
		{"bad lifter", func(c *Config) { c.LifterCoeff = 0 }},
		{"negative cache", func(c *Config) { c.CacheLimit = -1 }},
		{"unknown backend", func(c *Config) { c.FFTBackend = "fftw" }},
		{"radix2 with odd frame", func(c *Config) { c.FFTBackend = BackendRadix2; c.FrameSize = 500 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tc.mutate(&cfg)
			if _, err := New(cfg); !errors.Is(err, types.ErrInvalidConfig) {
				t.Fatalf("New error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestMelBank_CoversRange(t *testing.T) {
	t.Parallel()

	bank := melBank(26, 512, 44100, 0, 22050)
	if len(bank) != 26 {
		t.Fatalf("filters = %d", len(bank))
	}
	for m, f := range bank {
		if f.start < 0 || f.start+len(f.weights) > 257 {
			t.Fatalf("filter %d spans [%d,%d) outside the spectrum", m, f.start, f.start+len(f.weights))
		}
		for _, w := range f.weights {
			if w < 0 || w > 1 {
				t.Fatalf("filter %d has weight %v", m, w)
			}
		}
	}
	for m := 1; m < len(bank); m++ {
		if bank[m].start < bank[m-1].start {
			t.Fatalf("filter %d starts before filter %d", m, m-1)
		}
	}
}

func BenchmarkExtract(b *testing.B) {
	cfg := DefaultConfig()
	cfg.EnableCaching = false
	e, err := New(cfg)
	if err != nil {
		b.Fatal(err)
	}
	frame := sine(440, cfg.FrameSize, cfg.SampleRate, 0.5)
	for b.Loop() {
		if _, err := e.Extract(frame); err != nil {
			b.Fatal(err)
		}
	}
}
