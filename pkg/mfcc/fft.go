package mfcc

import (
	"fmt"
	"math"
	"math/bits"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"github.com/huntmaster/huntmaster/pkg/types"
)

// Backend names accepted by [NewFFT].
const (
	BackendGonum  = "gonum"
	BackendRadix2 = "radix2"
)

// FFT computes the one-sided power spectrum of a real frame.
//
// Implementations are reused across frames and are not safe for concurrent
// use.
type FFT interface {
	// Size returns the transform length N.
	Size() int

	// PowerSpectrum writes |X[k]|² for k in [0, N/2] into dst. frame must
	// hold exactly N samples and dst exactly N/2+1 values.
	PowerSpectrum(dst, frame []float64) error
}

// NewFFT returns the backend registered under name for transforms of length n.
// An empty name selects gonum.
func NewFFT(name string, n int) (FFT, error) {
	switch name {
	case "", BackendGonum:
		return NewGonumFFT(n)
	case BackendRadix2:
		return NewRadix2FFT(n)
	default:
		return nil, fmt.Errorf("mfcc: unknown fft backend %q: %w", name, types.ErrInvalidConfig)
	}
}

func checkSizes(n int, dst, frame []float64) error {
	if len(frame) != n {
		return fmt.Errorf("mfcc: fft input has %d samples, want %d: %w", len(frame), n, types.ErrFFTFailed)
	}
	if len(dst) != n/2+1 {
		return fmt.Errorf("mfcc: fft output has %d bins, want %d: %w", len(dst), n/2+1, types.ErrFFTFailed)
	}
	return nil
}

// GonumFFT is the default backend, built on gonum's mixed-radix real FFT. It
// accepts any length N ≥ 2.
type GonumFFT struct {
	n      int
	plan   *fourier.FFT
	coeffs []complex128
}

var _ FFT = (*GonumFFT)(nil)

// NewGonumFFT prepares a gonum plan for length n.
func NewGonumFFT(n int) (*GonumFFT, error) {
	if n < 2 {
		return nil, fmt.Errorf("mfcc: fft size %d must be at least 2: %w", n, types.ErrInvalidConfig)
	}
	return &GonumFFT{
		n:      n,
		plan:   fourier.NewFFT(n),
		coeffs: make([]complex128, n/2+1),
	}, nil
}

// Size implements [FFT].
func (f *GonumFFT) Size() int { return f.n }

// PowerSpectrum implements [FFT].
func (f *GonumFFT) PowerSpectrum(dst, frame []float64) error {
	if err := checkSizes(f.n, dst, frame); err != nil {
		return err
	}
	f.coeffs = f.plan.Coefficients(f.coeffs, frame)
	for k, c := range f.coeffs {
		re, im := real(c), imag(c)
		dst[k] = re*re + im*im
	}
	return nil
}

// Radix2FFT is an iterative Cooley-Tukey transform for power-of-two lengths
// with precomputed twiddles and bit-reversal table.
type Radix2FFT struct {
	n       int
	rev     []int
	twiddle []complex128
	buf     []complex128
}

var _ FFT = (*Radix2FFT)(nil)

// NewRadix2FFT prepares a radix-2 plan. n must be a power of two ≥ 2.
func NewRadix2FFT(n int) (*Radix2FFT, error) {
	if n < 2 || bits.OnesCount(uint(n)) != 1 {
		return nil, fmt.Errorf("mfcc: radix2 fft size %d must be a power of two: %w", n, types.ErrInvalidConfig)
	}

	shift := bits.UintSize - bits.TrailingZeros(uint(n))
	rev := make([]int, n)
	for i := range rev {
		rev[i] = int(bits.Reverse(uint(i)) >> shift)
	}

	twiddle := make([]complex128, n/2)
	for k := range twiddle {
		twiddle[k] = cmplx.Exp(complex(0, -2*math.Pi*float64(k)/float64(n)))
	}

	return &Radix2FFT{
		n:       n,
		rev:     rev,
		twiddle: twiddle,
		buf:     make([]complex128, n),
	}, nil
}

// Size implements [FFT].
func (f *Radix2FFT) Size() int { return f.n }

// PowerSpectrum implements [FFT].
func (f *Radix2FFT) PowerSpectrum(dst, frame []float64) error {
	if err := checkSizes(f.n, dst, frame); err != nil {
		return err
	}

	x := f.buf
	for i, v := range frame {
		x[f.rev[i]] = complex(v, 0)
	}

	for size := 2; size <= f.n; size <<= 1 {
		half := size / 2
		step := f.n / size
		for start := 0; start < f.n; start += size {
			for k := range half {
				t := f.twiddle[k*step] * x[start+k+half]
				u := x[start+k]
				x[start+k] = u + t
				x[start+k+half] = u - t
			}
		}
	}

	for k := range dst {
		re, im := real(x[k]), imag(x[k])
		dst[k] = re*re + im*im
	}
	return nil
}
