package mfcc

import (
	"errors"
	"math"
	"testing"

	"github.com/huntmaster/huntmaster/pkg/types"
)

func TestNewFFT(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		backend string
		n       int
		wantErr bool
	}{
		{"default", "", 512, false},
		{"gonum", BackendGonum, 500, false},
		{"radix2", BackendRadix2, 512, false},
		{"radix2 odd size", BackendRadix2, 500, true},
		{"unknown", "kiss", 512, true},
		{"too small", BackendGonum, 1, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			f, err := NewFFT(tc.backend, tc.n)
			if tc.wantErr {
				if !errors.Is(err, types.ErrInvalidConfig) {
					t.Fatalf("error = %v, want ErrInvalidConfig", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewFFT: %v", err)
			}
			if f.Size() != tc.n {
				t.Errorf("Size = %d, want %d", f.Size(), tc.n)
			}
		})
	}
}

func TestPowerSpectrum_KnownSignals(t *testing.T) {
	t.Parallel()

	const n = 16
	backends := map[string]func(int) (FFT, error){
		"gonum":  func(n int) (FFT, error) { return NewGonumFFT(n) },
		"radix2": func(n int) (FFT, error) { return NewRadix2FFT(n) },
	}
	for name, build := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f, err := build(n)
			if err != nil {
				t.Fatal(err)
			}

			dc := make([]float64, n)
			for i := range dc {
				dc[i] = 1
			}
			dst := make([]float64, n/2+1)
			if err := f.PowerSpectrum(dst, dc); err != nil {
				t.Fatal(err)
			}
			if math.Abs(dst[0]-n*n) > 1e-9 {
				t.Errorf("DC bin = %v, want %v", dst[0], n*n)
			}
			for k := 1; k < len(dst); k++ {
				if dst[k] > 1e-9 {
					t.Errorf("bin %d = %v, want 0", k, dst[k])
				}
			}

			// A cosine at bin 3 puts (N/2)² into that bin.
			cos := make([]float64, n)
			for i := range cos {
				cos[i] = math.Cos(2 * math.Pi * 3 * float64(i) / n)
			}
			if err := f.PowerSpectrum(dst, cos); err != nil {
				t.Fatal(err)
			}
			for k, p := range dst {
				want := 0.0
				if k == 3 {
					want = n * n / 4
				}
				if math.Abs(p-want) > 1e-9 {
					t.Errorf("bin %d = %v, want %v", k, p, want)
				}
			}
		})
	}
}

func TestPowerSpectrum_BackendsAgree(t *testing.T) {
	t.Parallel()

	const n = 512
	g, err := NewGonumFFT(n)
	if err != nil {
		t.Fatal(err)
	}
	r, err := NewRadix2FFT(n)
	if err != nil {
		t.Fatal(err)
	}

	frame := make([]float64, n)
	for i := range frame {
		frame[i] = math.Sin(2*math.Pi*440*float64(i)/44100) + 0.25*math.Sin(2*math.Pi*3000*float64(i)/44100)
	}
	a := make([]float64, n/2+1)
	b := make([]float64, n/2+1)
	if err := g.PowerSpectrum(a, frame); err != nil {
		t.Fatal(err)
	}
	if err := r.PowerSpectrum(b, frame); err != nil {
		t.Fatal(err)
	}
	for k := range a {
		if diff := math.Abs(a[k] - b[k]); diff > 1e-6*(1+a[k]) {
			t.Fatalf("bin %d: gonum %v radix2 %v", k, a[k], b[k])
		}
	}
}

func TestPowerSpectrum_SizeMismatch(t *testing.T) {
	t.Parallel()

	f, err := NewRadix2FFT(8)
	if err != nil {
		t.Fatal(err)
	}
	if err := f.PowerSpectrum(make([]float64, 5), make([]float64, 7)); !errors.Is(err, types.ErrFFTFailed) {
		t.Errorf("short input error = %v, want ErrFFTFailed", err)
	}
	if err := f.PowerSpectrum(make([]float64, 4), make([]float64, 8)); !errors.Is(err, types.ErrFFTFailed) {
		t.Errorf("short output error = %v, want ErrFFTFailed", err)
	}
}
