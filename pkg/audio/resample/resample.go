// Package resample converts mono float32 audio between sample rates.
package resample

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Mono resamples mono samples from srcRate to dstRate with a high quality
// polyphase resampler. It returns samples itself when the rates match. The
// output holds len(samples)*dstRate/srcRate samples, rounded down.
func Mono(samples []float32, srcRate, dstRate int) ([]float32, error) {
	if srcRate <= 0 || dstRate <= 0 {
		return nil, fmt.Errorf("resample: rates must be positive, got %d -> %d", srcRate, dstRate)
	}
	if srcRate == dstRate || len(samples) == 0 {
		return samples, nil
	}

	r, err := resampling.New(&resampling.Config{
		InputRate:  float64(srcRate),
		OutputRate: float64(dstRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("resample: %d -> %d: %w", srcRate, dstRate, err)
	}

	in := make([]float64, len(samples))
	for i, s := range samples {
		in[i] = float64(s)
	}
	body, err := r.Process(in)
	if err != nil {
		return nil, fmt.Errorf("resample: process: %w", err)
	}
	tail, err := r.Flush()
	if err != nil {
		return nil, fmt.Errorf("resample: flush: %w", err)
	}

	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	k := copyFloat(out, body)
	copyFloat(out[k:], tail)
	return out, nil
}

// copyFloat narrows min(len(dst), len(src)) values into dst.
func copyFloat(dst []float32, src []float64) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] = float32(src[i])
	}
	return n
}
