package mastercall

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"

	"github.com/huntmaster/huntmaster/pkg/types"
)

// ReadWAV decodes a PCM WAV stream into mono float32 samples in [-1, 1).
// Multi-channel audio is downmixed by averaging the channels of each frame.
func ReadWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("mastercall: read wav: not a valid wav file: %w", types.ErrInvalidInput)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("mastercall: read wav: %w", err)
	}
	if buf == nil || buf.Format == nil {
		return nil, 0, fmt.Errorf("mastercall: read wav: missing format: %w", types.ErrInvalidInput)
	}

	channels := buf.Format.NumChannels
	rate := buf.Format.SampleRate
	if channels <= 0 || rate <= 0 {
		return nil, 0, fmt.Errorf("mastercall: read wav: %d channels at %d Hz: %w", channels, rate, types.ErrInvalidInput)
	}

	depth := buf.SourceBitDepth
	if depth == 0 {
		depth = int(dec.BitDepth)
	}
	offset, scale, err := pcmScale(depth)
	if err != nil {
		return nil, 0, err
	}

	frames := len(buf.Data) / channels
	out := make([]float32, frames)
	for i := range out {
		var sum float64
		for c := range channels {
			sum += float64(buf.Data[i*channels+c]) - offset
		}
		out[i] = float32(sum / float64(channels) / scale)
	}
	return out, rate, nil
}

// pcmScale returns the zero offset and full-scale magnitude of integer PCM at
// the given bit depth. 8-bit WAV is unsigned, the rest are signed.
func pcmScale(depth int) (offset, scale float64, err error) {
	switch depth {
	case 8:
		return 128, 128, nil
	case 16:
		return 0, 1 << 15, nil
	case 24:
		return 0, 1 << 23, nil
	case 32:
		return 0, 1 << 31, nil
	}
	return 0, 0, fmt.Errorf("mastercall: read wav: unsupported bit depth %d: %w", depth, types.ErrInvalidInput)
}

// WAVLoader returns a Loader that reads <dir>/<id>.wav and hands the decoded
// samples to build.
func WAVLoader(dir string, build Builder) Loader {
	return func(ctx context.Context, id string) (*MasterCall, error) {
		if id == "" || strings.ContainsAny(id, `/\`) || id != filepath.Base(id) || id == ".." {
			return nil, fmt.Errorf("mastercall: invalid id %q: %w", id, types.ErrInvalidInput)
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return LoadWAVFile(ctx, filepath.Join(dir, id+".wav"), id, build)
	}
}

// LoadWAVFile builds the master call id from the WAV file at path.
func LoadWAVFile(ctx context.Context, path, id string, build Builder) (*MasterCall, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("mastercall: open %q: %w", path, err)
	}
	defer f.Close()

	samples, rate, err := ReadWAV(f)
	if err != nil {
		return nil, fmt.Errorf("mastercall: %q: %w", path, err)
	}
	mc, err := build(ctx, id, samples, rate)
	if err != nil {
		return nil, fmt.Errorf("mastercall: %q: %w", path, err)
	}
	return mc, nil
}
