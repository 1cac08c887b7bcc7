package mastercall

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/huntmaster/huntmaster/pkg/mfcc"
	"github.com/huntmaster/huntmaster/pkg/types"
)

// writeWAV encodes interleaved 16-bit samples into path.
func writeWAV(t *testing.T, path string, sampleRate, channels int, data []int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}

func toPCM16(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		out[i] = int(math.Round(float64(s) * 32767))
	}
	return out
}

func TestReadWAV_StereoDownmix(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "stereo.wav")
	// Left and right differ; the mono sample is their mean.
	writeWAV(t, path, 22050, 2, []int{16384, 0, -16384, -16384, 8192, 24576})

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	samples, rate, err := ReadWAV(f)
	if err != nil {
		t.Fatalf("ReadWAV: %v", err)
	}
	if rate != 22050 {
		t.Errorf("rate = %d, want 22050", rate)
	}
	want := []float32{0.25, -0.5, 0.5}
	if len(samples) != len(want) {
		t.Fatalf("len = %d, want %d", len(samples), len(want))
	}
	for i := range want {
		if samples[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, samples[i], want[i])
		}
	}
}

func TestReadWAV_NotWAV(t *testing.T) {
	t.Parallel()

	_, _, err := ReadWAV(bytes.NewReader([]byte("definitely not a riff header, just some bytes")))
	if !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}

func TestWAVLoader(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := mfcc.DefaultConfig()
	writeWAV(t, filepath.Join(dir, "tone.wav"), cfg.SampleRate, 1, toPCM16(sine(440, 44100, cfg.SampleRate, 0.5)))

	lib := NewLibrary()
	loader := WAVLoader(dir, DirectBuilder(cfg))

	mc, err := lib.Load(context.Background(), "tone", loader)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if want := (44100-512)/256 + 1; mc.Frames() != want {
		t.Errorf("Frames = %d, want %d", mc.Frames(), want)
	}
	if mc.SampleRate != cfg.SampleRate {
		t.Errorf("SampleRate = %d", mc.SampleRate)
	}

	if _, err := lib.Load(context.Background(), "missing", loader); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file error = %v, want fs.ErrNotExist", err)
	}
	for _, id := range []string{"../tone", "a/b", "", ".."} {
		if _, err := loader(context.Background(), id); !errors.Is(err, types.ErrInvalidInput) {
			t.Errorf("id %q error = %v, want ErrInvalidInput", id, err)
		}
	}
}

func TestWAVLoader_SampleRateMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeWAV(t, filepath.Join(dir, "low.wav"), 16000, 1, toPCM16(sine(440, 16000, 16000, 0.5)))

	if _, err := WAVLoader(dir, DirectBuilder(mfcc.DefaultConfig()))(context.Background(), "low"); !errors.Is(err, types.ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
}
