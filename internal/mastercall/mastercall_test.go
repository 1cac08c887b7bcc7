package mastercall

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/huntmaster/huntmaster/pkg/mfcc"
	"github.com/huntmaster/huntmaster/pkg/types"
)

func sine(freq float64, n, sampleRate int, amp float32) []float32 {
	s := make([]float32, n)
	for i := range s {
		s[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/float64(sampleRate)))
	}
	return s
}

func newExtractor(t *testing.T) *mfcc.Extractor {
	t.Helper()
	ext, err := mfcc.New(mfcc.DefaultConfig())
	if err != nil {
		t.Fatalf("mfcc.New: %v", err)
	}
	return ext
}

func TestLibrary_Register(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	tests := []struct {
		name     string
		id       string
		features types.FeatureMatrix
		want     error
	}{
		{"empty id", "", types.FeatureMatrix{{1}}, types.ErrInvalidInput},
		{"no frames", "a", nil, types.ErrInsufficientData},
		{"ragged", "a", types.FeatureMatrix{{1, 2}, {1}}, types.ErrInvalidInput},
		{"zero width", "a", types.FeatureMatrix{{}}, types.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := lib.Register(tc.id, tc.features, Meta{}); !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
	if lib.Len() != 0 {
		t.Fatalf("Len = %d after failed registrations", lib.Len())
	}

	mc, err := lib.Register("buck_grunt", types.FeatureMatrix{{1, 2}, {3, 4}}, Meta{SampleRate: 44100})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if mc.Frames() != 2 || mc.Dim() != 2 || mc.SampleRate != 44100 {
		t.Errorf("unexpected master call %+v", mc)
	}
	got, ok := lib.Get("buck_grunt")
	if !ok || got != mc {
		t.Fatal("Get did not return the registered call")
	}
}

func TestLibrary_IDsAndRemove(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	for _, id := range []string{"owl_hoot", "doe_bleat", "buck_grunt"} {
		if _, err := lib.Register(id, types.FeatureMatrix{{1}}, Meta{}); err != nil {
			t.Fatal(err)
		}
	}
	ids := lib.IDs()
	want := []string{"buck_grunt", "doe_bleat", "owl_hoot"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("IDs = %v, want %v", ids, want)
		}
	}
	if !lib.Remove("doe_bleat") {
		t.Fatal("Remove returned false for a registered id")
	}
	if lib.Remove("doe_bleat") {
		t.Fatal("second Remove returned true")
	}
	if _, ok := lib.Get("doe_bleat"); ok {
		t.Fatal("removed id still present")
	}
}

func TestLibrary_LoadDeduplicates(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context, id string) (*MasterCall, error) {
		calls.Add(1)
		<-release
		return &MasterCall{Features: types.FeatureMatrix{{1, 2, 3}}}, nil
	}

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*MasterCall, workers)
	for i := range workers {
		wg.Go(func() {
			mc, err := lib.Load(context.Background(), "elk_bugle", loader)
			if err != nil {
				t.Errorf("Load: %v", err)
				return
			}
			results[i] = mc
		})
	}
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Errorf("loader called %d times, want 1", got)
	}
	for i, mc := range results {
		if mc == nil || mc != results[0] {
			t.Fatalf("worker %d got a different master call", i)
		}
	}
	if results[0].ID != "elk_bugle" {
		t.Errorf("ID = %q, want elk_bugle", results[0].ID)
	}
}

func TestLibrary_LoadReturnsRegisteredEntry(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	built := &MasterCall{ID: "ignored", Features: types.FeatureMatrix{{1, 2}}}
	loader := func(context.Context, string) (*MasterCall, error) { return built, nil }

	first, err := lib.Load(context.Background(), "cow_call", loader)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	got, ok := lib.Get("cow_call")
	if !ok {
		t.Fatal("loaded id not registered")
	}
	if first != got {
		t.Error("Load and Get returned different entries")
	}
	again, err := lib.Load(context.Background(), "cow_call", loader)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if again != first {
		t.Error("second Load returned a different entry")
	}
	if first.ID != "cow_call" {
		t.Errorf("ID = %q, want cow_call", first.ID)
	}
	if built.ID != "ignored" {
		t.Error("Load modified the loader's value")
	}
}

func TestLibrary_Add(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	if _, err := lib.Add(nil); !errors.Is(err, types.ErrInvalidInput) {
		t.Errorf("nil error = %v, want ErrInvalidInput", err)
	}
	mc, err := lib.Add(&MasterCall{ID: "rattle", Features: types.FeatureMatrix{{1}}})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if got, _ := lib.Get("rattle"); got != mc {
		t.Error("Add did not return the registered entry")
	}
}

func TestLibrary_LoadError(t *testing.T) {
	t.Parallel()

	lib := NewLibrary()
	boom := errors.New("disk on fire")
	_, err := lib.Load(context.Background(), "x", func(context.Context, string) (*MasterCall, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want wrapped loader error", err)
	}
	if lib.Len() != 0 {
		t.Error("failed load registered an entry")
	}
	if _, err := lib.Load(context.Background(), "x", nil); !errors.Is(err, types.ErrNotInitialized) {
		t.Errorf("nil loader error = %v", err)
	}
}

func TestFromSamples(t *testing.T) {
	t.Parallel()

	ext := newExtractor(t)
	mc, err := FromSamples("tone", sine(440, 88200, 44100, 0.5), 44100, ext, 256)
	if err != nil {
		t.Fatalf("FromSamples: %v", err)
	}
	if mc.Frames() != 343 {
		t.Errorf("Frames = %d, want 343", mc.Frames())
	}
	if mc.Dim() != 13 {
		t.Errorf("Dim = %d, want 13", mc.Dim())
	}
	if want := 0.5 / math.Sqrt2; math.Abs(mc.RMS-want) > 1e-3 {
		t.Errorf("RMS = %v, want ~%v", mc.RMS, want)
	}
	if mc.Duration.Seconds() != 2 {
		t.Errorf("Duration = %v, want 2s", mc.Duration)
	}
}

func TestDirectBuilder(t *testing.T) {
	t.Parallel()

	build := DirectBuilder(mfcc.DefaultConfig())
	mc, err := build(context.Background(), "tone", sine(440, 44100, 44100, 0.5), 44100)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if want := (44100-512)/256 + 1; mc.Frames() != want {
		t.Errorf("Frames = %d, want %d", mc.Frames(), want)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := build(ctx, "tone", sine(440, 44100, 44100, 0.5), 44100); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled error = %v, want context.Canceled", err)
	}
}

func TestFromSamples_Errors(t *testing.T) {
	t.Parallel()

	ext := newExtractor(t)
	nan := sine(440, 1024, 44100, 0.5)
	nan[100] = float32(math.NaN())

	tests := []struct {
		name    string
		samples []float32
		rate    int
		want    error
	}{
		{"empty", nil, 44100, types.ErrInsufficientData},
		{"shorter than a frame", make([]float32, 100), 44100, types.ErrInsufficientData},
		{"rate mismatch", sine(440, 1024, 16000, 0.5), 16000, types.ErrInvalidInput},
		{"non-finite", nan, 44100, types.ErrInvalidInput},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := FromSamples("x", tc.samples, tc.rate, ext, 256); !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
		})
	}
}
