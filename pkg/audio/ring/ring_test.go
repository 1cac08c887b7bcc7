package ring

import (
	"errors"
	"sync"
	"testing"

	"github.com/huntmaster/huntmaster/pkg/types"
)

func newTestBuffer(t *testing.T, capacity, chunk int) *Buffer {
	t.Helper()
	b, err := New(Config{Capacity: capacity, ChunkSize: chunk})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero capacity", Config{Capacity: 0, ChunkSize: 4}},
		{"non power of two", Config{Capacity: 6, ChunkSize: 4}},
		{"negative capacity", Config{Capacity: -8, ChunkSize: 4}},
		{"zero chunk", Config{Capacity: 8, ChunkSize: 0}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tc.cfg)
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Fatalf("New(%+v) error = %v, want ErrInvalidConfig", tc.cfg, err)
			}
		})
	}
}

func TestBuffer_CapacityOverrunUnderrun(t *testing.T) {
	t.Parallel()

	const capacity = 8
	b := newTestBuffer(t, capacity, 4)

	for i := range capacity {
		if !b.TryEnqueue([]float32{float32(i), 0, 0, 0}) {
			t.Fatalf("enqueue %d failed before capacity reached", i)
		}
	}
	if !b.Full() {
		t.Fatal("expected buffer to be full")
	}
	if b.TryEnqueue([]float32{1}) {
		t.Fatal("enqueue into full buffer succeeded")
	}
	if got := b.Stats().Overruns; got != 1 {
		t.Errorf("Overruns = %d, want 1", got)
	}

	chunk := b.NewChunk()
	for i := range capacity {
		if !b.TryDequeue(&chunk) {
			t.Fatalf("dequeue %d failed", i)
		}
		if chunk.Samples()[0] != float32(i) {
			t.Errorf("chunk %d first sample = %v, want %v", i, chunk.Samples()[0], float32(i))
		}
		if chunk.Seq != uint64(i) {
			t.Errorf("chunk %d Seq = %d", i, chunk.Seq)
		}
	}
	if b.TryDequeue(&chunk) {
		t.Fatal("dequeue from empty buffer succeeded")
	}

	st := b.Stats()
	if st.Underruns != 1 {
		t.Errorf("Underruns = %d, want 1", st.Underruns)
	}
	if st.Processed != capacity {
		t.Errorf("Processed = %d, want %d", st.Processed, capacity)
	}
	if st.Usage != 0 {
		t.Errorf("Usage = %d, want 0", st.Usage)
	}
}

func TestBuffer_SplitsLargeWrites(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 8, 4)
	samples := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if !b.TryEnqueue(samples) {
		t.Fatal("enqueue failed")
	}
	if got := b.Len(); got != 3 {
		t.Fatalf("Len = %d, want 3", got)
	}

	var got []float32
	chunk := b.NewChunk()
	for b.TryDequeue(&chunk) {
		got = append(got, chunk.Samples()...)
	}
	if len(got) != len(samples) {
		t.Fatalf("read %d samples, want %d", len(got), len(samples))
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], samples[i])
		}
	}
}

func TestBuffer_WriteIsAllOrNothing(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 4, 2)
	if !b.TryEnqueue(make([]float32, 6)) {
		t.Fatal("first enqueue failed")
	}
	// Needs 2 slots, only 1 free.
	if b.TryEnqueue(make([]float32, 3)) {
		t.Fatal("oversized enqueue succeeded")
	}
	st := b.Stats()
	if st.Usage != 3 {
		t.Errorf("Usage = %d, want 3", st.Usage)
	}
	if st.Dropped != 2 {
		t.Errorf("Dropped = %d, want 2", st.Dropped)
	}
}

func TestBuffer_Batch(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 4, 2)
	batches := [][]float32{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}
	if n := b.EnqueueBatch(batches); n != 4 {
		t.Fatalf("EnqueueBatch = %d, want 4", n)
	}

	dst := make([]AudioChunk, 3)
	if n := b.DequeueBatch(dst); n != 3 {
		t.Fatalf("DequeueBatch = %d, want 3", n)
	}
	for i := range 3 {
		if dst[i].Samples()[0] != float32(i+1) {
			t.Errorf("dst[%d] = %v", i, dst[i].Samples())
		}
	}
	if n := b.DequeueBatch(dst); n != 1 {
		t.Fatalf("second DequeueBatch = %d, want 1", n)
	}
	if n := b.DequeueBatch(dst); n != 0 {
		t.Fatalf("DequeueBatch on empty = %d, want 0", n)
	}
	if got := b.Stats().Underruns; got != 1 {
		t.Errorf("Underruns = %d, want 1", got)
	}
}

func TestBuffer_ResetStatsAndClear(t *testing.T) {
	t.Parallel()

	b := newTestBuffer(t, 2, 1)
	b.TryEnqueue([]float32{1, 2, 3})
	b.ResetStats()
	if st := b.Stats(); st.Overruns != 0 || st.Dropped != 0 {
		t.Errorf("stats after reset = %+v", st)
	}
	b.Clear()
	if !b.Empty() {
		t.Error("buffer not empty after Clear")
	}
}

func TestBuffer_ConcurrentProducerConsumer(t *testing.T) {
	t.Parallel()

	const total = 20000
	b := newTestBuffer(t, 64, 1)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sample := []float32{0}
		for i := 0; i < total; {
			sample[0] = float32(i)
			if b.TryEnqueue(sample) {
				i++
			}
		}
	}()

	var received []float32
	go func() {
		defer wg.Done()
		chunk := b.NewChunk()
		for len(received) < total {
			if b.TryDequeue(&chunk) {
				received = append(received, chunk.Samples()[0])
			}
		}
	}()
	wg.Wait()

	for i, v := range received {
		if v != float32(i) {
			t.Fatalf("received[%d] = %v, want %v (ordering broken)", i, v, float32(i))
		}
	}
}

func BenchmarkBuffer_EnqueueDequeue(b *testing.B) {
	buf, err := New(DefaultConfig())
	if err != nil {
		b.Fatal(err)
	}
	samples := make([]float32, DefaultChunkSize)
	chunk := buf.NewChunk()
	b.ReportAllocs()
	for b.Loop() {
		buf.TryEnqueue(samples)
		buf.TryDequeue(&chunk)
	}
}
