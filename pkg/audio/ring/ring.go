// Package ring provides a fixed-capacity, non-blocking circular buffer of
// fixed-size audio chunks.
//
// The buffer decouples the goroutine that produces audio (a capture callback
// or a network reader) from the goroutine that analyses it. Neither side ever
// blocks: a full buffer rejects the write and counts an overrun, an empty
// buffer rejects the read and counts an underrun.
//
// Capacity is a power of two so slot indices are derived by masking the
// monotonically increasing read and write positions. All slot storage is
// allocated up front; the single-chunk paths never allocate.
//
// Concurrency: one producer calling [Buffer.TryEnqueue] and one consumer
// calling [Buffer.TryDequeue] may run concurrently without external locking.
// [Buffer.EnqueueBatch] and [Buffer.DequeueBatch] serialise against other
// batch callers on the same side with a short internal critical section, so
// several producers (or consumers) may share a buffer as long as they all use
// the batch variants.
package ring

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/huntmaster/huntmaster/pkg/types"
)

const (
	// DefaultCapacity is the number of chunk slots used when none is configured.
	DefaultCapacity = 1024

	// DefaultChunkSize is the number of samples per slot used when none is configured.
	DefaultChunkSize = 512
)

// Config holds the construction parameters of a [Buffer]. It is immutable once
// the buffer is built.
type Config struct {
	// Capacity is the number of chunk slots. Must be a power of two.
	Capacity int

	// ChunkSize is the maximum number of samples held by one slot. Writes larger
	// than ChunkSize are split across consecutive slots.
	ChunkSize int
}

// DefaultConfig returns a Config with [DefaultCapacity] and [DefaultChunkSize].
func DefaultConfig() Config {
	return Config{Capacity: DefaultCapacity, ChunkSize: DefaultChunkSize}
}

// Validate reports whether c can be used to build a Buffer.
func (c Config) Validate() error {
	if c.Capacity <= 0 || bits.OnesCount(uint(c.Capacity)) != 1 {
		return fmt.Errorf("ring: capacity %d is not a power of two: %w", c.Capacity, types.ErrInvalidConfig)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("ring: chunk size %d must be positive: %w", c.ChunkSize, types.ErrInvalidConfig)
	}
	return nil
}

// AudioChunk is one slot's worth of samples. Data has a fixed capacity of the
// buffer's chunk size; Valid counts the samples actually written.
type AudioChunk struct {
	// Data backs the chunk. Only Data[:Valid] carries audio.
	Data []float32

	// Valid is the number of meaningful samples in Data.
	Valid int

	// Seq is the chunk's position in the producer's stream, starting at 0.
	Seq uint64
}

// Samples returns the valid portion of the chunk.
func (c *AudioChunk) Samples() []float32 { return c.Data[:c.Valid] }

// Stats is a point-in-time snapshot of buffer counters.
type Stats struct {
	// Processed counts chunks handed to the consumer.
	Processed uint64

	// Dropped counts chunks rejected because the buffer was full.
	Dropped uint64

	// Overruns counts rejected write calls.
	Overruns uint64

	// Underruns counts read calls that found the buffer empty.
	Underruns uint64

	// Usage is the number of occupied slots at snapshot time.
	Usage int

	// Capacity is the total number of slots.
	Capacity int
}

// Buffer is the lock-free single-producer/single-consumer chunk queue.
// Create one with [New]; the zero value is not usable.
type Buffer struct {
	slots     []AudioChunk
	mask      uint64
	chunkSize int

	// head is advanced only by the consumer, tail only by the producer.
	head atomic.Uint64
	tail atomic.Uint64

	// seq is producer-owned.
	seq uint64

	prodMu sync.Mutex
	consMu sync.Mutex

	processed atomic.Uint64
	dropped   atomic.Uint64
	overruns  atomic.Uint64
	underruns atomic.Uint64
}

// New allocates a Buffer for cfg. It returns an error wrapping
// [types.ErrInvalidConfig] when the capacity is not a power of two or the chunk
// size is not positive.
func New(cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	backing := make([]float32, cfg.Capacity*cfg.ChunkSize)
	slots := make([]AudioChunk, cfg.Capacity)
	for i := range slots {
		slots[i].Data = backing[i*cfg.ChunkSize : (i+1)*cfg.ChunkSize : (i+1)*cfg.ChunkSize]
	}
	return &Buffer{
		slots:     slots,
		mask:      uint64(cfg.Capacity - 1),
		chunkSize: cfg.ChunkSize,
	}, nil
}

// NewChunk returns an AudioChunk sized for b, suitable as a reusable
// destination for [Buffer.TryDequeue].
func (b *Buffer) NewChunk() AudioChunk {
	return AudioChunk{Data: make([]float32, b.chunkSize)}
}

// ChunkSize returns the number of samples per slot.
func (b *Buffer) ChunkSize() int { return b.chunkSize }

// Cap returns the number of slots.
func (b *Buffer) Cap() int { return len(b.slots) }

// Len returns the number of occupied slots.
func (b *Buffer) Len() int {
	return int(b.tail.Load() - b.head.Load())
}

// Empty reports whether no chunk is waiting.
func (b *Buffer) Empty() bool { return b.Len() == 0 }

// Full reports whether every slot is occupied.
func (b *Buffer) Full() bool { return b.Len() == len(b.slots) }

// SlotsFor returns how many slots a write of n samples occupies.
func (b *Buffer) SlotsFor(n int) int {
	return (n + b.chunkSize - 1) / b.chunkSize
}

// TryEnqueue copies samples into the next free slots, splitting them into
// chunk-sized pieces. The write is all-or-nothing: if the pieces do not all
// fit, nothing is written, the overrun counter is incremented and false is
// returned. An empty write succeeds without occupying a slot.
//
// TryEnqueue never blocks and never allocates.
func (b *Buffer) TryEnqueue(samples []float32) bool {
	if len(samples) == 0 {
		return true
	}
	need := uint64(b.SlotsFor(len(samples)))
	tail := b.tail.Load()
	free := uint64(len(b.slots)) - (tail - b.head.Load())
	if need > free {
		b.overruns.Add(1)
		b.dropped.Add(need)
		return false
	}
	for k := uint64(0); k < need; k++ {
		slot := &b.slots[(tail+k)&b.mask]
		n := copy(slot.Data, samples)
		samples = samples[n:]
		slot.Valid = n
		slot.Seq = b.seq
		b.seq++
	}
	// Publishing tail makes the slot contents visible to the consumer.
	b.tail.Store(tail + need)
	return true
}

// TryDequeue copies the oldest chunk into dst and frees its slot. dst.Data is
// grown to the chunk size if needed; reuse a chunk from [Buffer.NewChunk] to
// keep the call allocation-free. On an empty buffer the underrun counter is
// incremented and false is returned.
func (b *Buffer) TryDequeue(dst *AudioChunk) bool {
	head := b.head.Load()
	if head == b.tail.Load() {
		b.underruns.Add(1)
		return false
	}
	b.copyOut(head, dst)
	b.head.Store(head + 1)
	b.processed.Add(1)
	return true
}

func (b *Buffer) copyOut(pos uint64, dst *AudioChunk) {
	slot := &b.slots[pos&b.mask]
	if cap(dst.Data) < b.chunkSize {
		dst.Data = make([]float32, b.chunkSize)
	}
	dst.Data = dst.Data[:b.chunkSize]
	copy(dst.Data, slot.Data[:slot.Valid])
	dst.Valid = slot.Valid
	dst.Seq = slot.Seq
}

// EnqueueBatch writes each element of batches with [Buffer.TryEnqueue] in
// order and stops at the first one that does not fit. It returns the number of
// batches written.
func (b *Buffer) EnqueueBatch(batches [][]float32) int {
	b.prodMu.Lock()
	defer b.prodMu.Unlock()
	for i, s := range batches {
		if !b.TryEnqueue(s) {
			return i
		}
	}
	return len(batches)
}

// DequeueBatch moves up to len(dst) chunks into dst and returns how many were
// transferred. A call that transfers nothing counts one underrun.
func (b *Buffer) DequeueBatch(dst []AudioChunk) int {
	if len(dst) == 0 {
		return 0
	}
	b.consMu.Lock()
	defer b.consMu.Unlock()

	head := b.head.Load()
	avail := b.tail.Load() - head
	if avail == 0 {
		b.underruns.Add(1)
		return 0
	}
	n := min(uint64(len(dst)), avail)
	for k := uint64(0); k < n; k++ {
		b.copyOut(head+k, &dst[k])
	}
	b.head.Store(head + n)
	b.processed.Add(n)
	return int(n)
}

// Stats returns a snapshot of the buffer counters. It only performs atomic
// loads and does not interfere with the producer or consumer.
func (b *Buffer) Stats() Stats {
	return Stats{
		Processed: b.processed.Load(),
		Dropped:   b.dropped.Load(),
		Overruns:  b.overruns.Load(),
		Underruns: b.underruns.Load(),
		Usage:     b.Len(),
		Capacity:  len(b.slots),
	}
}

// ResetStats zeroes the counters. Queued chunks are kept.
func (b *Buffer) ResetStats() {
	b.processed.Store(0)
	b.dropped.Store(0)
	b.overruns.Store(0)
	b.underruns.Store(0)
}

// Clear discards every queued chunk. It must not run concurrently with the
// producer or consumer.
func (b *Buffer) Clear() {
	b.head.Store(b.tail.Load())
}
