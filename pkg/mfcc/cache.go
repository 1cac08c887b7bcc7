package mfcc

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"

	"github.com/huntmaster/huntmaster/pkg/types"
)

// cache maps a frame's content fingerprint to its feature vector. The
// fingerprint is xxhash64 over the little-endian bit patterns of the samples.
// Each entry keeps those bytes, and get and put refer to the frame last passed
// to key, so a fingerprint collision misses instead of returning another
// frame's vector.
type cache struct {
	limit   int
	entries map[uint64]cacheEntry
	scratch []byte
}

type cacheEntry struct {
	bits []byte
	vec  types.FeatureVector
}

func newCache(limit, frameSize int) *cache {
	return &cache{
		limit:   limit,
		entries: make(map[uint64]cacheEntry),
		scratch: make([]byte, 0, 4*frameSize),
	}
}

func (c *cache) key(frame []float32) uint64 {
	b := c.scratch[:0]
	for _, s := range frame {
		b = binary.LittleEndian.AppendUint32(b, math.Float32bits(s))
	}
	c.scratch = b
	return xxhash.Sum64(b)
}

func (c *cache) get(k uint64) (types.FeatureVector, bool) {
	e, ok := c.entries[k]
	if !ok || !bytes.Equal(e.bits, c.scratch) {
		return nil, false
	}
	return e.vec, true
}

func (c *cache) put(k uint64, v types.FeatureVector) {
	if len(c.entries) >= c.limit {
		clear(c.entries)
	}
	c.entries[k] = cacheEntry{bits: bytes.Clone(c.scratch), vec: v}
}

func (c *cache) clear() { clear(c.entries) }

func (c *cache) len() int { return len(c.entries) }
