package engine

import (
	"fmt"
	"math"
)

// SessionID addresses one session. The low 32 bits are a slot index and the
// high 32 bits are that slot's generation; destroying a session bumps the
// generation, so an id is never valid for more than one session.
type SessionID uint64

func newSessionID(slot, gen uint32) SessionID {
	return SessionID(uint64(gen)<<32 | uint64(slot))
}

// Slot returns the table index encoded in id.
func (id SessionID) Slot() uint32 { return uint32(id) }

// Generation returns the slot generation encoded in id. Valid ids have a
// generation of at least 1.
func (id SessionID) Generation() uint32 { return uint32(id >> 32) }

// String formats id as slot:generation.
func (id SessionID) String() string {
	return fmt.Sprintf("%d:%d", id.Slot(), id.Generation())
}

type slot struct {
	gen  uint32
	sess *session
}

// slotTable is the generation-checked session map. It is not safe for
// concurrent use; the Engine guards it with its table lock.
type slotTable struct {
	slots []slot
	free  []uint32
	live  int
}

// alloc stores s in a free slot and returns its id.
func (t *slotTable) alloc(s *session) (SessionID, error) {
	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if uint64(len(t.slots)) >= math.MaxUint32 {
			return 0, fmt.Errorf("engine: session table exhausted")
		}
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{gen: 1})
	}
	t.slots[idx].sess = s
	t.live++
	return newSessionID(idx, t.slots[idx].gen), nil
}

// lookup returns the session addressed by id, or nil if id is unknown or
// stale.
func (t *slotTable) lookup(id SessionID) *session {
	idx := id.Slot()
	if int(idx) >= len(t.slots) {
		return nil
	}
	sl := &t.slots[idx]
	if sl.gen != id.Generation() {
		return nil
	}
	return sl.sess
}

// release frees the slot addressed by id and returns the session it held.
// A slot whose generation would wrap is retired instead of reused.
func (t *slotTable) release(id SessionID) *session {
	s := t.lookup(id)
	if s == nil {
		return nil
	}
	sl := &t.slots[id.Slot()]
	sl.sess = nil
	t.live--
	if sl.gen == math.MaxUint32 {
		// Retired: lookups of the old id still miss because sess is nil.
		return s
	}
	sl.gen++
	t.free = append(t.free, id.Slot())
	return s
}

// each calls fn for every live session.
func (t *slotTable) each(fn func(SessionID, *session)) {
	for i := range t.slots {
		if s := t.slots[i].sess; s != nil {
			fn(newSessionID(uint32(i), t.slots[i].gen), s)
		}
	}
}
