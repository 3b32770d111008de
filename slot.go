package diskhash

import "encoding/binary"

// slotArray is an open-addressed probe sequence backed by a mapped
// byte view: capacity 8-byte words, one per slot. It knows nothing
// about keys — callers supply a match callback that compares the
// ordinal stored in an occupied slot against the key they're after.
type slotArray struct {
	view     []byte
	capacity uint64
}

func (s *slotArray) at(i uint64) uint64 {
	off := i * 8
	return binary.LittleEndian.Uint64(s.view[off : off+8])
}

func (s *slotArray) setAt(i uint64, w uint64) {
	off := i * 8
	binary.LittleEndian.PutUint64(s.view[off:off+8], w)
}

func occupiedWord(ordinal uint64) uint64 { return ordinal + 1 }

func ordinalOf(w uint64) (ordinal uint64, occupied bool) {
	if w == slotEmpty || w == slotTombstone {
		return 0, false
	}
	return w - 1, true
}

// lookup walks the probe sequence starting at hash%capacity, skipping
// tombstones, stopping at the first Empty slot. match is called for
// every occupied slot encountered; lookup returns as soon as it
// reports true.
func (s *slotArray) lookup(hash uint64, match func(ordinal uint64) bool) (idx uint64, ordinal uint64, found bool) {
	start := hash % s.capacity
	for i := uint64(0); i < s.capacity; i++ {
		idx = (start + i) % s.capacity
		w := s.at(idx)
		switch w {
		case slotEmpty:
			return 0, 0, false
		case slotTombstone:
			continue
		default:
			ord, _ := ordinalOf(w)
			if match(ord) {
				return idx, ord, true
			}
		}
	}
	return 0, 0, false
}

// findInsertion walks the same sequence as lookup but additionally
// remembers the first Tombstone-or-Empty slot as the insertion point.
// full is true if the entire capacity was walked without hitting an
// Empty slot — invariant 2 says this is unreachable, since growth
// happens before slots_used reaches capacity, so callers should treat
// it as corruption.
func (s *slotArray) findInsertion(hash uint64, match func(ordinal uint64) bool) (existingOrdinal uint64, exists bool, insertIdx uint64, full bool) {
	start := hash % s.capacity
	haveInsertIdx := false
	for i := uint64(0); i < s.capacity; i++ {
		idx := (start + i) % s.capacity
		w := s.at(idx)
		switch w {
		case slotEmpty:
			if !haveInsertIdx {
				insertIdx = idx
			}
			return 0, false, insertIdx, false
		case slotTombstone:
			if !haveInsertIdx {
				insertIdx = idx
				haveInsertIdx = true
			}
		default:
			ord, _ := ordinalOf(w)
			if match(ord) {
				return ord, true, 0, false
			}
		}
	}
	return 0, false, 0, true
}

func (s *slotArray) delete(idx uint64) {
	s.setAt(idx, slotTombstone)
}
