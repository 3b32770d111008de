package diskhash

import (
	"bytes"
	"encoding/binary"
)

// storeTable owns the store directory (ordinal -> slot index) and the
// record arena (ordinal -> key/data bytes). Ordinals are assigned by
// the Table (appendRecord); storeTable knows nothing about hashing or
// probing.
type storeTable struct {
	dir   []byte // capacity * 8 bytes
	arena []byte // slotsUsed * stride bytes

	keyMaxLen     uint64
	objectDataLen uint64
	stride        uint64
}

const dirVacant uint64 = 0

func (s *storeTable) directoryAt(ordinal uint64) (slotIdx uint64, vacant bool) {
	off := ordinal * 8
	w := binary.LittleEndian.Uint64(s.dir[off : off+8])
	if w == dirVacant {
		return 0, true
	}
	return w - 1, false
}

func (s *storeTable) setDirectory(ordinal, slotIdx uint64) {
	off := ordinal * 8
	binary.LittleEndian.PutUint64(s.dir[off:off+8], slotIdx+1)
}

func (s *storeTable) setVacant(ordinal uint64) {
	off := ordinal * 8
	binary.LittleEndian.PutUint64(s.dir[off:off+8], dirVacant)
}

func (s *storeTable) recordOffset(ordinal uint64) uint64 {
	return ordinal * s.stride
}

func (s *storeTable) keyRegionLen() uint64 {
	return align8(s.keyMaxLen + 1)
}

// keyAt returns the NUL-terminated key bytes stored for ordinal, with
// the terminator and any alignment padding trimmed off.
func (s *storeTable) keyAt(ordinal uint64) []byte {
	off := s.recordOffset(ordinal)
	region := s.arena[off : off+s.keyRegionLen()]
	n := bytes.IndexByte(region, 0)
	if n < 0 {
		n = len(region)
	}
	return region[:n]
}

// dataAt returns a direct view of ordinal's fixed-size data region.
func (s *storeTable) dataAt(ordinal uint64) []byte {
	off := s.recordOffset(ordinal) + s.keyRegionLen()
	return s.arena[off : off+s.objectDataLen]
}

// writeRecord stores key (NUL-terminated, zero-padded) and data at
// ordinal's record slot in the arena.
func (s *storeTable) writeRecord(ordinal uint64, key, data []byte) {
	off := s.recordOffset(ordinal)
	keyRegion := s.arena[off : off+s.keyRegionLen()]
	for i := range keyRegion {
		keyRegion[i] = 0
	}
	copy(keyRegion, key)
	copy(s.arena[off+s.keyRegionLen():off+s.keyRegionLen()+s.objectDataLen], data)
}
