package diskhash

import (
	"bytes"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// Table is the live, owned representation of an opened diskhash file.
// All mutating operations require exclusive access; concurrent readers
// (Lookup, IndexedLookup, the counter accessors) are safe with each
// other and with concurrent readers on independent read-only handles
// to the same file.
type Table struct {
	mu sync.RWMutex

	file     *os.File
	path     string
	readOnly bool
	resident bool
	poisoned bool
	freed    bool

	backing backing

	keyMaxLen     uint64
	objectDataLen uint64
	stride        uint64
	capacity      uint64
	size          uint64
	slotsUsed     uint64

	slots *slotArray
	store *storeTable
}

// Open creates or opens a diskhash table file at path. Options.KeyMaxLen
// and Options.ObjectDataLen may be zero to infer from an existing
// file's header; both must be non-zero when creating a new file.
func Open(path string, opts Options) (*Table, error) {
	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	file, err := os.OpenFile(path, flag, 0644)
	if err != nil {
		return nil, wrapError(IOError, "open failed", err)
	}

	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, wrapError(IOError, "stat failed", err)
	}

	t := &Table{file: file, path: path, readOnly: opts.ReadOnly}
	isNew := fi.Size() == 0

	if isNew {
		if opts.ReadOnly {
			file.Close()
			return nil, newError(InvalidArgument, "cannot create a new table with a read-only handle")
		}
		if opts.KeyMaxLen == 0 || opts.ObjectDataLen == 0 {
			file.Close()
			return nil, newError(InvalidArgument, "key_maxlen and object_datalen must both be set when creating a new table")
		}
		t.keyMaxLen = opts.KeyMaxLen
		t.objectDataLen = opts.ObjectDataLen
		t.stride = recordStride(t.keyMaxLen, t.objectDataLen)
		t.capacity = minCapacity

		initLen := fileLen(t.capacity, 0, t.stride)
		if err := file.Truncate(int64(initLen)); err != nil {
			file.Close()
			return nil, wrapError(IOError, "truncate failed", err)
		}
	} else {
		hdrBuf := make([]byte, headerSize)
		if _, err := file.ReadAt(hdrBuf, 0); err != nil {
			file.Close()
			return nil, wrapError(IOError, "read header failed", err)
		}
		h, err := unmarshalHeader(hdrBuf)
		if err != nil {
			file.Close()
			return nil, err
		}
		if opts.KeyMaxLen != 0 && opts.KeyMaxLen != h.keyMaxLen {
			file.Close()
			return nil, newError(InvalidArgument, "key_maxlen does not match file header")
		}
		if opts.ObjectDataLen != 0 && opts.ObjectDataLen != h.objectDataLen {
			file.Close()
			return nil, newError(InvalidArgument, "object_datalen does not match file header")
		}
		t.keyMaxLen = h.keyMaxLen
		t.objectDataLen = h.objectDataLen
		t.stride = recordStride(t.keyMaxLen, t.objectDataLen)
		t.capacity = h.capacity
		t.size = h.size
		t.slotsUsed = h.slotsUsed
	}

	fb, err := openFileBacking(file, opts.ReadOnly)
	if err != nil {
		file.Close()
		return nil, err
	}
	t.backing = fb

	if isNew {
		hdr := header{
			keyMaxLen:     t.keyMaxLen,
			objectDataLen: t.objectDataLen,
			capacity:      t.capacity,
			size:          t.size,
			slotsUsed:     t.slotsUsed,
		}
		hdr.marshalInto(fb.bytes()[0:headerSize])
	}

	t.rebuildViews()
	return t, nil
}

// rebuildViews recomputes the slot array and store table views from
// the current backing bytes, capacity, and slotsUsed. It must be
// called any time the backing is replaced or slotsUsed changes.
func (t *Table) rebuildViews() {
	data := t.backing.bytes()

	so := slotArrayOffset()
	sBytes := slotArrayBytes(t.capacity)
	do := storeDirOffset(t.capacity)
	dBytes := storeDirBytes(t.capacity)
	ao := arenaOffset(t.capacity)
	aBytes := arenaBytes(t.slotsUsed, t.stride)

	t.slots = &slotArray{view: data[so : so+sBytes], capacity: t.capacity}
	t.store = &storeTable{
		dir:           data[do : do+dBytes],
		arena:         data[ao : ao+aBytes],
		keyMaxLen:     t.keyMaxLen,
		objectDataLen: t.objectDataLen,
		stride:        t.stride,
	}
}

func (t *Table) persistHeader() {
	hdr := header{
		keyMaxLen:     t.keyMaxLen,
		objectDataLen: t.objectDataLen,
		capacity:      t.capacity,
		size:          t.size,
		slotsUsed:     t.slotsUsed,
	}
	hdr.marshalInto(t.backing.bytes()[0:headerSize])
}

func (t *Table) matchKey(key []byte) func(ordinal uint64) bool {
	return func(ordinal uint64) bool { return bytes.Equal(t.store.keyAt(ordinal), key) }
}

// Insert adds key/data if key is not already present. It reports
// (true, nil) on insertion and (false, nil) if key already exists.
func (t *Table) Insert(key, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.poisoned {
		return false, newError(Corruption, "handle is poisoned")
	}
	if t.readOnly {
		return false, newError(PermissionDenied, "insert on read-only handle")
	}
	if uint64(len(key)) >= t.keyMaxLen {
		return false, newError(InvalidArgument, "key length must be less than key_maxlen")
	}
	if uint64(len(data)) != t.objectDataLen {
		return false, newError(InvalidArgument, "data length must equal object_datalen")
	}

	match := t.matchKey(key)

	if _, exists, _, full := t.slots.findInsertion(hashKey(key), match); exists {
		return false, nil
	} else if full {
		return false, newError(Corruption, "table logically full")
	}

	if exceedsLoadFactor(t.slotsUsed+1, t.capacity) {
		if err := t.grow(t.capacity * 2); err != nil {
			return false, err
		}
		match = t.matchKey(key)
	}

	_, exists, insertIdx, full := t.slots.findInsertion(hashKey(key), match)
	if exists {
		return false, nil
	}
	if full {
		return false, newError(Corruption, "table logically full")
	}

	ordinal, err := t.appendRecord(key, data)
	if err != nil {
		t.poisoned = true
		return false, err
	}

	t.slots.setAt(insertIdx, occupiedWord(ordinal))
	t.store.setDirectory(ordinal, insertIdx)
	t.size++
	t.persistHeader()
	return true, nil
}

// appendRecord grows the arena by one record and writes key/data at
// the newly assigned ordinal, which is always the current slotsUsed.
func (t *Table) appendRecord(key, data []byte) (uint64, error) {
	fb, ok := t.backing.(*fileBacking)
	if !ok {
		return 0, newError(ImpossibleOperation, "cannot insert into a resident (in-memory) table")
	}
	if err := fb.growBy(int64(t.stride)); err != nil {
		return 0, err
	}

	ordinal := t.slotsUsed
	t.slotsUsed++
	t.rebuildViews()
	t.store.writeRecord(ordinal, key, data)
	return ordinal, nil
}

// Update overwrites the data for an existing key. It reports (true,
// nil) if key was found and (false, nil) otherwise. The key itself is
// left untouched.
func (t *Table) Update(key, data []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.poisoned {
		return false, newError(Corruption, "handle is poisoned")
	}
	if t.readOnly {
		return false, newError(PermissionDenied, "update on read-only handle")
	}
	if uint64(len(key)) >= t.keyMaxLen {
		return false, newError(InvalidArgument, "key length must be less than key_maxlen")
	}
	if uint64(len(data)) != t.objectDataLen {
		return false, newError(InvalidArgument, "data length must equal object_datalen")
	}

	_, ordinal, found := t.slots.lookup(hashKey(key), t.matchKey(key))
	if !found {
		return false, nil
	}
	copy(t.store.dataAt(ordinal), data)
	return true, nil
}

// Delete tombstones the slot holding key. It reports (true, nil) if
// key was found and (false, nil) otherwise. slots_used is unchanged;
// the vacated ordinal is reclaimed on the next rehash.
func (t *Table) Delete(key []byte) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.poisoned {
		return false, newError(Corruption, "handle is poisoned")
	}
	if t.readOnly {
		return false, newError(PermissionDenied, "delete on read-only handle")
	}
	if uint64(len(key)) >= t.keyMaxLen {
		return false, newError(InvalidArgument, "key length must be less than key_maxlen")
	}

	idx, ordinal, found := t.slots.lookup(hashKey(key), t.matchKey(key))
	if !found {
		return false, nil
	}

	t.slots.delete(idx)
	t.store.setVacant(ordinal)
	t.size--
	t.persistHeader()
	return true, nil
}

// Lookup returns the data bytes for key. The returned slice is a
// direct view into the mapping: on a writable handle the caller may
// mutate it in place, but the slice is only valid until the next
// mutating call or Free, since growth may remap and relocate the
// arena. On a read-only handle, writing through the returned slice is
// undefined behavior at the OS level.
func (t *Table) Lookup(key []byte) ([]byte, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.poisoned || uint64(len(key)) >= t.keyMaxLen {
		return nil, false
	}

	_, ordinal, found := t.slots.lookup(hashKey(key), t.matchKey(key))
	if !found {
		return nil, false
	}
	return t.store.dataAt(ordinal), true
}

// IndexedLookup returns copies of the key and data stored at ordinal,
// which must lie in [0, SlotsUsed()). It reports Vacant if ordinal was
// retired by a delete and has not yet been reclaimed by a rehash.
func (t *Table) IndexedLookup(ordinal uint64) (key, data []byte, err error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.poisoned {
		return nil, nil, newError(Corruption, "handle is poisoned")
	}
	if ordinal >= t.slotsUsed {
		return nil, nil, newError(InvalidArgument, "ordinal out of range")
	}
	if _, vacant := t.store.directoryAt(ordinal); vacant {
		return nil, nil, newError(Vacant, "ordinal was retired")
	}

	k := t.store.keyAt(ordinal)
	d := t.store.dataAt(ordinal)
	key = append([]byte(nil), k...)
	data = append([]byte(nil), d...)
	return key, data, nil
}

// Reserve ensures capacity is at least the next power of two >= n
// (never less than 8), growing and rehashing if necessary. It reports
// the actual resulting capacity. Calling with n <= the current
// capacity is a no-op that reports the current capacity.
func (t *Table) Reserve(n uint64) (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.poisoned {
		return 0, newError(Corruption, "handle is poisoned")
	}
	if t.readOnly {
		return 0, newError(PermissionDenied, "reserve on read-only handle")
	}

	newCap := nextPow2(n)
	if newCap <= t.capacity {
		return t.capacity, nil
	}
	if err := t.grow(newCap); err != nil {
		return 0, err
	}
	return t.capacity, nil
}

// grow rebuilds the table into a new file at newCapacity, compacting
// live ordinals to [0, size) in their original relative order, then
// swaps it in for the live handle. Every step that can fail happens
// against the temp file; the live handle is only touched once the new
// file is fully built and synced, so a failure anywhere above that
// point leaves the old mapping untouched.
func (t *Table) grow(newCapacity uint64) error {
	if _, ok := t.backing.(*fileBacking); !ok {
		return newError(ImpossibleOperation, "cannot grow a resident (in-memory) table")
	}

	tmpPath := t.path + ".tmp"
	os.Remove(tmpPath)

	tmpFile, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return wrapError(OutOfMemory, "create temp file for grow failed", err)
	}

	newLen := fileLen(newCapacity, t.size, t.stride)
	if err := tmpFile.Truncate(int64(newLen)); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return wrapError(OutOfMemory, "truncate temp file failed", err)
	}

	tmpData, err := mmap.Map(tmpFile, mmap.RDWR, 0)
	if err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return wrapError(OutOfMemory, "mmap temp file failed", err)
	}

	newSlots := &slotArray{
		view:     tmpData[slotArrayOffset() : slotArrayOffset()+slotArrayBytes(newCapacity)],
		capacity: newCapacity,
	}
	newStore := &storeTable{
		dir:           tmpData[storeDirOffset(newCapacity) : storeDirOffset(newCapacity)+storeDirBytes(newCapacity)],
		arena:         tmpData[arenaOffset(newCapacity) : arenaOffset(newCapacity)+arenaBytes(t.size, t.stride)],
		keyMaxLen:     t.keyMaxLen,
		objectDataLen: t.objectDataLen,
		stride:        t.stride,
	}

	abort := func(cause error) error {
		tmpData.Unmap()
		tmpFile.Close()
		os.Remove(tmpPath)
		return cause
	}

	var compacted uint64
	for ord := uint64(0); ord < t.slotsUsed; ord++ {
		if _, vacant := t.store.directoryAt(ord); vacant {
			continue
		}
		key := t.store.keyAt(ord)
		data := t.store.dataAt(ord)

		newOrd := compacted
		newStore.writeRecord(newOrd, key, data)
		compacted++

		_, exists, insertIdx, full := newSlots.findInsertion(hashKey(key), func(o uint64) bool {
			return bytes.Equal(newStore.keyAt(o), key)
		})
		if full || exists {
			return abort(newError(Corruption, "rehash could not place a live record into the new slot array"))
		}
		newSlots.setAt(insertIdx, occupiedWord(newOrd))
		newStore.setDirectory(newOrd, insertIdx)
	}

	newHdr := header{
		keyMaxLen:     t.keyMaxLen,
		objectDataLen: t.objectDataLen,
		capacity:      newCapacity,
		size:          t.size,
		slotsUsed:     compacted,
	}
	newHdr.marshalInto(tmpData[0:headerSize])

	if err := tmpData.Flush(); err != nil {
		return abort(wrapError(IOError, "flush temp file failed", err))
	}
	if err := tmpData.Unmap(); err != nil {
		tmpFile.Close()
		os.Remove(tmpPath)
		return wrapError(IOError, "unmap temp file failed", err)
	}
	if err := tmpFile.Close(); err != nil {
		os.Remove(tmpPath)
		return wrapError(IOError, "close temp file failed", err)
	}

	// The new file is complete and synced; only now do we touch the
	// live handle, so any earlier failure left it untouched.
	oldFb := t.backing.(*fileBacking)
	if err := oldFb.unmap(); err != nil {
		return wrapError(IOError, "unmap old file failed", err)
	}
	if err := t.file.Close(); err != nil {
		return wrapError(IOError, "close old file failed", err)
	}
	if err := os.Rename(tmpPath, t.path); err != nil {
		t.poisoned = true
		return wrapError(IOError, "rename temp file failed", err)
	}

	newFile, err := os.OpenFile(t.path, os.O_RDWR, 0644)
	if err != nil {
		t.poisoned = true
		return wrapError(IOError, "reopen after grow failed", err)
	}
	newFb, err := openFileBacking(newFile, false)
	if err != nil {
		t.poisoned = true
		return err
	}

	t.file = newFile
	t.backing = newFb
	t.capacity = newCapacity
	t.slotsUsed = compacted
	t.rebuildViews()
	return nil
}

// LoadToMemory copies the entire mapping into an anonymous, heap-owned
// buffer and thereafter serves reads out of RAM instead of the file
// mapping. It is only permitted once, and only on a read-only handle;
// a rejected call reports ImpossibleOperation and leaves the handle as
// it was. If unmapping the file fails after the copy, the handle is
// poisoned and must be freed without further use.
func (t *Table) LoadToMemory() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.poisoned {
		return newError(Corruption, "handle is poisoned")
	}
	if !t.readOnly || t.resident {
		return newError(ImpossibleOperation, "load to memory requires a read-only, non-resident handle")
	}

	fb, ok := t.backing.(*fileBacking)
	if !ok {
		return newError(ImpossibleOperation, "handle is already resident")
	}

	src := fb.bytes()
	buf := make([]byte, len(src))
	copy(buf, src)

	if err := fb.unmap(); err != nil {
		t.poisoned = true
		return wrapError(IOError, "unmap failed during load to memory", err)
	}

	t.backing = &memBacking{buf: buf}
	t.resident = true
	t.rebuildViews()
	return nil
}

// Free syncs (write mode), unmaps, and closes the file. It is safe to
// call more than once; only the first call has any effect.
func (t *Table) Free() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.freed {
		return nil
	}
	t.freed = true

	if fb, ok := t.backing.(*fileBacking); ok {
		if !t.readOnly {
			if err := fb.sync(); err != nil {
				t.file.Close()
				return wrapError(IOError, "sync failed", err)
			}
		}
		if err := fb.unmap(); err != nil {
			t.file.Close()
			return wrapError(IOError, "unmap failed", err)
		}
	}

	return t.file.Close()
}

// Size reports the number of live key/value pairs.
func (t *Table) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.size
}

// Capacity reports the number of slots in the hash index.
func (t *Table) Capacity() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.capacity
}

// SlotsUsed reports the number of slots that are not Empty (live plus
// tombstoned).
func (t *Table) SlotsUsed() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slotsUsed
}

// DirtySlots reports the number of tombstoned slots awaiting reclaim
// by the next rehash.
func (t *Table) DirtySlots() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slotsUsed - t.size
}
