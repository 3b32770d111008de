package diskhash

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// backing is the storage a Table's views are sliced out of. It is
// modeled as a tagged variant rather than a mutable flag, per the
// residency design in spec §9: a table is either file-mapped or has
// been promoted, once, to an anonymous in-memory copy.
type backing interface {
	bytes() []byte
}

// fileBacking maps an *os.File with mmap-go. It supports truncate-then-
// remap for per-insert arena growth; a full-table rehash builds a new
// file and opens a fresh fileBacking on it.
type fileBacking struct {
	file     *os.File
	data     mmap.MMap
	readOnly bool
}

func openFileBacking(file *os.File, readOnly bool) (*fileBacking, error) {
	fb := &fileBacking{file: file, readOnly: readOnly}
	if err := fb.mmap(); err != nil {
		return nil, err
	}
	return fb, nil
}

func (f *fileBacking) mmap() error {
	flag := mmap.RDWR
	if f.readOnly {
		flag = mmap.RDONLY
	}
	data, err := mmap.Map(f.file, flag, 0)
	if err != nil {
		return wrapError(OutOfMemory, "mmap failed", err)
	}
	f.data = data
	return nil
}

func (f *fileBacking) unmap() error {
	if f.data == nil {
		return nil
	}
	err := f.data.Unmap()
	f.data = nil
	return err
}

func (f *fileBacking) bytes() []byte { return f.data }

// growBy unmaps, extends the underlying file by n bytes, and remaps —
// the same unmap/truncate/remap shape used for per-insert arena
// growth. On failure the prior mapping is gone (matches the OS-level
// reality that mmap-go requires an unmap before a truncating resize),
// so callers must treat growBy failure as fatal to the handle.
func (f *fileBacking) growBy(n int64) error {
	if err := f.unmap(); err != nil {
		return wrapError(IOError, "unmap before grow failed", err)
	}
	fi, err := f.file.Stat()
	if err != nil {
		return wrapError(IOError, "stat failed", err)
	}
	if err := f.file.Truncate(fi.Size() + n); err != nil {
		return wrapError(OutOfMemory, "truncate failed", err)
	}
	return f.mmap()
}

func (f *fileBacking) sync() error {
	if f.data == nil {
		return nil
	}
	return f.data.Flush()
}

// memBacking is an anonymous, heap-resident copy of a mapping,
// installed once by LoadToMemory. It never grows: mutation is
// forbidden on a resident handle because LoadToMemory only ever
// applies to a read-only handle.
type memBacking struct {
	buf []byte
}

func (m *memBacking) bytes() []byte { return m.buf }
