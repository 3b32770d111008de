package diskhash

// Options configures Open. KeyMaxLen and ObjectDataLen may be left at
// zero to mean "infer from an existing file's header"; both must be
// greater than zero when creating a new file.
type Options struct {
	// KeyMaxLen is the maximum key length accepted, excluding the NUL
	// terminator. Keys of length >= KeyMaxLen are rejected.
	KeyMaxLen uint64

	// ObjectDataLen is the fixed size, in bytes, of every value.
	ObjectDataLen uint64

	// ReadOnly maps the file read-only. Mutating operations on a
	// read-only handle report PermissionDenied.
	ReadOnly bool
}
