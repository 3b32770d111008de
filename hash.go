package diskhash

import "github.com/cespare/xxhash/v2"

// hashKey maps a key to a 64-bit hash. xxhash is deterministic within
// and across runs of a process for a given input, which is all the
// probe sequence requires — hashes are never persisted, so stability
// across versions of this package is not a requirement.
func hashKey(key []byte) uint64 {
	return xxhash.Sum64(key)
}
