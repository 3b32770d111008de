/*
Package diskhash provides a persistent, memory-mapped on-disk hash table
with fixed-size keys and values and a stable insertion-order index.

A Table is a single file whose header, slot array, store directory, and
record arena are mapped directly into the process's address space and
manipulated in place — there is no write-ahead log, no external cache,
and no serialization step between the in-memory view and the file.

Basic usage:

	import "github.com/thsfs/diskhash"

	tbl, err := diskhash.Open("data.dht", diskhash.Options{
		KeyMaxLen:     15,
		ObjectDataLen: 8,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer tbl.Free()

	value := make([]byte, 8)
	binary.LittleEndian.PutUint64(value, 67890)
	inserted, err := tbl.Insert([]byte("alpha"), value)

	data, ok := tbl.Lookup([]byte("alpha"))
	if ok {
		fmt.Println("value:", binary.LittleEndian.Uint64(data))
	}

Features:

  - Fixed-size keys (up to a configured maximum) and fixed-size values
  - Memory-mapped file storage via mmap-go for persistence and direct access
  - A dense, insertion-ordered store table usable for indexed iteration
  - Automatic amortized rehash-on-grow when the load factor exceeds 7/10
  - xxhash for key hashing, open addressing with linear probing and
    tombstone-based deletion
  - Optional one-shot promotion of a read-only handle to an in-memory copy

Implementation details:

The file is laid out as a fixed 64-byte header, followed by a slot array
(capacity words), a store directory (capacity words), and a record arena
(slots_used fixed-stride records). Slots hold either Empty, Tombstone, or
an occupied ordinal; the store directory maps that ordinal back to its
current slot for O(1) indexed lookup. Growth doubles capacity and rebuilds
the slot array and directory from the arena, compacting ordinals to
[0, size) in their original relative order.
*/
package diskhash
