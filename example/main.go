package main

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/thsfs/diskhash"
)

func main() {
	os.Remove("example.dht")

	tbl, err := diskhash.Open("example.dht", diskhash.Options{KeyMaxLen: 8, ObjectDataLen: 8})
	if err != nil {
		log.Fatalf("failed to open table: %v", err)
	}
	defer tbl.Free()

	fmt.Println("table opened successfully")

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("k%d", i))
		value := make([]byte, 8)
		binary.LittleEndian.PutUint64(value, uint64(i*100))

		if _, err := tbl.Insert(key, value); err != nil {
			log.Fatalf("failed to insert key %d: %v", i, err)
		}
	}
	fmt.Println("inserted 10 key-value pairs")

	for i := 0; i < 15; i += 2 {
		key := []byte(fmt.Sprintf("k%d", i))
		value, found := tbl.Lookup(key)
		if found {
			fmt.Printf("key %d => value %d\n", i, binary.LittleEndian.Uint64(value))
		} else {
			fmt.Printf("key %d not found\n", i)
		}
	}

	newValue := make([]byte, 8)
	binary.LittleEndian.PutUint64(newValue, 999)
	if _, err := tbl.Update([]byte("k2"), newValue); err != nil {
		log.Fatalf("failed to update key 2: %v", err)
	}
	if value, found := tbl.Lookup([]byte("k2")); found {
		fmt.Printf("updated key 2 => value %d\n", binary.LittleEndian.Uint64(value))
	}

	fmt.Printf("size=%d capacity=%d slots_used=%d dirty=%d\n",
		tbl.Size(), tbl.Capacity(), tbl.SlotsUsed(), tbl.DirtySlots())

	fmt.Println("iterating by insertion order:")
	for i := uint64(0); i < tbl.SlotsUsed(); i++ {
		key, value, err := tbl.IndexedLookup(i)
		if err != nil {
			if kind, ok := diskhash.KindOf(err); ok && kind == diskhash.Vacant {
				continue
			}
			log.Fatalf("indexed lookup %d: %v", i, err)
		}
		fmt.Printf("  #%d: %s => %d\n", i, key, binary.LittleEndian.Uint64(value))
	}

	fmt.Println("example completed successfully")
}
