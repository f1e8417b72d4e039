package internal

import (
	"fmt"
	"hash/fnv"
)

// ComputeHash returns a 64-bit hash of key, used by the TinyLFU policy's
// frequency sketch. key's comparable types all have stable, distinct
// string representations, so hashing the formatted value is sufficient --
// this is not on any encrypt/decrypt hot path, only cache admission.
func ComputeHash[K comparable](key K) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%v", key)

	return h.Sum64()
}
