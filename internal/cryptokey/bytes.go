// Package cryptokey holds the in-memory representation of a single key in
// the SK/IK/DRK hierarchy along with the helpers used to fill and wipe the
// raw byte slices that back it.
package cryptokey

import (
	"crypto/rand"
	"runtime"
)

// Wipe overwrites buf with zero bytes. The call sites rely on clear() being
// immune to dead-store elimination, unlike a hand-rolled loop.
func Wipe(buf []byte) {
	clear(buf)
}

// FillRandom overwrites buf with cryptographically secure random bytes,
// panicking if the system RNG is unavailable -- there is no sane recovery
// from a broken entropy source at this layer.
func FillRandom(buf []byte) {
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}

	// keeps buf reachable so the random fill above can't be elided even
	// when the caller discards the result immediately after.
	runtime.KeepAlive(buf)
}

// RandomBytes returns a freshly allocated slice of n cryptographically
// secure random bytes.
func RandomBytes(n int) []byte {
	buf := make([]byte, n)
	FillRandom(buf)

	return buf
}
