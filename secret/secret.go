// Package secret defines the guarded, zero-on-close buffer used to hold raw
// key bytes anywhere in the SK/IK/DRK hierarchy. Concrete implementations
// live in subpackages (memguard-backed today); callers should depend only on
// the interfaces here.
package secret

import (
	"io"

	"github.com/rcrowley/go-metrics"
)

var (
	// AllocCounter counts every secret ever allocated, regardless of whether
	// it has since been closed.
	AllocCounter = metrics.GetOrRegisterCounter("secret.allocated", nil)

	// InUseCounter tracks secrets that are currently open.
	InUseCounter = metrics.GetOrRegisterCounter("secret.inuse", nil)
)

// Secret holds sensitive bytes in memory protected from swap and accidental
// disclosure. The zero value is not usable; obtain one from a Factory.
type Secret interface {
	// WithBytes unlocks the secret for the duration of action and passes it
	// the plaintext. The slice must not be retained past the call.
	WithBytes(action func([]byte) error) error

	// WithBytesFunc is WithBytes for callers that need to produce a result,
	// typically the output of an AEAD seal/open.
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)

	// IsClosed reports whether Close has completed.
	IsClosed() bool

	// Close destroys the underlying buffer, zeroing and unlocking its pages.
	// Safe to call more than once.
	Close() error

	// NewReader returns a one-shot io.Reader over the plaintext.
	NewReader() io.Reader
}

// Factory constructs Secret instances.
type Factory interface {
	// New copies b into a guarded buffer and returns a Secret owning it.
	// b is wiped before this call returns.
	New(b []byte) (Secret, error)

	// CreateRandom returns a Secret already filled with size
	// cryptographically secure random bytes.
	CreateRandom(size int) (Secret, error)
}
