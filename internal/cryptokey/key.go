// Package cryptokey provides the in-memory representation of a key at any
// tier of the envelope hierarchy (SK, IK, or DRK), backed by a guarded
// secret buffer.
package cryptokey

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vaultguard/envelopecrypt/secret"
)

// Key is an unencrypted key held in a secure memory buffer, tagged with the
// metadata needed to decide whether it's still usable.
type Key struct {
	created int64
	secret  secret.Secret
	once    sync.Once
	revoked uint32
}

// Created returns the key's creation time as a Unix epoch in seconds.
func (k *Key) Created() int64 {
	return k.created
}

// Revoked reports whether the key has been marked revoked.
func (k *Key) Revoked() bool {
	return atomic.LoadUint32(&k.revoked) == 1
}

// SetRevoked atomically sets the key's revoked flag.
func (k *Key) SetRevoked(revoked bool) {
	var v uint32
	if revoked {
		v = 1
	}

	atomic.StoreUint32(&k.revoked, v)
}

// Close destroys the underlying secure buffer. Safe to call more than once.
func (k *Key) Close() {
	k.once.Do(k.close)
}

func (k *Key) close() {
	if k.secret == nil {
		return
	}

	k.secret.Close()
}

// IsClosed reports whether the underlying buffer has been closed.
func (k *Key) IsClosed() bool {
	return k.secret.IsClosed()
}

func (k *Key) String() string {
	return fmt.Sprintf("Key(%p){secret(%p)}", k, k.secret)
}

// WithBytes implements BytesAccessor.
func (k *Key) WithBytes(action func([]byte) error) error {
	return k.secret.WithBytes(action)
}

// WithBytesFunc implements BytesFuncAccessor.
func (k *Key) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	return k.secret.WithBytesFunc(action)
}

// NewKey wraps key in a guarded buffer allocated from factory. The caller's
// slice is wiped by the factory once the copy is made.
func NewKey(factory secret.Factory, created int64, revoked bool, key []byte) (*Key, error) {
	var v uint32
	if revoked {
		v = 1
	}

	sec, err := factory.New(key)
	if err != nil {
		return nil, err
	}

	return &Key{
		created: created,
		revoked: v,
		secret:  sec,
	}, nil
}

// NewKeyForTest builds a Key with no backing secret. Only valid for tests
// that never call WithBytes/WithBytesFunc on the result.
func NewKeyForTest(created int64, revoked bool) *Key {
	var v uint32
	if revoked {
		v = 1
	}

	return &Key{created: created, revoked: v}
}

// GenerateKey creates a new random Key of size bytes from factory.
func GenerateKey(factory secret.Factory, created int64, size int) (*Key, error) {
	sec, err := factory.CreateRandom(size)
	if err != nil {
		return nil, err
	}

	return &Key{created: created, secret: sec}, nil
}

// BytesAccessor is satisfied by anything exposing guarded bytes one-shot.
type BytesAccessor interface {
	WithBytes(action func([]byte) error) error
}

// WithKey exposes key's underlying bytes to action. action must not retain
// a reference to the slice it's given; the backing array is wiped on
// return.
func WithKey(key BytesAccessor, action func([]byte) error) error {
	return key.WithBytes(action)
}

// BytesFuncAccessor is satisfied by anything exposing guarded bytes
// one-shot and returning a derived value.
type BytesFuncAccessor interface {
	WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error)
}

// WithKeyFunc exposes key's underlying bytes to action and returns action's
// result. action must not retain a reference to the slice it's given.
func WithKeyFunc(key BytesFuncAccessor, action func([]byte) ([]byte, error)) ([]byte, error) {
	return key.WithBytesFunc(action)
}

// Revokable is satisfied by anything with revocation/creation metadata.
type Revokable interface {
	Revoked() bool
	Created() int64
}

// IsKeyInvalid reports whether key is revoked or has aged past expireAfter.
func IsKeyInvalid(key Revokable, expireAfter time.Duration) bool {
	return key.Revoked() || IsKeyExpired(key.Created(), expireAfter)
}

// IsKeyExpired reports whether a key created at the given Unix timestamp is
// older than expireAfter.
func IsKeyExpired(created int64, expireAfter time.Duration) bool {
	return time.Now().After(time.Unix(created, 0).Add(expireAfter))
}
