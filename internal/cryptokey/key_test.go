package cryptokey

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultguard/envelopecrypt/secret"
)

// plainSecret backs test keys without page guarding.
type plainSecret struct {
	mu     sync.Mutex
	bytes  []byte
	closed bool
}

func (s *plainSecret) WithBytes(action func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}

	return action(s.bytes)
}

func (s *plainSecret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.ErrClosedPipe
	}

	return action(s.bytes)
}

func (s *plainSecret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *plainSecret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	Wipe(s.bytes)
	s.closed = true

	return nil
}

func (s *plainSecret) NewReader() io.Reader { return nil }

type plainFactory struct{}

var _ secret.Factory = (*plainFactory)(nil)

func (*plainFactory) New(b []byte) (secret.Secret, error) {
	copied := make([]byte, len(b))
	copy(copied, b)
	Wipe(b)

	return &plainSecret{bytes: copied}, nil
}

func (*plainFactory) CreateRandom(size int) (secret.Secret, error) {
	return &plainSecret{bytes: RandomBytes(size)}, nil
}

func TestNewKeyCarriesMetadata(t *testing.T) {
	k, err := NewKey(new(plainFactory), 1541461380, true, []byte("raw key bytes"))
	require.NoError(t, err)
	defer k.Close()

	assert.Equal(t, int64(1541461380), k.Created())
	assert.True(t, k.Revoked())
}

func TestSetRevoked(t *testing.T) {
	k := NewKeyForTest(1000, false)

	assert.False(t, k.Revoked())

	k.SetRevoked(true)
	assert.True(t, k.Revoked())

	k.SetRevoked(false)
	assert.False(t, k.Revoked())
}

func TestGenerateKeyProducesRandomMaterial(t *testing.T) {
	f := new(plainFactory)

	k1, err := GenerateKey(f, 1000, 32)
	require.NoError(t, err)
	defer k1.Close()

	k2, err := GenerateKey(f, 1000, 32)
	require.NoError(t, err)
	defer k2.Close()

	b1, err := WithKeyFunc(k1, func(b []byte) ([]byte, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	assert.Len(t, b1, 32)

	b2, err := WithKeyFunc(k2, func(b []byte) ([]byte, error) {
		return append([]byte(nil), b...), nil
	})
	require.NoError(t, err)
	assert.NotEqual(t, b1, b2)
}

func TestCloseIsIdempotentAndWipes(t *testing.T) {
	k, err := NewKey(new(plainFactory), 1000, false, []byte("to be wiped"))
	require.NoError(t, err)

	k.Close()
	k.Close()

	assert.True(t, k.IsClosed())

	err = WithKey(k, func([]byte) error { return nil })
	assert.Error(t, err)
}

func TestIsKeyExpired(t *testing.T) {
	now := time.Now().Unix()

	assert.False(t, IsKeyExpired(now, time.Hour))
	assert.True(t, IsKeyExpired(now-7200, time.Hour))
}

func TestIsKeyInvalid(t *testing.T) {
	now := time.Now().Unix()

	assert.False(t, IsKeyInvalid(NewKeyForTest(now, false), time.Hour))
	assert.True(t, IsKeyInvalid(NewKeyForTest(now, true), time.Hour), "revoked keys are invalid regardless of age")
	assert.True(t, IsKeyInvalid(NewKeyForTest(now-7200, false), time.Hour))
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}

	Wipe(b)

	assert.Equal(t, []byte{0, 0, 0, 0}, b)
}

func TestRandomBytesLengthAndVariability(t *testing.T) {
	a := RandomBytes(32)
	b := RandomBytes(32)

	assert.Len(t, a, 32)
	assert.NotEqual(t, a, b)
}
