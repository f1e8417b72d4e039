package envelopecrypt

import (
	"io"
	"sync"

	"github.com/vaultguard/envelopecrypt/internal/cryptokey"
	"github.com/vaultguard/envelopecrypt/secret"
)

// testSecret is a plain in-memory secret.Secret. It skips page guarding so
// unit tests don't burn locked memory, but keeps the observable contract:
// bytes are wiped on Close and unreachable afterward.
type testSecret struct {
	mu     sync.Mutex
	bytes  []byte
	closed bool
}

func (s *testSecret) WithBytes(action func([]byte) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}

	return action(s.bytes)
}

func (s *testSecret) WithBytesFunc(action func([]byte) ([]byte, error)) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, io.ErrClosedPipe
	}

	return action(s.bytes)
}

func (s *testSecret) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

func (s *testSecret) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cryptokey.Wipe(s.bytes)
	s.closed = true

	return nil
}

func (s *testSecret) NewReader() io.Reader {
	return &testSecretReader{secret: s}
}

type testSecretReader struct {
	secret *testSecret
	pos    int
}

func (r *testSecretReader) Read(p []byte) (n int, err error) {
	err = r.secret.WithBytes(func(b []byte) error {
		if r.pos >= len(b) {
			return io.EOF
		}

		n = copy(p, b[r.pos:])
		r.pos += n

		return nil
	})

	return n, err
}

// testSecretFactory builds testSecrets.
type testSecretFactory struct{}

var _ secret.Factory = (*testSecretFactory)(nil)

func (*testSecretFactory) New(b []byte) (secret.Secret, error) {
	copied := make([]byte, len(b))
	copy(copied, b)
	cryptokey.Wipe(b)

	return &testSecret{bytes: copied}, nil
}

func (*testSecretFactory) CreateRandom(size int) (secret.Secret, error) {
	return &testSecret{bytes: cryptokey.RandomBytes(size)}, nil
}
