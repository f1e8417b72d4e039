// Package reader adapts a byte-accessor backed secret to io.Reader so it can
// be streamed into APIs (e.g. a KMS SDK call) that expect one.
package reader

import "io"

// BytesWrapper exposes temporary, guarded access to a secret's plaintext.
type BytesWrapper interface {
	WithBytes(action func([]byte) error) error
}

// Reader streams the plaintext behind a BytesWrapper exactly once.
type Reader struct {
	secret BytesWrapper
	pos    int
}

// New returns a Reader over s.
func New(s BytesWrapper) *Reader {
	return &Reader{secret: s}
}

// Read implements io.Reader, unlocking the secret for the duration of the
// call only.
func (r *Reader) Read(p []byte) (n int, err error) {
	err = r.secret.WithBytes(func(b []byte) error {
		if r.pos >= len(b) {
			return io.EOF
		}

		n = copy(p, b[r.pos:])
		r.pos += n

		if r.pos >= len(b) {
			return io.EOF
		}

		return nil
	})

	return n, err
}
