package secret

import (
	"crypto/rand"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// Coffer holds an at-rest encryption key used to seal ("enclave") secrets
// that must survive outside a guarded buffer for a while -- e.g. a DRK
// staged for an async downstream write. It rekeys itself on a fixed
// interval so that any single key's exposure window is bounded.
//
// Coffer is independent of the memguard-backed Secret implementation: it is
// used only by callers that explicitly choose to enclave a value, never by
// the envelope engine's hot path, which always holds keys in a Secret.
type Coffer struct {
	mu  sync.RWMutex
	key [32]byte

	stop chan struct{}
	once sync.Once
}

// NewCoffer returns a Coffer with a freshly generated key and starts a
// background goroutine that rekeys it every interval. Call Close to stop
// the goroutine.
func NewCoffer(interval time.Duration) (*Coffer, error) {
	c := &Coffer{stop: make(chan struct{})}

	if err := c.rekey(); err != nil {
		return nil, err
	}

	if interval > 0 {
		go c.rekeyLoop(interval)
	}

	return c, nil
}

func (c *Coffer) rekeyLoop(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = c.rekey()
		case <-c.stop:
			return
		}
	}
}

// Rekey replaces the coffer's key with a new random one. Values sealed
// under the previous key can no longer be opened by this Coffer -- callers
// enclaving long-lived values must re-seal on a cadence shorter than the
// rekey interval, or keep their own key outside the Coffer.
func (c *Coffer) Rekey() error {
	return c.rekey()
}

func (c *Coffer) rekey() error {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		return err
	}

	c.mu.Lock()
	c.key = k
	c.mu.Unlock()

	return nil
}

// Seal encrypts plaintext under the coffer's current key using
// XSalsa20-Poly1305 and returns nonce‖ciphertext.
func (c *Coffer) Seal(plaintext []byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}

	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()

	out := make([]byte, 0, len(nonce)+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)

	return secretbox.Seal(out, plaintext, &nonce, &key), nil
}

// Open decrypts a value previously produced by Seal using the coffer's
// current key. It fails if the coffer has rekeyed since the value was
// sealed.
func (c *Coffer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, errSealedTooShort
	}

	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	c.mu.RLock()
	key := c.key
	c.mu.RUnlock()

	out, ok := secretbox.Open(nil, sealed[24:], &nonce, &key)
	if !ok {
		return nil, errOpenFailed
	}

	return out, nil
}

// Close stops the background rekey goroutine, if any. Safe to call more
// than once.
func (c *Coffer) Close() {
	c.once.Do(func() {
		close(c.stop)
	})
}

type cofferError string

func (e cofferError) Error() string { return string(e) }

const (
	errSealedTooShort cofferError = "sealed value shorter than nonce"
	errOpenFailed     cofferError = "coffer: open failed (wrong key or corrupt data)"
)
