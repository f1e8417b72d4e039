// Package aead implements the authenticated-encryption primitive used to
// seal every tier of the key hierarchy (DRK-over-plaintext, IK-over-DRK,
// SK-over-IK). The only implementation is AES-256-GCM; see aes256gcm.go.
package aead

import (
	"crypto/cipher"

	"github.com/pkg/errors"

	"github.com/vaultguard/envelopecrypt/internal/cryptokey"
)

const (
	keySize        = 32
	gcmNonceSize   = 12
	gcmTagSize     = 16
	gcmMaxDataSize = (1<<32 - 2) * 16
)

// cipherFactory builds a cipher.AEAD for a given key. It's a function type
// so aes256gcm.go's constructor can be the sole place that names the block
// cipher.
type cipherFactory func(key []byte) (cipher.AEAD, error)

// Encrypt seals data under key, producing ciphertext‖tag‖nonce with the
// nonce generated internally and placed last on the wire. Callers must
// never attempt to control the nonce themselves.
func (c cipherFactory) Encrypt(data, key []byte) ([]byte, error) {
	// aes.NewCipher would quietly select AES-128/192 for shorter keys; every
	// tier of the hierarchy is AES-256 only.
	if len(key) != keySize {
		return nil, errors.Errorf("invalid key size %d, expected %d", len(key), keySize)
	}

	gcm, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) > gcmMaxDataSize {
		return nil, errors.New("data too large for GCM")
	}

	if gcm.Overhead() != gcmTagSize {
		return nil, errors.New("unexpected cipher overhead")
	}

	if gcm.NonceSize() != gcmNonceSize {
		return nil, errors.New("unexpected cipher nonce size")
	}

	out := make([]byte, len(data)+gcmTagSize+gcmNonceSize)
	noncePos := len(out) - gcm.NonceSize()

	cryptokey.FillRandom(out[noncePos:])

	gcm.Seal(out[:0], out[noncePos:], data, nil)

	return out, nil
}

// Decrypt opens data (ciphertext‖tag‖nonce) under key, returning the
// original plaintext or a crypto error if the tag fails to verify.
func (c cipherFactory) Decrypt(data, key []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errors.Errorf("invalid key size %d, expected %d", len(key), keySize)
	}

	gcm, err := c(key)
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext shorter than nonce")
	}

	noncePos := len(data) - gcm.NonceSize()

	// We can't reuse data's backing array: callers (e.g. DRK/IK unseal)
	// wipe it immediately after this call returns.
	out, err := gcm.Open(nil, data[noncePos:], data[:noncePos], nil)

	return out, errors.Wrap(err, "error decrypting data")
}
