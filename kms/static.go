// Package kms provides envelopecrypt.KeyManagementService implementations.
// Static is for tests and local development; production deployments should
// use the aws subpackage.
package kms

import (
	"context"
	"time"

	"github.com/pkg/errors"

	envelopecrypt "github.com/vaultguard/envelopecrypt"
	"github.com/vaultguard/envelopecrypt/internal/cryptokey"
	"github.com/vaultguard/envelopecrypt/secret/memguard"
)

var _ envelopecrypt.KeyManagementService = (*Static)(nil)

// Static seals System Keys under a single fixed key held in process memory.
// It provides none of the durability or access-control guarantees of a real
// KMS and must never be used in production.
type Static struct {
	crypto envelopecrypt.AEAD
	key    *cryptokey.Key
}

// NewStatic builds a Static KMS from a 32-byte master key.
func NewStatic(key string, crypto envelopecrypt.AEAD) (*Static, error) {
	if len(key) != envelopecrypt.AES256KeySize {
		return nil, errors.Errorf("kms: invalid key size %d, must be %d bytes", len(key), envelopecrypt.AES256KeySize)
	}

	k, err := cryptokey.NewKey(new(memguard.Factory), time.Now().Unix(), false, []byte(key))
	if err != nil {
		return nil, err
	}

	return &Static{crypto: crypto, key: k}, nil
}

// EncryptKey implements envelopecrypt.KeyManagementService.
func (s *Static) EncryptKey(_ context.Context, data []byte) ([]byte, error) {
	return cryptokey.WithKeyFunc(s.key, func(keyBytes []byte) ([]byte, error) {
		return s.crypto.Encrypt(data, keyBytes)
	})
}

// DecryptKey implements envelopecrypt.KeyManagementService.
func (s *Static) DecryptKey(_ context.Context, sealed []byte) ([]byte, error) {
	return cryptokey.WithKeyFunc(s.key, func(keyBytes []byte) ([]byte, error) {
		return s.crypto.Decrypt(sealed, keyBytes)
	})
}

// Close frees the memory holding the master key. Call once the KMS is no
// longer needed.
func (s *Static) Close() {
	s.key.Close()
}
