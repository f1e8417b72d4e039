package aead

import (
	"crypto/aes"
	"crypto/cipher"

	"github.com/vaultguard/envelopecrypt"
)

func aesGCMFactory(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	return cipher.NewGCM(block)
}

// NewAES256GCM returns an envelopecrypt.AEAD that seals/opens using
// AES-256-GCM with the wire layout ciphertext‖tag‖nonce.
func NewAES256GCM() envelopecrypt.AEAD {
	return cipherFactory(aesGCMFactory)
}
