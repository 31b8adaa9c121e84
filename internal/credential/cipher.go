package credential

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// Cipher errors
var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

// Cipher performs authenticated symmetric encryption of provider
// credentials. It holds the primary key and, during a dual-key rotation, the
// retiring secondary key. Decryption tries the primary first so rows already
// re-encrypted never touch the old key; an in-place key swap without
// re-encrypting stored rows is not supported.
type Cipher struct {
	primary   []byte
	secondary []byte
}

// NewCipher builds a Cipher from hex or raw key material. secondaryKey may
// be empty outside of a rotation.
func NewCipher(primaryKey, secondaryKey string) (*Cipher, error) {
	if primaryKey == "" {
		return nil, fmt.Errorf("%w: empty key", ErrEncryptionFailed)
	}
	c := &Cipher{primary: normalizeKey(primaryKey)}
	if secondaryKey != "" {
		c.secondary = normalizeKey(secondaryKey)
	}
	return c, nil
}

// normalizeKey parses hex key material, falling back to raw bytes, and
// clamps to 32 bytes for AES-256.
func normalizeKey(raw string) []byte {
	key, err := hex.DecodeString(raw)
	if err != nil {
		key = []byte(raw)
	}
	if len(key) < 32 {
		padded := make([]byte, 32)
		copy(padded, key)
		key = padded
	} else if len(key) > 32 {
		key = key[:32]
	}
	return key
}

// Encrypt seals plaintext under the primary key using AES-256-GCM.
func (c *Cipher) Encrypt(plaintext []byte) (ciphertext, nonce []byte, err error) {
	block, err := aes.NewCipher(c.primary)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext = gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

// Decrypt opens ciphertext with the primary key, then the retiring secondary
// key if one is configured. Tampered or corrupted ciphertext fails with
// ErrDecryptionFailed rather than returning garbage.
func (c *Cipher) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := open(c.primary, ciphertext, nonce)
	if err == nil {
		return plaintext, nil
	}
	if c.secondary != nil {
		if plaintext, err2 := open(c.secondary, ciphertext, nonce); err2 == nil {
			return plaintext, nil
		}
	}
	return nil, err
}

func open(key, ciphertext, nonce []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return plaintext, nil
}
