// Package secretbox encrypts TOTP shared secrets at rest. Keys are derived
// from an operator passphrase with Argon2id and used with AES-256-GCM.
package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

var ErrMalformed = errors.New("secretbox: malformed ciphertext")

// GenerateSalt returns 16 cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, keySize)
}

// Box seals and opens short strings. It is safe for concurrent use.
type Box struct {
	aead cipher.AEAD
}

// New derives the key once; Argon2id is deliberately slow so a Box should be
// built at startup and shared.
func New(passphrase string, salt []byte) (*Box, error) {
	if passphrase == "" {
		return nil, errors.New("secretbox: empty passphrase")
	}
	if len(salt) < saltSize {
		return nil, fmt.Errorf("secretbox: salt must be at least %d bytes", saltSize)
	}
	return NewWithKey(DeriveKey(passphrase, salt))
}

// NewWithKey builds a Box from a raw 32-byte key.
func NewWithKey(key []byte) (*Box, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secretbox: key must be %d bytes", keySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Box{aead: gcm}, nil
}

// Seal encrypts plaintext bound to aad. Output: base64([12-byte nonce][ciphertext]).
func (b *Box) Seal(plaintext string, aad []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := b.aead.Seal(nonce, nonce, []byte(plaintext), aad)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. The same aad must be supplied.
func (b *Box) Open(sealed string, aad []byte) (string, error) {
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrMalformed
	}
	if len(data) < nonceSize {
		return "", ErrMalformed
	}
	plaintext, err := b.aead.Open(nil, data[:nonceSize], data[nonceSize:], aad)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}
