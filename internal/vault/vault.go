// Package vault encrypts integration access tokens at rest.
//
// Tokens are sealed with XChaCha20-Poly1305 under a key derived from the
// configured master key with HKDF-SHA256. The vault holds no state besides
// the AEAD; callers decrypt right before a provider call and drop the result.
package vault

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	sealedPrefix = "v1:"
	hkdfSalt     = "featurehub/vault"
	hkdfInfo     = "integration-token"
)

var (
	ErrNoMasterKey = errors.New("vault: master key is not configured")
	ErrMalformed   = errors.New("vault: malformed ciphertext")
	ErrDecrypt     = errors.New("vault: decryption failed")
)

// Vault seals and opens tokens.
type Vault struct {
	aead cipher.AEAD
}

// New derives the sealing key from masterKey.
func New(masterKey string) (*Vault, error) {
	if strings.TrimSpace(masterKey) == "" {
		return nil, ErrNoMasterKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, []byte(masterKey), []byte(hkdfSalt), []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("vault: init cipher: %w", err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt seals plaintext. Each call uses a fresh random nonce, so sealing the
// same token twice yields different ciphertexts.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize(), v.aead.NonceSize()+len(plaintext)+v.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt.
func (v *Vault) Decrypt(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, sealedPrefix) {
		return "", ErrMalformed
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(sealed, sealedPrefix))
	if err != nil {
		return "", ErrMalformed
	}
	if len(raw) < v.aead.NonceSize()+v.aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, ciphertext := raw[:v.aead.NonceSize()], raw[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}
