// Package crypto provides authenticated encryption for PHI-bearing bytes
// written to the cache, DLQ payloads, and persisted request/result blobs.
//
// spec.md §9 explicitly rules out the unauthenticated CBC-with-random-IV
// scheme its source used: this package only exposes AES-256-GCM, with the
// nonce stored as a prefix of the ciphertext (hex(IV)+':'+hex(ciphertext) on
// the wire, per spec.md §6's "Ciphertext layout").
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

// KeySize is the required length, in bytes, of the configured encryption key.
const KeySize = 32

// ErrInvalidKeySize is returned when a key other than KeySize bytes is supplied.
var ErrInvalidKeySize = fmt.Errorf("encryption key must be exactly %d bytes", KeySize)

// ErrMalformedCiphertext is returned when decrypting a value that is not in
// the hex(IV):hex(ciphertext) layout this package produces.
var ErrMalformedCiphertext = errors.New("malformed ciphertext")

// Cipher encrypts and decrypts plaintext under a single fixed AES-256-GCM key.
// A Cipher is safe for concurrent use.
type Cipher struct {
	aead cipher.AEAD
}

// New constructs a Cipher from a 32-byte key.
func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: build AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: build GCM mode: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt authenticates and encrypts plaintext, returning
// hex(nonce)+":"+hex(ciphertext||tag) as raw bytes suitable for a BYTEA column
// or a cache value.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	out := hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed)
	return []byte(out), nil
}

// Decrypt reverses Encrypt, verifying the authentication tag. Any tampering
// or truncation of the wire format is reported as an error rather than
// silently producing garbage plaintext.
func (c *Cipher) Decrypt(wire []byte) ([]byte, error) {
	parts := strings.SplitN(string(wire), ":", 2)
	if len(parts) != 2 {
		return nil, ErrMalformedCiphertext
	}
	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrMalformedCiphertext, err)
	}
	if len(nonce) != c.aead.NonceSize() {
		return nil, ErrMalformedCiphertext
	}
	sealed, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrMalformedCiphertext, err)
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("crypto: authentication failed: %w", err)
	}
	return plaintext, nil
}
