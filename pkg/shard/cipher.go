// Package shard encrypts the two custody halves of a vault blob. Each half is
// sealed under its own pepper so that neither store alone yields plaintext.
package shard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrMissingPepper = errors.New("shard: pepper not configured")
	ErrCorrupt       = errors.New("shard: ciphertext corrupt or key mismatch")
)

// Cipher seals payloads with AES-256-GCM under a key derived from a pepper.
type Cipher struct {
	name string
	aead cipher.AEAD
}

var randReader io.Reader = rand.Reader

// New derives the shard key for name ("a", "b") from pepper.
func New(name, pepper string) (*Cipher, error) {
	if strings.TrimSpace(pepper) == "" {
		return nil, fmt.Errorf("%w: shard %s", ErrMissingPepper, name)
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(pepper), nil, []byte("zerokeep/shard/"+name))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive shard key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{name: name, aead: aead}, nil
}

func (c *Cipher) Name() string { return c.name }

// Encrypt returns base64(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", fmt.Errorf("shard nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, plaintext, []byte(c.name))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *Cipher) Decrypt(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrCorrupt
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, ErrCorrupt
	}
	out, err := c.aead.Open(nil, raw[:ns], raw[ns:], []byte(c.name))
	if err != nil {
		return nil, ErrCorrupt
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

// Split cuts blob at its midpoint. The first half gets the shorter side for
// odd lengths.
func Split(blob []byte) (a, b []byte) {
	mid := len(blob) / 2
	return blob[:mid], blob[mid:]
}

// Merge is the inverse of Split.
func Merge(a, b []byte) []byte {
	out := make([]byte, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}
