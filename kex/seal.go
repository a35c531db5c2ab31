package kex

import (
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

const (
	// NonceSize is the AES-GCM nonce size.
	NonceSize = 12
	// TagSize is the AES-GCM tag size.
	TagSize = 16
)

// ErrDecrypt is returned when an AES-GCM payload fails authentication.
var ErrDecrypt = errors.New("kex: payload authentication failed")

// Sealed is an AES-128-GCM ciphertext with its nonce and detached tag.
type Sealed struct {
	Nonce      [NonceSize]byte
	Tag        [TagSize]byte
	Ciphertext []byte
}

func newGCM(key Key) (cipher.AEAD, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext under key with a fresh random nonce.
func Seal(key Key, plaintext []byte) (Sealed, error) {
	var out Sealed
	aead, err := newGCM(key)
	if err != nil {
		return out, err
	}
	if _, err := io.ReadFull(rand.Reader, out.Nonce[:]); err != nil {
		return out, fmt.Errorf("reading nonce: %w", err)
	}

	sealed := aead.Seal(nil, out.Nonce[:], plaintext, nil)
	split := len(sealed) - TagSize
	out.Ciphertext = sealed[:split:split]
	copy(out.Tag[:], sealed[split:])
	return out, nil
}

// Open authenticates and decrypts s under key.
func Open(key Key, s Sealed) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(s.Ciphertext)+TagSize)
	buf = append(buf, s.Ciphertext...)
	buf = append(buf, s.Tag[:]...)

	plaintext, err := aead.Open(nil, s.Nonce[:], buf, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Garbage returns a value shaped like a sealed payload of size bytes but
// filled with random data, so it cannot be opened under any session key.
func Garbage(size int) (Sealed, error) {
	out := Sealed{Ciphertext: make([]byte, size)}
	for _, b := range [][]byte{out.Nonce[:], out.Tag[:], out.Ciphertext} {
		if _, err := io.ReadFull(rand.Reader, b); err != nil {
			return Sealed{}, fmt.Errorf("reading random bytes: %w", err)
		}
	}
	return out, nil
}
