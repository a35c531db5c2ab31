package kex

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// ErrMACMismatch is returned when a received CMAC does not match.
var ErrMACMismatch = errors.New("kex: MAC mismatch")

func newBlock(key Key) (cipher.Block, error) {
	return aes.NewCipher(key[:])
}

// MAC is an AES-CMAC tag.
type MAC [MACSize]byte

// CMAC computes AES-CMAC under key over the concatenation of parts.
func CMAC(key Key, parts ...[]byte) (MAC, error) {
	var out MAC
	block, err := newBlock(key)
	if err != nil {
		return out, fmt.Errorf("creating AES cipher: %w", err)
	}
	h, err := cmac.New(block)
	if err != nil {
		return out, fmt.Errorf("creating CMAC: %w", err)
	}
	for _, p := range parts {
		h.Write(p)
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// VerifyCMAC recomputes the CMAC over parts and compares it with mac in
// constant time.
func VerifyCMAC(key Key, mac MAC, parts ...[]byte) error {
	expected, err := CMAC(key, parts...)
	if err != nil {
		return err
	}
	if !Equal(expected[:], mac[:]) {
		return ErrMACMismatch
	}
	return nil
}

// Equal reports whether a and b are equal without an early exit on the
// first differing byte.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ReportDataHash is SHA-256(ga || gb || vk), the value an enclave must
// place in the first 32 bytes of its report data.
func ReportDataHash(ga, gb PublicKey, vk Key) [sha256.Size]byte {
	h := sha256.New()
	h.Write(ga[:])
	h.Write(gb[:])
	h.Write(vk[:])
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
