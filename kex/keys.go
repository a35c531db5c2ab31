// Package kex implements the key-exchange engine of the SGX SIGMA
// handshake: P-256 ephemeral keys in the little-endian SGX encoding,
// ECDH, the AES-CMAC based key derivation of SMK/MK/SK/VK, the service
// provider signature over gb||ga, and the CMAC/AES-GCM helpers used to
// authenticate and encrypt protocol messages.
package kex

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
)

const (
	// CoordSize is the size of one EC coordinate on the wire.
	CoordSize = 32
	// PublicKeySize is the size of x||y.
	PublicKeySize = 2 * CoordSize
	// SignatureSize is the size of r||s.
	SignatureSize = 2 * CoordSize
	// KeySize is the size of every derived key.
	KeySize = 16
	// MACSize is the size of an AES-CMAC tag.
	MACSize = 16
)

var (
	// ErrInvalidPublicKey is returned for points that are not on P-256.
	ErrInvalidPublicKey = errors.New("kex: public key is not a valid P-256 point")
	// ErrInvalidSignature is returned when the gb||ga signature does not verify.
	ErrInvalidSignature = errors.New("kex: signature verification failed")
)

// PublicKey is a P-256 point in the SGX wire encoding: x and y, each
// 32 bytes little endian.
type PublicKey [PublicKeySize]byte

// Signature is an ECDSA signature in the SGX wire encoding: r and s,
// each 32 bytes little endian.
type Signature [SignatureSize]byte

// littleEndian serializes a big int to always 32 bytes, little endian.
func littleEndian(x *big.Int) []byte {
	b := x.FillBytes(make([]byte, CoordSize))
	reverse(b)
	return b
}

func fromLittleEndian(b []byte) *big.Int {
	be := make([]byte, len(b))
	copy(be, b)
	reverse(be)
	return new(big.Int).SetBytes(be)
}

func reverse(b []byte) {
	for left, right := 0, len(b)-1; left < right; left, right = left+1, right-1 {
		b[left], b[right] = b[right], b[left]
	}
}

// GenerateKey creates a fresh ephemeral P-256 key. A new key must be
// generated for every handshake attempt.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating P-256 key: %w", err)
	}
	return priv, nil
}

// MarshalPublicKey encodes pub in the SGX wire encoding.
func MarshalPublicKey(pub *ecdsa.PublicKey) PublicKey {
	var out PublicKey
	copy(out[:CoordSize], littleEndian(pub.X))
	copy(out[CoordSize:], littleEndian(pub.Y))
	return out
}

// UnmarshalPublicKey decodes a wire encoded point and checks that it
// lies on P-256.
func UnmarshalPublicKey(pk PublicKey) (*ecdsa.PublicKey, error) {
	x := fromLittleEndian(pk[:CoordSize])
	y := fromLittleEndian(pk[CoordSize:])
	curve := elliptic.P256()
	if !curve.IsOnCurve(x, y) {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, nil
}

// SharedSecret computes the ECDH shared secret between mine and peer.
// Only the x coordinate is used, little endian, as SGX does.
func SharedSecret(mine *ecdsa.PrivateKey, peer *ecdsa.PublicKey) ([CoordSize]byte, error) {
	var shared [CoordSize]byte

	priv, err := mine.ECDH()
	if err != nil {
		return shared, fmt.Errorf("converting private key: %w", err)
	}
	pub, err := peer.ECDH()
	if err != nil {
		return shared, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	x, err := priv.ECDH(pub)
	if err != nil {
		return shared, fmt.Errorf("computing shared secret: %w", err)
	}

	copy(shared[:], x)
	reverse(shared[:])
	zero(x)
	return shared, nil
}

// Sign signs gb||ga with the long-term service provider key.
func Sign(priv *ecdsa.PrivateKey, gb, ga PublicKey) (Signature, error) {
	var sig Signature
	digest := sha256.Sum256(append(gb[:], ga[:]...))
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return sig, fmt.Errorf("signing gb||ga: %w", err)
	}
	copy(sig[:CoordSize], littleEndian(r))
	copy(sig[CoordSize:], littleEndian(s))
	return sig, nil
}

// Verify checks a gb||ga signature made by Sign.
func Verify(pub *ecdsa.PublicKey, gb, ga PublicKey, sig Signature) error {
	digest := sha256.Sum256(append(gb[:], ga[:]...))
	r := fromLittleEndian(sig[:CoordSize])
	s := fromLittleEndian(sig[CoordSize:])
	if !ecdsa.Verify(pub, digest[:], r, s) {
		return ErrInvalidSignature
	}
	return nil
}

// LoadPrivateKey reads a PEM encoded PKCS#8 (or SEC1) P-256 private key.
// TODO: support encrypted PEM once a password prompt exists.
func LoadPrivateKey(fileName string) (*ecdsa.PrivateKey, error) {
	pemEncoded, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("reading private key file: %w", err)
	}
	return ParsePrivateKey(pemEncoded)
}

// ParsePrivateKey parses a PEM encoded P-256 private key.
func ParsePrivateKey(pemEncoded []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemEncoded)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}

	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		ecKey, ok := key.(*ecdsa.PrivateKey)
		if !ok {
			return nil, errors.New("private key is not an ECDSA key")
		}
		return ecKey, nil
	}

	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}
	return key, nil
}

// ParsePublicKey parses a PEM encoded PKIX P-256 public key.
func ParsePublicKey(pemEncoded []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(pemEncoded)
	if block == nil {
		return nil, errors.New("no PEM block found in public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not an ECDSA key")
	}
	return ecPub, nil
}

// ZeroPrivateKey overwrites the scalar of an ephemeral key.
func ZeroPrivateKey(priv *ecdsa.PrivateKey) {
	if priv == nil || priv.D == nil {
		return
	}
	priv.D.SetInt64(0)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
