package kex

import (
	"fmt"
)

// Derivation labels for the four session keys.
const (
	LabelSMK = "SMK"
	LabelMK  = "MK"
	LabelSK  = "SK"
	LabelVK  = "VK"
)

// Key is one derived 128-bit AES key.
type Key [KeySize]byte

// Keys holds the key derivation key and the four keys derived from it.
type Keys struct {
	KDK Key
	SMK Key
	MK  Key
	SK  Key
	VK  Key
}

// DeriveKDK computes the key derivation key: AES-CMAC under the all-zero
// key over the little-endian shared x coordinate.
func DeriveKDK(shared [CoordSize]byte) (Key, error) {
	var kdk Key
	var zeroKey [KeySize]byte
	mac, err := CMAC(Key(zeroKey), shared[:])
	if err != nil {
		return kdk, fmt.Errorf("deriving KDK: %w", err)
	}
	copy(kdk[:], mac[:])
	return kdk, nil
}

// DeriveKey derives the key for label from the KDK:
// CMAC(KDK, 0x01 || label || 0x00 || 0x80 0x00).
func DeriveKey(kdk Key, label string) (Key, error) {
	var out Key
	if len(label) == 0 {
		return out, fmt.Errorf("deriving key: empty label")
	}

	derivation := make([]byte, 0, len(label)+4)
	derivation = append(derivation, 0x01)
	derivation = append(derivation, label...)
	derivation = append(derivation, 0x00, 0x80, 0x00)

	mac, err := CMAC(kdk, derivation)
	if err != nil {
		return out, fmt.Errorf("deriving %s: %w", label, err)
	}
	copy(out[:], mac[:])
	return out, nil
}

// DeriveKeys derives SMK, MK, SK and VK from one shared secret with four
// separate derivations.
func DeriveKeys(shared [CoordSize]byte) (Keys, error) {
	var keys Keys
	kdk, err := DeriveKDK(shared)
	if err != nil {
		return keys, err
	}
	keys.KDK = kdk

	for _, d := range []struct {
		label string
		dst   *Key
	}{
		{LabelSMK, &keys.SMK},
		{LabelMK, &keys.MK},
		{LabelSK, &keys.SK},
		{LabelVK, &keys.VK},
	} {
		k, err := DeriveKey(kdk, d.label)
		if err != nil {
			keys.Zero()
			return Keys{}, err
		}
		*d.dst = k
	}
	return keys, nil
}

// Zero wipes every key.
func (k *Keys) Zero() {
	if k == nil {
		return
	}
	for _, key := range []*Key{&k.KDK, &k.SMK, &k.MK, &k.SK, &k.VK} {
		zero(key[:])
	}
}
