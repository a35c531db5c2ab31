package ias

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// PlatformInfoSize is the size of the platform info blob carried in the
// attestation result: the IAS blob without its TLV header and xeid.
const PlatformInfoSize = 97

const (
	tlvHeaderSize  = 4
	tlvType        = 21
	tlvBodySize    = 101
	xeidOffset     = 29
	xeidSize       = 4
	platformSigLen = 64
)

// PlatformInfo is the platform info blob in the layout
// epid_group_status(1) tcb_evaluation_status(2) pse_evaluation_status(2)
// latest_equivalent_tcb_psvn(18) latest_pse_isvsvn(2) latest_psda_svn(4)
// performance_rekey_gid(4) signature(64).
type PlatformInfo [PlatformInfoSize]byte

// ParsePlatformInfoBlob decodes the hex TLV sent in platformInfoBlob.
func ParsePlatformInfoBlob(s string) (PlatformInfo, error) {
	var info PlatformInfo

	raw, err := hex.DecodeString(s)
	if err != nil {
		return info, fmt.Errorf("decoding hex: %w", err)
	}
	if len(raw) < tlvHeaderSize {
		return info, fmt.Errorf("blob of %d bytes has no TLV header", len(raw))
	}
	if raw[0] != tlvType {
		return info, fmt.Errorf("unexpected TLV type %d", raw[0])
	}
	size := int(binary.BigEndian.Uint16(raw[2:4]))
	body := raw[tlvHeaderSize:]
	if size != tlvBodySize || len(body) != tlvBodySize {
		return info, fmt.Errorf("TLV body of %d bytes (header says %d), want %d", len(body), size, tlvBodySize)
	}

	n := copy(info[:], body[:xeidOffset])
	copy(info[n:], body[xeidOffset+xeidSize:])
	return info, nil
}

// Blob renders the hex TLV form, with a zero xeid.
func (p *PlatformInfo) Blob() string {
	raw := make([]byte, tlvHeaderSize+tlvBodySize)
	raw[0] = tlvType
	raw[1] = 2
	binary.BigEndian.PutUint16(raw[2:4], tlvBodySize)
	body := raw[tlvHeaderSize:]
	copy(body, p[:xeidOffset])
	copy(body[xeidOffset+xeidSize:], p[xeidOffset:])
	return hex.EncodeToString(raw)
}

// EPIDGroupStatus returns the EPID group status flags.
func (p *PlatformInfo) EPIDGroupStatus() byte {
	return p[0]
}

// TCBEvaluationStatus returns the TCB evaluation flags.
func (p *PlatformInfo) TCBEvaluationStatus() uint16 {
	return binary.BigEndian.Uint16(p[1:3])
}

// PSEEvaluationStatus returns the PSE evaluation flags.
func (p *PlatformInfo) PSEEvaluationStatus() uint16 {
	return binary.BigEndian.Uint16(p[3:5])
}

// Signature returns the signature over the blob.
func (p *PlatformInfo) Signature() []byte {
	return p[PlatformInfoSize-platformSigLen:]
}
