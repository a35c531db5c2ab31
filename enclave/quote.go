package enclave

import (
	"encoding/binary"
	"fmt"
)

// EPID quote layout. The report body starts at offset 48.
const (
	quoteSignTypeOffset   = 2
	quoteGIDOffset        = 4
	quoteAttributesOffset = 96
	quoteMREnclaveOffset  = 112
	quoteMRSignerOffset   = 176
	quoteISVProdIDOffset  = 304
	quoteISVSVNOffset     = 306
	quoteReportDataOffset = 368
	quoteSigLenOffset     = 432

	// QuoteHeaderSize is the size of a quote without its signature.
	QuoteHeaderSize = 436
	ReportDataSize  = 64
	MeasurementSize = 32
	AttributesSize  = 16
)

// FlagDebug is the DEBUG bit of the attribute flags.
const FlagDebug = 0x02

// Quote is a raw EPID quote.
type Quote []byte

// ParseQuote checks that b is long enough and that the signature length
// matches.
func ParseQuote(b []byte) (Quote, error) {
	if len(b) < QuoteHeaderSize {
		return nil, fmt.Errorf("quote of %d bytes is shorter than %d", len(b), QuoteHeaderSize)
	}
	sigLen := binary.LittleEndian.Uint32(b[quoteSigLenOffset:])
	if uint64(sigLen) != uint64(len(b)-QuoteHeaderSize) {
		return nil, fmt.Errorf("quote signature length %d, have %d bytes", sigLen, len(b)-QuoteHeaderSize)
	}
	return Quote(b), nil
}

// SignType returns the quote signature type.
func (q Quote) SignType() uint16 {
	return binary.LittleEndian.Uint16(q[quoteSignTypeOffset:])
}

// GID returns the EPID group id in wire order.
func (q Quote) GID() [4]byte {
	var gid [4]byte
	copy(gid[:], q[quoteGIDOffset:])
	return gid
}

// Attributes returns the enclave attributes (flags then xfrm).
func (q Quote) Attributes() []byte {
	return q[quoteAttributesOffset : quoteAttributesOffset+AttributesSize]
}

// Debug reports whether the enclave runs in debug mode.
func (q Quote) Debug() bool {
	return binary.LittleEndian.Uint64(q.Attributes())&FlagDebug != 0
}

// MREnclave returns the enclave measurement.
func (q Quote) MREnclave() []byte {
	return q[quoteMREnclaveOffset : quoteMREnclaveOffset+MeasurementSize]
}

// MRSigner returns the enclave signer measurement.
func (q Quote) MRSigner() []byte {
	return q[quoteMRSignerOffset : quoteMRSignerOffset+MeasurementSize]
}

// ISVProdID returns the product id.
func (q Quote) ISVProdID() uint16 {
	return binary.LittleEndian.Uint16(q[quoteISVProdIDOffset:])
}

// ISVSVN returns the security version.
func (q Quote) ISVSVN() uint16 {
	return binary.LittleEndian.Uint16(q[quoteISVSVNOffset:])
}

// ReportData returns the 64 byte report data field.
func (q Quote) ReportData() []byte {
	return q[quoteReportDataOffset : quoteReportDataOffset+ReportDataSize]
}

// QuoteFields describes a quote to build with BuildQuote.
type QuoteFields struct {
	SignType   uint16
	GID        [4]byte
	Debug      bool
	MREnclave  [MeasurementSize]byte
	MRSigner   [MeasurementSize]byte
	ISVProdID  uint16
	ISVSVN     uint16
	ReportData [ReportDataSize]byte
	Signature  []byte
}

// BuildQuote lays out f as an EPID quote.
func BuildQuote(f QuoteFields) Quote {
	q := make([]byte, QuoteHeaderSize+len(f.Signature))
	binary.LittleEndian.PutUint16(q[0:], 2)
	binary.LittleEndian.PutUint16(q[quoteSignTypeOffset:], f.SignType)
	copy(q[quoteGIDOffset:], f.GID[:])
	if f.Debug {
		q[quoteAttributesOffset] |= FlagDebug
	}
	// INIT and MODE64BIT
	q[quoteAttributesOffset] |= 0x01 | 0x04
	copy(q[quoteMREnclaveOffset:], f.MREnclave[:])
	copy(q[quoteMRSignerOffset:], f.MRSigner[:])
	binary.LittleEndian.PutUint16(q[quoteISVProdIDOffset:], f.ISVProdID)
	binary.LittleEndian.PutUint16(q[quoteISVSVNOffset:], f.ISVSVN)
	copy(q[quoteReportDataOffset:], f.ReportData[:])
	binary.LittleEndian.PutUint32(q[quoteSigLenOffset:], uint32(len(f.Signature)))
	copy(q[QuoteHeaderSize:], f.Signature)
	return q
}
