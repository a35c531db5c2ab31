// Package messages defines the attestation protocol messages and their
// wire encoding.
package messages

import (
	"encoding/binary"
	"fmt"

	"github.com/kwonalbert/sgx_ra/kex"
)

// Type is the message type carried in both the frame header and the body.
type Type uint32

const (
	TypeMsg0 Type = iota
	TypeMsg1
	TypeMsg2
	TypeMsg3
	TypeAttestationResult
	TypeVerification
	TypeAttestationAck
	TypeHashData
	TypeHashDataFinished
	TypeAppResult
	TypeIntersect
)

func (t Type) String() string {
	switch t {
	case TypeMsg0:
		return "MSG0"
	case TypeMsg1:
		return "MSG1"
	case TypeMsg2:
		return "MSG2"
	case TypeMsg3:
		return "MSG3"
	case TypeAttestationResult:
		return "ATT_RESULT"
	case TypeVerification:
		return "VERIFICATION"
	case TypeAttestationAck:
		return "APP_ATT_OK"
	case TypeHashData:
		return "HASH_DATA"
	case TypeHashDataFinished:
		return "HASH_DATA_FINISHED"
	case TypeAppResult:
		return "APP_RESULT"
	case TypeIntersect:
		return "INTERSECT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// Fixed field sizes.
const (
	GIDSize          = 4
	SPIDSize         = 16
	PSSecPropSize    = 256
	PlatformInfoSize = 97

	// MinQuoteSize is the size of a quote without its signature.
	MinQuoteSize = 436
	MaxQuoteSize = 64 << 10

	MaxSigRLSize   = 1 << 20
	MaxPayloadSize = 1 << 20
)

// Msg0 status values.
const (
	StatusOK        uint32 = 0
	StatusTerminate uint32 = 1
)

// Attestation result status bytes.
const (
	ResultOK       byte = 0x00
	ResultWarning  byte = 0x01
	ResultRejected byte = 0xff
)

// Application state values carried by AttestationAck and AppResult.
const (
	StateFailed   uint32 = 0
	StateOK       uint32 = 1
	StateReceived uint32 = 0
	StatePending  uint32 = 1
)

// KDFID is the only key derivation function id in use.
const KDFID uint16 = 1

// Quote types.
const (
	QuoteUnlinkable uint16 = 0
	QuoteLinkable   uint16 = 1
)

// Message is implemented by every protocol message.
type Message interface {
	Type() Type
	Context() uint32

	marshal(e *encoder)
	unmarshal(f fields) error
}

// Verification opens a handshake. It is sent by the service provider.
type Verification struct{}

// Msg0 carries the extended EPID group id from the enclave host, and the
// service provider's verdict on it in the reply.
type Msg0 struct {
	ContextID   uint32
	ExtendedGID uint32
	Status      uint32
}

// Msg1 carries the enclave's ephemeral public key and its EPID group id.
type Msg1 struct {
	ContextID uint32
	GA        kex.PublicKey
	GID       [GIDSize]byte
}

// Msg2 is the service provider's key exchange message.
type Msg2 struct {
	ContextID uint32
	GB        kex.PublicKey
	SPID      [SPIDSize]byte
	QuoteType uint16
	KDFID     uint16
	Signature kex.Signature
	MAC       kex.MAC
	SigRL     []byte
}

// MACInput returns gb || spid || quote_type || kdf_id || signature, the
// bytes covered by the Msg2 CMAC.
func (m *Msg2) MACInput() []byte {
	b := make([]byte, 0, kex.PublicKeySize+SPIDSize+4+kex.SignatureSize)
	b = append(b, m.GB[:]...)
	b = append(b, m.SPID[:]...)
	b = binary.LittleEndian.AppendUint16(b, m.QuoteType)
	b = binary.LittleEndian.AppendUint16(b, m.KDFID)
	b = append(b, m.Signature[:]...)
	return b
}

// Msg3 carries the enclave's quote.
type Msg3 struct {
	ContextID uint32
	MAC       kex.MAC
	GA        kex.PublicKey
	PSSecProp [PSSecPropSize]byte
	Quote     []byte
}

// MACInput returns ga || ps_sec_prop || quote, the bytes covered by the
// Msg3 CMAC.
func (m *Msg3) MACInput() []byte {
	b := make([]byte, 0, kex.PublicKeySize+PSSecPropSize+len(m.Quote))
	b = append(b, m.GA[:]...)
	b = append(b, m.PSSecProp[:]...)
	b = append(b, m.Quote...)
	return b
}

// AttestationResult is the service provider's verdict. Its shape does not
// depend on the verdict.
type AttestationResult struct {
	ContextID    uint32
	QuoteStatus  byte
	PSEStatus    byte
	PlatformInfo [PlatformInfoSize]byte
	MAC          kex.MAC
	Secret       kex.Sealed
}

// MACInput returns quote_status || pse_status || platform_info, the bytes
// covered by the result CMAC.
func (m *AttestationResult) MACInput() []byte {
	b := make([]byte, 0, 2+PlatformInfoSize)
	b = append(b, m.QuoteStatus, m.PSEStatus)
	b = append(b, m.PlatformInfo[:]...)
	return b
}

// AttestationAck tells the service provider whether the enclave accepted
// the attestation result.
type AttestationAck struct {
	ContextID uint32
	State     uint32
	ID        uint32
}

// HashData is one block of application data encrypted under SK.
type HashData struct {
	ContextID uint32
	ID        uint32
	Data      kex.Sealed
}

// HashDataFinished marks the end of the application data.
type HashDataFinished struct {
	ContextID uint32
	ID        uint32
}

// AppResult acknowledges application data.
type AppResult struct {
	ContextID uint32
	ID        uint32
	State     uint32
}

// Intersect carries the enclave's final application result encrypted
// under SK.
type Intersect struct {
	ContextID uint32
	ID        uint32
	Data      kex.Sealed
}

func (*Verification) Type() Type      { return TypeVerification }
func (*Msg0) Type() Type              { return TypeMsg0 }
func (*Msg1) Type() Type              { return TypeMsg1 }
func (*Msg2) Type() Type              { return TypeMsg2 }
func (*Msg3) Type() Type              { return TypeMsg3 }
func (*AttestationResult) Type() Type { return TypeAttestationResult }
func (*AttestationAck) Type() Type    { return TypeAttestationAck }
func (*HashData) Type() Type          { return TypeHashData }
func (*HashDataFinished) Type() Type  { return TypeHashDataFinished }
func (*AppResult) Type() Type         { return TypeAppResult }
func (*Intersect) Type() Type         { return TypeIntersect }

func (*Verification) Context() uint32        { return 0 }
func (m *Msg0) Context() uint32              { return m.ContextID }
func (m *Msg1) Context() uint32              { return m.ContextID }
func (m *Msg2) Context() uint32              { return m.ContextID }
func (m *Msg3) Context() uint32              { return m.ContextID }
func (m *AttestationResult) Context() uint32 { return m.ContextID }
func (m *AttestationAck) Context() uint32    { return m.ContextID }
func (m *HashData) Context() uint32          { return m.ContextID }
func (m *HashDataFinished) Context() uint32  { return m.ContextID }
func (m *AppResult) Context() uint32         { return m.ContextID }
func (m *Intersect) Context() uint32         { return m.ContextID }
