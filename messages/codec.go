package messages

import (
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kwonalbert/sgx_ra/kex"
)

var (
	// ErrMalformed is returned for bodies that are not valid encodings.
	ErrMalformed = errors.New("messages: malformed body")
	// ErrTypeMismatch is returned when the embedded type differs from the
	// frame type.
	ErrTypeMismatch = errors.New("messages: embedded type does not match frame type")
	// ErrUnknownType is returned for frame types with no message.
	ErrUnknownType = errors.New("messages: unknown message type")
)

// Field numbers shared by every message.
const (
	fieldType    protowire.Number = 1
	fieldContext protowire.Number = 2
)

// New returns an empty message of type t.
func New(t Type) (Message, error) {
	switch t {
	case TypeVerification:
		return &Verification{}, nil
	case TypeMsg0:
		return &Msg0{}, nil
	case TypeMsg1:
		return &Msg1{}, nil
	case TypeMsg2:
		return &Msg2{}, nil
	case TypeMsg3:
		return &Msg3{}, nil
	case TypeAttestationResult:
		return &AttestationResult{}, nil
	case TypeAttestationAck:
		return &AttestationAck{}, nil
	case TypeHashData:
		return &HashData{}, nil
	case TypeHashDataFinished:
		return &HashDataFinished{}, nil
	case TypeAppResult:
		return &AppResult{}, nil
	case TypeIntersect:
		return &Intersect{}, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint32(t))
	}
}

// Encode serializes m. The type field is always written, so no body is
// empty.
func Encode(m Message) ([]byte, error) {
	if err := validate(m); err != nil {
		return nil, err
	}
	e := &encoder{}
	e.uint(fieldType, uint64(m.Type()))
	if m.Type() != TypeVerification {
		e.uint(fieldContext, uint64(m.Context()))
	}
	m.marshal(e)
	return e.b, nil
}

// Decode parses a body received in a frame of type t.
func Decode(t Type, body []byte) (Message, error) {
	m, err := New(t)
	if err != nil {
		return nil, err
	}
	f, err := parseFields(body)
	if err != nil {
		return nil, err
	}

	embedded, ok := f[fieldType]
	if !ok {
		return nil, fmt.Errorf("%w: missing type field", ErrMalformed)
	}
	if embedded.typ != protowire.VarintType {
		return nil, fmt.Errorf("%w: type field has wire type %d", ErrMalformed, embedded.typ)
	}
	if embedded.varint != uint64(t) {
		return nil, fmt.Errorf("%w: frame %s, body %d", ErrTypeMismatch, t, embedded.varint)
	}

	if err := m.unmarshal(f); err != nil {
		return nil, err
	}
	if err := validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// validate enforces the variable length limits.
func validate(m Message) error {
	switch m := m.(type) {
	case *Msg2:
		if len(m.SigRL) > MaxSigRLSize {
			return fmt.Errorf("%w: SigRL of %d bytes", ErrMalformed, len(m.SigRL))
		}
	case *Msg3:
		if len(m.Quote) < MinQuoteSize || len(m.Quote) > MaxQuoteSize {
			return fmt.Errorf("%w: quote of %d bytes", ErrMalformed, len(m.Quote))
		}
	case *AttestationResult:
		if len(m.Secret.Ciphertext) > MaxPayloadSize {
			return fmt.Errorf("%w: secret of %d bytes", ErrMalformed, len(m.Secret.Ciphertext))
		}
	case *HashData:
		if len(m.Data.Ciphertext) > MaxPayloadSize {
			return fmt.Errorf("%w: data of %d bytes", ErrMalformed, len(m.Data.Ciphertext))
		}
	case *Intersect:
		if len(m.Data.Ciphertext) > MaxPayloadSize {
			return fmt.Errorf("%w: data of %d bytes", ErrMalformed, len(m.Data.Ciphertext))
		}
	}
	return nil
}

type encoder struct {
	b []byte
}

func (e *encoder) uint(num protowire.Number, v uint64) {
	e.b = protowire.AppendTag(e.b, num, protowire.VarintType)
	e.b = protowire.AppendVarint(e.b, v)
}

func (e *encoder) bytes(num protowire.Number, v []byte) {
	e.b = protowire.AppendTag(e.b, num, protowire.BytesType)
	e.b = protowire.AppendBytes(e.b, v)
}

type field struct {
	typ    protowire.Type
	varint uint64
	bytes  []byte
}

// fields maps field numbers to their last occurrence in a body.
type fields map[protowire.Number]field

func parseFields(b []byte) (fields, error) {
	f := fields{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f[num] = field{typ: typ, varint: v}
			b = b[n:]
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f[num] = field{typ: typ, bytes: v}
			b = b[n:]
		default:
			// unknown fields are skipped
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
			}
			f[num] = field{typ: typ}
			b = b[n:]
		}
	}
	return f, nil
}

func (f fields) uint32(num protowire.Number) (uint32, error) {
	v, ok := f[num]
	if !ok {
		return 0, nil
	}
	if v.typ != protowire.VarintType {
		return 0, fmt.Errorf("%w: field %d is not a varint", ErrMalformed, num)
	}
	if v.varint > math.MaxUint32 {
		return 0, fmt.Errorf("%w: field %d overflows uint32", ErrMalformed, num)
	}
	return uint32(v.varint), nil
}

func (f fields) uint16(num protowire.Number) (uint16, error) {
	v, err := f.uint32(num)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint16 {
		return 0, fmt.Errorf("%w: field %d overflows uint16", ErrMalformed, num)
	}
	return uint16(v), nil
}

func (f fields) byte(num protowire.Number) (byte, error) {
	v, err := f.uint32(num)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint8 {
		return 0, fmt.Errorf("%w: field %d overflows a byte", ErrMalformed, num)
	}
	return byte(v), nil
}

// fixed copies a bytes field that must be exactly len(dst) long.
func (f fields) fixed(num protowire.Number, dst []byte) error {
	v, ok := f[num]
	if !ok {
		return fmt.Errorf("%w: missing field %d", ErrMalformed, num)
	}
	if v.typ != protowire.BytesType {
		return fmt.Errorf("%w: field %d is not bytes", ErrMalformed, num)
	}
	if len(v.bytes) != len(dst) {
		return fmt.Errorf("%w: field %d is %d bytes, want %d", ErrMalformed, num, len(v.bytes), len(dst))
	}
	copy(dst, v.bytes)
	return nil
}

// variable returns a copy of a bytes field of at most max bytes.
func (f fields) variable(num protowire.Number, limit int) ([]byte, error) {
	v, ok := f[num]
	if !ok {
		return nil, nil
	}
	if v.typ != protowire.BytesType {
		return nil, fmt.Errorf("%w: field %d is not bytes", ErrMalformed, num)
	}
	if len(v.bytes) > limit {
		return nil, fmt.Errorf("%w: field %d is %d bytes, limit %d", ErrMalformed, num, len(v.bytes), limit)
	}
	out := make([]byte, len(v.bytes))
	copy(out, v.bytes)
	return out, nil
}

func (f fields) context() (uint32, error) {
	return f.uint32(fieldContext)
}

func (f fields) sealed(nonce, tag, data protowire.Number, s *kex.Sealed) error {
	if err := f.fixed(nonce, s.Nonce[:]); err != nil {
		return err
	}
	if err := f.fixed(tag, s.Tag[:]); err != nil {
		return err
	}
	ct, err := f.variable(data, MaxPayloadSize)
	if err != nil {
		return err
	}
	s.Ciphertext = ct
	return nil
}

func (*Verification) marshal(*encoder) {}

func (*Verification) unmarshal(fields) error { return nil }

func (m *Msg0) marshal(e *encoder) {
	e.uint(3, uint64(m.ExtendedGID))
	e.uint(4, uint64(m.Status))
}

func (m *Msg0) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if m.ExtendedGID, err = f.uint32(3); err != nil {
		return err
	}
	m.Status, err = f.uint32(4)
	return err
}

func (m *Msg1) marshal(e *encoder) {
	e.bytes(3, m.GA[:])
	e.bytes(4, m.GID[:])
}

func (m *Msg1) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if err := f.fixed(3, m.GA[:]); err != nil {
		return err
	}
	return f.fixed(4, m.GID[:])
}

func (m *Msg2) marshal(e *encoder) {
	e.bytes(3, m.GB[:])
	e.bytes(4, m.SPID[:])
	e.uint(5, uint64(m.QuoteType))
	e.uint(6, uint64(m.KDFID))
	e.bytes(7, m.Signature[:])
	e.bytes(8, m.MAC[:])
	e.uint(9, uint64(len(m.SigRL)))
	e.bytes(10, m.SigRL)
}

func (m *Msg2) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if err := f.fixed(3, m.GB[:]); err != nil {
		return err
	}
	if err := f.fixed(4, m.SPID[:]); err != nil {
		return err
	}
	if m.QuoteType, err = f.uint16(5); err != nil {
		return err
	}
	if m.KDFID, err = f.uint16(6); err != nil {
		return err
	}
	if err := f.fixed(7, m.Signature[:]); err != nil {
		return err
	}
	if err := f.fixed(8, m.MAC[:]); err != nil {
		return err
	}
	size, err := f.uint32(9)
	if err != nil {
		return err
	}
	if m.SigRL, err = f.variable(10, MaxSigRLSize); err != nil {
		return err
	}
	if int(size) != len(m.SigRL) {
		return fmt.Errorf("%w: SigRL size %d, got %d bytes", ErrMalformed, size, len(m.SigRL))
	}
	return nil
}

func (m *Msg3) marshal(e *encoder) {
	e.bytes(3, m.MAC[:])
	e.bytes(4, m.GA[:])
	e.bytes(5, m.PSSecProp[:])
	e.bytes(6, m.Quote)
}

func (m *Msg3) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if err := f.fixed(3, m.MAC[:]); err != nil {
		return err
	}
	if err := f.fixed(4, m.GA[:]); err != nil {
		return err
	}
	if err := f.fixed(5, m.PSSecProp[:]); err != nil {
		return err
	}
	m.Quote, err = f.variable(6, MaxQuoteSize)
	return err
}

func (m *AttestationResult) marshal(e *encoder) {
	e.uint(3, uint64(m.QuoteStatus))
	e.uint(4, uint64(m.PSEStatus))
	e.bytes(5, m.PlatformInfo[:])
	e.bytes(6, m.MAC[:])
	e.uint(7, uint64(len(m.Secret.Ciphertext)))
	e.bytes(8, m.Secret.Nonce[:])
	e.bytes(9, m.Secret.Tag[:])
	e.bytes(10, m.Secret.Ciphertext)
}

func (m *AttestationResult) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if m.QuoteStatus, err = f.byte(3); err != nil {
		return err
	}
	if m.PSEStatus, err = f.byte(4); err != nil {
		return err
	}
	if err := f.fixed(5, m.PlatformInfo[:]); err != nil {
		return err
	}
	if err := f.fixed(6, m.MAC[:]); err != nil {
		return err
	}
	size, err := f.uint32(7)
	if err != nil {
		return err
	}
	if err := f.sealed(8, 9, 10, &m.Secret); err != nil {
		return err
	}
	if int(size) != len(m.Secret.Ciphertext) {
		return fmt.Errorf("%w: secret size %d, got %d bytes", ErrMalformed, size, len(m.Secret.Ciphertext))
	}
	return nil
}

func (m *AttestationAck) marshal(e *encoder) {
	e.uint(3, uint64(m.State))
	e.uint(4, uint64(m.ID))
}

func (m *AttestationAck) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if m.State, err = f.uint32(3); err != nil {
		return err
	}
	m.ID, err = f.uint32(4)
	return err
}

func (m *HashData) marshal(e *encoder) {
	e.uint(3, uint64(m.ID))
	e.bytes(4, m.Data.Nonce[:])
	e.bytes(5, m.Data.Tag[:])
	e.bytes(6, m.Data.Ciphertext)
}

func (m *HashData) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if m.ID, err = f.uint32(3); err != nil {
		return err
	}
	return f.sealed(4, 5, 6, &m.Data)
}

func (m *HashDataFinished) marshal(e *encoder) {
	e.uint(3, uint64(m.ID))
}

func (m *HashDataFinished) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	m.ID, err = f.uint32(3)
	return err
}

func (m *AppResult) marshal(e *encoder) {
	e.uint(3, uint64(m.ID))
	e.uint(4, uint64(m.State))
}

func (m *AppResult) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if m.ID, err = f.uint32(3); err != nil {
		return err
	}
	m.State, err = f.uint32(4)
	return err
}

func (m *Intersect) marshal(e *encoder) {
	e.uint(3, uint64(m.ID))
	e.bytes(4, m.Data.Nonce[:])
	e.bytes(5, m.Data.Tag[:])
	e.bytes(6, m.Data.Ciphertext)
}

func (m *Intersect) unmarshal(f fields) (err error) {
	if m.ContextID, err = f.context(); err != nil {
		return err
	}
	if m.ID, err = f.uint32(3); err != nil {
		return err
	}
	return f.sealed(4, 5, 6, &m.Data)
}
