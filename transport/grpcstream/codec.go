package grpcstream

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/messages"
)

// CodecName is the content subtype of frames on the stream.
const CodecName = "sgx_ra.frame"

const (
	fieldType protowire.Number = 1
	fieldBody protowire.Number = 2
)

// Codec encodes *framing.Frame as {1: type, 2: body}.
type Codec struct{}

func (Codec) Name() string {
	return CodecName
}

func (Codec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*framing.Frame)
	if !ok {
		return nil, fmt.Errorf("grpcstream: cannot marshal %T", v)
	}
	b := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Type))
	b = protowire.AppendTag(b, fieldBody, protowire.BytesType)
	b = protowire.AppendBytes(b, f.Body)
	return b, nil
}

func (Codec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*framing.Frame)
	if !ok {
		return fmt.Errorf("grpcstream: cannot unmarshal into %T", v)
	}
	*f = framing.Frame{}

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", framing.ErrMalformedHeader, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case num == fieldType && typ == protowire.VarintType:
			t, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", framing.ErrMalformedHeader, protowire.ParseError(n))
			}
			if t > uint64(^uint32(0)) {
				return fmt.Errorf("%w: type %d", framing.ErrMalformedHeader, t)
			}
			f.Type = messages.Type(t)
			data = data[n:]
		case num == fieldBody && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", framing.ErrMalformedHeader, protowire.ParseError(n))
			}
			f.Body = append([]byte(nil), body...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", framing.ErrMalformedHeader, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return nil
}
