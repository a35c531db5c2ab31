package messages

import (
	"bytes"
	"testing"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kwonalbert/sgx_ra/kex"
)

func testMsg2() *Msg2 {
	m := &Msg2{
		ContextID: 7,
		QuoteType: QuoteLinkable,
		KDFID:     KDFID,
		SigRL:     []byte{1, 2, 3},
	}
	m.GB[0] = 0xaa
	m.SPID[15] = 0x01
	m.Signature[63] = 0x02
	m.MAC[0] = 0x03
	return m
}

func testMsg3() *Msg3 {
	m := &Msg3{ContextID: 7, Quote: bytes.Repeat([]byte{0x5a}, MinQuoteSize)}
	m.GA[1] = 0xbb
	m.PSSecProp[255] = 0x04
	return m
}

func TestEncodeDecode(t *testing.T) {
	sealed := kex.Sealed{Ciphertext: []byte("payload")}
	sealed.Nonce[0] = 1
	sealed.Tag[0] = 2

	testCases := map[string]Message{
		"verification":       &Verification{},
		"msg0 request":       &Msg0{ExtendedGID: 0},
		"msg0 terminate":     &Msg0{ContextID: 3, ExtendedGID: 9, Status: StatusTerminate},
		"msg1":               &Msg1{ContextID: 1, GA: kex.PublicKey{1, 2, 3}, GID: [4]byte{0, 0, 0x0b, 0x58}},
		"msg2":               testMsg2(),
		"msg2 empty SigRL":   &Msg2{ContextID: 1, KDFID: KDFID, SigRL: []byte{}},
		"msg3":               testMsg3(),
		"attestation result": &AttestationResult{ContextID: 2, QuoteStatus: ResultWarning, PSEStatus: ResultOK, Secret: sealed},
		"attestation ack":    &AttestationAck{ContextID: 2, State: StateOK, ID: 2},
		"hash data":          &HashData{ContextID: 2, ID: 5, Data: sealed},
		"hash data finished": &HashDataFinished{ContextID: 2, ID: 5},
		"app result":         &AppResult{ContextID: 2, ID: 5, State: StatePending},
		"intersect":          &Intersect{ContextID: 2, ID: 5, Data: sealed},
	}

	for name, msg := range testCases {
		t.Run(name, func(t *testing.T) {
			require := require.New(t)

			body, err := Encode(msg)
			require.NoError(err)
			require.NotEmpty(body)

			decoded, err := Decode(msg.Type(), body)
			require.NoError(err)
			require.Equal(msg.Type(), decoded.Type())
			require.Equal(msg.Context(), decoded.Context())

			// empty and nil SigRL both decode to an empty slice
			if m, ok := msg.(*Msg2); ok && len(m.SigRL) == 0 {
				assert.Empty(t, decoded.(*Msg2).SigRL)
				return
			}
			require.Equal(msg, decoded)
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	msg2, err := Encode(testMsg2())
	require.NoError(t, err)
	msg3, err := Encode(testMsg3())
	require.NoError(t, err)

	shortGA := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	shortGA = protowire.AppendVarint(shortGA, uint64(TypeMsg1))
	shortGA = protowire.AppendTag(shortGA, 3, protowire.BytesType)
	shortGA = protowire.AppendBytes(shortGA, make([]byte, 63))
	shortGA = protowire.AppendTag(shortGA, 4, protowire.BytesType)
	shortGA = protowire.AppendBytes(shortGA, make([]byte, 4))

	badSigRLSize := protowire.AppendTag(append([]byte{}, msg2...), 9, protowire.VarintType)
	badSigRLSize = protowire.AppendVarint(badSigRLSize, 99)

	wrongWireType := protowire.AppendTag(append([]byte{}, msg2...), 5, protowire.BytesType)
	wrongWireType = protowire.AppendBytes(wrongWireType, []byte{1})

	quoteType := protowire.AppendTag(append([]byte{}, msg2...), 5, protowire.VarintType)
	quoteType = protowire.AppendVarint(quoteType, 1<<16)

	testCases := map[string]struct {
		typ     Type
		body    []byte
		wantErr error
	}{
		"frame type differs": {
			typ:     TypeMsg3,
			body:    msg2,
			wantErr: ErrTypeMismatch,
		},
		"unknown type": {
			typ:     Type(42),
			body:    msg2,
			wantErr: ErrUnknownType,
		},
		"empty body": {
			typ:     TypeMsg2,
			body:    nil,
			wantErr: ErrMalformed,
		},
		"truncated": {
			typ:     TypeMsg2,
			body:    msg2[:len(msg2)-1],
			wantErr: ErrMalformed,
		},
		"short public key": {
			typ:     TypeMsg1,
			body:    shortGA,
			wantErr: ErrMalformed,
		},
		"SigRL size mismatch": {
			typ:     TypeMsg2,
			body:    badSigRLSize,
			wantErr: ErrMalformed,
		},
		"wrong wire type": {
			typ:     TypeMsg2,
			body:    wrongWireType,
			wantErr: ErrMalformed,
		},
		"quote type overflows": {
			typ:     TypeMsg2,
			body:    quoteType,
			wantErr: ErrMalformed,
		},
		"quote too short": {
			typ:     TypeMsg3,
			body:    msg3[:len(msg3)-10],
			wantErr: ErrMalformed,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.typ, tc.body)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func TestDecodeSkipsUnknownFields(t *testing.T) {
	body, err := Encode(&AppResult{ContextID: 1, ID: 2, State: StateOK})
	require.NoError(t, err)
	body = protowire.AppendTag(body, 99, protowire.Fixed32Type)
	body = protowire.AppendFixed32(body, 0xdeadbeef)
	body = protowire.AppendTag(body, 100, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("extension"))

	m, err := Decode(TypeAppResult, body)
	require.NoError(t, err)
	assert.Equal(t, &AppResult{ContextID: 1, ID: 2, State: StateOK}, m)
}

func TestEncodeRejectsOversize(t *testing.T) {
	m := testMsg2()
	m.SigRL = make([]byte, MaxSigRLSize+1)
	_, err := Encode(m)
	assert.ErrorIs(t, err, ErrMalformed)

	q := testMsg3()
	q.Quote = q.Quote[:MinQuoteSize-1]
	_, err = Encode(q)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMACInput(t *testing.T) {
	assert := assert.New(t)

	m2 := testMsg2()
	in := m2.MACInput()
	assert.Len(in, 64+16+2+2+64)
	assert.Equal(m2.GB[:], in[:64])
	assert.Equal(m2.SPID[:], in[64:80])
	assert.Equal([]byte{0x01, 0x00}, in[80:82], "quote type is little endian")
	assert.Equal([]byte{0x01, 0x00}, in[82:84], "kdf id is little endian")
	assert.Equal(m2.Signature[:], in[84:])

	m3 := testMsg3()
	in = m3.MACInput()
	assert.Len(in, 64+256+len(m3.Quote))
	assert.Equal(m3.GA[:], in[:64])
	assert.Equal(m3.Quote, in[320:])

	res := &AttestationResult{QuoteStatus: ResultRejected, PSEStatus: ResultOK}
	res.PlatformInfo[96] = 0x11
	in = res.MACInput()
	assert.Len(in, 2+PlatformInfoSize)
	assert.Equal([]byte{0xff, 0x00}, in[:2])
	assert.Equal(byte(0x11), in[len(in)-1])
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "ATT_RESULT", TypeAttestationResult.String())
	assert.Equal(t, "APP_ATT_OK", TypeAttestationAck.String())
	assert.Equal(t, "UNKNOWN(77)", Type(77).String())
}

func FuzzDecode(f *testing.F) {
	for _, m := range []Message{testMsg2(), testMsg3(), &Verification{}} {
		body, err := Encode(m)
		require.NoError(f, err)
		f.Add(uint32(m.Type()), body)
	}
	f.Fuzz(func(t *testing.T, typ uint32, body []byte) {
		assert := assert.New(t)
		assert.NotPanics(func() { _, _ = Decode(Type(typ%12), body) })
	})
}

func FuzzEncodeMsg2(f *testing.F) {
	f.Fuzz(func(t *testing.T, a []byte) {
		target := Msg2{}
		fuzzConsumer := fuzzheaders.NewConsumer(a)
		if err := fuzzConsumer.GenerateStruct(&target); err != nil {
			return
		}

		body, err := Encode(&target)
		if err != nil {
			return
		}
		decoded, err := Decode(TypeMsg2, body)
		require.NoError(t, err)
		assert.Equal(t, target.MACInput(), decoded.(*Msg2).MACInput())
	})
}
