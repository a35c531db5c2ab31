package grpcstream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/messages"
)

func TestCodec(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	in := &framing.Frame{Type: messages.TypeMsg2, Body: []byte{0x08, 0x02}}
	b, err := Codec{}.Marshal(in)
	require.NoError(err)

	// unknown fields are skipped
	b = protowire.AppendTag(b, 9, protowire.BytesType)
	b = protowire.AppendBytes(b, []byte("future"))

	var out framing.Frame
	require.NoError(Codec{}.Unmarshal(b, &out))
	assert.Equal(*in, out)
	assert.Equal(CodecName, Codec{}.Name())
}

func TestCodecErrors(t *testing.T) {
	oversized := protowire.AppendTag(nil, fieldType, protowire.VarintType)
	oversized = protowire.AppendVarint(oversized, 1<<40)

	truncated := protowire.AppendTag(nil, fieldBody, protowire.BytesType)
	truncated = protowire.AppendVarint(truncated, 10)
	truncated = append(truncated, 1, 2)

	testCases := map[string]struct {
		data []byte
	}{
		"bad tag":        {data: []byte{0x80}},
		"oversized type": {data: oversized},
		"truncated body": {data: truncated},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			var f framing.Frame
			assert.ErrorIs(t, Codec{}.Unmarshal(tc.data, &f), framing.ErrMalformedHeader)
		})
	}

	_, err := Codec{}.Marshal("frame")
	assert.Error(t, err)
	assert.Error(t, Codec{}.Unmarshal(nil, new(string)))
}
