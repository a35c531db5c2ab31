package ias

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatformInfoBlob(t *testing.T) {
	// header, then a body whose bytes count up so offsets are visible
	body := make([]byte, tlvBodySize)
	for i := range body {
		body[i] = byte(i)
	}
	valid := "15020065" + hex.EncodeToString(body)

	testCases := map[string]struct {
		blob    string
		wantErr bool
	}{
		"valid":          {blob: valid},
		"upper case hex": {blob: strings.ToUpper(valid)},
		"not hex":        {blob: "zz", wantErr: true},
		"short":          {blob: "1502", wantErr: true},
		"wrong type":     {blob: "16020065" + hex.EncodeToString(body), wantErr: true},
		"size mismatch":  {blob: "15020064" + hex.EncodeToString(body), wantErr: true},
		"truncated body": {blob: valid[:len(valid)-2], wantErr: true},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			info, err := ParsePlatformInfoBlob(tc.blob)
			if tc.wantErr {
				assert.Error(err)
				return
			}
			assert.NoError(err)
			// xeid (body bytes 29..32) is dropped
			assert.Equal(body[:29], info[:29])
			assert.Equal(body[33:], info[29:])
			assert.Equal(byte(0), info.EPIDGroupStatus())
			assert.Equal(uint16(0x0102), info.TCBEvaluationStatus())
			assert.Equal(uint16(0x0304), info.PSEEvaluationStatus())
			assert.Equal(body[37:], info.Signature())
		})
	}
}

func TestPlatformInfoBlobRoundTrip(t *testing.T) {
	var info PlatformInfo
	info[0] = 0x80
	info[96] = 0x42

	parsed, err := ParsePlatformInfoBlob(info.Blob())
	require.NoError(t, err)
	assert.Equal(t, info, parsed)
}
