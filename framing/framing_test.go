package framing

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"io"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kwonalbert/sgx_ra/messages"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func header(s string) [HeaderSize]byte {
	var h [HeaderSize]byte
	copy(h[:], s)
	return h
}

func headerBytes(s string) []byte {
	h := header(s)
	return h[:]
}

func TestParseHeader(t *testing.T) {
	testCases := map[string]struct {
		header   [HeaderSize]byte
		wantSize int
		wantType messages.Type
		wantErr  error
	}{
		"valid": {
			header:   header("123@2"),
			wantSize: 123,
			wantType: messages.TypeMsg2,
		},
		"full width": {
			header:   header("1048576@4294967295"),
			wantSize: 1 << 20,
			wantType: messages.Type(4294967295),
		},
		"no separator": {
			header:  header("1232"),
			wantErr: ErrMalformedHeader,
		},
		"two separators": {
			header:  header("12@3@4"),
			wantErr: ErrMalformedHeader,
		},
		"missing size": {
			header:  header("@3"),
			wantErr: ErrMalformedHeader,
		},
		"missing type": {
			header:  header("12@"),
			wantErr: ErrMalformedHeader,
		},
		"sign": {
			header:  header("+12@3"),
			wantErr: ErrMalformedHeader,
		},
		"embedded NUL": {
			header:  [HeaderSize]byte{'1', 0, '2', '@', '3'},
			wantErr: ErrMalformedHeader,
		},
		"zero size": {
			header:  header("0@3"),
			wantErr: ErrMalformedHeader,
		},
		"all NUL": {
			header:  [HeaderSize]byte{},
			wantErr: ErrMalformedHeader,
		},
		"above limit": {
			header:  header("4194305@1"),
			wantErr: ErrFrameTooLarge,
		},
		"overflowing size": {
			header:  header("99999999999999999999"),
			wantErr: ErrMalformedHeader,
		},
		"huge size": {
			header:  header("999999999999999999@1"),
			wantErr: ErrFrameTooLarge,
		},
		"type overflows": {
			header:  header("1@4294967296"),
			wantErr: ErrMalformedHeader,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			size, typ, err := ParseHeader(tc.header, DefaultMaxBodySize)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantSize, size)
			assert.Equal(tc.wantType, typ)
		})
	}
}

func TestEncodeHeader(t *testing.T) {
	h, err := EncodeHeader(436, messages.TypeMsg3)
	require.NoError(t, err)
	assert.Equal(t, header("436@3"), h)

	_, err = EncodeHeader(0, messages.TypeMsg3)
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestReadWriteFrame(t *testing.T) {
	require := require.New(t)

	a, b := net.Pipe()
	ca, cb := NewConn(a, 0), NewConn(b, 0)
	defer ca.Close()
	defer cb.Close()

	frames := []Frame{
		{Type: messages.TypeVerification, Body: []byte{0x08, 0x05}},
		{Type: messages.TypeMsg3, Body: make([]byte, 5000)},
	}

	errc := make(chan error, 1)
	go func() {
		for _, f := range frames {
			if err := ca.WriteFrame(f); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	for _, want := range frames {
		got, err := cb.ReadFrame()
		require.NoError(err)
		require.Equal(want, got)
	}
	require.NoError(<-errc)
}

func TestWriteEmptyFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	err := NewConn(a, 0).WriteFrame(Frame{Type: messages.TypeMsg0})
	assert.ErrorIs(t, err, ErrEmptyFrame)
}

func TestReadRejectsOversizeBeforeAllocating(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		h := header("4096@1")
		_, _ = a.Write(h[:])
	}()

	_, err := NewConn(b, 1024).ReadFrame()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadAfterPeerClose(t *testing.T) {
	testCases := map[string][]byte{
		"clean EOF":        nil,
		"truncated header": []byte("12@"),
		"truncated body":   append(headerBytes("10@1"), 1, 2, 3),
	}

	for name, sent := range testCases {
		t.Run(name, func(t *testing.T) {
			a, b := net.Pipe()
			defer b.Close()
			go func() {
				if len(sent) > 0 {
					_, _ = a.Write(sent)
				}
				a.Close()
			}()

			_, err := NewConn(b, 0).ReadFrame()
			assert.ErrorIs(t, err, ErrClosed)
			assert.True(t, errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF))
		})
	}
}

func TestReadDeadline(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	c := NewConn(b, 0)
	var _ Deadliner = c
	require.NoError(t, c.SetReadDeadline(time.Now().Add(10*time.Millisecond)))
	_, err := c.ReadFrame()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestTLSListenDial(t *testing.T) {
	require := require.New(t)

	certFile, keyFile := writeSelfSigned(t)
	serverCfg, err := ServerTLSConfig(certFile, keyFile)
	require.NoError(err)
	clientCfg, err := ClientTLSConfig(certFile, "localhost")
	require.NoError(err)

	lis, err := Listen("127.0.0.1:0", serverCfg)
	require.NoError(err)
	defer lis.Close()

	done := make(chan error, 1)
	go func() {
		conn, err := lis.Accept()
		if err != nil {
			done <- err
			return
		}
		c := NewConn(conn, 0)
		defer c.Close()
		f, err := c.ReadFrame()
		if err != nil {
			done <- err
			return
		}
		done <- c.WriteFrame(f)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, lis.Addr().String(), clientCfg, 0)
	require.NoError(err)
	defer c.Close()

	sent := Frame{Type: messages.TypeMsg1, Body: []byte("hello")}
	require.NoError(c.WriteFrame(sent))
	got, err := c.ReadFrame()
	require.NoError(err)
	require.Equal(sent, got)
	require.NoError(<-done)
}

func TestClientTLSConfigErrors(t *testing.T) {
	_, err := ClientTLSConfig(filepath.Join(t.TempDir(), "missing.pem"), "localhost")
	assert.Error(t, err)

	empty := filepath.Join(t.TempDir(), "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("nothing"), 0o600))
	_, err = ClientTLSConfig(empty, "localhost")
	assert.Error(t, err)
}

func writeSelfSigned(t *testing.T) (string, string) {
	t.Helper()
	require := require.New(t)

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IsCA:         true,

		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	require.NoError(err)
	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}
