package grpcstream_test

import (
	"context"
	"crypto/ecdsa"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	sgx_ra "github.com/kwonalbert/sgx_ra"
	"github.com/kwonalbert/sgx_ra/enclave/sim"
	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/ias"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
	"github.com/kwonalbert/sgx_ra/transport/grpcstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// startServer serves the Attestation service on an in-memory listener
// and returns a client connection to it.
func startServer(t *testing.T, config *sgx_ra.Configuration, opts ...sgx_ra.Option) (*sgx_ra.SessionManager, *ecdsa.PrivateKey, *grpc.ClientConn) {
	t.Helper()
	require := require.New(t)

	sp, err := kex.GenerateKey()
	require.NoError(err)
	opts = append([]sgx_ra.Option{
		sgx_ra.WithAuthority(ias.NewSimulated(ias.QuoteOK)),
		sgx_ra.WithLongTermKey(sp),
	}, opts...)
	sm, err := sgx_ra.NewSessionManager(config, opts...)
	require.NoError(err)

	lis := bufconn.Listen(1 << 20)
	server := grpc.NewServer(grpcstream.ServerOption())
	grpcstream.RegisterAttestationServer(server, grpcstream.NewService(sgx_ra.NewServer(sm)))
	done := make(chan error, 1)
	go func() { done <- server.Serve(lis) }()

	cc, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) { return lis.Dial() }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(err)

	t.Cleanup(func() {
		cc.Close()
		server.Stop()
		assert.NoError(t, <-done)
	})
	return sm, sp, cc
}

func TestExchange(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	source := sgx_ra.NewSliceSource([]byte("over"), []byte("grpc"))
	sm, sp, cc := startServer(t, &sgx_ra.Configuration{},
		sgx_ra.WithAppSource(func(string) sgx_ra.AppSource { return source }))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := grpcstream.Dial(ctx, cc)
	require.NoError(err)

	e := sim.New(sim.Config{SPPublicKey: &sp.PublicKey})
	sink := &sgx_ra.BufferSink{}
	i := sgx_ra.NewInitiator(e, sgx_ra.WithSink(sink))
	require.NoError(sgx_ra.Serve(ctx, conn, i, 5*time.Second))

	assert.Equal(sgx_ra.PhaseClosed, i.Phase())
	assert.Equal(sgx_ra.DefaultSecret, i.Secret())
	assert.Zero(e.OpenContexts())

	// Serve closed conn, which waits for the server to end the stream
	result, ok := source.Received()
	assert.True(ok)
	assert.Equal([]byte("overgrpc"), result)
	assert.Zero(sm.Sessions())
}

func TestExchangeRateLimited(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	// one handshake now, the next one in 1000s
	_, _, cc := startServer(t, &sgx_ra.Configuration{HandshakeRate: 0.001})

	first, err := grpcstream.Dial(context.Background(), cc)
	require.NoError(err)
	defer first.Close()
	f, err := first.ReadFrame()
	require.NoError(err)
	assert.Equal(messages.TypeVerification, f.Type)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	second, err := grpcstream.Dial(ctx, cc)
	require.NoError(err)
	defer second.Close()

	_, err = second.ReadFrame()
	assert.ErrorIs(err, framing.ErrClosed)
	assert.Equal(codes.ResourceExhausted, status.Code(err))
}
