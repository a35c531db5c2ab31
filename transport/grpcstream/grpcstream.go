// Package grpcstream carries attestation frames over a bidirectional
// gRPC stream. One stream is one connection.
package grpcstream

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	sgx_ra "github.com/kwonalbert/sgx_ra"
	"github.com/kwonalbert/sgx_ra/framing"
)

const (
	ServiceName    = "sgx_ra.Attestation"
	exchangeMethod = "/" + ServiceName + "/Exchange"
)

// AttestationServer is the server API of the Attestation service.
type AttestationServer interface {
	Exchange(grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AttestationServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Exchange",
			Handler:       exchangeHandler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "sgx_ra/attestation",
}

func exchangeHandler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(AttestationServer).Exchange(stream)
}

func RegisterAttestationServer(s grpc.ServiceRegistrar, srv AttestationServer) {
	s.RegisterService(&serviceDesc, srv)
}

// ServerOption makes a gRPC server use the frame codec.
func ServerOption() grpc.ServerOption {
	return grpc.ForceServerCodec(Codec{})
}

// Service runs the responder on every Exchange stream.
type Service struct {
	srv *sgx_ra.Server
}

// NewService returns the Attestation service backed by srv.
func NewService(srv *sgx_ra.Server) *Service {
	return &Service{srv: srv}
}

func (s *Service) Exchange(stream grpc.ServerStream) error {
	if err := s.srv.Admit(stream.Context()); err != nil {
		return status.Errorf(codes.ResourceExhausted, "handshake rate exceeded: %v", err)
	}

	var addr net.Addr
	if p, ok := peer.FromContext(stream.Context()); ok {
		addr = p.Addr
	}
	s.srv.ServeConn(stream.Context(), newConn(stream, nil), addr)
	return nil
}

type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// conn adapts a stream to framing.Conn.
type conn struct {
	stream  msgStream
	closeFn func()

	once sync.Once
}

func newConn(stream msgStream, closeFn func()) *conn {
	return &conn{stream: stream, closeFn: closeFn}
}

func (c *conn) ReadFrame() (framing.Frame, error) {
	var f framing.Frame
	if err := c.stream.RecvMsg(&f); err != nil {
		// io.EOF is a clean half-close by the peer
		return framing.Frame{}, fmt.Errorf("%w: %w", framing.ErrClosed, err)
	}
	if f.Empty() {
		return framing.Frame{}, framing.ErrEmptyFrame
	}
	return f, nil
}

func (c *conn) WriteFrame(f framing.Frame) error {
	if f.Empty() {
		return framing.ErrEmptyFrame
	}
	if err := c.stream.SendMsg(&f); err != nil {
		return fmt.Errorf("%w: %w", framing.ErrClosed, err)
	}
	return nil
}

func (c *conn) Close() error {
	c.once.Do(func() {
		if c.closeFn != nil {
			c.closeFn()
		}
	})
	return nil
}

// Dial opens an Exchange stream on cc. Closing the returned connection
// half-closes the stream and waits for the server to end it.
func Dial(ctx context.Context, cc grpc.ClientConnInterface) (framing.Conn, error) {
	ctx, cancel := context.WithCancel(ctx)
	stream, err := cc.NewStream(ctx, &serviceDesc.Streams[0], exchangeMethod, grpc.ForceCodec(Codec{}))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("opening exchange stream: %w", err)
	}

	return newConn(stream, func() {
		defer cancel()
		if err := stream.CloseSend(); err != nil {
			return
		}
		// drain until the server ends the stream so the last frame is
		// not discarded by the cancellation
		var f framing.Frame
		for stream.RecvMsg(&f) == nil {
		}
	}), nil
}
