package sgx_ra

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kwonalbert/sgx_ra/framing"
	"github.com/kwonalbert/sgx_ra/messages"
)

// Handler is one side of the handshake on one connection. Handle
// returns the reply to a frame; an empty reply closes the connection.
type Handler interface {
	// Open returns the frame to send before reading, if any.
	Open() (framing.Frame, bool)
	Handle(ctx context.Context, f framing.Frame) (framing.Frame, error)
	// Done reports whether the handler accepts no further frames.
	Done() bool
	// Close releases everything the handler holds. It is called exactly
	// once, when the connection ends for any reason.
	Close()
}

// Serve runs the strictly alternating request/response loop of h on
// conn until the handler is done, a reply is empty, an error occurs or
// ctx is canceled. conn and h are closed on return.
func Serve(ctx context.Context, conn framing.Conn, h Handler, readTimeout time.Duration) error {
	defer h.Close()
	defer conn.Close()

	// unblock a pending read when ctx ends
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if f, ok := h.Open(); ok {
		if err := conn.WriteFrame(f); err != nil {
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}
	}

	deadliner, _ := conn.(framing.Deadliner)
	for !h.Done() {
		if deadliner != nil && readTimeout > 0 {
			if err := deadliner.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				return fmt.Errorf("%w: %w", ErrTransport, err)
			}
		}

		f, err := conn.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w: %w", ErrTransport, err)
		}

		reply, herr := h.Handle(ctx, f)
		if !reply.Empty() {
			if err := conn.WriteFrame(reply); err != nil {
				return errors.Join(herr, fmt.Errorf("%w: %w", ErrTransport, err))
			}
		}
		if herr != nil {
			return herr
		}
		if reply.Empty() {
			return nil
		}
	}
	return nil
}

// frame encodes m into a frame.
func frame(m messages.Message) (framing.Frame, error) {
	body, err := messages.Encode(m)
	if err != nil {
		return framing.Frame{}, spError(SPInternalError, "encoding %s: %w", m.Type(), err)
	}
	return framing.Frame{Type: m.Type(), Body: body}, nil
}

// decode parses a frame into a message.
func decode(f framing.Frame) (messages.Message, error) {
	m, err := messages.Decode(f.Type, f.Body)
	if err != nil {
		return nil, spError(SPProtocolError, "%w: %w", ErrDecode, err)
	}
	return m, nil
}
