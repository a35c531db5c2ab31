// Package framing reads and writes the length-prefixed, type-tagged frames
// that carry protocol messages over a byte stream.
//
// Every frame starts with a 20 byte ASCII header "<size>@<type>", padded
// with NUL bytes, followed by exactly size body bytes.
package framing

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/kwonalbert/sgx_ra/messages"
)

const (
	// HeaderSize is the fixed size of a frame header.
	HeaderSize = 20
	// DefaultMaxBodySize bounds the body size a reader will accept.
	DefaultMaxBodySize = 4 << 20
)

var (
	// ErrMalformedHeader is returned for headers that do not parse.
	ErrMalformedHeader = errors.New("framing: malformed header")
	// ErrFrameTooLarge is returned for sizes above the configured limit.
	ErrFrameTooLarge = errors.New("framing: frame too large")
	// ErrClosed is returned once the stream is gone.
	ErrClosed = errors.New("framing: connection closed")
	// ErrEmptyFrame is returned when writing a frame without a body. An
	// empty body means the connection should be closed instead.
	ErrEmptyFrame = errors.New("framing: empty frame body")
)

// Frame is one unit on the wire.
type Frame struct {
	Type messages.Type
	Body []byte
}

// Empty reports whether f carries no body, which callers treat as a
// request to close the connection.
func (f Frame) Empty() bool {
	return len(f.Body) == 0
}

// Conn is a frame oriented connection.
type Conn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Deadliner is implemented by connections whose reads can time out.
type Deadliner interface {
	SetReadDeadline(time.Time) error
}

// EncodeHeader builds the header for a body of size bytes.
func EncodeHeader(size int, t messages.Type) ([HeaderSize]byte, error) {
	var h [HeaderSize]byte
	if size <= 0 {
		return h, ErrEmptyFrame
	}
	s := strconv.Itoa(size) + "@" + strconv.FormatUint(uint64(t), 10)
	if len(s) > HeaderSize {
		return h, fmt.Errorf("%w: %q does not fit", ErrMalformedHeader, s)
	}
	copy(h[:], s)
	return h, nil
}

// ParseHeader validates a header and returns the body size and type.
// Nothing is allocated for a body before its size is checked here.
func ParseHeader(h [HeaderSize]byte, maxBody int) (int, messages.Type, error) {
	end := HeaderSize
	for end > 0 && h[end-1] == 0 {
		end--
	}
	s := h[:end]

	at := -1
	for i, c := range s {
		switch {
		case c == '@':
			if at >= 0 {
				return 0, 0, fmt.Errorf("%w: more than one separator", ErrMalformedHeader)
			}
			at = i
		case c < '0' || c > '9':
			return 0, 0, fmt.Errorf("%w: unexpected byte 0x%02x", ErrMalformedHeader, c)
		}
	}
	if at <= 0 || at == len(s)-1 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedHeader, s)
	}

	size, err := strconv.ParseUint(string(s[:at]), 10, 63)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: size: %v", ErrFrameTooLarge, err)
	}
	if size == 0 {
		return 0, 0, fmt.Errorf("%w: zero size", ErrMalformedHeader)
	}
	if size > uint64(maxBody) {
		return 0, 0, fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, size, maxBody)
	}

	t, err := strconv.ParseUint(string(s[at+1:]), 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: type: %v", ErrMalformedHeader, err)
	}
	return int(size), messages.Type(t), nil
}

// StreamConn frames a net.Conn.
type StreamConn struct {
	conn    net.Conn
	maxBody int

	writeMu sync.Mutex
}

// NewConn wraps c. A maxBody of zero or less selects DefaultMaxBodySize.
func NewConn(c net.Conn, maxBody int) *StreamConn {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodySize
	}
	return &StreamConn{conn: c, maxBody: maxBody}
}

// ReadFrame blocks until one complete frame is read.
func (c *StreamConn) ReadFrame() (Frame, error) {
	var h [HeaderSize]byte
	if _, err := io.ReadFull(c.conn, h[:]); err != nil {
		return Frame{}, fmt.Errorf("%w: reading header: %w", ErrClosed, err)
	}
	size, t, err := ParseHeader(h, c.maxBody)
	if err != nil {
		return Frame{}, err
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(c.conn, body); err != nil {
		return Frame{}, fmt.Errorf("%w: reading %d byte body: %w", ErrClosed, size, err)
	}
	return Frame{Type: t, Body: body}, nil
}

// WriteFrame writes f as one header+body write.
func (c *StreamConn) WriteFrame(f Frame) error {
	h, err := EncodeHeader(len(f.Body), f.Type)
	if err != nil {
		return err
	}
	if len(f.Body) > c.maxBody {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFrameTooLarge, len(f.Body), c.maxBody)
	}

	buf := make([]byte, 0, HeaderSize+len(f.Body))
	buf = append(buf, h[:]...)
	buf = append(buf, f.Body...)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(buf); err != nil {
		return fmt.Errorf("%w: writing frame: %w", ErrClosed, err)
	}
	return nil
}

// SetReadDeadline forwards to the underlying connection.
func (c *StreamConn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer address.
func (c *StreamConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the underlying connection.
func (c *StreamConn) Close() error {
	return c.conn.Close()
}
