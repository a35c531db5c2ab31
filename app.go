package sgx_ra

import (
	"bytes"
	"context"
	"sync"
)

// AppSource feeds application data to an attested enclave and receives
// its final result. It is used by the service provider.
type AppSource interface {
	// Next returns the next block to send, or false once there is
	// none left.
	Next(ctx context.Context) ([]byte, bool, error)
	// Result receives the decrypted result of the enclave.
	Result(ctx context.Context, result []byte) error
}

// AppSink consumes application data inside the enclave host and
// produces the result. It is used by the initiator.
type AppSink interface {
	Consume(ctx context.Context, data []byte) error
	// Result returns the result, or false if it is not ready yet.
	Result(ctx context.Context) ([]byte, bool, error)
}

// SliceSource sends a fixed list of blocks and keeps the result.
type SliceSource struct {
	mu     sync.Mutex
	blocks [][]byte
	next   int
	result []byte
	done   bool
}

// NewSliceSource returns a source sending blocks in order.
func NewSliceSource(blocks ...[]byte) *SliceSource {
	return &SliceSource{blocks: blocks}
}

func (s *SliceSource) Next(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.blocks) {
		return nil, false, nil
	}
	b := s.blocks[s.next]
	s.next++
	return b, true, nil
}

func (s *SliceSource) Result(_ context.Context, result []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = append([]byte(nil), result...)
	s.done = true
	return nil
}

// Received returns the result and whether one arrived.
func (s *SliceSource) Received() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.done
}

// BufferSink collects every block. Its result is the concatenation of
// the blocks, reported as not ready for the first Pending polls.
type BufferSink struct {
	mu      sync.Mutex
	blocks  [][]byte
	Pending int
	polls   int
}

func (s *BufferSink) Consume(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, append([]byte(nil), data...))
	return nil
}

func (s *BufferSink) Result(context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.polls++
	if s.polls <= s.Pending {
		return nil, false, nil
	}
	return bytes.Join(s.blocks, nil), true, nil
}

// Blocks returns the blocks consumed so far.
func (s *BufferSink) Blocks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.blocks...)
}

// Polls returns how many times Result was called.
func (s *BufferSink) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}
