package serial

import (
	"errors"
	"io"
	"sync"

	"github.com/smallnest/ringbuffer"
)

// ErrNoData is returned by Stream reads when nothing has been received.
var ErrNoData = errors.New("serial: no data available")

// DefaultStreamBuffer is the ring size used by NewStream for size <= 0.
const DefaultStreamBuffer = 1024

// Stream is a byte-oriented view of a Port for code that expects a serial
// device. Inbound messages are concatenated, so their boundaries are lost.
// Reads never block; they return ErrNoData when nothing is buffered.
type Stream struct {
	port *Port

	mu      sync.Mutex
	rb      *ringbuffer.RingBuffer
	pending []byte // tail of a message that did not fit in rb
}

// NewStream returns a Stream reading from and writing to p.
func NewStream(p *Port, size int) *Stream {
	if size <= 0 {
		size = DefaultStreamBuffer
	}
	return &Stream{port: p, rb: ringbuffer.New(size)}
}

// fill moves queued messages into the ring until it is full or the queue
// is drained (caller must hold mu).
func (s *Stream) fill() {
	for {
		if len(s.pending) == 0 {
			msg, ok := s.port.Receive()
			if !ok {
				return
			}
			s.pending = []byte(msg)
			continue
		}
		free := s.rb.Free()
		if free == 0 {
			return
		}
		n := min(free, len(s.pending))
		written, err := s.rb.Write(s.pending[:n])
		s.pending = s.pending[written:]
		if err != nil {
			return
		}
	}
}

// Read reads up to len(b) received bytes.
func (s *Stream) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	if s.rb.IsEmpty() {
		return 0, ErrNoData
	}
	return s.rb.Read(b)
}

// ReadByte reads one received byte.
func (s *Stream) ReadByte() (byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	if s.rb.IsEmpty() {
		return 0, ErrNoData
	}
	return s.rb.ReadByte()
}

// Buffered returns how many bytes can be read without waiting for the
// central, counting at most one queued message beyond the ring.
func (s *Stream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill()
	return s.rb.Length() + len(s.pending)
}

// Write sends b to the central as a single notification.
func (s *Stream) Write(b []byte) (int, error) {
	if err := s.port.Send(string(b)); err != nil {
		return 0, err
	}
	return len(b), nil
}

var (
	_ io.ReadWriter = (*Stream)(nil)
	_ io.ByteReader = (*Stream)(nil)
)
