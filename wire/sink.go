package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/gokvm/blockmig/ratelimit"
)

// Sink is the byte-stream transport collaborator the Encoder writes
// through (spec §6.1): big-endian put primitives, an explicit flush,
// and the rate-limit query the engine's send path (spec §4.6) and
// iterate loop (spec §4.9) use for backpressure.
type Sink interface {
	PutU64BE(word uint64) error
	PutU8(b byte) error
	PutBytes(b []byte) error
	Flush() error
	RateLimited() bool
	WindowBytes() int64
	Err() error
}

// Source is the byte-stream transport collaborator the Receiver reads
// through (spec §6.1/§4.10).
type Source interface {
	GetU64BE() (uint64, error)
	GetU8() (byte, error)
	GetBytes(b []byte) error
	Err() error
}

// ErrTruncated is returned when the underlying reader ends before a
// fully-framed value can be read.
var ErrTruncated = errors.New("wire: truncated stream")

// StreamSink adapts an io.Writer plus a ratelimit.Budget into a Sink.
// It buffers writes (mirroring the bufio use elsewhere in the donor,
// e.g. vmm/vmm.go's stdin reader) and keeps the first error it sees.
type StreamSink struct {
	w      *bufio.Writer
	budget *ratelimit.Budget
	err    error
}

// NewStreamSink wraps w, charging every write against budget.
func NewStreamSink(w io.Writer, budget *ratelimit.Budget) *StreamSink {
	return &StreamSink{w: bufio.NewWriter(w), budget: budget}
}

func (s *StreamSink) fail(err error) error {
	if s.err == nil && err != nil {
		s.err = err
	}

	return err
}

func (s *StreamSink) PutU64BE(word uint64) error {
	if s.err != nil {
		return s.err
	}

	var b [8]byte

	binary.BigEndian.PutUint64(b[:], word)

	if _, err := s.w.Write(b[:]); err != nil {
		return s.fail(err)
	}

	s.budget.Consume(8)

	return nil
}

func (s *StreamSink) PutU8(b byte) error {
	if s.err != nil {
		return s.err
	}

	if err := s.w.WriteByte(b); err != nil {
		return s.fail(err)
	}

	s.budget.Consume(1)

	return nil
}

func (s *StreamSink) PutBytes(b []byte) error {
	if s.err != nil {
		return s.err
	}

	if _, err := s.w.Write(b); err != nil {
		return s.fail(err)
	}

	s.budget.Consume(int64(len(b)))

	return nil
}

func (s *StreamSink) Flush() error {
	if s.err != nil {
		return s.err
	}

	return s.fail(s.w.Flush())
}

func (s *StreamSink) RateLimited() bool { return s.budget.RateLimited() }

func (s *StreamSink) WindowBytes() int64 { return s.budget.WindowBytes() }

func (s *StreamSink) Err() error { return s.err }

// StreamSource adapts an io.Reader into a Source.
type StreamSource struct {
	r   *bufio.Reader
	err error
}

// NewStreamSource wraps r.
func NewStreamSource(r io.Reader) *StreamSource {
	return &StreamSource{r: bufio.NewReader(r)}
}

func (s *StreamSource) fail(err error) error {
	if s.err == nil && err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrTruncated
		}

		s.err = err
	}

	return s.err
}

func (s *StreamSource) GetU64BE() (uint64, error) {
	var b [8]byte

	if _, err := io.ReadFull(s.r, b[:]); err != nil {
		return 0, s.fail(err)
	}

	return binary.BigEndian.Uint64(b[:]), nil
}

func (s *StreamSource) GetU8() (byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, s.fail(err)
	}

	return b, nil
}

func (s *StreamSource) GetBytes(b []byte) error {
	if _, err := io.ReadFull(s.r, b); err != nil {
		return s.fail(err)
	}

	return nil
}

func (s *StreamSource) Err() error { return s.err }
