package instruction

import (
	"fmt"
	"sync"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/wire"
)

// StreamSet frames instructions over a byte stream such as TCP.
//
// Receive returns a complete frame left in the residual buffer first and
// otherwise reads a header and then exactly the announced payload.
// Recombine is for callers that read raw chunks themselves (the TCP
// server); it keeps whatever trails the last complete frame for the next
// call.
type StreamSet struct {
	generate Generator

	mu       sync.Mutex
	residual []byte
}

var (
	_ Set        = (*StreamSet)(nil)
	_ Recombiner = (*StreamSet)(nil)
)

// NewStreamSet returns a StreamSet polling with gen, or with the default
// heartbeat when gen is nil.
func NewStreamSet(gen Generator) *StreamSet {
	if gen == nil {
		gen = HeartbeatGenerator
	}
	return &StreamSet{generate: gen}
}

func (s *StreamSet) Generate() []*Description { return s.generate() }

func (s *StreamSet) Receive(dev channel.Device, ch channel.Channel, order *Description) (wire.Frame, error) {
	budget := newBudget(dev, order)
	for {
		f, need, err := s.pop()
		if err != nil || need == 0 {
			return f, err
		}
		buf := make([]byte, need)
		if err := budget.read(ch, buf, need); err != nil {
			return wire.Frame{}, err
		}
		s.mu.Lock()
		s.residual = append(s.residual, buf...)
		s.mu.Unlock()
	}
}

// pop removes the first complete frame from the residual buffer. When the
// buffer holds no complete frame it returns the number of bytes still
// missing; reading exactly that many never consumes a following frame.
func (s *StreamSet) pop() (wire.Frame, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.residual) < wire.HeaderLength {
		if len(s.residual) > 0 && s.residual[0] != wire.HeaderMarker {
			return wire.Frame{}, 0, fmt.Errorf("%w: %w", ErrDesync, wire.ErrBadMarker)
		}
		return wire.Frame{}, wire.HeaderLength - len(s.residual), nil
	}
	h, err := wire.DecodeHeader(s.residual)
	if err != nil {
		return wire.Frame{}, 0, fmt.Errorf("%w: %w", ErrDesync, err)
	}
	if len(s.residual) < h.Size() {
		return wire.Frame{}, h.Size() - len(s.residual), nil
	}
	payload := make([]byte, h.Length)
	copy(payload, s.residual[wire.HeaderLength:h.Size()])
	s.compact(h.Size())
	return wire.Frame{Kind: h.Kind, Status: h.Status, Payload: payload}, 0, nil
}

// Recombine appends raw to the residual buffer and returns the complete
// frames it holds, in order. A partial trailing frame stays buffered.
//
// When the byte at the read position is not a header marker, scanning
// stops: the frames completed before it are returned together with
// ErrDesync and the offending bytes remain buffered until Reset. The
// stream has no resync point, so the owner is expected to drop the
// connection.
func (s *StreamSet) Recombine(raw []byte) ([]wire.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.residual = append(s.residual, raw...)

	var frames []wire.Frame
	pos := 0
	for pos < len(s.residual) {
		rest := s.residual[pos:]
		if rest[0] != wire.HeaderMarker {
			s.compact(pos)
			return frames, ErrDesync
		}
		if len(rest) < wire.HeaderLength {
			break
		}
		h, err := wire.DecodeHeader(rest)
		if err != nil {
			s.compact(pos)
			return frames, fmt.Errorf("%w: %w", ErrDesync, err)
		}
		if len(rest) < h.Size() {
			break
		}
		payload := make([]byte, h.Length)
		copy(payload, rest[wire.HeaderLength:h.Size()])
		frames = append(frames, wire.Frame{Kind: h.Kind, Status: h.Status, Payload: payload})
		pos += h.Size()
	}
	s.compact(pos)
	return frames, nil
}

// Buffered returns the number of residual bytes.
func (s *StreamSet) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.residual)
}

// compact drops the consumed prefix. Callers hold s.mu.
func (s *StreamSet) compact(pos int) {
	if pos == 0 {
		return
	}
	n := copy(s.residual, s.residual[pos:])
	s.residual = s.residual[:n]
}

func (s *StreamSet) Reset() {
	s.mu.Lock()
	s.residual = nil
	s.mu.Unlock()
}

func (s *StreamSet) Clone() Set { return NewStreamSet(s.generate) }
