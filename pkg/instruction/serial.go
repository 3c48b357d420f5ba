package instruction

import (
	"fmt"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/wire"
)

// SerialSet frames instructions over a serial line.
//
// Line noise can precede a frame, so Receive skips bytes one at a time until
// it sees a header marker, then reads the rest of the header and the
// payload. All reads of one Receive share a single deadline.
type SerialSet struct {
	generate Generator
}

var _ Set = (*SerialSet)(nil)

// NewSerialSet returns a SerialSet polling with gen, or with the default
// heartbeat when gen is nil.
func NewSerialSet(gen Generator) *SerialSet {
	if gen == nil {
		gen = HeartbeatGenerator
	}
	return &SerialSet{generate: gen}
}

func (s *SerialSet) Generate() []*Description { return s.generate() }

func (s *SerialSet) Receive(dev channel.Device, ch channel.Channel, order *Description) (wire.Frame, error) {
	budget := newBudget(dev, order)

	header := make([]byte, wire.HeaderLength)
	for {
		if err := budget.read(ch, header[:1], 1); err != nil {
			return wire.Frame{}, err
		}
		if header[0] == wire.HeaderMarker {
			break
		}
	}
	if err := budget.read(ch, header[1:], wire.HeaderLength-1); err != nil {
		return wire.Frame{}, err
	}
	h, err := wire.DecodeHeader(header)
	if err != nil {
		return wire.Frame{}, fmt.Errorf("%w: %w", ErrDesync, err)
	}

	payload := make([]byte, h.Length)
	if err := budget.read(ch, payload, h.Length); err != nil {
		return wire.Frame{}, err
	}
	return wire.Frame{Kind: h.Kind, Status: h.Status, Payload: payload}, nil
}

func (s *SerialSet) Reset() {}

func (s *SerialSet) Clone() Set { return NewSerialSet(s.generate) }
