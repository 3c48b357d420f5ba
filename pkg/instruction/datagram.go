package instruction

import (
	"errors"
	"fmt"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/wire"
)

// DatagramSet frames instructions one per datagram, as over UDP.
//
// Receive peeks the header, validates it and only then consumes the whole
// datagram. A datagram with a bad header is discarded so the next receive
// starts clean. The default DatagramSet polls with no heartbeat.
type DatagramSet struct {
	generate Generator
}

var _ Set = (*DatagramSet)(nil)

// NewDatagramSet returns a DatagramSet polling with gen, or with nothing
// when gen is nil.
func NewDatagramSet(gen Generator) *DatagramSet {
	if gen == nil {
		gen = NoHeartbeat
	}
	return &DatagramSet{generate: gen}
}

func (s *DatagramSet) Generate() []*Description { return s.generate() }

func (s *DatagramSet) Receive(dev channel.Device, ch channel.Channel, order *Description) (wire.Frame, error) {
	p, ok := ch.(channel.Peeker)
	if !ok {
		return wire.Frame{}, ErrNotDatagram
	}
	budget := newBudget(dev, order)
	left, err := budget.remaining()
	if err != nil {
		return wire.Frame{}, err
	}

	header := make([]byte, wire.HeaderLength)
	if _, err := p.Peek(header, wire.HeaderLength, left); err != nil {
		if errors.Is(err, channel.ErrShortDatagram) {
			p.Discard()
			return wire.Frame{}, fmt.Errorf("%w: %w", wire.ErrShortHeader, err)
		}
		return wire.Frame{}, err
	}
	h, err := wire.DecodeHeader(header)
	if err != nil {
		p.Discard()
		return wire.Frame{}, err
	}

	buf := make([]byte, h.Size())
	if _, err := ch.ReceiveBySize(buf, h.Size(), left); err != nil {
		return wire.Frame{}, err
	}
	return wire.Frame{Kind: h.Kind, Status: h.Status, Payload: buf[wire.HeaderLength:]}, nil
}

func (s *DatagramSet) Reset() {}

func (s *DatagramSet) Clone() Set { return NewDatagramSet(s.generate) }
