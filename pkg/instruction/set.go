package instruction

import (
	"errors"
	"time"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/wire"
)

var (
	// ErrDesync is returned when the byte at the read position is not a
	// header marker or the header cannot be trusted.
	ErrDesync = errors.New("instruction: stream desynchronized")

	// ErrNotDatagram is returned when a DatagramSet is used on a channel
	// that cannot peek.
	ErrNotDatagram = errors.New("instruction: channel does not support peek")
)

// Set is a per-transport framing strategy. Each pool owns its own Set; use
// Clone when sharing a configured Set between devices.
type Set interface {
	// Generate returns the instructions a sampler should poll with.
	Generate() []*Description

	// Receive blocks, bounded by the receive timeout of order (or dev),
	// until one complete frame has been read from ch. It never returns a
	// partially populated frame.
	Receive(dev channel.Device, ch channel.Channel, order *Description) (wire.Frame, error)

	// Reset drops any buffered partial data.
	Reset()

	Clone() Set
}

// Recombiner is implemented by stream sets. Recombine appends raw to the
// residual buffer and returns every complete frame it now holds.
type Recombiner interface {
	Recombine(raw []byte) ([]wire.Frame, error)
}

// Generator produces the heartbeat instructions for a Set.
type Generator func() []*Description

// HeartbeatGenerator polls with a single default heartbeat.
func HeartbeatGenerator() []*Description {
	return []*Description{NewHeartbeat()}
}

// NoHeartbeat is the generator for send-only transports.
func NoHeartbeat() []*Description { return nil }

// receiveBudget spreads one receive timeout over several channel reads.
type receiveBudget struct {
	unbounded bool
	deadline  time.Time
}

func newBudget(dev channel.Device, order *Description) receiveBudget {
	var override time.Duration
	if order != nil && order.Context != nil {
		override = order.Context.ReceiveTimeout
	}
	timeout := dev.Timeout(override)
	if timeout <= 0 {
		return receiveBudget{unbounded: true}
	}
	return receiveBudget{deadline: time.Now().Add(timeout)}
}

// remaining returns the time left, or ErrTimeout once it is spent.
func (b receiveBudget) remaining() (time.Duration, error) {
	if b.unbounded {
		return 0, nil
	}
	left := time.Until(b.deadline)
	if left <= 0 {
		return 0, &channel.OpError{Op: "read", Err: channel.ErrTimeout, Retryable: true}
	}
	return left, nil
}

func (b receiveBudget) read(ch channel.Channel, buf []byte, n int) error {
	if n == 0 {
		return nil
	}
	left, err := b.remaining()
	if err != nil {
		return err
	}
	_, err = ch.ReceiveBySize(buf, n, left)
	return err
}
