package sampler

import (
	"context"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/pool"
)

// Probe holds the transport-specific parts of connectivity detection.
type Probe interface {
	// SampleInstruction builds the heartbeat description.
	SampleInstruction() *instruction.Description

	// CheckOnlineFailed is a cheap pre-check run before each sample. It
	// returns true when the transport is known to be down.
	CheckOnlineFailed() bool

	// Reopen re-establishes the transport.
	Reopen(ctx context.Context) error
}

// ChannelProbe is the probe for stream and serial devices: it polls with
// the set's heartbeat and treats a disconnected channel as offline.
type ChannelProbe struct {
	set instruction.Set
	ch  channel.Channel
}

var _ Probe = (*ChannelProbe)(nil)

// NewProbe returns a ChannelProbe for the channel and set of p.
func NewProbe(p *pool.Pool) *ChannelProbe {
	return &ChannelProbe{set: p.Set(), ch: p.Channel()}
}

func (c *ChannelProbe) SampleInstruction() *instruction.Description {
	if descs := c.set.Generate(); len(descs) > 0 && descs[0] != nil {
		return descs[0]
	}
	return instruction.NewHeartbeat()
}

func (c *ChannelProbe) CheckOnlineFailed() bool {
	return c.ch == nil || !c.ch.Connected()
}

func (c *ChannelProbe) Reopen(ctx context.Context) error {
	return c.ch.Reopen(ctx)
}
