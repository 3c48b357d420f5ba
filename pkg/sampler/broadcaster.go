package sampler

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/pool"
	"github.com/bft-labs/devlink/pkg/wire"
)

// AnnounceName is the instruction name of broadcast announces.
const AnnounceName = "announce"

// Broadcaster is the sampler variant for datagram devices: instead of
// detecting connectivity it sends a fire-and-forget announce every
// interval.
type Broadcaster struct {
	pool     *pool.Pool
	interval time.Duration
	count    int
	payload  func() []byte
	clock    clock.Clock
	logger   log.Logger
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithCount stops the broadcaster after n announces. Zero means forever.
func WithCount(n int) BroadcasterOption { return func(b *Broadcaster) { b.count = n } }

// WithPayload sets the announce payload source.
func WithPayload(fn func() []byte) BroadcasterOption {
	return func(b *Broadcaster) { b.payload = fn }
}

func WithBroadcastClock(c clock.Clock) BroadcasterOption {
	return func(b *Broadcaster) { b.clock = c }
}

func WithBroadcastLogger(l log.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = log.OrNoop(l) }
}

// NewBroadcaster creates a broadcaster sending through p every interval.
func NewBroadcaster(p *pool.Pool, interval time.Duration, opts ...BroadcasterOption) *Broadcaster {
	if interval <= 0 {
		interval = DefaultDetectionInterval
	}
	b := &Broadcaster{
		pool:     p,
		interval: interval,
		payload:  func() []byte { return nil },
		clock:    clock.New(),
		logger:   log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Announce builds one announce description.
func (b *Broadcaster) Announce() *instruction.Description {
	d := instruction.New(AnnounceName, b.payload())
	d.Kind = wire.KindAnnounce
	d.NoReply = true
	return d
}

// AnnouncePayload encodes input as the payload of an announce frame, for
// senders that write frames straight to a channel.
func AnnouncePayload(input []byte) ([]byte, error) {
	raw, err := instruction.EncodeRequest(instruction.New(AnnounceName, input))
	if err != nil {
		return nil, err
	}
	return raw[wire.HeaderLength:], nil
}

// Run sends announces until ctx is done or the configured count is
// reached. Send failures are logged and do not stop the broadcaster.
func (b *Broadcaster) Run(ctx context.Context) error {
	ticker := b.clock.Ticker(b.interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if _, err := b.pool.AddInstruction(b.Announce()); err != nil {
			b.logger.Warn("announce not queued",
				log.String("device", b.pool.Device().String()),
				log.Err(err),
			)
			continue
		}
		if o := b.pool.Step(ctx); o.Err != nil {
			continue
		}
		sent++
		if b.count > 0 && sent >= b.count {
			b.logger.Info("broadcast finished",
				log.String("device", b.pool.Device().String()),
				log.Int("sent", sent),
			)
			return nil
		}
	}
}
