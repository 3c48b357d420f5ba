package sender

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/wire"
)

// Transmitter writes raw bytes. Every channel.Channel is a Transmitter.
type Transmitter interface {
	Send(p []byte) error
}

// PacketSender drains a Ring each tick and sends every payload as one
// frame.
type PacketSender struct {
	tx       Transmitter
	ring     *Ring
	interval time.Duration
	kind     wire.Kind
	clock    clock.Clock
	logger   log.Logger
}

// Option configures a PacketSender or LoopSender.
type Option func(*options)

type options struct {
	kind   wire.Kind
	clock  clock.Clock
	logger log.Logger
	count  int
}

func defaults() options {
	return options{kind: wire.KindAnnounce, clock: clock.New(), logger: log.NewNoopLogger()}
}

// WithKind sets the frame kind of sent frames. The default is
// wire.KindAnnounce.
func WithKind(k wire.Kind) Option { return func(o *options) { o.kind = k } }

func WithClock(c clock.Clock) Option { return func(o *options) { o.clock = c } }

func WithLogger(l log.Logger) Option { return func(o *options) { o.logger = log.OrNoop(l) } }

// WithLoopCount stops a LoopSender after n sends. Zero means forever.
func WithLoopCount(n int) Option { return func(o *options) { o.count = n } }

// NewPacketSender creates a sender transmitting ring's payloads through tx
// every interval.
func NewPacketSender(tx Transmitter, ring *Ring, interval time.Duration, opts ...Option) *PacketSender {
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	return &PacketSender{
		tx:       tx,
		ring:     ring,
		interval: interval,
		kind:     o.kind,
		clock:    o.clock,
		logger:   o.logger,
	}
}

// Enqueue queues payload for the next tick. It returns false when the ring
// dropped a payload.
func (s *PacketSender) Enqueue(payload []byte) bool {
	ok := s.ring.Push(payload)
	if !ok {
		s.logger.Debug("sender ring overflow",
			log.Stringer("policy", s.ring.policy),
			log.Uint64("dropped", s.ring.Dropped()),
		)
	}
	return ok
}

// Flush sends everything queued now. A failed payload is not re-queued.
func (s *PacketSender) Flush() error {
	var errs error
	for _, payload := range s.ring.Drain() {
		raw, err := wire.Encode(wire.Frame{Kind: s.kind, Status: wire.StatusOK, Payload: payload})
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		errs = multierr.Append(errs, s.tx.Send(raw))
	}
	return errs
}

// Run flushes every interval until ctx is done, then flushes once more.
func (s *PacketSender) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := s.Flush(); err != nil {
				s.logger.Warn("final flush failed", log.Err(err))
			}
			return ctx.Err()
		case <-ticker.C:
			if err := s.Flush(); err != nil {
				s.logger.Warn("flush failed",
					log.Int("errors", len(multierr.Errors(err))),
					log.Err(err),
				)
			}
		}
	}
}

// LoopSender sends one fixed frame every interval.
type LoopSender struct {
	tx       Transmitter
	frame    []byte
	interval time.Duration
	count    int
	clock    clock.Clock
	logger   log.Logger
}

// NewLoopSender creates a sender repeating payload through tx.
func NewLoopSender(tx Transmitter, payload []byte, interval time.Duration, opts ...Option) (*LoopSender, error) {
	if interval <= 0 {
		return nil, errors.New("sender: interval must be positive")
	}
	o := defaults()
	for _, opt := range opts {
		opt(&o)
	}
	frame, err := wire.Encode(wire.Frame{Kind: o.kind, Status: wire.StatusOK, Payload: payload})
	if err != nil {
		return nil, err
	}
	return &LoopSender{
		tx:       tx,
		frame:    frame,
		interval: interval,
		count:    o.count,
		clock:    o.clock,
		logger:   o.logger,
	}, nil
}

// Run sends the frame every interval until ctx is done or the count is
// reached. Send errors are logged and do not stop the loop.
func (s *LoopSender) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	sent := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.tx.Send(s.frame); err != nil {
			s.logger.Warn("loop send failed", log.Err(err))
			continue
		}
		sent++
		if s.count > 0 && sent >= s.count {
			return nil
		}
	}
}
