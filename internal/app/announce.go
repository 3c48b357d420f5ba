package app

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/sender"
)

// Beacon writes one announce straight to the channel every interval,
// bypassing the pool queue. A count of zero runs until ctx is done.
func (a *Agent) Beacon(ctx context.Context, input []byte, interval time.Duration, count int) error {
	payload, err := sampler.AnnouncePayload(input)
	if err != nil {
		return err
	}
	ls, err := sender.NewLoopSender(a.pool.Channel(), payload, interval,
		sender.WithLoopCount(count),
		sender.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	return ls.Run(ctx)
}

// Relay announces every input received from in. Inputs are queued in ring
// and sent in batches every interval. Relay returns after in is closed and
// the last batch went out, or when ctx is done.
func (a *Agent) Relay(ctx context.Context, in <-chan []byte, interval time.Duration, ring *sender.Ring) error {
	ps := sender.NewPacketSender(a.pool.Channel(), ring, interval, sender.WithLogger(a.logger))

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	done := make(chan error, 1)
	go func() { done <- ps.Run(runCtx) }()

	var errs error
	queued := 0
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case input, ok := <-in:
			if !ok {
				break loop
			}
			payload, err := sampler.AnnouncePayload(input)
			if err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			ps.Enqueue(payload)
			queued++
		}
	}

	stop()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		errs = multierr.Append(errs, err)
	}
	a.logger.Info("relay finished",
		log.String("device", a.config.Device.String()),
		log.Int("queued", queued),
		log.Uint64("dropped", ring.Dropped()),
	)
	return errs
}
