package pool

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/log"
)

// Default retry configuration values.
const (
	DefaultRetryAttempts = 3
	DefaultRetrySleep    = 200 * time.Millisecond
	DefaultRetryMaxSleep = 2 * time.Second
)

// Retry configures call-site retries of a sync instruction. Only transport
// failures are retried; an answer from the peer, even an error, is final.
type Retry struct {
	Attempts int
	Sleep    time.Duration
	MaxSleep time.Duration
}

// DefaultRetry returns the default retry configuration.
func DefaultRetry() Retry {
	return Retry{
		Attempts: DefaultRetryAttempts,
		Sleep:    DefaultRetrySleep,
		MaxSleep: DefaultRetryMaxSleep,
	}
}

// backoff implements exponential backoff with jitter.
type backoff struct {
	clock   clock.Clock
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(c clock.Clock, initial, max time.Duration) *backoff {
	if max < initial {
		max = initial
	}
	return &backoff{clock: c, initial: initial, max: max, current: initial}
}

// Sleep waits for the current backoff duration and increases it. It
// returns early with ctx.Err() when ctx is done.
func (b *backoff) Sleep(ctx context.Context) error {
	// Add jitter: ±20%
	jitter := float64(b.current) * 0.2 * (rand.Float64()*2 - 1)
	sleep := time.Duration(float64(b.current) + jitter)

	t := b.clock.Timer(sleep)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
	}

	b.current *= 2
	if b.current > b.max {
		b.current = b.max
	}
	return nil
}

// Reset resets the backoff to the initial duration.
func (b *backoff) Reset() {
	b.current = b.initial
}

// ExecuteWithRetry runs desc through ExecuteSync up to r.Attempts times.
// Each attempt travels as its own copy of desc, so a late completion of an
// abandoned attempt never writes into the caller's context. The final
// attempt's result is copied into desc.Context.
func (p *Pool) ExecuteWithRetry(ctx context.Context, desc *instruction.Description, timeout time.Duration, r Retry) (*instruction.Context, error) {
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	if desc.Context == nil {
		desc.Context = &instruction.Context{}
	}
	b := newBackoff(p.clock, r.Sleep, r.MaxSleep)

	var lastErr error
	for attempt := 1; attempt <= r.Attempts; attempt++ {
		if attempt > 1 {
			if err := b.Sleep(ctx); err != nil {
				return nil, err
			}
		}

		try := *desc
		try.Token = uuid.New()
		try.Context = &instruction.Context{
			Input:          desc.Context.Input,
			ReceiveTimeout: desc.Context.ReceiveTimeout,
		}
		out, err := p.ExecuteSync(ctx, &try, timeout)
		if out != nil {
			*desc.Context = *out
			return desc.Context, err
		}
		lastErr = err
		if ctx.Err() != nil || !retryable(err) {
			break
		}
		p.logger.Debug("instruction attempt failed",
			log.String("instruction", desc.Name),
			log.Int("attempt", attempt),
			log.Err(err),
		)
	}
	desc.Context.Fail(lastErr, p.clock.Now())
	return nil, lastErr
}

// retryable reports whether another attempt could succeed.
func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrNotAllowed),
		errors.Is(err, ErrPoolClosed),
		errors.Is(err, instruction.ErrEmptyName),
		errors.Is(err, instruction.ErrNameTooLong):
		return false
	}
	return true
}
