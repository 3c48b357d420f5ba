// Package pool implements the instruction dispatch engine.
//
// A Pool owns one channel and one instruction.Set. Callers enqueue
// descriptions (AddInstruction) or block on one (ExecuteSync); a single
// processing step at a time transmits the next description, receives one
// frame and completes the description with it. Correlation is positional:
// the frame received after a transmission belongs to that transmission.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/wire"
)

// transmitSlack is added to the receive timeout when ExecuteSync derives
// its own deadline, to cover queueing and transmission.
const transmitSlack = 2 * time.Second

// Pool dispatches instructions over one channel.
type Pool struct {
	dev channel.Device
	ch  channel.Channel
	set instruction.Set

	logger   log.Logger
	clock    clock.Clock
	recorder Recorder
	onError  ErrorHandler

	// mu guards the queue, waiters, heartbeat and observers. It is never
	// held across channel I/O.
	mu        sync.Mutex
	queue     []*instruction.Description
	waiters   map[uuid.UUID]chan Outcome
	heartbeat func() *instruction.Description
	observers []func(Outcome)
	closed    bool

	// stepMu serializes processing steps; it owns the channel I/O.
	stepMu sync.Mutex
	// syncMu serializes ExecuteSync callers.
	syncMu sync.Mutex

	state atomic.Int32
	wake  chan struct{}
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l log.Logger) Option {
	return func(p *Pool) { p.logger = log.OrNoop(l) }
}

// WithClock sets the clock used for timestamps and sync timeouts.
func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(p *Pool) { p.recorder = r }
}

// WithErrorHandler sets the hook called for every failed description.
func WithErrorHandler(h ErrorHandler) Option {
	return func(p *Pool) { p.onError = h }
}

// WithHeartbeat makes Step synthesize a heartbeat from src whenever the
// queue is empty.
func WithHeartbeat(src func() *instruction.Description) Option {
	return func(p *Pool) { p.heartbeat = src }
}

// New creates a pool for dev that talks through ch using set.
func New(dev channel.Device, ch channel.Channel, set instruction.Set, opts ...Option) *Pool {
	p := &Pool{
		dev:     dev,
		ch:      ch,
		set:     set,
		logger:  log.NewNoopLogger(),
		clock:   clock.New(),
		waiters: make(map[uuid.UUID]chan Outcome),
		wake:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Device returns the device this pool talks to.
func (p *Pool) Device() channel.Device { return p.dev }

// Channel returns the channel this pool owns.
func (p *Pool) Channel() channel.Channel { return p.ch }

// Set returns the instruction set of this pool.
func (p *Pool) Set() instruction.Set { return p.set }

// State returns the current processing state.
func (p *Pool) State() State { return State(p.state.Load()) }

func (p *Pool) setState(s State) { p.state.Store(int32(s)) }

// SetHeartbeat replaces the heartbeat source. A nil source disables
// heartbeats.
func (p *Pool) SetHeartbeat(src func() *instruction.Description) {
	p.mu.Lock()
	p.heartbeat = src
	p.mu.Unlock()
}

// Observe registers fn to be called after every processed description.
// Observers run on the processing goroutine and must not block.
func (p *Pool) Observe(fn func(Outcome)) {
	p.mu.Lock()
	p.observers = append(p.observers, fn)
	p.mu.Unlock()
}

// Pending returns the number of queued descriptions.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// AddInstruction appends desc to the pending queue and returns its token
// without waiting for transmission.
func (p *Pool) AddInstruction(desc *instruction.Description) (uuid.UUID, error) {
	if desc == nil {
		return uuid.Nil, errors.New("pool: nil description")
	}
	if p.ch == nil || !p.ch.Connected() {
		return uuid.Nil, ErrNoChannel
	}
	if desc.Context == nil {
		desc.Context = &instruction.Context{}
	}
	if desc.Token == uuid.Nil {
		desc.Token = uuid.New()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return uuid.Nil, ErrPoolClosed
	}
	p.queue = append(p.queue, desc)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return desc.Token, nil
}

// ExecuteSync enqueues desc and blocks until the pool completes it, the
// timeout elapses or ctx is done. A timeout <= 0 derives one from the
// device receive timeout.
//
// On completion the description's context is returned. A remote
// application error is returned together with the context; a transport
// failure returns a nil context. Sync callers on one pool are serialized.
func (p *Pool) ExecuteSync(ctx context.Context, desc *instruction.Description, timeout time.Duration) (*instruction.Context, error) {
	p.syncMu.Lock()
	defer p.syncMu.Unlock()

	done := make(chan Outcome, 1)
	if desc != nil && desc.Token == uuid.Nil {
		desc.Token = uuid.New()
	}
	if desc != nil {
		p.mu.Lock()
		p.waiters[desc.Token] = done
		p.mu.Unlock()
	}
	token, err := p.AddInstruction(desc)
	if err != nil {
		if desc != nil {
			p.dropWaiter(desc.Token)
		}
		return nil, err
	}

	if timeout <= 0 {
		if rt := p.dev.Timeout(desc.Context.ReceiveTimeout); rt > 0 {
			timeout = rt + transmitSlack
		}
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := p.clock.Timer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case o := <-done:
		if o.TransportFailed() || desc.Context == nil {
			return nil, o.Err
		}
		if o.Err != nil && !instruction.IsRemote(o.Err) {
			return nil, o.Err
		}
		return desc.Context, o.Err
	case <-expired:
		p.dropWaiter(token)
		return nil, fmt.Errorf("%w: %s after %s", ErrTimeout, desc.Name, timeout)
	case <-ctx.Done():
		p.dropWaiter(token)
		return nil, ctx.Err()
	}
}

func (p *Pool) dropWaiter(token uuid.UUID) {
	p.mu.Lock()
	delete(p.waiters, token)
	p.mu.Unlock()
}

// Step runs one processing iteration: it takes the next pending
// description or, with a heartbeat source set, a fresh heartbeat, and
// processes it. Step never panics and leaves the pool ready for the next
// iteration whatever happens to the current description.
func (p *Pool) Step(ctx context.Context) Outcome {
	return p.step(ctx, true)
}

// Run processes pending descriptions as they are enqueued until ctx is
// done or the pool is closed. Heartbeats are left to Step callers.
func (p *Pool) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wake:
		}
		for {
			if p.isClosed() {
				return ErrPoolClosed
			}
			if o := p.step(ctx, false); !o.Ran() {
				break
			}
		}
	}
}

func (p *Pool) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool) next(allowHeartbeat bool) (*instruction.Description, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) > 0 {
		desc := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		return desc, false
	}
	if allowHeartbeat && p.heartbeat != nil && !p.closed {
		return p.heartbeat(), true
	}
	return nil, false
}

func (p *Pool) step(ctx context.Context, allowHeartbeat bool) (out Outcome) {
	p.stepMu.Lock()
	defer p.stepMu.Unlock()

	desc, heartbeat := p.next(allowHeartbeat)
	if desc == nil {
		return Outcome{State: StateIdle}
	}
	if desc.Context == nil {
		desc.Context = &instruction.Context{}
	}
	start := p.clock.Now()
	out = Outcome{Desc: desc, Heartbeat: heartbeat}

	defer func() {
		if r := recover(); r != nil {
			out.State = StateTransportError
			out.Err = fmt.Errorf("pool: panic processing %s: %v", desc.Name, r)
			desc.Context.Fail(out.Err, p.clock.Now())
		}
		out.Elapsed = p.clock.Since(start)
		p.setState(StateIdle)
		p.finish(out)
	}()

	out.State, out.Err = p.process(ctx, desc)
	return out
}

// process transmits desc and, unless it is fire-and-forget, receives and
// applies the reply.
func (p *Pool) process(ctx context.Context, desc *instruction.Description) (State, error) {
	if !desc.AllowExecution {
		desc.Context.Fail(ErrNotAllowed, p.clock.Now())
		return StateCompleted, ErrNotAllowed
	}
	if err := ctx.Err(); err != nil {
		desc.Context.Fail(err, p.clock.Now())
		return StateCompleted, err
	}

	p.setState(StateTransmitting)
	raw, err := instruction.EncodeRequest(desc)
	if err != nil {
		desc.Context.Fail(err, p.clock.Now())
		return StateCompleted, err
	}
	if err := p.ch.Send(raw); err != nil {
		desc.Context.Fail(err, p.clock.Now())
		return StateTransportError, err
	}
	if desc.NoReply {
		desc.Context.Output = nil
		desc.Context.Err = nil
		desc.Context.TimeStamp = p.clock.Now()
		desc.Context.Quality = instruction.QualityGood
		return StateCompleted, nil
	}

	p.setState(StateAwaitingReply)
	frame, err := p.set.Receive(p.dev, p.ch, desc)
	if err != nil {
		desc.Context.Fail(err, p.clock.Now())
		if channel.IsTimeout(err) {
			p.resync(ctx, err)
			return StateTimedOut, err
		}
		if errors.Is(err, instruction.ErrDesync) {
			p.resync(ctx, err)
		}
		return StateTransportError, err
	}
	if frame.Kind != wire.KindResponse {
		err := fmt.Errorf("%w: %s", ErrUnexpectedFrame, frame.Kind)
		desc.Context.Fail(err, p.clock.Now())
		p.resync(ctx, err)
		return StateTransportError, err
	}
	desc.Context.Apply(desc.Name, frame, p.clock.Now())
	return StateCompleted, desc.Context.Err
}

// resync starts a fresh session after a receive that left the link in an
// unknown position, so a late reply to the abandoned request can never
// complete the next one. A failed reopen leaves the channel disconnected
// for the sampler to recover.
func (p *Pool) resync(ctx context.Context, cause error) {
	p.set.Reset()
	if err := p.ch.Reopen(ctx); err != nil {
		p.logger.Warn("channel resync failed",
			log.String("device", p.dev.String()),
			log.String("cause", cause.Error()),
			log.Err(err),
		)
		return
	}
	p.logger.Debug("channel resynchronized",
		log.String("device", p.dev.String()),
		log.String("cause", cause.Error()),
	)
}

// finish reports out to waiters, observers, metrics and the error hook.
func (p *Pool) finish(out Outcome) {
	desc := out.Desc
	if out.Err != nil && !instruction.IsRemote(out.Err) {
		p.logger.Warn("instruction failed",
			log.String("device", p.dev.String()),
			log.String("instruction", desc.Name),
			log.String("state", out.State.String()),
			log.Err(out.Err),
		)
		if p.onError != nil {
			p.onError(p.dev, desc, out.Err)
		}
	}
	if p.recorder != nil {
		p.recorder.InstructionDone(p.dev.String(), desc.Name, out.State, out.Elapsed)
	}

	p.mu.Lock()
	done := p.waiters[desc.Token]
	delete(p.waiters, desc.Token)
	observers := append([]func(Outcome){}, p.observers...)
	p.mu.Unlock()

	for _, fn := range observers {
		fn(out)
	}
	if done != nil {
		done <- out
	}
}

// Reset clears the pending queue, failing every queued description with
// ErrReset, and drops the set's buffered partial data. It is called after
// a reconnect so bytes from the previous session are never read as part
// of the new one.
func (p *Pool) Reset() {
	p.failPending(ErrReset)
	p.set.Reset()
}

func (p *Pool) failPending(err error) {
	p.mu.Lock()
	pending := p.queue
	p.queue = nil
	p.mu.Unlock()

	for _, desc := range pending {
		if desc.Context != nil {
			desc.Context.Fail(err, p.clock.Now())
		}
		p.mu.Lock()
		done := p.waiters[desc.Token]
		delete(p.waiters, desc.Token)
		p.mu.Unlock()
		if done != nil {
			done <- Outcome{Desc: desc, State: StateTransportError, Err: err}
		}
	}
}

// Close fails pending descriptions, stops Run and closes the channel.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.failPending(ErrPoolClosed)
	select {
	case p.wake <- struct{}{}:
	default:
	}
	if p.ch == nil {
		return nil
	}
	return p.ch.Close()
}
