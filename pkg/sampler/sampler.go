// Package sampler tracks the connectivity of a device and reconnects it.
//
// A Sampler polls its pool with heartbeats and counts consecutive
// transport failures, including failures of user instructions. Reaching
// the detection count takes the device Offline; while Offline no
// heartbeats are sent and, once the resume interval has passed, the probe
// reopens the transport. A successful reopen resets the pool and brings
// the device back Online.
//
// Samplers run either on their own goroutine (ModeMulti) or on a shared
// Poller (ModeSingle) that walks every registered sampler in turn.
package sampler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/pool"
)

var (
	ErrAlreadyRunning = errors.New("sampler: already running")
	ErrNotRunning     = errors.New("sampler: not running")
)

// StatusEmitter is called when the status of a device changes. It is
// called exactly once per transition, outside of the sampler's lock.
type StatusEmitter interface {
	OnStatusChange(previous, current Status, reason string)
}

// EmitterFunc adapts a function to StatusEmitter.
type EmitterFunc func(previous, current Status, reason string)

func (f EmitterFunc) OnStatusChange(previous, current Status, reason string) {
	f(previous, current, reason)
}

// Recorder receives status transitions.
type Recorder interface {
	StatusChanged(device string, previous, current Status)
}

// Sampler is the connectivity state machine of one device.
type Sampler struct {
	pool     *pool.Pool
	probe    Probe
	device   string
	emitter  StatusEmitter
	recorder Recorder
	logger   log.Logger
	clock    clock.Clock
	poller   *Poller

	mu           sync.Mutex
	cfg          Config
	status       Status
	failures     int
	offlineSince time.Time
	lastSample   time.Time
	running      bool
	registered   *Poller
	cancel       context.CancelFunc
	done         chan struct{}
	update       chan struct{}
}

// Option configures a Sampler.
type Option func(*Sampler)

func WithLogger(l log.Logger) Option { return func(s *Sampler) { s.logger = log.OrNoop(l) } }

func WithClock(c clock.Clock) Option { return func(s *Sampler) { s.clock = c } }

func WithEmitter(e StatusEmitter) Option { return func(s *Sampler) { s.emitter = e } }

func WithRecorder(r Recorder) Option { return func(s *Sampler) { s.recorder = r } }

// WithPoller sets the poller used in ModeSingle. Without it the shared
// poller is used.
func WithPoller(p *Poller) Option { return func(s *Sampler) { s.poller = p } }

// New creates a sampler for p. The pool's heartbeat source is set to the
// probe's sample instruction and the sampler observes every outcome of p.
func New(p *pool.Pool, probe Probe, cfg Config, opts ...Option) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if probe == nil {
		probe = NewProbe(p)
	}
	s := &Sampler{
		pool:   p,
		probe:  probe,
		device: p.Device().String(),
		logger: log.NewNoopLogger(),
		clock:  clock.New(),
		cfg:    cfg,
		update: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	p.SetHeartbeat(probe.SampleInstruction)
	p.Observe(s.observe)
	return s, nil
}

// Status returns the current status.
func (s *Sampler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Failures returns the current count of consecutive transport failures.
func (s *Sampler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Config returns the current detection parameters.
func (s *Sampler) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// UpdateConfig replaces the detection parameters. The scheduling mode of a
// running sampler is not changed.
func (s *Sampler) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.running {
		cfg.Mode = s.cfg.Mode
	}
	s.cfg = cfg
	s.mu.Unlock()

	select {
	case s.update <- struct{}{}:
	default:
	}
	s.logger.Info("sampler config updated",
		log.String("device", s.device),
		log.Duration("detection_interval", cfg.DetectionInterval),
		log.Duration("resume_interval", cfg.ResumeInterval),
		log.Int("detection_count", cfg.DetectionCount),
	)
	return nil
}

// transition is a status change waiting to be emitted.
type transition struct {
	from, to Status
	reason   string
}

// setStatus changes the status. Callers hold s.mu and pass the result to
// emit after unlocking.
func (s *Sampler) setStatus(to Status, reason string) *transition {
	if s.status == to {
		return nil
	}
	t := &transition{from: s.status, to: to, reason: reason}
	s.status = to
	if to == StatusOffline {
		s.offlineSince = s.clock.Now()
	}
	return t
}

func (s *Sampler) emit(t *transition) {
	if t == nil {
		return
	}
	s.logger.Info("device status changed",
		log.String("device", s.device),
		log.Stringer("from", t.from),
		log.Stringer("to", t.to),
		log.String("reason", t.reason),
	)
	if s.recorder != nil {
		s.recorder.StatusChanged(s.device, t.from, t.to)
	}
	if s.emitter != nil {
		s.emitter.OnStatusChange(t.from, t.to, t.reason)
	}
}

// observe counts the outcome of every processed description.
func (s *Sampler) observe(o pool.Outcome) {
	if !o.Ran() {
		return
	}
	s.mu.Lock()
	if s.status == StatusOffline {
		s.mu.Unlock()
		return
	}
	var t *transition
	switch {
	case o.TransportFailed():
		s.failures++
		if s.failures >= s.cfg.DetectionCount {
			t = s.setStatus(StatusOffline, "consecutive transport failures")
		}
	case o.State == pool.StateCompleted && (o.Err == nil || instruction.IsRemote(o.Err)):
		s.failures = 0
		t = s.setStatus(StatusOnline, "response received")
	}
	s.mu.Unlock()
	s.emit(t)
}

// SampleAndProcess runs one detection step. While Online or Unknown it runs
// the pre-check and one pool step (a pending user instruction or a
// heartbeat). While Offline it waits out the resume interval and then
// tries to reopen the transport.
func (s *Sampler) SampleAndProcess(ctx context.Context) {
	s.mu.Lock()
	cfg := s.cfg
	status := s.status
	now := s.clock.Now()

	if status == StatusOffline {
		if now.Sub(s.offlineSince) < cfg.ResumeInterval {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.resume(ctx)
		return
	}

	if cfg.Mode == ModeSingle && !s.lastSample.IsZero() && now.Sub(s.lastSample) < cfg.DetectionInterval {
		s.mu.Unlock()
		return
	}
	s.lastSample = now
	s.mu.Unlock()

	if s.probe.CheckOnlineFailed() {
		s.mu.Lock()
		t := s.setStatus(StatusOffline, "transport disconnected")
		s.mu.Unlock()
		s.emit(t)
		return
	}
	s.pool.Step(ctx)
}

func (s *Sampler) resume(ctx context.Context) {
	err := s.probe.Reopen(ctx)

	s.mu.Lock()
	if err != nil {
		s.offlineSince = s.clock.Now()
		s.mu.Unlock()
		s.logger.Warn("reopen failed",
			log.String("device", s.device),
			log.Err(err),
		)
		return
	}
	s.failures = 0
	s.mu.Unlock()

	s.pool.Reset()

	s.mu.Lock()
	t := s.setStatus(StatusOnline, "transport reopened")
	s.mu.Unlock()
	s.emit(t)
}

// Start schedules the sampler according to its mode.
func (s *Sampler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	mode := s.cfg.Mode
	if mode == ModeSingle {
		p := s.poller
		if p == nil {
			p = Shared()
		}
		s.registered = p
		s.mu.Unlock()
		p.Register(s)
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	ticker := s.clock.Ticker(s.cfg.DetectionInterval)
	s.mu.Unlock()

	go s.loop(ctx, ticker, done)
	return nil
}

func (s *Sampler) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.update:
			ticker.Stop()
			ticker = s.clock.Ticker(s.Config().DetectionInterval)
		case <-ticker.C:
			s.SampleAndProcess(ctx)
		}
	}
}

// Stop unschedules the sampler and waits for an in-flight step, whether it
// runs on its own goroutine or on the poller.
func (s *Sampler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	registered := s.registered
	s.registered = nil
	s.mu.Unlock()

	if registered != nil {
		registered.Unregister(s)
		return nil
	}
	cancel()
	<-done
	return nil
}
