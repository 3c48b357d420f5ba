package sampler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/bft-labs/devlink/pkg/log"
)

// Member is anything a Poller can drive.
type Member interface {
	SampleAndProcess(ctx context.Context)
}

// Poller walks its registered members once per tick on a single goroutine,
// so no two members ever run concurrently. It bounds the goroutine count
// when many quiet devices are polled, at the price of scheduling jitter:
// a slow member delays every member behind it.
type Poller struct {
	interval time.Duration
	clock    clock.Clock
	logger   log.Logger

	mu      sync.Mutex
	entries []*pollEntry
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

type pollEntry struct {
	member Member
	dead   atomic.Bool
	// running is held while member runs.
	running sync.Mutex
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

func WithPollerClock(c clock.Clock) PollerOption { return func(p *Poller) { p.clock = c } }

func WithPollerLogger(l log.Logger) PollerOption {
	return func(p *Poller) { p.logger = log.OrNoop(l) }
}

// NewPoller creates a poller ticking every interval. Its goroutine starts
// with the first registration.
func NewPoller(interval time.Duration, opts ...PollerOption) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	p := &Poller{
		interval: interval,
		clock:    clock.New(),
		logger:   log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register adds m. Registering the same member twice has no effect.
func (p *Poller) Register(m Member) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for _, e := range p.entries {
		if e.member == m {
			return
		}
	}
	p.entries = append(p.entries, &pollEntry{member: m})
	if p.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		p.cancel = cancel
		p.done = make(chan struct{})
		go p.loop(ctx, p.clock.Ticker(p.interval), p.done)
	}
}

// Unregister removes m and waits until m is no longer running. If the
// poller is currently walking its members, m is skipped for the rest of
// that walk. A member must not unregister itself from SampleAndProcess.
func (p *Poller) Unregister(m Member) {
	p.mu.Lock()
	var removed *pollEntry
	for i, e := range p.entries {
		if e.member == m {
			e.dead.Store(true)
			p.entries = append(p.entries[:i], p.entries[i+1:]...)
			removed = e
			break
		}
	}
	p.mu.Unlock()

	if removed != nil {
		removed.running.Lock()
		removed.running.Unlock()
	}
}

// Len returns the number of registered members.
func (p *Poller) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Poller) snapshot() []*pollEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*pollEntry(nil), p.entries...)
}

func (p *Poller) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.walk(ctx)
		}
	}
}

// walk runs every live member once, in registration order.
func (p *Poller) walk(ctx context.Context) {
	for _, e := range p.snapshot() {
		if ctx.Err() != nil {
			return
		}
		e.running.Lock()
		if !e.dead.Load() {
			p.run(ctx, e.member)
		}
		e.running.Unlock()
	}
}

// run isolates the walk from a panicking member.
func (p *Poller) run(ctx context.Context, m Member) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poller member panicked", log.Any("panic", r))
		}
	}()
	m.SampleAndProcess(ctx)
}

// Close stops the poller goroutine and drops every member.
func (p *Poller) Close() {
	p.mu.Lock()
	p.closed = true
	for _, e := range p.entries {
		e.dead.Store(true)
	}
	p.entries = nil
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

var shared struct {
	mu       sync.Mutex
	poller   *Poller
	interval time.Duration
}

// SetSharedInterval sets the tick of the shared poller. It applies the
// next time the shared poller is created.
func SetSharedInterval(d time.Duration) {
	shared.mu.Lock()
	shared.interval = d
	shared.mu.Unlock()
}

// Shared returns the process-wide poller, creating it on first use.
func Shared() *Poller {
	shared.mu.Lock()
	defer shared.mu.Unlock()
	if shared.poller == nil {
		shared.poller = NewPoller(shared.interval)
	}
	return shared.poller
}

// ShutdownShared closes the process-wide poller. A later Shared call
// creates a new one.
func ShutdownShared() {
	shared.mu.Lock()
	p := shared.poller
	shared.poller = nil
	shared.mu.Unlock()
	if p != nil {
		p.Close()
	}
}
