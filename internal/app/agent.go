// Package app assembles the library packages into the client agent and
// the server service the CLI runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/internal/metrics"
	"github.com/bft-labs/devlink/pkg/channel"
	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/lifecycle"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/pool"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/transfer"
)

// DefaultStopTimeout bounds how long Stop waits for the agent's workers.
const DefaultStopTimeout = 5 * time.Second

// AgentConfig contains configuration for a device agent.
type AgentConfig struct {
	Device  channel.Device
	Sampler sampler.Config

	// Monitor starts the sampler together with the agent.
	Monitor bool

	Retry        pool.Retry
	PacketLength uint32
	Hasher       transfer.Hasher
	StopTimeout  time.Duration
}

// Opener opens the channel of a device.
type Opener func(ctx context.Context, dev channel.Device) (channel.Channel, error)

// Agent owns the pool of one device together with its sampler and
// transfer client.
type Agent struct {
	config   AgentConfig
	open     Opener
	logger   log.Logger
	metrics  *metrics.Collector
	emitter  sampler.StatusEmitter
	lifeEmit lifecycle.EventEmitter
	poller   *sampler.Poller

	life     *lifecycle.DefaultManager
	pool     *pool.Pool
	sampler  *sampler.Sampler
	transfer *transfer.Client
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

func WithLogger(l log.Logger) AgentOption { return func(a *Agent) { a.logger = log.OrNoop(l) } }

func WithMetrics(c *metrics.Collector) AgentOption { return func(a *Agent) { a.metrics = c } }

func WithStatusEmitter(e sampler.StatusEmitter) AgentOption {
	return func(a *Agent) { a.emitter = e }
}

func WithLifecycleEmitter(e lifecycle.EventEmitter) AgentOption {
	return func(a *Agent) { a.lifeEmit = e }
}

// WithOpener replaces channel.Open.
func WithOpener(o Opener) AgentOption { return func(a *Agent) { a.open = o } }

// WithPoller schedules a single-mode sampler on p instead of the shared poller.
func WithPoller(p *sampler.Poller) AgentOption { return func(a *Agent) { a.poller = p } }

// SetFor returns the instruction set matching a network.
func SetFor(network string) (instruction.Set, error) {
	switch network {
	case channel.NetworkTCP, "tcp4", "tcp6":
		return instruction.NewStreamSet(instruction.HeartbeatGenerator), nil
	case channel.NetworkUDP, "udp4", "udp6":
		return instruction.NewDatagramSet(instruction.HeartbeatGenerator), nil
	case channel.NetworkSerial:
		return instruction.NewSerialSet(instruction.HeartbeatGenerator), nil
	default:
		return nil, fmt.Errorf("%w: %q", channel.ErrUnknownNetwork, network)
	}
}

// NewAgent opens the device channel and builds the pool, sampler and
// transfer client on top of it.
func NewAgent(ctx context.Context, cfg AgentConfig, opts ...AgentOption) (*Agent, error) {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = pool.DefaultRetry()
	}
	if cfg.Hasher == nil {
		cfg.Hasher = transfer.MD5
	}
	a := &Agent{
		config: cfg,
		open: func(ctx context.Context, dev channel.Device) (channel.Channel, error) {
			return channel.Open(ctx, dev)
		},
		logger: log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With(log.String("device", cfg.Device.String()))
	a.life = lifecycle.NewManager(a.logger, a.lifeEmit)

	set, err := SetFor(cfg.Device.Network)
	if err != nil {
		return nil, err
	}
	ch, err := a.open(ctx, cfg.Device)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Device, err)
	}

	poolOpts := []pool.Option{pool.WithLogger(a.logger)}
	samplerOpts := []sampler.Option{sampler.WithLogger(a.logger)}
	transferOpts := []transfer.ClientOption{
		transfer.WithLogger(a.logger),
		transfer.WithRetry(cfg.Retry),
		transfer.WithPacketLength(cfg.PacketLength),
		transfer.WithHasher(cfg.Hasher),
	}
	if a.metrics != nil {
		poolOpts = append(poolOpts, pool.WithRecorder(a.metrics))
		samplerOpts = append(samplerOpts, sampler.WithRecorder(a.metrics))
		transferOpts = append(transferOpts, transfer.WithRecorder(a.metrics))
	}
	if a.emitter != nil {
		samplerOpts = append(samplerOpts, sampler.WithEmitter(a.emitter))
	}
	if a.poller != nil {
		samplerOpts = append(samplerOpts, sampler.WithPoller(a.poller))
	}

	a.pool = pool.New(cfg.Device, ch, set, poolOpts...)
	a.sampler, err = sampler.New(a.pool, nil, cfg.Sampler, samplerOpts...)
	if err != nil {
		return nil, multierr.Append(err, a.pool.Close())
	}
	a.transfer = transfer.NewClient(a.pool, transferOpts...)
	return a, nil
}

func (a *Agent) Pool() *pool.Pool { return a.pool }

func (a *Agent) Sampler() *sampler.Sampler { return a.sampler }

func (a *Agent) Transfer() *transfer.Client { return a.transfer }

func (a *Agent) State() lifecycle.State { return a.life.State() }

// Start runs the pool and, when monitoring, the sampler.
func (a *Agent) Start(ctx context.Context) error {
	if !a.life.CanStart() {
		return fmt.Errorf("cannot start from state %s", a.life.State())
	}
	if err := a.life.TransitionTo(lifecycle.StateStarting, "start requested"); err != nil {
		return err
	}

	runCtx := a.life.Begin(ctx)
	a.life.Go(func() error {
		err := a.pool.Run(runCtx)
		if errors.Is(err, context.Canceled) || errors.Is(err, pool.ErrPoolClosed) {
			return nil
		}
		return err
	})
	if a.config.Monitor {
		if err := a.sampler.Start(runCtx); err != nil {
			a.life.Cancel()
			_ = a.life.TransitionTo(lifecycle.StateCrashed, err.Error())
			return err
		}
	}
	return a.life.TransitionTo(lifecycle.StateRunning, "started")
}

// Execute runs one instruction synchronously with the call-site retry
// policy.
func (a *Agent) Execute(ctx context.Context, name string, input []byte) (*instruction.Context, error) {
	return a.pool.ExecuteWithRetry(ctx, instruction.New(name, input), 0, a.config.Retry)
}

// Stop stops the sampler, closes the pool and waits for the workers.
func (a *Agent) Stop() error {
	if !a.life.CanStop() {
		return a.pool.Close()
	}
	if err := a.life.TransitionTo(lifecycle.StateStopping, "stop requested"); err != nil {
		return err
	}

	var err error
	if a.config.Monitor {
		if serr := a.sampler.Stop(); !errors.Is(serr, sampler.ErrNotRunning) {
			err = multierr.Append(err, serr)
		}
	}
	a.life.Cancel()
	err = multierr.Append(err, a.pool.Close())
	err = multierr.Append(err, a.life.WaitWithTimeout(a.config.StopTimeout))

	if err != nil {
		_ = a.life.TransitionTo(lifecycle.StateCrashed, err.Error())
		return err
	}
	return a.life.TransitionTo(lifecycle.StateStopped, "stopped")
}
