package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	pflag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/bft-labs/devlink/internal/app"
	"github.com/bft-labs/devlink/internal/cliconfig"
	"github.com/bft-labs/devlink/internal/metrics"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/transfer"
)

const helpDescription = `
Talk to remote devices over TCP, UDP or serial links.

Highlights:
  - Framed request/response instructions with per-transport recombination.
  - Connection health sampling with Online/Offline hysteresis.
  - Chunked, verified file download and upload with atomic replacement.
  - Configure via file, env (DEVLINK_*), or flags.
`

var exampleUsage = strings.TrimSpace(`
  devlink serve --tcp-listen :9000 --udp-listen :9000 --file-root /srv/devlink
  devlink ping --address 10.0.0.7:9000
  devlink download --address 10.0.0.7:9000 firmware.bin ./firmware.bin
  devlink upload --network udp --address 10.0.0.7:9000 ./config.bin config.bin
`)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

// cli carries the loaded configuration between the root and subcommands.
type cli struct {
	cfg     cliconfig.Config
	cfgPath string
	changed map[string]bool
}

func (c *cli) logger() zerolog.Logger { return cliconfig.Logger() }

func (c *cli) adapter() log.Logger { return log.NewZerologAdapterWithLogger(cliconfig.Logger()) }

// load applies file and env config, leaving explicitly set flags alone.
func (c *cli) load(cmd *cobra.Command, _ []string) error {
	c.changed = map[string]bool{}
	cmd.Flags().Visit(func(f *pflag.Flag) { c.changed[f.Name] = true })

	path, err := cliconfig.Load(&c.cfg, c.cfgPath, c.changed)
	if err != nil {
		return err
	}
	c.cfgPath = path
	sampler.SetSharedInterval(c.cfg.PollInterval)

	l := c.logger()
	l.Debug().Interface("config", c.cfg).Str("file", path).Msg("configuration")
	return nil
}

func (c *cli) agentConfig(monitor bool) (app.AgentConfig, error) {
	dev, err := c.cfg.Device()
	if err != nil {
		return app.AgentConfig{}, err
	}
	sc, err := c.cfg.Sampler()
	if err != nil {
		return app.AgentConfig{}, err
	}
	hasher, err := transfer.HasherByName(c.cfg.HashAlgo)
	if err != nil {
		return app.AgentConfig{}, err
	}
	return app.AgentConfig{
		Device:       dev,
		Sampler:      sc,
		Monitor:      monitor,
		Retry:        c.cfg.Retry(),
		PacketLength: uint32(c.cfg.PacketLength),
		Hasher:       hasher,
	}, nil
}

// startAgent builds and starts an agent for the configured device.
func (c *cli) startAgent(ctx context.Context, monitor bool, opts ...app.AgentOption) (*app.Agent, error) {
	cfg, err := c.agentConfig(monitor)
	if err != nil {
		return nil, err
	}
	opts = append([]app.AgentOption{app.WithLogger(c.adapter())}, opts...)
	a, err := app.NewAgent(ctx, cfg, opts...)
	if err != nil {
		return nil, err
	}
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return nil, fmt.Errorf("start agent: %w", err)
	}
	return a, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			l := cliconfig.Logger()
			l.Info().Str("signal", sig.String()).Msg("received signal, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func main() {
	c := &cli{cfg: cliconfig.DefaultConfig()}

	root := &cobra.Command{
		Use:               "devlink",
		Short:             "Instruction and transfer engine for remote devices",
		Long:              strings.TrimSpace(helpDescription),
		Example:           exampleUsage,
		Version:           fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:      true,
		PersistentPreRunE: c.load,
	}

	f := root.PersistentFlags()
	f.StringVar(&c.cfgPath, "config", "", "path to config file (default: $HOME/.devlink/config.toml)")
	f.StringVar(&c.cfg.Network, "network", c.cfg.Network, "device transport: tcp, udp or serial")
	f.StringVar(&c.cfg.Address, "address", c.cfg.Address, "device address (host:port or serial device path)")
	f.StringVar(&c.cfg.DeviceName, "device-name", c.cfg.DeviceName, "device name used in logs and metrics")
	f.DurationVar(&c.cfg.ReceiveTimeout, "receive-timeout", c.cfg.ReceiveTimeout, "default response timeout")
	f.DurationVar(&c.cfg.ConnectTimeout, "connect-timeout", c.cfg.ConnectTimeout, "dial timeout")
	f.DurationVar(&c.cfg.DetectionInterval, "detection-interval", c.cfg.DetectionInterval, "sampler interval")
	f.DurationVar(&c.cfg.ResumeInterval, "resume-interval", c.cfg.ResumeInterval, "wait before reopening an offline device")
	f.IntVar(&c.cfg.DetectionCount, "detection-count", c.cfg.DetectionCount, "consecutive failures before going offline")
	f.StringVar(&c.cfg.SamplerMode, "sampler-mode", c.cfg.SamplerMode, "sampler scheduling: multi or single")
	f.DurationVar(&c.cfg.PollInterval, "poll-interval", c.cfg.PollInterval, "tick of the shared poller in single mode")
	f.IntVar(&c.cfg.RetryAttempts, "retry-attempts", c.cfg.RetryAttempts, "attempts per transfer instruction")
	f.DurationVar(&c.cfg.RetrySleep, "retry-sleep", c.cfg.RetrySleep, "initial backoff between attempts")
	f.IntVar(&c.cfg.PacketLength, "packet-length", c.cfg.PacketLength, "transfer packet length in bytes")
	f.StringVar(&c.cfg.HashAlgo, "hash", c.cfg.HashAlgo, "transfer hash: md5 or sha256")
	f.StringVar(&c.cfg.MetricsAddr, "metrics-addr", c.cfg.MetricsAddr, "serve Prometheus metrics on this address")
	f.StringVar(&c.cfg.LogLevel, "log-level", c.cfg.LogLevel, "log level: debug, info, warn, error")

	root.AddCommand(
		serveCmd(c),
		execCmd(c),
		announceCmd(c),
		pingCmd(c),
		watchCmd(c),
		downloadCmd(c),
		uploadCmd(c),
	)

	if err := root.Execute(); err != nil {
		l := cliconfig.Logger()
		l.Error().Err(err).Msg("devlink")
		os.Exit(1)
	}
}

// serveMetrics exposes collector until ctx is done when an address is set.
func (c *cli) serveMetrics(ctx context.Context, collector *metrics.Collector) {
	if c.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		l := c.logger()
		l.Info().Str("addr", c.cfg.MetricsAddr).Msg("serving metrics")
		if err := collector.Serve(ctx, c.cfg.MetricsAddr); err != nil {
			l.Error().Err(err).Msg("metrics server")
		}
	}()
}

// statusPrinter prints sampler transitions to stdout.
func statusPrinter(device string) sampler.StatusEmitter {
	return sampler.EmitterFunc(func(previous, current sampler.Status, reason string) {
		fmt.Printf("%s %s: %s -> %s (%s)\n",
			time.Now().Format(time.RFC3339), device, previous, current, reason)
	})
}

// progressPrinter reports transfer progress to stderr and aborts the
// transfer once ctx is done. A terminal gets one line rewritten in place.
func progressPrinter(ctx context.Context) transfer.Progress {
	inPlace := term.IsTerminal(int(os.Stderr.Fd()))
	return func(packetCount, packetNo uint32, fileLength uint64, fileName string) bool {
		line := fmt.Sprintf("%s: packet %d/%d (%d bytes)", fileName, packetNo+1, packetCount, fileLength)
		switch {
		case !inPlace:
			fmt.Fprintln(os.Stderr, line)
		case packetNo+1 == packetCount:
			fmt.Fprintf(os.Stderr, "\r%s\n", line)
		default:
			fmt.Fprintf(os.Stderr, "\r%s", line)
		}
		return ctx.Err() == nil
	}
}
