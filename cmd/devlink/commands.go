package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/internal/app"
	"github.com/bft-labs/devlink/internal/cliconfig"
	"github.com/bft-labs/devlink/internal/metrics"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/transfer"
	"github.com/bft-labs/devlink/plugins/configwatcher"
)

func echoHandler(_ context.Context, in []byte) ([]byte, error) { return in, nil }

// announceHandler logs announces broadcast by devices.
func (c *cli) announceHandler(_ context.Context, in []byte) ([]byte, error) {
	l := c.logger()
	l.Info().Bytes("payload", in).Msg("announce received")
	return nil, nil
}

func serveCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve instructions and file transfers over TCP and UDP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			collector := metrics.New()
			svc, err := app.NewService(app.ServiceConfig{
				Server:   c.cfg.Server(),
				FileRoot: c.cfg.FileRoot,
			},
				app.WithServiceLogger(c.adapter()),
				app.WithServiceMetrics(collector),
				app.WithHandler("echo", echoHandler),
				app.WithHandler(sampler.AnnounceName, c.announceHandler),
			)
			if err != nil {
				return err
			}
			if err := svc.Start(ctx); err != nil {
				return fmt.Errorf("start server: %w", err)
			}
			c.serveMetrics(ctx, collector)

			l := c.logger()
			if addr := svc.Server().TCPAddr(); addr != nil {
				l.Info().Str("addr", addr.String()).Msg("listening on tcp")
			}
			if addr := svc.Server().UDPAddr(); addr != nil {
				l.Info().Str("addr", addr.String()).Msg("listening on udp")
			}

			<-ctx.Done()
			if err := svc.Stop(); err != nil {
				return fmt.Errorf("stop server: %w", err)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&c.cfg.TCPListen, "tcp-listen", c.cfg.TCPListen, "TCP listen address")
	f.StringVar(&c.cfg.UDPListen, "udp-listen", c.cfg.UDPListen, "UDP listen address")
	f.StringVar(&c.cfg.FileRoot, "file-root", c.cfg.FileRoot, "directory served to download and upload")
	f.IntVar(&c.cfg.OutboxCapacity, "outbox-capacity", c.cfg.OutboxCapacity, "queued UDP replies per peer")
	f.StringVar(&c.cfg.OutboxPolicy, "outbox-policy", c.cfg.OutboxPolicy, "full outbox policy: drop-oldest or drop-newest")
	return cmd
}

func execCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <instruction> [input]",
		Short: "Run one instruction and print its output",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			a, err := c.startAgent(ctx, false)
			if err != nil {
				return err
			}
			var input []byte
			if len(args) == 2 {
				input = []byte(args[1])
			}
			out, err := a.Execute(ctx, args[0], input)
			stopErr := a.Stop()
			if err != nil {
				return multierr.Append(err, stopErr)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", out.Output)
			return stopErr
		},
	}
}

// monitor runs a sampling agent until ctx is done, printing every status
// transition. extra runs once the agent is up.
func (c *cli) monitor(ctx context.Context, extra func(*app.Agent) (func() error, error)) error {
	collector := metrics.New()
	dev, err := c.cfg.Device()
	if err != nil {
		return err
	}
	a, err := c.startAgent(ctx, true,
		app.WithMetrics(collector),
		app.WithStatusEmitter(statusPrinter(dev.String())),
	)
	if err != nil {
		return err
	}
	defer sampler.ShutdownShared()
	c.serveMetrics(ctx, collector)

	var cleanup func() error
	if extra != nil {
		if cleanup, err = extra(a); err != nil {
			return multierr.Append(err, a.Stop())
		}
	}

	<-ctx.Done()
	if cleanup != nil {
		err = cleanup()
	}
	return multierr.Append(err, a.Stop())
}

func announceCmd(c *cli) *cobra.Command {
	var (
		interval time.Duration
		count    int
		direct   bool
		stdin    bool
	)
	cmd := &cobra.Command{
		Use:   "announce [payload]",
		Short: "Broadcast fire-and-forget announces to a datagram device",
		Long: `Broadcast fire-and-forget announces to a datagram device.

By default every announce goes through the instruction pool. --direct
writes a fixed announce straight to the channel instead, and --stdin
announces each input line, sent in batches every interval through a
queue sized by --outbox-capacity and --outbox-policy.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if direct && stdin {
				return errors.New("--direct and --stdin are exclusive")
			}
			ctx, cancel := signalContext()
			defer cancel()

			a, err := c.startAgent(ctx, false)
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 1 {
				payload = []byte(args[0])
			}
			switch {
			case direct:
				err = a.Beacon(ctx, payload, interval, count)
			case stdin:
				err = a.Relay(ctx, readLines(ctx, cmd.InOrStdin()), interval, c.cfg.Outbox())
			default:
				b := sampler.NewBroadcaster(a.Pool(), interval,
					sampler.WithCount(count),
					sampler.WithPayload(func() []byte { return payload }),
					sampler.WithBroadcastLogger(c.adapter()),
				)
				err = b.Run(ctx)
			}
			if errors.Is(err, context.Canceled) {
				err = nil
			}
			return multierr.Append(err, a.Stop())
		},
	}
	f := cmd.Flags()
	f.DurationVar(&interval, "interval", time.Second, "time between announces")
	f.IntVar(&count, "count", 0, "stop after this many announces (0 runs until interrupted)")
	f.BoolVar(&direct, "direct", false, "write announces straight to the channel")
	f.BoolVar(&stdin, "stdin", false, "announce every line read from stdin")
	f.IntVar(&c.cfg.OutboxCapacity, "outbox-capacity", c.cfg.OutboxCapacity, "queued announces with --stdin")
	f.StringVar(&c.cfg.OutboxPolicy, "outbox-policy", c.cfg.OutboxPolicy, "full queue policy: drop-oldest or drop-newest")
	return cmd
}

// readLines sends every line of r on the returned channel and closes it at
// EOF or when ctx is done.
func readLines(ctx context.Context, r io.Reader) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case out <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func pingCmd(c *cli) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "ping",
		Short: "Sample a device and print its connectivity transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()
			if duration > 0 {
				var stop context.CancelFunc
				ctx, stop = context.WithTimeout(ctx, duration)
				defer stop()
			}
			return c.monitor(ctx, nil)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func watchCmd(c *cli) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Sample a device and reload detection parameters when the config file changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			path := c.cfgPath
			if !cliconfig.FileExists(path) {
				path = ""
			}
			return c.monitor(ctx, func(a *app.Agent) (func() error, error) {
				w := configwatcher.New(configwatcher.Config{
					Path:          path,
					Load:          configwatcher.FileLoader(c.cfg, c.changed),
					DebounceDelay: debounce,
					Logger:        c.adapter(),
				}, a.Sampler())
				if err := w.Initialize(ctx); err != nil {
					return nil, err
				}
				return func() error {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return w.Shutdown(shutdownCtx)
				}, nil
			})
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", configwatcher.DefaultConfig().DebounceDelay, "wait after a change before reloading")
	return cmd
}

func downloadCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "download <remote-path> <local-path>",
		Short: "Download a file from the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.transfer(func(ctx context.Context, tc *transfer.Client) (transfer.Result, error) {
				return tc.Download(ctx, args[0], args[1], progressPrinter(ctx))
			})
		},
	}
}

func uploadCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "upload <local-path> <remote-name>",
		Short: "Upload a file to the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.transfer(func(ctx context.Context, tc *transfer.Client) (transfer.Result, error) {
				return tc.Upload(ctx, args[0], args[1], progressPrinter(ctx))
			})
		},
	}
}

// transfer runs one transfer on a fresh agent and reports its result.
func (c *cli) transfer(run func(context.Context, *transfer.Client) (transfer.Result, error)) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := c.startAgent(ctx, false)
	if err != nil {
		return err
	}
	res, err := run(ctx, a.Transfer())
	stopErr := a.Stop()

	fmt.Fprintln(os.Stderr, res)
	switch {
	case err != nil:
		return multierr.Append(err, stopErr)
	case res != transfer.Succeed && res != transfer.NoNeedDownload:
		return multierr.Append(errors.New(res.String()), stopErr)
	}
	return stopErr
}
