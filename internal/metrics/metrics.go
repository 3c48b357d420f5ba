// Package metrics exports devlink activity as Prometheus metrics.
//
// A Collector implements the Recorder ports of the pool, sampler, transfer
// and server packages and owns its own registry, so several collectors
// can live side by side in tests.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bft-labs/devlink/pkg/pool"
	"github.com/bft-labs/devlink/pkg/sampler"
	"github.com/bft-labs/devlink/pkg/server"
	"github.com/bft-labs/devlink/pkg/transfer"
	"github.com/bft-labs/devlink/pkg/wire"
)

const namespace = "devlink"

// Collector records devlink metrics into a private registry.
type Collector struct {
	registry *prometheus.Registry

	instructions    *prometheus.CounterVec
	instructionTime *prometheus.HistogramVec
	status          *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	transfers       *prometheus.CounterVec
	transferBytes   *prometheus.CounterVec
	requests        *prometheus.CounterVec
}

var (
	_ pool.Recorder     = (*Collector)(nil)
	_ sampler.Recorder  = (*Collector)(nil)
	_ transfer.Recorder = (*Collector)(nil)
	_ server.Recorder   = (*Collector)(nil)
)

// New creates a Collector with the Go runtime and process collectors
// registered next to the devlink metrics.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		instructions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "instructions_total",
				Help:      "Instructions processed by a pool, by final state.",
			},
			[]string{"device", "instruction", "state"},
		),
		instructionTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pool",
				Name:      "instruction_duration_seconds",
				Help:      "Time from transmission to the final state of an instruction.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"device", "instruction"},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "sampler",
				Name:      "status",
				Help:      "Connectivity status per device: 0 unknown, 1 online, 2 offline.",
			},
			[]string{"device"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sampler",
				Name:      "transitions_total",
				Help:      "Connectivity status transitions.",
			},
			[]string{"device", "from", "to"},
		),
		transfers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "results_total",
				Help:      "Finished file transfers by result.",
			},
			[]string{"direction", "result"},
		),
		transferBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transfer",
				Name:      "bytes_total",
				Help:      "Payload bytes moved by file transfers.",
			},
			[]string{"direction"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "server",
				Name:      "requests_total",
				Help:      "Requests answered by the server.",
			},
			[]string{"transport", "instruction", "status"},
		),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.instructions,
		c.instructionTime,
		c.status,
		c.transitions,
		c.transfers,
		c.transferBytes,
		c.requests,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

func (c *Collector) InstructionDone(device, name string, state pool.State, elapsed time.Duration) {
	c.instructions.WithLabelValues(device, name, state.String()).Inc()
	c.instructionTime.WithLabelValues(device, name).Observe(elapsed.Seconds())
}

func (c *Collector) StatusChanged(device string, previous, current sampler.Status) {
	c.status.WithLabelValues(device).Set(float64(current))
	c.transitions.WithLabelValues(device, previous.String(), current.String()).Inc()
}

func (c *Collector) TransferDone(direction string, result transfer.Result, bytes uint64) {
	c.transfers.WithLabelValues(direction, result.String()).Inc()
	c.transferBytes.WithLabelValues(direction).Add(float64(bytes))
}

func (c *Collector) RequestServed(transport, name string, status wire.Status) {
	if name == "" {
		name = "invalid"
	}
	c.requests.WithLabelValues(transport, name, strconv.Itoa(int(status))).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
