// Package server answers devlink instructions over TCP and UDP.
//
// Each TCP connection is served by its own goroutine that feeds raw reads
// through a private stream recombiner and answers frames strictly in
// arrival order, which is what positional correlation on the client side
// relies on. A connection whose stream desynchronizes is closed.
//
// UDP carries one frame per datagram. Replies are queued per peer
// endpoint in an outbox drained by a writer goroutine of that peer, so a
// slow peer never holds up replies to the others.
//
// # Usage
//
//	mux := server.NewMux()
//	mux.Handle("echo", func(ctx context.Context, in []byte) ([]byte, error) {
//	    return in, nil
//	})
//
//	srv := server.New(server.Config{TCPAddr: ":7000", UDPAddr: ":7001"}, mux,
//	    server.WithLogger(logger),
//	)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Stop()
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/pkg/instruction"
	"github.com/bft-labs/devlink/pkg/lifecycle"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/sender"
	"github.com/bft-labs/devlink/pkg/wire"
)

// Defaults.
const (
	DefaultOutboxCapacity = 64
	DefaultWriteTimeout   = 10 * time.Second
	DefaultOutboxIdle     = time.Minute

	readBufferSize = 32 * 1024
	maxDatagram    = 64 * 1024
)

var ErrNoListener = errors.New("server: no listen address configured")

// Config holds the listen addresses and buffering of a Server. An empty
// address disables that transport.
type Config struct {
	TCPAddr         string
	UDPAddr         string
	OutboxCapacity  int
	OutboxPolicy    sender.OverflowPolicy
	WriteTimeout    time.Duration
	OutboxIdle      time.Duration
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.OutboxCapacity <= 0 {
		c.OutboxCapacity = DefaultOutboxCapacity
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.OutboxIdle <= 0 {
		c.OutboxIdle = DefaultOutboxIdle
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = lifecycle.ShutdownTimeout
	}
	return c
}

// Recorder receives one call per served request.
type Recorder interface {
	RequestServed(transport, name string, status wire.Status)
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(l log.Logger) Option { return func(s *Server) { s.logger = log.OrNoop(l) } }

func WithRecorder(r Recorder) Option { return func(s *Server) { s.recorder = r } }

// WithEventEmitter observes lifecycle transitions of the server.
func WithEventEmitter(e lifecycle.EventEmitter) Option {
	return func(s *Server) { s.emitter = e }
}

// Server is a TCP/UDP instruction server.
type Server struct {
	cfg      Config
	mux      *Mux
	logger   log.Logger
	recorder Recorder
	emitter  lifecycle.EventEmitter
	life     *lifecycle.DefaultManager
	stream   instruction.Set

	mu       sync.Mutex
	tcp      net.Listener
	udp      net.PacketConn
	conns    map[net.Conn]struct{}
	outboxes map[string]*outbox
	closing  bool
}

// New creates a stopped server dispatching to mux.
func New(cfg Config, mux *Mux, opts ...Option) *Server {
	s := &Server{
		cfg:    cfg.withDefaults(),
		mux:    mux,
		logger: log.NewNoopLogger(),
		stream: instruction.NewStreamSet(instruction.NoHeartbeat),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.life = lifecycle.NewManager(s.logger, s.emitter)
	return s
}

// State returns the lifecycle state.
func (s *Server) State() lifecycle.State { return s.life.State() }

// TCPAddr returns the bound TCP address, nil when TCP is disabled or the
// server is not running.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// UDPAddr returns the bound UDP address.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// Start binds the listeners and serves until ctx is done or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if !s.life.CanStart() {
		return lifecycle.ErrAlreadyRunning
	}
	if s.cfg.TCPAddr == "" && s.cfg.UDPAddr == "" {
		return ErrNoListener
	}
	if err := s.life.TransitionTo(lifecycle.StateStarting, "start requested"); err != nil {
		return err
	}

	if err := s.listen(ctx); err != nil {
		_ = s.life.TransitionTo(lifecycle.StateCrashed, err.Error())
		return err
	}

	runCtx := s.life.Begin(ctx)
	s.mu.Lock()
	tcp, udp := s.tcp, s.udp
	s.mu.Unlock()
	if tcp != nil {
		s.life.Go(func() error { return s.acceptLoop(runCtx, tcp) })
	}
	if udp != nil {
		s.life.Go(func() error { return s.datagramLoop(runCtx, udp) })
	}
	s.life.Go(func() error {
		<-runCtx.Done()
		return s.closeAll()
	})

	return s.life.TransitionTo(lifecycle.StateRunning, "listeners bound")
}

func (s *Server) listen(ctx context.Context) error {
	var lc net.ListenConfig
	var tcp net.Listener
	var udp net.PacketConn
	var err error

	if s.cfg.TCPAddr != "" {
		if tcp, err = lc.Listen(ctx, "tcp", s.cfg.TCPAddr); err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCPAddr, err)
		}
	}
	if s.cfg.UDPAddr != "" {
		if udp, err = lc.ListenPacket(ctx, "udp", s.cfg.UDPAddr); err != nil {
			if tcp != nil {
				tcp.Close()
			}
			return fmt.Errorf("listen udp %s: %w", s.cfg.UDPAddr, err)
		}
	}

	s.mu.Lock()
	s.tcp, s.udp = tcp, udp
	s.conns = make(map[net.Conn]struct{})
	s.outboxes = make(map[string]*outbox)
	s.closing = false
	s.mu.Unlock()

	fields := []log.Field{}
	if tcp != nil {
		fields = append(fields, log.String("tcp", tcp.Addr().String()))
	}
	if udp != nil {
		fields = append(fields, log.String("udp", udp.LocalAddr().String()))
	}
	s.logger.Info("server listening", fields...)
	return nil
}

// Stop closes the listeners and every connection, then waits for the
// serving goroutines up to the shutdown timeout.
func (s *Server) Stop() error {
	if !s.life.CanStop() {
		return lifecycle.ErrNotRunning
	}
	if err := s.life.TransitionTo(lifecycle.StateStopping, "stop requested"); err != nil {
		return err
	}
	s.life.Cancel()

	if err := s.life.WaitWithTimeout(s.cfg.ShutdownTimeout); err != nil {
		_ = s.life.TransitionTo(lifecycle.StateCrashed, err.Error())
		return err
	}
	return s.life.TransitionTo(lifecycle.StateStopped, "shutdown complete")
}

// closeAll tears down listeners and connections. Outbox writers exit on
// their own once the run context is done.
func (s *Server) closeAll() error {
	s.mu.Lock()
	s.closing = true
	tcp, udp := s.tcp, s.udp
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var err error
	if tcp != nil {
		err = multierr.Append(err, ignoreClosed(tcp.Close()))
	}
	if udp != nil {
		err = multierr.Append(err, ignoreClosed(udp.Close()))
	}
	for _, c := range conns {
		err = multierr.Append(err, ignoreClosed(c.Close()))
	}
	if err != nil {
		s.logger.Warn("server teardown", log.Err(err))
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) record(transport string, res Result) {
	if s.recorder != nil {
		s.recorder.RequestServed(transport, res.Name, res.Status)
	}
	if res.Status != wire.StatusOK {
		s.logger.Debug("request failed",
			log.String("transport", transport),
			log.String("instruction", res.Name),
			log.Int("status", int(res.Status)),
		)
	}
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		if !s.track(conn) {
			conn.Close()
			return nil
		}
		s.life.Go(func() error {
			s.serveConn(ctx, conn)
			return nil
		})
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer s.untrack(conn)
	peer := conn.RemoteAddr().String()
	logger := s.logger.With(log.String("peer", peer))
	logger.Debug("connection accepted")

	rc := s.stream.Clone().(instruction.Recombiner)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			frames, rerr := rc.Recombine(buf[:n])
			for _, f := range frames {
				res := s.mux.Dispatch(ctx, f)
				s.record("tcp", res)
				if res.Reply == nil {
					continue
				}
				_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
				if _, werr := conn.Write(res.Reply); werr != nil {
					logger.Warn("reply not delivered", log.Err(werr))
					return
				}
			}
			if rerr != nil {
				logger.Warn("stream desynchronized, closing connection", log.Err(rerr))
				return
			}
		}
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				logger.Debug("connection closed", log.Err(err))
			}
			return
		}
	}
}

func (s *Server) datagramLoop(ctx context.Context, pc net.PacketConn) error {
	buf := make([]byte, maxDatagram)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		h, err := wire.DecodeHeader(buf[:n])
		if err == nil && h.Size() != n {
			err = fmt.Errorf("datagram of %d bytes carries a %d byte frame", n, h.Size())
		}
		if err != nil {
			s.logger.Debug("datagram dropped",
				log.Stringer("peer", addr),
				log.Hex("head", buf[:min(n, wire.HeaderLength)]),
				log.Err(err),
			)
			continue
		}
		payload := make([]byte, h.Length)
		copy(payload, buf[wire.HeaderLength:n])

		res := s.mux.Dispatch(ctx, wire.Frame{Kind: h.Kind, Status: h.Status, Payload: payload})
		s.record("udp", res)
		if res.Reply != nil {
			s.enqueue(ctx, pc, addr, res.Reply)
		}
	}
}
