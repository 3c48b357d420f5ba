package app

import (
	"context"

	"go.uber.org/multierr"

	"github.com/bft-labs/devlink/internal/metrics"
	"github.com/bft-labs/devlink/pkg/log"
	"github.com/bft-labs/devlink/pkg/server"
	"github.com/bft-labs/devlink/pkg/transfer"
)

// ServiceConfig contains configuration for the server side.
type ServiceConfig struct {
	Server   server.Config
	FileRoot string
}

// Service serves the transfer instructions, and any extra handlers, over
// TCP and UDP.
type Service struct {
	logger  log.Logger
	metrics *metrics.Collector
	extra   map[string]server.HandlerFunc

	mux    *server.Mux
	files  *transfer.Handler
	server *server.Server
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

func WithServiceLogger(l log.Logger) ServiceOption {
	return func(s *Service) { s.logger = log.OrNoop(l) }
}

func WithServiceMetrics(c *metrics.Collector) ServiceOption {
	return func(s *Service) { s.metrics = c }
}

// WithHandler registers an extra instruction next to the transfer ones.
func WithHandler(name string, h server.HandlerFunc) ServiceOption {
	return func(s *Service) { s.extra[name] = h }
}

// NewService builds a stopped service rooted at cfg.FileRoot.
func NewService(cfg ServiceConfig, opts ...ServiceOption) (*Service, error) {
	s := &Service{
		logger: log.NewNoopLogger(),
		extra:  make(map[string]server.HandlerFunc),
	}
	for _, opt := range opts {
		opt(s)
	}

	files, err := transfer.NewHandler(cfg.FileRoot, transfer.WithHandlerLogger(s.logger))
	if err != nil {
		return nil, err
	}
	s.files = files
	s.mux = server.NewMux()
	files.Register(s.mux)
	for name, h := range s.extra {
		s.mux.Handle(name, h)
	}

	serverOpts := []server.Option{server.WithLogger(s.logger)}
	if s.metrics != nil {
		serverOpts = append(serverOpts, server.WithRecorder(s.metrics))
	}
	s.server = server.New(cfg.Server, s.mux, serverOpts...)
	return s, nil
}

func (s *Service) Server() *server.Server { return s.server }

func (s *Service) Mux() *server.Mux { return s.mux }

func (s *Service) Files() *transfer.Handler { return s.files }

// Start opens the listeners.
func (s *Service) Start(ctx context.Context) error {
	if err := s.server.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("service started",
		log.Any("instructions", s.mux.Names()),
	)
	return nil
}

// Stop closes the listeners and drops unfinished uploads.
func (s *Service) Stop() error {
	return multierr.Combine(s.server.Stop(), s.files.Close())
}
