// Package gateway hosts the websocket transport and HTTP endpoints of the
// collaboration server and manages their lifecycle.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/haasonsaas/coedit/internal/collab"
	"github.com/haasonsaas/coedit/internal/config"
	"github.com/haasonsaas/coedit/internal/observability"
	"github.com/haasonsaas/coedit/internal/ratelimit"
	"github.com/haasonsaas/coedit/internal/relay"
)

// Identity is what the gateway needs from the identity service:
// credential resolution for the upgrade plus the handler's checks.
type Identity interface {
	Authenticator
	collab.Identity
}

// Options supplies the server's collaborators. Documents and Identity are
// required.
type Options struct {
	Documents collab.Persistence
	Identity  Identity
	Relay     *relay.Relay
	Metrics   *collab.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Server is the collaboration server: one session registry and protocol
// handler behind a websocket endpoint.
type Server struct {
	config   *config.Config
	registry *collab.Registry
	handler  *collab.Handler
	ws       *wsControlPlane
	relay    *relay.Relay
	logger   *slog.Logger

	startTime    time.Time
	cancel       context.CancelFunc
	background   sync.WaitGroup
	httpServer   *http.Server
	httpListener net.Listener
}

// NewServer wires the registry, handler, and transport.
func NewServer(cfg *config.Config, opts Options) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if opts.Documents == nil || opts.Identity == nil {
		return nil, errors.New("documents and identity are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := collab.NewRegistry(opts.Metrics)
	handlerOpts := collab.HandlerOptions{
		Metrics: opts.Metrics,
		Tracer:  opts.Tracer,
		Logger:  logger,
	}
	if opts.Relay != nil {
		handlerOpts.Publisher = opts.Relay
	}
	handler := collab.NewHandler(registry, opts.Documents, opts.Identity, handlerOpts)

	return &Server{
		config:   cfg,
		registry: registry,
		handler:  handler,
		ws:       newWSControlPlane(handler, opts.Identity, cfg.Collab, cfg.Server.AllowedOrigins, logger),
		relay:    opts.Relay,
		logger:   logger,
	}, nil
}

// Start listens on the configured address and starts the relay
// subscription. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	s.startTime = time.Now()
	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.startHTTPServer(ctx); err != nil {
		s.cancel()
		return err
	}

	if s.relay != nil {
		s.background.Add(1)
		go func() {
			defer s.background.Done()
			s.relay.Serve(ctx, s.handler)
		}()
	}
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.httpListener == nil {
		return nil
	}
	return s.httpListener.Addr()
}

// Registry exposes the session registry for inspection.
func (s *Server) Registry() *collab.Registry {
	return s.registry
}

// UpdateRateLimit applies new inbound frame limits to open and future
// connections.
func (s *Server) UpdateRateLimit(cfg ratelimit.Config) {
	s.ws.limiter.Update(cfg)
	s.logger.Info("rate limit updated", "enabled", cfg.Enabled, "rps", cfg.RequestsPerSecond, "burst", cfg.BurstSize)
}

// Stop stops accepting connections, closes open websockets, and waits for
// their disconnect handling to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("stopping server")

	s.stopHTTPServer(ctx)
	s.ws.closeAll()
	if err := s.ws.wait(ctx); err != nil {
		return fmt.Errorf("waiting for connections: %w", err)
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.background.Wait()

	if s.relay != nil {
		if err := s.relay.Close(); err != nil {
			s.logger.Warn("relay close error", "error", err)
		}
	}
	return nil
}
