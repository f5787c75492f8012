// Package server assembles the reactor, the HTTP handler, the user store
// and the metrics endpoint into one runnable process.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/kfcemployee/tinyweb/internal/config"
	"github.com/kfcemployee/tinyweb/internal/metrics"
	"github.com/kfcemployee/tinyweb/server/auth"
	"github.com/kfcemployee/tinyweb/server/engine"
	"github.com/kfcemployee/tinyweb/server/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const shutdownGrace = 5 * time.Second

type Server struct {
	cfg     config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	auth    *auth.Service
	reactor *engine.Reactor

	metricsLn net.Listener
}

// New builds a server from a validated config. The store is owned by the
// server from here on and closed by Run.
func New(cfg config.Config, store auth.Store, log zerolog.Logger) (*Server, error) {
	root, err := filepath.Abs(cfg.DocRoot)
	if err != nil {
		return nil, fmt.Errorf("doc root: %w", err)
	}
	root = strings.TrimRight(root, "/")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	svc := auth.NewService(store, log)
	h := protocol.NewHandler(protocol.Options{
		Root:    root,
		Auth:    svc,
		Metrics: m,
	})

	r := engine.New(h, engine.Options{
		Port:            cfg.Port,
		Backlog:         cfg.Backlog,
		Workers:         cfg.Workers,
		QueueSize:       cfg.QueueSize,
		MaxConns:        cfg.MaxConns,
		MaxEvents:       cfg.MaxEvents,
		IdleTimeout:     cfg.IdleTimeout,
		TickInterval:    cfg.TickInterval,
		ReadBufferSize:  cfg.ReadBufferSize,
		WriteBufferSize: cfg.WriteBufferSize,
		Logger:          log,
		Metrics:         m,
	})

	return &Server{
		cfg:     cfg,
		log:     log.With().Str("component", "server").Logger(),
		metrics: m,
		auth:    svc,
		reactor: r,
	}, nil
}

// Auth exposes the user service, e.g. to preload the cache before Run.
func (s *Server) Auth() *auth.Service { return s.auth }

// Listen binds the HTTP port and, if configured, the metrics port.
func (s *Server) Listen() error {
	if err := s.reactor.Listen(); err != nil {
		return err
	}
	if s.cfg.MetricsAddr == "" {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen: %w", err)
	}
	s.metricsLn = ln
	return nil
}

// Port returns the bound HTTP port.
func (s *Server) Port() int { return s.reactor.Port() }

// MetricsAddr returns the bound metrics address, or "" when disabled.
func (s *Server) MetricsAddr() string {
	if s.metricsLn == nil {
		return ""
	}
	return s.metricsLn.Addr().String()
}

// Run serves until ctx is cancelled or a component fails.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.auth.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closing user store")
		}
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.reactor.Serve(ctx)
	})

	if s.metricsLn != nil {
		srv := &http.Server{
			Handler:           s.metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			s.log.Info().Str("addr", s.metricsLn.Addr().String()).Msg("metrics listening")
			if err := srv.Serve(s.metricsLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	err := g.Wait()
	s.log.Info().Err(err).Msg("stopped")
	return err
}

func (s *Server) metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}
