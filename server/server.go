// Package server exposes activation patching over HTTP, together with the
// execution routes backend/remote talks to.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/openfluke/loompatch/config"
	"github.com/openfluke/loompatch/registry"
)

const maxBodyBytes = 1 << 20

// Server serves the patching API for the models in a registry.
type Server struct {
	cfg        config.ServerConfig
	models     *registry.Registry
	logger     *zap.Logger
	httpClient *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	unknown  *rate.Limiter
	addr     string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHTTPClient sets the client used for remote execution.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Server) { s.httpClient = c }
}

// New returns a server over models.
func New(cfg config.ServerConfig, models *registry.Registry, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		models:     models,
		logger:     zap.NewNop(),
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		limiters:   make(map[string]*rate.Limiter),
		unknown:    rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /patch", s.handlePatch)
	mux.HandleFunc("GET /v1/models/{name}", s.handleDescribe)
	mux.HandleFunc("POST /v1/encode", s.handleEncode)
	mux.HandleFunc("POST /v1/decode", s.handleDecode)
	mux.HandleFunc("POST /v1/forward", s.handleForward)
	return mux
}

// Addr returns the bound listen address once Run has started listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	timeout := 10 * time.Second
	if s.cfg.ShutdownTimeout != "" {
		d, err := time.ParseDuration(s.cfg.ShutdownTimeout)
		if err != nil {
			ln.Close()
			return fmt.Errorf("invalid shutdown_timeout: %w", err)
		}
		timeout = d
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		s.logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// limiter returns the token bucket for model. Each declared model gets its
// own; all undeclared names share one.
func (s *Server) limiter(model string) *rate.Limiter {
	if !s.models.Has(model) {
		return s.unknown
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[model]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RateLimit), s.cfg.Burst)
		s.limiters[model] = l
	}
	return l
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "models": s.models.Names()})
}
