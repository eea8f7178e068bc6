package server

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-query/types"
	"github.com/saiset-co/sai-query/utils"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Option func(*Server)

// WithListener serves on ln instead of binding Host:Port.
func WithListener(ln net.Listener) Option {
	return func(s *Server) {
		s.listener = ln
	}
}

// Server is the local diagnostics endpoint. Routes are exact method and
// path matches registered before Start.
type Server struct {
	config      *types.ServerConfig
	logger      types.Logger
	metrics     types.MetricsManager
	routes      map[string]fasthttp.RequestHandler
	middlewares []Middleware
	server      *fasthttp.Server
	listener    net.Listener
	served      chan struct{}
	mu          sync.RWMutex
	state       atomic.Value
}

func NewServer(config *types.ServerConfig, logger types.Logger, metrics types.MetricsManager, opts ...Option) *Server {
	cfg := types.ServerConfig{
		Host:            "localhost",
		Port:            9090,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
	if config != nil {
		cfg = *config
		if cfg.ShutdownTimeout <= 0 {
			cfg.ShutdownTimeout = 10 * time.Second
		}
	}

	s := &Server{
		config:  &cfg,
		logger:  logger,
		metrics: metrics,
		routes:  make(map[string]fasthttp.RequestHandler),
	}
	s.middlewares = []Middleware{Recovery(logger), Logging(logger, metrics)}

	for _, opt := range opts {
		opt(s)
	}

	s.state.Store(StateStopped)
	return s
}

// Handle registers handler for method and path.
func (s *Server) Handle(method, path string, handler fasthttp.RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.routes[routeKey(method, path)] = handler
}

func (s *Server) Start() error {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServerAlreadyRunning
	}

	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))

	if s.listener == nil {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.setState(StateStopped)
			return types.Errorf(types.ErrServerStartFailed, "%s: %v", addr, err)
		}
		s.listener = ln
	}

	s.server = &fasthttp.Server{
		Handler:         Chain(s.route, s.middlewares...),
		Name:            "sai-query",
		ReadTimeout:     s.config.ReadTimeout,
		WriteTimeout:    s.config.WriteTimeout,
		CloseOnShutdown: true,
	}
	s.served = make(chan struct{})

	go func(srv *fasthttp.Server, ln net.Listener, served chan struct{}) {
		defer close(served)
		if err := srv.Serve(ln); err != nil {
			s.logger.Error("Diagnostics server failed", zap.Error(err))
		}
	}(s.server, s.listener, s.served)

	s.setState(StateRunning)
	s.logger.Info("Diagnostics server started", zap.String("address", s.listener.Addr().String()))
	return nil
}

func (s *Server) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServerNotRunning
	}

	defer s.setState(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.ShutdownWithContext(gCtx); err != nil {
			return err
		}
		select {
		case <-s.served:
			return nil
		case <-gCtx.Done():
			return gCtx.Err()
		}
	})

	err := g.Wait()
	s.listener = nil

	if err != nil {
		s.logger.Warn("Diagnostics server stop timeout", zap.Error(err))
		return err
	}

	s.logger.Info("Diagnostics server stopped gracefully")
	return nil
}

func (s *Server) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Server) getState() State {
	return s.state.Load().(State)
}

func (s *Server) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Server) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	method := string(ctx.Method())
	if method == fasthttp.MethodHead {
		method = fasthttp.MethodGet
	}

	s.mu.RLock()
	handler := s.routes[routeKey(method, string(ctx.Path()))]
	s.mu.RUnlock()

	if handler == nil {
		utils.CreateNotFoundResponse(ctx)
		return
	}
	handler(ctx)
}

func routeKey(method, path string) string {
	path = "/" + strings.Trim(path, "/")
	return strings.ToUpper(method) + " " + path
}
