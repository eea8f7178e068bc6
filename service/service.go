package service

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-query/auth"
	"github.com/saiset-co/sai-query/client"
	"github.com/saiset-co/sai-query/config"
	"github.com/saiset-co/sai-query/health"
	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/marketplace"
	"github.com/saiset-co/sai-query/metrics"
	"github.com/saiset-co/sai-query/mutation"
	"github.com/saiset-co/sai-query/persist"
	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/realtime"
	"github.com/saiset-co/sai-query/scheduler"
	"github.com/saiset-co/sai-query/server"
	"github.com/saiset-co/sai-query/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

const PersistJobName = "persist-snapshot"

type Option func(*options)

type options struct {
	logger      types.Logger
	tokens      auth.TokenSource
	clock       query.Clock
	httpOptions []client.Option
	serverOpts  []server.Option
}

// WithLogger replaces the logger built from configuration.
func WithLogger(l types.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithTokenSource overrides the stored session token, e.g. with a token
// given on the command line.
func WithTokenSource(source auth.TokenSource) Option {
	return func(o *options) {
		o.tokens = source
	}
}

func WithClock(clock query.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

func WithHTTPOptions(opts ...client.Option) Option {
	return func(o *options) {
		o.httpOptions = append(o.httpOptions, opts...)
	}
}

func WithServerOptions(opts ...server.Option) Option {
	return func(o *options) {
		o.serverOpts = append(o.serverOpts, opts...)
	}
}

// component is one lifecycle unit. Components of a tier only depend on
// lower tiers: tiers start in ascending order and stop in descending order,
// the members of one tier stopping in parallel.
type component struct {
	name  string
	tier  int
	start func() error
	stop  func() error
}

// Service owns every component built from one configuration and wires them
// together explicitly.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	config *types.ServiceConfig
	logger types.Logger

	metrics     types.MetricsManager
	metricsMgr  *metrics.Manager
	collector   *metrics.Collector
	storage     types.Storage
	tokens      *auth.TokenStore
	tokenSource auth.TokenSource
	queries     *query.Client
	coordinator *mutation.Coordinator
	http        *client.HTTPClient
	api         *marketplace.API
	persister   *persist.Persister
	scheduler   types.SchedulerManager
	listener    *realtime.Listener
	health      *health.Manager
	server      *server.Server

	components []component
	started    []component

	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	startTimeout    time.Duration
	shutdownTimeout time.Duration
}

// NewService loads the configuration at configPath and builds the service.
func NewService(ctx context.Context, configPath string, opts ...Option) (*Service, error) {
	if configPath == "" {
		return nil, types.ErrConfigInvalidPath
	}

	if _, err := os.Stat(configPath); err != nil {
		return nil, types.WrapError(err, "file does not exist")
	}

	manager, err := config.NewConfigurationManager(ctx, configPath)
	if err != nil {
		return nil, err
	}

	return New(ctx, manager.GetConfig(), opts...)
}

// New builds a service from an in-memory configuration. cfg is validated
// the same way a loaded file is.
func New(ctx context.Context, cfg *types.ServiceConfig, opts ...Option) (*Service, error) {
	if cfg == nil {
		return nil, types.ErrConfigIsNil
	}

	manager, err := config.NewStaticManager(cfg)
	if err != nil {
		return nil, types.WrapError(err, "invalid configuration")
	}
	cfg = manager.GetConfig()

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	serviceCtx, cancel := context.WithCancel(ctx)

	s := &Service{
		ctx:             serviceCtx,
		cancel:          cancel,
		config:          cfg,
		done:            make(chan struct{}),
		startTimeout:    60 * time.Second,
		shutdownTimeout: 30 * time.Second,
	}
	s.state.Store(StateStopped)

	if err := s.build(o); err != nil {
		cancel()
		return nil, err
	}
	return s, nil
}

func (s *Service) build(o *options) error {
	if err := s.buildLogger(o); err != nil {
		return err
	}
	if err := s.buildMetrics(); err != nil {
		return err
	}
	if err := s.buildStorage(); err != nil {
		return err
	}
	if err := s.buildCore(o); err != nil {
		return err
	}
	if err := s.buildPersistence(); err != nil {
		return err
	}
	if err := s.buildScheduler(); err != nil {
		return err
	}
	if err := s.buildRealtime(); err != nil {
		return err
	}
	s.buildHealth()
	s.buildCollector()
	s.buildServer(o)
	return nil
}

func (s *Service) buildLogger(o *options) error {
	if o.logger != nil {
		s.logger = o.logger
		return nil
	}

	l, err := logger.New(s.config.Logger)
	if err != nil {
		return types.WrapError(err, "failed to create logger")
	}

	s.logger = l
	s.components = append(s.components, component{
		name:  "logger",
		start: func() error { return nil },
		stop: func() error {
			logger.Sync(l)
			return nil
		},
	})
	return nil
}

func (s *Service) buildMetrics() error {
	if s.config.Metrics == nil || !s.config.Metrics.Enabled {
		return nil
	}

	manager, err := metrics.NewManager(s.config.Metrics, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register metrics manager")
	}

	s.metrics = manager
	s.metricsMgr = manager
	s.add("metrics", 1, manager)
	return nil
}

func (s *Service) buildStorage() error {
	if s.config.Storage == nil || !s.config.Storage.Enabled {
		return nil
	}

	storage, err := persist.NewStorage(s.config.Storage, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register storage")
	}

	s.storage = storage
	s.add("storage", 1, storage)
	return nil
}

func (s *Service) buildCore(o *options) error {
	var tokens auth.TokenSource
	if s.storage != nil && s.config.Auth != nil && s.config.Auth.Secret != "" {
		store, err := auth.NewTokenStore(s.config.Auth, s.storage, s.logger)
		if err != nil {
			return types.WrapError(err, "failed to register token store")
		}
		s.tokens = store
		tokens = store
	}
	if o.tokens != nil {
		tokens = o.tokens
	}

	s.queries = query.NewClient(s.config.Query, s.logger, s.metrics, o.clock)
	s.add("queries", 2, s.queries)

	s.coordinator = mutation.NewCoordinator(s.config.Mutation, s.queries, s.logger, s.metrics)

	httpClient, err := client.NewHTTPClient(s.config.Client, s.logger, s.metrics, auth.NewBearerProvider(tokens), o.httpOptions...)
	if err != nil {
		return types.WrapError(err, "failed to register http client")
	}
	s.http = httpClient
	s.add("http", 2, httpClient)

	api, err := marketplace.New(httpClient, s.coordinator, s.logger)
	if err != nil {
		return types.WrapError(err, "failed to register marketplace api")
	}
	s.api = api

	s.tokenSource = tokens
	return nil
}

func (s *Service) buildPersistence() error {
	if s.config.Persist == nil || !s.config.Persist.Enabled {
		return nil
	}
	if s.storage == nil {
		s.logger.Warn("Cache persistence needs storage, skipping")
		return nil
	}

	persister, err := persist.NewPersister(s.config.Persist, s.queries, s.storage, s.logger, s.metrics)
	if err != nil {
		return types.WrapError(err, "failed to register persister")
	}
	s.persister = persister

	s.components = append(s.components, component{
		name: "persister",
		tier: 3,
		start: func() error {
			ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
			defer cancel()

			if _, err := persister.Restore(ctx); err != nil && !types.IsError(err, types.ErrSnapshotNotFound) {
				s.logger.Warn("Query cache not restored", zap.Error(err))
			}
			return persister.Start()
		},
		stop: persister.Stop,
	})
	return nil
}

func (s *Service) buildScheduler() error {
	s.scheduler = scheduler.NewManager(s.ctx, s.config.Scheduler, s.logger, s.metrics)

	if s.persister != nil && s.config.Persist.Schedule != "" {
		persister := s.persister
		if err := s.scheduler.Add(PersistJobName, s.config.Persist.Schedule, persister.Persist); err != nil {
			return types.WrapError(err, "failed to schedule cache persistence")
		}
	}

	if s.config.Refresh != nil {
		for _, job := range s.config.Refresh.Jobs {
			prefix := make(query.Key, len(job.Prefix))
			for i, seg := range job.Prefix {
				prefix[i] = seg
			}

			if err := s.scheduler.Add("refresh:"+job.Name, job.Schedule, s.refreshJob(prefix)); err != nil {
				return types.WrapError(err, fmt.Sprintf("failed to schedule refresh %s", job.Name))
			}
		}
	}

	if len(s.scheduler.Jobs()) > 0 {
		s.add("scheduler", 4, s.scheduler)
	}
	return nil
}

// refreshJob invalidates prefix and waits for the refetches it triggered.
func (s *Service) refreshJob(prefix query.Key) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		refresh, err := s.queries.Invalidate(prefix)
		if err != nil {
			return err
		}
		return refresh.Wait(ctx)
	}
}

func (s *Service) buildRealtime() error {
	if s.config.Realtime == nil || !s.config.Realtime.Enabled {
		return nil
	}

	router := realtime.NewRouter()
	marketplace.Routes(router)

	var opts []realtime.Option
	if s.tokenSource != nil {
		opts = append(opts, realtime.WithTokenSource(s.tokenSource))
	}

	listener, err := realtime.NewListener(s.ctx, s.config.Realtime, router, s.queries, s.logger, s.metrics, opts...)
	if err != nil {
		return types.WrapError(err, "failed to register realtime listener")
	}

	s.listener = listener
	s.add("realtime", 4, listener)
	return nil
}

func (s *Service) buildHealth() {
	if s.config.Health == nil || !s.config.Health.Enabled {
		return
	}

	s.health = health.NewManager(s.ctx, types.ServiceInfo{
		Name:    s.config.Name,
		Version: s.config.Version,
		BaseURL: s.http.BaseURL(),
	}, s.logger)

	s.health.RegisterChecker("cache", health.CacheChecker(s.queries))
	s.health.RegisterChecker("backend", health.BreakerChecker(s.http.Breaker()))
	if s.storage != nil {
		s.health.RegisterChecker("storage", health.StorageChecker(s.storage))
	}
	if s.listener != nil {
		s.health.RegisterChecker("realtime", health.ConnectionChecker(s.listener.Connected))
	}

	s.add("health", 4, s.health)
}

func (s *Service) buildCollector() {
	if s.metrics == nil {
		return
	}

	s.collector = metrics.NewCollector(s.metrics, s.logger, 15*time.Second)
	s.collector.AddSource("runtime", metrics.RuntimeSource())
	s.collector.AddSource("query_cache", func() map[string]float64 {
		st := s.queries.Stats()
		return map[string]float64{
			"entries":           float64(st.Entries),
			"subscribers":       float64(st.Subscribers),
			"in_flight":         float64(st.InFlight),
			"pending_mutations": float64(s.coordinator.Pending()),
		}
	})
	if s.listener != nil {
		s.collector.AddSource("realtime", func() map[string]float64 {
			st := s.listener.Stats()
			return map[string]float64{
				"connects":      float64(st.Connects),
				"events":        float64(st.Events),
				"invalidations": float64(st.Invalidations),
			}
		})
	}

	s.add("collector", 2, s.collector)
}

func (s *Service) buildServer(o *options) {
	if s.config.Server == nil || !s.config.Server.Enabled {
		return
	}

	s.server = server.NewServer(s.config.Server, s.logger, s.metrics, o.serverOpts...)
	s.registerRoutes()
	s.add("server", 5, s.server)
}

func (s *Service) add(name string, tier int, lm types.LifecycleManager) {
	s.components = append(s.components, component{name: name, tier: tier, start: lm.Start, stop: lm.Stop})
}

func (s *Service) Config() *types.ServiceConfig { return s.config }
func (s *Service) Logger() types.Logger { return s.logger }
func (s *Service) Metrics() types.MetricsManager { return s.metrics }
func (s *Service) Storage() types.Storage { return s.storage }
func (s *Service) Tokens() *auth.TokenStore { return s.tokens }
func (s *Service) Queries() *query.Client { return s.queries }
func (s *Service) Coordinator() *mutation.Coordinator { return s.coordinator }
func (s *Service) HTTP() *client.HTTPClient { return s.http }
func (s *Service) API() *marketplace.API { return s.api }
func (s *Service) Persister() *persist.Persister { return s.persister }
func (s *Service) Scheduler() types.SchedulerManager { return s.scheduler }
func (s *Service) Listener() *realtime.Listener { return s.listener }
func (s *Service) Health() *health.Manager { return s.health }
func (s *Service) Server() *server.Server { return s.server }
func (s *Service) Context() context.Context { return s.ctx }
func (s *Service) Done() <-chan struct{}                { return s.done }

// Start brings every component up in tier order. A failure stops whatever
// already started.
func (s *Service) Start() (err error) {
	if !s.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Service start panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("service panic: %v", r)
		}
		if err != nil {
			_ = s.stopComponents()
			s.setState(StateStopped)
		}
	}()

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		return types.WrapError(err, "failed to start components")
	}

	s.setState(StateRunning)
	s.logger.Info("Service started successfully",
		zap.String("name", s.config.Name),
		zap.String("version", s.config.Version),
		zap.Int("components", len(s.started)),
	)
	return nil
}

// Stop brings the components down in reverse tier order.
func (s *Service) Stop() error {
	if !s.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}
	defer s.setState(StateStopped)

	s.logger.Info("Stopping service...")
	err := s.stopComponents()
	s.cancel()

	if err != nil {
		s.logger.Error("Error during service shutdown", zap.Error(err))
		return err
	}

	s.logger.Info("Service stopped gracefully")
	return nil
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// signal arrives.
func (s *Service) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	s.setupSignalHandling()
	s.wg.Add(1)
	go s.contextMonitor()

	<-s.done

	err := s.Stop()
	s.wg.Wait()
	return err
}

func (s *Service) Cancel() {
	s.cancel()
}

func (s *Service) IsRunning() bool {
	return s.getState() == StateRunning
}

func (s *Service) getState() State {
	return s.state.Load().(State)
}

func (s *Service) setState(newState State) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to State) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	for _, tier := range s.tiers() {
		for _, c := range tier {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			if err := c.start(); err != nil {
				return types.WrapError(err, fmt.Sprintf("failed to start %s", c.name))
			}
			s.started = append(s.started, c)
			s.logger.Debug("Component started", zap.String("component", c.name))
		}
	}
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	byTier := make(map[int][]component)
	maxTier := -1
	for _, c := range s.started {
		byTier[c.tier] = append(byTier[c.tier], c)
		maxTier = max(maxTier, c.tier)
	}
	s.started = nil

	var errs []error
	for tier := maxTier; tier >= 0; tier-- {
		g, gCtx := errgroup.WithContext(ctx)

		for _, c := range byTier[tier] {
			g.Go(func() error {
				done := make(chan error, 1)
				go func() { done <- c.stop() }()

				select {
				case err := <-done:
					if err != nil {
						s.logger.Error("Failed to stop component", zap.String("component", c.name), zap.Error(err))
						return types.WrapError(err, c.name)
					}
					return nil
				case <-gCtx.Done():
					return types.WrapError(gCtx.Err(), c.name)
				}
			})
		}

		if err := g.Wait(); err != nil {
			select {
			case <-ctx.Done():
				s.logger.Warn("Component shutdown timeout, some components may not have stopped gracefully")
			default:
			}
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}
	return nil
}

func (s *Service) tiers() [][]component {
	maxTier := -1
	for _, c := range s.components {
		maxTier = max(maxTier, c.tier)
	}

	out := make([][]component, maxTier+1)
	for _, c := range s.components {
		out[c.tier] = append(out[c.tier], c)
	}
	return out
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			s.logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
			s.cancel()
		case <-s.ctx.Done():
		}
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		s.logger.Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		s.logger.Warn("Service shutdown: context deadline exceeded")
	default:
		s.logger.Info("Service shutdown: context done")
	}
}
