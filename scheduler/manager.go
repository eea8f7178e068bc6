package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/saiset-co/sai-query/types"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

type Job func(ctx context.Context) error

var _ types.SchedulerManager = (*Manager)(nil)

type jobEntry struct {
	info types.JobInfo
	job  Job
}

// Manager runs named jobs on cron schedules. Specs accept an optional
// seconds field and descriptors such as "@every 30s". Each run gets a
// context bounded by the job timeout and cancelled on Stop.
type Manager struct {
	ctx             context.Context
	cancel          context.CancelFunc
	logger          types.Logger
	metrics         types.MetricsManager
	cron            *cron.Cron
	jobs            map[string]*jobEntry
	mu              sync.RWMutex
	running         sync.WaitGroup
	state           atomic.Value
	jobTimeout      time.Duration
	shutdownTimeout time.Duration
}

func NewManager(ctx context.Context, config *types.SchedulerConfig, logger types.Logger, metrics types.MetricsManager) *Manager {
	timezone := time.UTC
	jobTimeout := 5 * time.Minute
	shutdownTimeout := 10 * time.Second

	if config != nil {
		if config.Timezone != "" {
			if loc, err := time.LoadLocation(config.Timezone); err == nil {
				timezone = loc
			} else {
				logger.Warn("Unknown scheduler timezone, using UTC", zap.String("timezone", config.Timezone))
			}
		}
		if config.JobTimeout > 0 {
			jobTimeout = config.JobTimeout
		}
		if config.ShutdownTimeout > 0 {
			shutdownTimeout = config.ShutdownTimeout
		}
	}

	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	managerCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		ctx:     managerCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: metrics,
		cron: cron.New(
			cron.WithLocation(timezone),
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger{logger: logger})),
		),
		jobs:            make(map[string]*jobEntry),
		jobTimeout:      jobTimeout,
		shutdownTimeout: shutdownTimeout,
	}

	m.state.Store(StateStopped)
	return m
}

// Add schedules job under name. Names are unique.
func (m *Manager) Add(name, spec string, job func(ctx context.Context) error) error {
	if name == "" {
		return types.ErrCronJobNameIsEmpty
	}
	if spec == "" {
		return types.ErrCronExpressionInvalid
	}
	if job == nil {
		return types.ErrCronJobIsNil
	}

	state := m.getState()
	if state == StateStopping {
		return types.ErrCronSchedulerStopped
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return types.Errorf(types.ErrCronJobExists, "job: %s", name)
	}

	id, err := m.cron.AddFunc(spec, func() { m.run(name) })
	if err != nil {
		return types.Errorf(types.ErrCronExpressionInvalid, "%s: %v", spec, err)
	}

	entry := &jobEntry{
		info: types.JobInfo{
			ID:      id,
			Name:    name,
			Spec:    spec,
			AddedAt: time.Now(),
		},
		job: job,
	}
	if ce := m.cron.Entry(id); ce.ID != 0 {
		entry.info.NextRun = ce.Next
	}
	m.jobs[name] = entry

	m.logger.Info("Scheduled job added",
		zap.String("job_name", name),
		zap.String("spec", spec),
	)
	return nil
}

func (m *Manager) Remove(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.jobs[name]
	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", name)
	}

	m.cron.Remove(entry.info.ID)
	delete(m.jobs, name)

	m.logger.Info("Scheduled job removed", zap.String("job_name", name))
	return nil
}

// Run executes a registered job once, outside its schedule.
func (m *Manager) Run(name string) error {
	m.mu.RLock()
	_, exists := m.jobs[name]
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", name)
	}
	return m.run(name)
}

// Jobs returns a copy of every job's statistics, ordered by name.
func (m *Manager) Jobs() []types.JobInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]types.JobInfo, 0, len(m.jobs))
	for _, entry := range m.jobs {
		out = append(out, entry.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) Start() error {
	if !m.transitionState(StateStopped, StateStarting) {
		return types.ErrCronIsRunning
	}

	m.cron.Start()
	m.setState(StateRunning)
	m.setGauge("scheduler_running", 1)

	m.logger.Info("Scheduler started", zap.Int("jobs", len(m.Jobs())))
	return nil
}

func (m *Manager) Stop() error {
	if !m.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}

	defer m.setState(StateStopped)

	ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer cancel()

	m.cancel()

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-m.cron.Stop().Done():
			return nil
		case <-gCtx.Done():
			return types.ErrCronJobTimeout
		}
	})

	g.Go(func() error {
		done := make(chan struct{})
		go func() {
			m.running.Wait()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-gCtx.Done():
			return types.ErrCronJobTimeout
		}
	})

	m.setGauge("scheduler_running", 0)

	if err := g.Wait(); err != nil {
		m.logger.Warn("Scheduler stop timeout, some jobs may still be running", zap.Error(err))
		return err
	}

	m.logger.Info("Scheduler stopped gracefully")
	return nil
}

func (m *Manager) IsRunning() bool {
	return m.getState() == StateRunning
}

func (m *Manager) getState() State {
	return m.state.Load().(State)
}

func (m *Manager) setState(newState State) bool {
	currentState := m.getState()
	return m.state.CompareAndSwap(currentState, newState)
}

func (m *Manager) transitionState(from, to State) bool {
	return m.state.CompareAndSwap(from, to)
}

func (m *Manager) run(name string) (err error) {
	if m.ctx.Err() != nil {
		m.logger.Debug("Job skipped due to shutdown", zap.String("job_name", name))
		return types.ErrCronSchedulerStopped
	}

	m.mu.RLock()
	entry, exists := m.jobs[name]
	var job Job
	if exists {
		job = entry.job
	}
	m.mu.RUnlock()

	if !exists {
		return types.Errorf(types.ErrCronJobNotFound, "job: %s", name)
	}

	m.running.Add(1)
	defer m.running.Done()

	ctx, cancel := context.WithTimeout(m.ctx, m.jobTimeout)
	defer cancel()

	start := time.Now()
	m.logger.Debug("Job started", zap.String("job_name", name))

	defer func() {
		if r := recover(); r != nil {
			err = types.Errorf(types.ErrCronJobFailed, "job panic: %v", r)
		}
		if err == nil && ctx.Err() == context.DeadlineExceeded {
			err = types.Errorf(types.ErrCronJobTimeout, "timeout after %v", m.jobTimeout)
		}

		duration := time.Since(start)
		m.finish(name, start, duration, err)
	}()

	return job(ctx)
}

func (m *Manager) finish(name string, start time.Time, duration time.Duration, err error) {
	m.mu.Lock()
	if entry, exists := m.jobs[name]; exists {
		info := &entry.info
		info.LastRun = start
		info.LastDuration = duration
		info.RunCount++
		info.AvgDuration = (info.AvgDuration*time.Duration(info.RunCount-1) + duration) / time.Duration(info.RunCount)
		info.LastError = ""
		if err != nil {
			info.FailCount++
			info.LastError = err.Error()
		}
		if ce := m.cron.Entry(info.ID); ce.ID != 0 {
			info.NextRun = ce.Next
		}
	}
	m.mu.Unlock()

	result := "success"
	if err != nil {
		result = "error"
		m.logger.Error("Job failed",
			zap.String("job_name", name),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	} else {
		m.logger.Debug("Job completed",
			zap.String("job_name", name),
			zap.Duration("duration", duration),
		)
	}

	if m.metrics == nil {
		return
	}

	m.metrics.Counter("scheduler_job_executions_total", map[string]string{
		"job_name": name,
		"result":   result,
	}).Inc()

	m.metrics.Histogram("scheduler_job_duration_seconds",
		[]float64{0.01, 0.1, 1.0, 10.0, 60.0, 300.0},
		map[string]string{"job_name": name},
	).Observe(duration.Seconds())
}

func (m *Manager) setGauge(name string, value float64) {
	if m.metrics == nil {
		return
	}
	m.metrics.Gauge(name, nil).Set(value)
}

type cronLogger struct {
	logger types.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(fields(keysAndValues), zap.Error(err))...)
}

func fields(keysAndValues []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, zap.Any(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
