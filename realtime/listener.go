package realtime

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/auth"
	"github.com/saiset-co/sai-query/query"
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

// Invalidator is the part of the query client the listener drives.
type Invalidator interface {
	Invalidate(prefix query.Key) (*query.Refresh, error)
}

type Stats struct {
	Connected     bool  `json:"connected"`
	Connects      int64 `json:"connects"`
	Events        int64 `json:"events"`
	Invalidations int64 `json:"invalidations"`
	Dropped       int64 `json:"dropped"`
}

type Option func(*Listener)

func WithTokenSource(source auth.TokenSource) Option {
	return func(l *Listener) {
		l.tokens = source
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(l *Listener) {
		l.dialer = dialer
	}
}

// Listener keeps a WebSocket connection to the backend event stream open
// and invalidates the prefixes its Router derives from each event.
type Listener struct {
	ctx     context.Context
	cancel  context.CancelFunc
	config  types.RealtimeConfig
	router  *Router
	queries Invalidator
	logger  types.Logger
	metrics types.MetricsManager
	tokens  auth.TokenSource
	dialer  *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	wg        sync.WaitGroup
	state     atomic.Value
	connected atomic.Bool

	connects      atomic.Int64
	events        atomic.Int64
	invalidations atomic.Int64
	dropped       atomic.Int64
}

func NewListener(ctx context.Context, config *types.RealtimeConfig, router *Router, queries Invalidator, logger types.Logger, metrics types.MetricsManager, opts ...Option) (*Listener, error) {
	if config == nil || !config.Enabled {
		return nil, types.ErrRealtimeIsDisabled
	}
	if config.URL == "" {
		return nil, types.Errorf(types.ErrInvalidParameter, "realtime url is required")
	}
	if router == nil || queries == nil {
		return nil, types.Errorf(types.ErrInvalidParameter, "router and query client are required")
	}

	cfg := *config
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay < cfg.ReconnectDelay {
		cfg.MaxReconnectDelay = cfg.ReconnectDelay
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}

	listenerCtx, cancel := context.WithCancel(ctx)

	l := &Listener{
		ctx:     listenerCtx,
		cancel:  cancel,
		config:  cfg,
		router:  router,
		queries: queries,
		logger:  logger,
		metrics: metrics,
		dialer:  websocket.DefaultDialer,
	}

	for _, opt := range opts {
		opt(l)
	}

	l.state.Store(StateStopped)
	return l, nil
}

// Start connects in the background. A backend that is down at startup is
// retried like a dropped connection.
func (l *Listener) Start() error {
	if !l.transitionState(StateStopped, StateStarting) {
		return types.ErrServiceIsRunning
	}

	l.wg.Add(1)
	go l.run()

	l.setState(StateRunning)
	l.logger.Info("Realtime listener started",
		zap.String("url", l.config.URL),
		zap.Duration("reconnect_delay", l.config.ReconnectDelay),
		zap.Duration("max_reconnect_delay", l.config.MaxReconnectDelay),
	)
	return nil
}

func (l *Listener) Stop() error {
	if !l.transitionState(StateRunning, StateStopping) {
		return types.ErrServiceIsNotRunning
	}
	defer l.setState(StateStopped)

	l.cancel()

	l.connMu.Lock()
	if l.conn != nil {
		deadline := time.Now().Add(l.config.WriteWait)
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = l.conn.Close()
	}
	l.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("Realtime listener stopped gracefully")
	case <-time.After(l.config.WriteWait):
		l.logger.Warn("Realtime listener stop timeout")
	}
	return nil
}

func (l *Listener) IsRunning() bool {
	return l.getState() == StateRunning
}

func (l *Listener) Connected() bool {
	return l.connected.Load()
}

func (l *Listener) Stats() Stats {
	return Stats{
		Connected:     l.Connected(),
		Connects:      l.connects.Load(),
		Events:        l.events.Load(),
		Invalidations: l.invalidations.Load(),
		Dropped:       l.dropped.Load(),
	}
}

// Dispatch applies e as if it had arrived on the stream.
func (l *Listener) Dispatch(e Event) int {
	l.events.Add(1)

	prefixes := l.router.Route(e)
	if len(prefixes) == 0 {
		l.dropped.Add(1)
		l.recordMetric("event", "ignored")
		l.logger.Debug("No route for realtime event",
			zap.String("type", e.Type),
			zap.String("resource", e.Resource))
		return 0
	}

	applied := 0
	for _, prefix := range prefixes {
		if _, err := l.queries.Invalidate(prefix); err != nil {
			l.logger.Warn("Failed to invalidate from realtime event",
				zap.String("type", e.Type),
				zap.Any("prefix", prefix),
				zap.Error(err))
			continue
		}
		applied++
	}

	l.invalidations.Add(int64(applied))
	l.recordMetric("event", "routed")
	return applied
}

func (l *Listener) run() {
	defer l.wg.Done()

	delay := l.config.ReconnectDelay
	for {
		conn, err := l.dial()
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}

			l.recordMetric("connect", "error")
			l.logger.Warn("Realtime connection failed",
				zap.String("url", l.config.URL),
				zap.Duration("retry_in", delay),
				zap.Error(err))

			if !l.sleep(delay) {
				return
			}
			delay = min(delay*2, l.config.MaxReconnectDelay)
			continue
		}

		delay = l.config.ReconnectDelay
		reconnect := l.connects.Add(1) > 1
		l.recordMetric("connect", "success")
		l.logger.Info("Realtime connected", zap.String("url", l.config.URL), zap.Bool("reconnect", reconnect))

		if reconnect && l.config.InvalidateOnReconnect {
			if _, err := l.queries.Invalidate(nil); err != nil {
				l.logger.Warn("Failed to invalidate after reconnect", zap.Error(err))
			}
		}

		err = l.serve(conn)
		if l.ctx.Err() != nil {
			return
		}

		l.logger.Warn("Realtime connection lost", zap.Error(err))
		if !l.sleep(delay) {
			return
		}
	}
}

func (l *Listener) dial() (*websocket.Conn, error) {
	header := http.Header{}
	if l.tokens != nil {
		token, err := l.tokens.Token(l.ctx)
		if err != nil && !types.IsError(err, types.ErrTokenNotFound) {
			return nil, err
		}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialCtx, cancel := context.WithTimeout(l.ctx, 10*time.Second)
	defer cancel()

	conn, _, err := l.dialer.DialContext(dialCtx, l.config.URL, header)
	if err != nil {
		return nil, types.WrapError(err, "failed to dial event stream")
	}

	l.connMu.Lock()
	if l.ctx.Err() != nil {
		l.connMu.Unlock()
		_ = conn.Close()
		return nil, l.ctx.Err()
	}
	l.conn = conn
	l.connMu.Unlock()

	return conn, nil
}

// serve reads events until the connection fails. A ping goroutine keeps
// the read deadline moving through pongs.
func (l *Listener) serve(conn *websocket.Conn) error {
	l.connected.Store(true)

	stop := make(chan struct{})
	pinged := make(chan struct{})

	defer func() {
		close(stop)
		<-pinged

		l.connected.Store(false)
		l.connMu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.connMu.Unlock()
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(l.config.PongWait))
	})

	go l.ping(conn, stop, pinged)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var e Event
		if err := utils.Unmarshal(data, &e); err != nil || e.Type == "" {
			l.dropped.Add(1)
			l.recordMetric("event", "invalid")
			l.logger.Debug("Discarding malformed realtime message", zap.Int("size", len(data)), zap.Error(err))
			continue
		}

		l.Dispatch(e)
	}
}

func (l *Listener) ping(conn *websocket.Conn, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(l.config.WriteWait)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				l.logger.Debug("Realtime ping failed", zap.Error(err))
				_ = conn.Close()
				return
			}
		}
	}
}

func (l *Listener) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return true
	case <-l.ctx.Done():
		return false
	}
}

func (l *Listener) recordMetric(operation, result string) {
	if l.metrics == nil {
		return
	}

	l.metrics.Counter("realtime_operations_total", map[string]string{
		"operation": operation,
		"result":    result,
	}).Inc()
	l.metrics.Gauge("realtime_connected", nil).Set(boolGauge(l.Connected()))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (l *Listener) getState() State {
	return l.state.Load().(State)
}

func (l *Listener) setState(newState State) bool {
	currentState := l.getState()
	return l.state.CompareAndSwap(currentState, newState)
}

func (l *Listener) transitionState(from, to State) bool {
	return l.state.CompareAndSwap(from, to)
}
