package mutation

import (
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

// Coordinator runs writes against the backend and keeps the query cache
// consistent with them: optimistic patches go in before the call, and on
// settlement dependent keys are invalidated or patches are rolled back.
type Coordinator struct {
	queries   *query.Client
	validator *validator.Validate
	logger    types.Logger
	metrics   types.MetricsManager
	config    *types.MutationConfig

	// applyMu serialises the optimistic phase so patches to one key land in
	// call order.
	applyMu sync.Mutex

	mu      sync.RWMutex
	pending map[string]*pending
}

func NewCoordinator(config *types.MutationConfig, queries *query.Client, logger types.Logger, metrics types.MetricsManager) *Coordinator {
	if config == nil {
		config = &types.MutationConfig{}
	}

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})

	return &Coordinator{
		queries:   queries,
		validator: v,
		logger:    logger,
		metrics:   metrics,
		config:    config,
		pending:   make(map[string]*pending),
	}
}

func (c *Coordinator) Queries() *query.Client {
	return c.queries
}

// Pending returns the number of mutations that have not settled yet.
func (c *Coordinator) Pending() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.pending)
}

// IsMutating reports whether an unsettled mutation patched or will
// invalidate a key under prefix.
func (c *Coordinator) IsMutating(prefix query.Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.pending {
		if p.touches(prefix) {
			return true
		}
	}
	return false
}

// Validate checks input against its struct tags. Non-struct inputs pass.
func (c *Coordinator) Validate(input any) error {
	v := reflect.ValueOf(input)
	for v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil
	}

	err := c.validator.Struct(v.Interface())
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.WrapError(err, "failed to validate input")
	}

	out := &types.ValidationError{Fields: make(map[string]string, len(fieldErrs))}
	for _, fe := range fieldErrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		out.Fields[fieldPath(fe.Namespace())] = rule
	}
	return out
}

func (c *Coordinator) register(p *pending) {
	c.mu.Lock()
	c.pending[p.id] = p
	c.mu.Unlock()
}

func (c *Coordinator) settle(p *pending) {
	c.mu.Lock()
	delete(c.pending, p.id)
	c.mu.Unlock()
}

func (c *Coordinator) invalidate(name string, keys []query.Key) []*query.Refresh {
	refreshes := make([]*query.Refresh, 0, len(keys))
	for _, key := range keys {
		refresh, err := c.queries.Invalidate(key)
		if err != nil {
			c.logger.Warn("Mutation invalidation failed",
				zap.String("mutation", name),
				zap.String("key", key.String()),
				zap.Error(err),
			)
			continue
		}
		refreshes = append(refreshes, refresh)
	}
	return refreshes
}

func (c *Coordinator) recordMetric(name, result string, start time.Time) {
	if c.metrics == nil {
		return
	}

	labels := map[string]string{
		"mutation": name,
		"result":   result,
	}

	c.metrics.Counter("mutation_operations_total", labels).Inc()
	c.metrics.Histogram("mutation_duration_seconds", types.DefaultDurationBuckets, labels).
		Observe(time.Since(start).Seconds())
}

// fieldPath drops the root struct name from a validator namespace.
func fieldPath(ns string) string {
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[i+1:]
	}
	return ns
}
