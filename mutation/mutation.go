package mutation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

type Status int

const (
	StatusIdle Status = iota
	StatusPending
	StatusSuccess
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusPending:
		return "pending"
	case StatusSuccess:
		return "success"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Options describe one kind of write. Only Fn is required.
type Options[TIn, TOut any] struct {
	Name string
	Fn   func(ctx context.Context, input TIn) (TOut, error)

	// Optimistic returns the cache patches to apply before Fn runs.
	Optimistic func(input TIn) []Patch
	// Invalidates lists the keys made stale by the write. On failure it is
	// called with the zero TOut.
	Invalidates func(input TIn, output TOut) []query.Key

	// InvalidateOnError also invalidates the dependent keys when Fn fails.
	InvalidateOnError bool
	// AwaitInvalidation makes Mutate wait for the triggered refetches.
	AwaitInvalidation bool

	OnSuccess func(output TOut, input TIn)
	OnError   func(err error, input TIn)
	OnSettled func(output TOut, err error, input TIn)
}

// State is the last submission of a Mutation.
type State[TIn, TOut any] struct {
	ID          string
	Status      Status
	Variables   TIn
	Data        TOut
	Err         error
	SubmittedAt time.Time
}

type Mutation[TIn, TOut any] struct {
	coord *Coordinator
	opts  Options[TIn, TOut]

	mu    sync.Mutex
	seq   uint64
	state State[TIn, TOut]
}

// Define binds opts to coord. Coordinator-wide settings fill the flags opts
// leaves unset.
func Define[TIn, TOut any](coord *Coordinator, opts Options[TIn, TOut]) *Mutation[TIn, TOut] {
	if opts.Name == "" {
		opts.Name = "mutation"
	}
	if coord.config.InvalidateOnError {
		opts.InvalidateOnError = true
	}
	if coord.config.AwaitInvalidation {
		opts.AwaitInvalidation = true
	}

	return &Mutation[TIn, TOut]{coord: coord, opts: opts}
}

func (m *Mutation[TIn, TOut]) Name() string {
	return m.opts.Name
}

func (m *Mutation[TIn, TOut]) State() State[TIn, TOut] {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Reset returns the state to idle. A mutation still running is unaffected
// but no longer reports into the state.
func (m *Mutation[TIn, TOut]) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.state = State[TIn, TOut]{}
}

// Mutate validates input, applies the optimistic patches, and runs the
// write. On success the dependent keys are invalidated; on failure every
// patch is rolled back and the error is returned unchanged. Writes are
// never retried.
func (m *Mutation[TIn, TOut]) Mutate(ctx context.Context, input TIn) (TOut, error) {
	var zero TOut
	c := m.coord
	start := time.Now()

	if m.opts.Fn == nil {
		return zero, types.Errorf(types.ErrMutationFnMissing, "mutation: %s", m.opts.Name)
	}

	if err := c.Validate(input); err != nil {
		c.logger.Debug("Mutation input rejected", zap.String("mutation", m.opts.Name), zap.Error(err))
		c.recordMetric(m.opts.Name, "invalid", start)
		return zero, err
	}

	p := &pending{
		id:          uuid.NewString(),
		name:        m.opts.Name,
		submittedAt: start,
	}
	seq := m.begin(p, input)

	c.register(p)
	defer c.settle(p)

	if m.opts.Optimistic != nil {
		if err := c.apply(p, m.opts.Optimistic(input)); err != nil {
			c.rollback(p)
			return zero, m.finish(seq, input, zero, types.WrapError(err, "failed to apply optimistic update"), start)
		}
	}

	output, err := m.opts.Fn(ctx, input)
	if err != nil {
		return zero, m.fail(ctx, seq, p, input, err, start)
	}

	keys := m.dependents(input, output)
	p.invalidates = keys
	m.invalidate(ctx, keys)

	if m.opts.OnSuccess != nil {
		m.opts.OnSuccess(output, input)
	}

	return output, m.finish(seq, input, output, nil, start)
}

func (m *Mutation[TIn, TOut]) fail(ctx context.Context, seq uint64, p *pending, input TIn, err error, start time.Time) error {
	var zero TOut
	c := m.coord

	restored, conflicted := c.rollback(p)

	var keys []query.Key
	if m.opts.InvalidateOnError {
		keys = m.dependents(input, zero)
	}
	keys = append(keys, conflicted...)
	m.invalidate(ctx, keys)

	c.logger.Warn("Mutation failed",
		zap.String("mutation", m.opts.Name),
		zap.String("id", p.id),
		zap.Int("restored", restored),
		zap.Int("conflicted", len(conflicted)),
		zap.Error(err),
	)

	if m.opts.OnError != nil {
		m.opts.OnError(err, input)
	}

	return m.finish(seq, input, zero, err, start)
}

func (m *Mutation[TIn, TOut]) dependents(input TIn, output TOut) []query.Key {
	if m.opts.Invalidates == nil {
		return nil
	}
	return m.opts.Invalidates(input, output)
}

func (m *Mutation[TIn, TOut]) invalidate(ctx context.Context, keys []query.Key) {
	refreshes := m.coord.invalidate(m.opts.Name, keys)
	if !m.opts.AwaitInvalidation {
		return
	}

	for _, r := range refreshes {
		if err := r.Wait(ctx); err != nil {
			m.coord.logger.Warn("Mutation refetch failed",
				zap.String("mutation", m.opts.Name),
				zap.Error(err),
			)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (m *Mutation[TIn, TOut]) begin(p *pending, input TIn) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.state = State[TIn, TOut]{
		ID:          p.id,
		Status:      StatusPending,
		Variables:   input,
		SubmittedAt: p.submittedAt,
	}
	return m.seq
}

// finish records the outcome unless a newer submission or Reset owns the
// state, then runs OnSettled.
func (m *Mutation[TIn, TOut]) finish(seq uint64, input TIn, output TOut, err error, start time.Time) error {
	m.mu.Lock()
	if m.seq == seq {
		m.state.Data = output
		m.state.Err = err
		if err != nil {
			m.state.Status = StatusError
		} else {
			m.state.Status = StatusSuccess
		}
	}
	m.mu.Unlock()

	if m.opts.OnSettled != nil {
		m.opts.OnSettled(output, err, input)
	}

	result := "success"
	if err != nil {
		result = "error"
	}
	m.coord.recordMetric(m.opts.Name, result, start)

	return err
}
