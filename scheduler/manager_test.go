package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestManager(t *testing.T, config *types.SchedulerConfig) *Manager {
	t.Helper()
	return NewManager(context.Background(), config, logger.NewNop(), nil)
}

func TestAddValidation(t *testing.T) {
	m := newTestManager(t, nil)
	noop := func(context.Context) error { return nil }

	assert.ErrorIs(t, m.Add("", "@every 1m", noop), types.ErrCronJobNameIsEmpty)
	assert.ErrorIs(t, m.Add("a", "", noop), types.ErrCronExpressionInvalid)
	assert.ErrorIs(t, m.Add("a", "@every 1m", nil), types.ErrCronJobIsNil)
	assert.ErrorIs(t, m.Add("a", "not a spec", noop), types.ErrCronExpressionInvalid)

	require.NoError(t, m.Add("a", "@every 1m", noop))
	assert.ErrorIs(t, m.Add("a", "@every 1m", noop), types.ErrCronJobExists)

	require.NoError(t, m.Add("b", "0 */5 * * *", noop))
	require.NoError(t, m.Add("c", "*/10 * * * * *", noop))

	jobs := m.Jobs()
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].Name)

	require.NoError(t, m.Remove("b"))
	assert.ErrorIs(t, m.Remove("b"), types.ErrCronJobNotFound)
	assert.Len(t, m.Jobs(), 2)
}

func TestRunRecordsStatistics(t *testing.T) {
	m := newTestManager(t, nil)

	var calls atomic.Int32
	require.NoError(t, m.Add("refresh:inbox", "@every 1h", func(ctx context.Context) error {
		if calls.Add(1) == 2 {
			return errors.New("backend unavailable")
		}
		return nil
	}))

	require.NoError(t, m.Run("refresh:inbox"))
	assert.Error(t, m.Run("refresh:inbox"))
	assert.ErrorIs(t, m.Run("missing"), types.ErrCronJobNotFound)

	info := m.Jobs()[0]
	assert.Equal(t, int64(2), info.RunCount)
	assert.Equal(t, int64(1), info.FailCount)
	assert.Equal(t, "backend unavailable", info.LastError)
	assert.False(t, info.LastRun.IsZero())
}

func TestRunRecoversPanic(t *testing.T) {
	m := newTestManager(t, nil)
	require.NoError(t, m.Add("boom", "@every 1h", func(context.Context) error {
		panic("nil map")
	}))

	err := m.Run("boom")
	assert.ErrorIs(t, err, types.ErrCronJobFailed)
	assert.Equal(t, int64(1), m.Jobs()[0].FailCount)
}

func TestRunTimeout(t *testing.T) {
	m := newTestManager(t, &types.SchedulerConfig{JobTimeout: 20 * time.Millisecond})
	require.NoError(t, m.Add("slow", "@every 1h", func(ctx context.Context) error {
		<-ctx.Done()
		return nil
	}))

	assert.ErrorIs(t, m.Run("slow"), types.ErrCronJobTimeout)
}

func TestScheduledJobRunsUntilStop(t *testing.T) {
	m := newTestManager(t, &types.SchedulerConfig{Timezone: "Europe/Kyiv"})

	var calls atomic.Int32
	require.NoError(t, m.Add("persist-snapshot", "* * * * * *", func(context.Context) error {
		calls.Add(1)
		return nil
	}))

	require.NoError(t, m.Start())
	assert.True(t, m.IsRunning())
	assert.ErrorIs(t, m.Start(), types.ErrCronIsRunning)

	assert.Eventually(t, func() bool { return calls.Load() > 0 }, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.IsRunning())
	assert.ErrorIs(t, m.Run("persist-snapshot"), types.ErrCronSchedulerStopped)
	assert.ErrorIs(t, m.Stop(), types.ErrServiceIsNotRunning)
}
