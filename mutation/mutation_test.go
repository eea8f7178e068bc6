package mutation

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
	"github.com/saiset-co/sai-query/query"
	"github.com/saiset-co/sai-query/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type application struct {
	ID     int    `json:"id"`
	Status string `json:"status"`
}

type decideInput struct {
	JobID         string `json:"jobId" validate:"required"`
	ApplicationID int    `json:"applicationId" validate:"required,min=1"`
}

func applicationsKey(jobID string) query.Key {
	return query.K("job-applications", jobID)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *query.Client) {
	t.Helper()

	queries := query.NewClient(nil, logger.NewNop(), nil, query.NewManualClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)))
	require.NoError(t, queries.Start())
	t.Cleanup(func() { _ = queries.Stop() })

	return NewCoordinator(nil, queries, logger.NewNop(), nil), queries
}

func seedApplications(t *testing.T, queries *query.Client, jobID string) {
	t.Helper()
	_, err := queries.SetData(applicationsKey(jobID), func(any) any {
		return []application{{ID: 7, Status: "PENDING"}, {ID: 8, Status: "PENDING"}}
	})
	require.NoError(t, err)
}

func setStatus(id int, status string) func(old any) any {
	return func(old any) any {
		apps, ok := old.([]application)
		if !ok {
			return nil
		}
		next := make([]application, len(apps))
		copy(next, apps)
		for i := range next {
			if next[i].ID == id {
				next[i].Status = status
			}
		}
		return next
	}
}

func statusOf(t *testing.T, queries *query.Client, jobID string, id int) string {
	t.Helper()
	apps, ok := query.DataAs[[]application](queries, applicationsKey(jobID))
	require.True(t, ok)
	for _, a := range apps {
		if a.ID == id {
			return a.Status
		}
	}
	return ""
}

func defineAccept(coord *Coordinator, fn func(ctx context.Context, in decideInput) (application, error)) *Mutation[decideInput, application] {
	return Define(coord, Options[decideInput, application]{
		Name: "accept-application",
		Fn:   fn,
		Optimistic: func(in decideInput) []Patch {
			return []Patch{{Key: applicationsKey(in.JobID), Update: setStatus(in.ApplicationID, "ACCEPTED")}}
		},
		Invalidates: func(in decideInput, _ application) []query.Key {
			return []query.Key{applicationsKey(in.JobID), query.K("jobs", in.JobID)}
		},
	})
}

func TestAcceptApplicationConflictRollsBack(t *testing.T) {
	coord, queries := newTestCoordinator(t)
	seedApplications(t, queries, "job-1")

	before, _ := queries.Read(applicationsKey("job-1"))

	var during string
	var mutating bool
	var settled []string
	accept := defineAccept(coord, func(ctx context.Context, in decideInput) (application, error) {
		during = statusOf(t, queries, in.JobID, in.ApplicationID)
		mutating = coord.IsMutating(query.K("job-applications"))
		return application{}, &types.APIError{Status: 409, Message: "Profile type already assigned"}
	})
	accept.opts.OnError = func(err error, _ decideInput) { settled = append(settled, "error") }
	accept.opts.OnSettled = func(_ application, err error, _ decideInput) { settled = append(settled, "settled") }

	_, err := accept.Mutate(context.Background(), decideInput{JobID: "job-1", ApplicationID: 7})
	require.Error(t, err)
	assert.Equal(t, "Profile type already assigned", err.Error())

	apiErr, ok := types.AsAPIError(err)
	require.True(t, ok)
	assert.Equal(t, 409, apiErr.Status)

	assert.Equal(t, "ACCEPTED", during)
	assert.True(t, mutating)
	assert.Equal(t, "PENDING", statusOf(t, queries, "job-1", 7))

	after, _ := queries.Read(applicationsKey("job-1"))
	assert.Equal(t, before.Data, after.Data)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, before.Invalidated, after.Invalidated)

	st := accept.State()
	assert.Equal(t, StatusError, st.Status)
	assert.Equal(t, 7, st.Variables.ApplicationID)
	assert.Same(t, apiErr, st.Err)
	assert.Equal(t, []string{"error", "settled"}, settled)
	assert.Equal(t, 0, coord.Pending())
	assert.False(t, coord.IsMutating(query.K("job-applications")))
}

func TestSuccessInvalidatesDependents(t *testing.T) {
	coord, queries := newTestCoordinator(t)

	var serverStatus atomic.Value
	serverStatus.Store("PENDING")
	loader := func(ctx context.Context) (any, error) {
		return []application{{ID: 7, Status: serverStatus.Load().(string)}}, nil
	}

	sub, err := queries.Subscribe(applicationsKey("job-2"), loader, nil, &query.Options{StaleTime: query.StaleNever})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	require.Eventually(t, func() bool { return sub.State().Status == query.StatusSuccess }, time.Second, time.Millisecond)

	accept := defineAccept(coord, func(ctx context.Context, in decideInput) (application, error) {
		serverStatus.Store("ACCEPTED")
		return application{ID: in.ApplicationID, Status: "ACCEPTED"}, nil
	})
	accept.opts.AwaitInvalidation = true

	out, err := accept.Mutate(context.Background(), decideInput{JobID: "job-2", ApplicationID: 7})
	require.NoError(t, err)
	assert.Equal(t, "ACCEPTED", out.Status)

	st := sub.State()
	assert.False(t, st.Invalidated)
	assert.Equal(t, 2, st.FetchCount)
	assert.Equal(t, "ACCEPTED", statusOf(t, queries, "job-2", 7))
	assert.Equal(t, StatusSuccess, accept.State().Status)
}

func TestValidationFailsBeforeAnyWork(t *testing.T) {
	coord, queries := newTestCoordinator(t)
	seedApplications(t, queries, "job-3")

	var calls atomic.Int32
	accept := defineAccept(coord, func(ctx context.Context, in decideInput) (application, error) {
		calls.Add(1)
		return application{}, nil
	})

	_, err := accept.Mutate(context.Background(), decideInput{JobID: "job-3"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrValidationFailed))

	var vErr *types.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, map[string]string{"applicationId": "required"}, vErr.Fields)

	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, "PENDING", statusOf(t, queries, "job-3", 7))
	assert.Equal(t, StatusIdle, accept.State().Status)
}

func TestRollbackDoesNotClobberLaterWrite(t *testing.T) {
	coord, queries := newTestCoordinator(t)
	seedApplications(t, queries, "job-4")

	releaseFirst := make(chan struct{})
	firstStarted := make(chan struct{})
	first := defineAccept(coord, func(ctx context.Context, in decideInput) (application, error) {
		close(firstStarted)
		<-releaseFirst
		return application{}, &types.APIError{Status: 500, Message: "Internal error"}
	})

	reject := Define(coord, Options[decideInput, application]{
		Name: "reject-application",
		Fn: func(ctx context.Context, in decideInput) (application, error) {
			return application{ID: in.ApplicationID, Status: "REJECTED"}, nil
		},
		Optimistic: func(in decideInput) []Patch {
			return []Patch{{Key: applicationsKey(in.JobID), Update: setStatus(in.ApplicationID, "REJECTED")}}
		},
	})

	errCh := make(chan error, 1)
	go func() {
		_, err := first.Mutate(context.Background(), decideInput{JobID: "job-4", ApplicationID: 7})
		errCh <- err
	}()
	<-firstStarted

	_, err := reject.Mutate(context.Background(), decideInput{JobID: "job-4", ApplicationID: 8})
	require.NoError(t, err)

	close(releaseFirst)
	require.Error(t, <-errCh)

	assert.Equal(t, "ACCEPTED", statusOf(t, queries, "job-4", 7))
	assert.Equal(t, "REJECTED", statusOf(t, queries, "job-4", 8))

	st, _ := queries.Read(applicationsKey("job-4"))
	assert.True(t, st.Invalidated)
}

func TestRollbackKeepsInvalidationFromEarlierSuccess(t *testing.T) {
	coord, queries := newTestCoordinator(t)
	key := applicationsKey("job-6")
	opts := &query.Options{StaleTime: query.StaleNever}

	var loads atomic.Int32
	loader := func(ctx context.Context) (any, error) {
		if loads.Add(1) == 1 {
			return []application{{ID: 7, Status: "PENDING"}, {ID: 8, Status: "PENDING"}}, nil
		}
		return []application{{ID: 7, Status: "ACCEPTED"}, {ID: 8, Status: "PENDING"}}, nil
	}
	_, err := queries.Fetch(context.Background(), key, loader, opts)
	require.NoError(t, err)

	acceptStarted, releaseAccept := make(chan struct{}), make(chan struct{})
	accept := defineAccept(coord, func(ctx context.Context, in decideInput) (application, error) {
		close(acceptStarted)
		<-releaseAccept
		return application{ID: in.ApplicationID, Status: "ACCEPTED"}, nil
	})

	rejectStarted, releaseReject := make(chan struct{}), make(chan struct{})
	reject := Define(coord, Options[decideInput, application]{
		Name: "reject-application",
		Fn: func(ctx context.Context, in decideInput) (application, error) {
			close(rejectStarted)
			<-releaseReject
			return application{}, &types.APIError{Status: 409, Message: "Application already decided"}
		},
		Optimistic: func(in decideInput) []Patch {
			return []Patch{{Key: applicationsKey(in.JobID), Update: setStatus(in.ApplicationID, "REJECTED")}}
		},
	})

	acceptErr := make(chan error, 1)
	go func() {
		_, err := accept.Mutate(context.Background(), decideInput{JobID: "job-6", ApplicationID: 7})
		acceptErr <- err
	}()
	<-acceptStarted

	rejectErr := make(chan error, 1)
	go func() {
		_, err := reject.Mutate(context.Background(), decideInput{JobID: "job-6", ApplicationID: 8})
		rejectErr <- err
	}()
	<-rejectStarted

	close(releaseAccept)
	require.NoError(t, <-acceptErr)

	close(releaseReject)
	require.Error(t, <-rejectErr)

	st, _ := queries.Read(key)
	assert.True(t, st.Invalidated)
	assert.True(t, st.Stale)
	assert.Equal(t, "ACCEPTED", statusOf(t, queries, "job-6", 7))
	assert.Equal(t, "PENDING", statusOf(t, queries, "job-6", 8))

	_, err = queries.Fetch(context.Background(), key, loader, opts)
	require.NoError(t, err)
	assert.Equal(t, int32(2), loads.Load())
	assert.Equal(t, 0, coord.Pending())
}

func TestInvalidateOnError(t *testing.T) {
	coord, queries := newTestCoordinator(t)
	_, err := queries.SetData(query.K("jobs", "job-5"), func(any) any { return "job" })
	require.NoError(t, err)

	withdraw := Define(coord, Options[decideInput, application]{
		Name: "withdraw-application",
		Fn: func(ctx context.Context, in decideInput) (application, error) {
			return application{}, &types.NetworkError{Method: "POST", Path: "/api/applications/7/withdraw", Err: errors.New("EOF")}
		},
		Invalidates: func(in decideInput, _ application) []query.Key {
			return []query.Key{query.K("jobs", in.JobID)}
		},
		InvalidateOnError: true,
	})

	_, err = withdraw.Mutate(context.Background(), decideInput{JobID: "job-5", ApplicationID: 7})
	assert.True(t, types.IsNetwork(err))

	st, _ := queries.Read(query.K("jobs", "job-5"))
	assert.True(t, st.Invalidated)
}

func TestMissingFnAndReset(t *testing.T) {
	coord, _ := newTestCoordinator(t)

	empty := Define(coord, Options[decideInput, application]{Name: "noop"})
	_, err := empty.Mutate(context.Background(), decideInput{JobID: "j", ApplicationID: 1})
	assert.ErrorIs(t, err, types.ErrMutationFnMissing)

	echo := Define(coord, Options[string, string]{
		Fn: func(ctx context.Context, in string) (string, error) { return in, nil },
	})
	out, err := echo.Mutate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
	assert.Equal(t, StatusSuccess, echo.State().Status)
	assert.NotEmpty(t, echo.State().ID)

	echo.Reset()
	assert.Equal(t, StatusIdle, echo.State().Status)
	assert.Equal(t, "mutation", echo.Name())
}
