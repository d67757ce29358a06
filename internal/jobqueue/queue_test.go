package jobqueue_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/jobqueue"
	"github.com/nexo-labs/nexo/internal/jobqueue/repositoryimpl"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/storage"
)

func newRepo(t *testing.T) *repositoryimpl.YAMLRepository {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	return repositoryimpl.NewYAMLRepository(s)
}

func shortCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	t.Cleanup(cancel)
	return ctx
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestEnqueueUnknownKind(t *testing.T) {
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 3})
	_, err := q.Enqueue(context.Background(), jobqueue.Kind("nope"), nil)
	assert.True(t, cerr.IsCode(err, cerr.InvalidArgument))
}

func TestGetJobStatusUnknown(t *testing.T) {
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 3})
	st, ok, err := q.GetJobStatus(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, st.ID)
}

func TestRetryUntilExhausted(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 3}, jobqueue.WithMetrics(jobqueue.NewMetrics(reg)))

	id, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, map[string]string{"channel": "amazon"}, jobqueue.WithMaxAttempts(2))
	require.NoError(t, err)

	st, ok, err := q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", st.Status)

	job, err := q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 1, job.Attempts)
	assert.JSONEq(t, `{"channel":"amazon"}`, job.Payload)

	state, err := q.Fail(ctx, id, errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateWaiting, state)

	job, err = q.Claim(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	state, err = q.Fail(ctx, id, errors.New("boom again"))
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateFailed, state)

	for range 2 {
		st, ok, err = q.GetJobStatus(ctx, id)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, jobqueue.StateFailed, st.State)
		assert.Equal(t, 500, st.HTTPCode)
		assert.Equal(t, 2, st.Attempts)
		assert.Equal(t, 2, st.MaxAttempts)
		assert.Contains(t, st.Error, jobqueue.ErrExhaustedRetries.Error())
	}

	_, err = q.Claim(shortCtx(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = q.Fail(ctx, id, errors.New("late"))
	assert.True(t, cerr.IsCode(err, cerr.FailedPrecondition))

	assert.Equal(t, 1.0, counterValue(t, reg, "jobs_enqueued_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "jobs_retried_total"))
	assert.Equal(t, 1.0, counterValue(t, reg, "jobs_failed_total"))
}

func TestBackoffDelaysRetry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 3, BackoffBase: time.Minute},
		jobqueue.WithClock(func() time.Time { return now }))

	id, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	state, err := q.Fail(ctx, id, errors.New("transient"))
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateDelayed, state)

	st, _, err := q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "scheduled", st.Status)
	require.NotNil(t, st.RunAt)
	assert.True(t, st.RunAt.Equal(now.Add(time.Minute)))

	now = now.Add(time.Minute)
	job, err := q.Claim(shortCtx(t))
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, 2, job.Attempts)
}

func TestCompleteStoresResult(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 1})
	id, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Progress(ctx, id, 40))

	st, _, err := q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "processing", st.Status)
	assert.Equal(t, 40, st.Progress)

	require.NoError(t, q.Complete(ctx, id, map[string][]string{"task_ids": {"a", "b"}}))
	st, _, err = q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 200, st.HTTPCode)
	assert.Equal(t, 100, st.Progress)
	assert.JSONEq(t, `{"task_ids":["a","b"]}`, string(st.Result))
}

func TestPauseResume(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 1})
	first, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)

	require.NoError(t, q.Pause(ctx))
	second, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	for _, id := range []string{first, second} {
		st, _, err := q.GetJobStatus(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "paused", st.Status)
	}
	_, err = q.Claim(shortCtx(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, q.Resume(ctx))
	job, err := q.Claim(shortCtx(t))
	require.NoError(t, err)
	assert.Equal(t, first, job.ID)
}

func TestRestoreRequeuesActiveJobs(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	before := jobqueue.NewQueue(repo, jobqueue.Defaults{MaxAttempts: 3})
	id, err := before.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	_, err = before.Claim(ctx)
	require.NoError(t, err)

	after := jobqueue.NewQueue(repo, jobqueue.Defaults{MaxAttempts: 3})
	n, err := after.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	st, ok, err := after.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", st.Status)

	job, err := after.Claim(shortCtx(t))
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)
}

func TestRestoreFailsInterruptedJobWithoutAttemptsLeft(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t)
	before := jobqueue.NewQueue(repo, jobqueue.Defaults{MaxAttempts: 1})
	id, err := before.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	_, err = before.Claim(ctx)
	require.NoError(t, err)

	after := jobqueue.NewQueue(repo, jobqueue.Defaults{MaxAttempts: 1})
	n, err := after.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	st, ok, err := after.GetJobStatus(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, jobqueue.StateFailed, st.State)
	assert.Equal(t, 1, st.Attempts)
	assert.Equal(t, 1, st.MaxAttempts)
	assert.Contains(t, st.Error, jobqueue.ErrExhaustedRetries.Error())

	_, err = after.Claim(shortCtx(t))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// flakyRepo fails every Save while down is set.
type flakyRepo struct {
	*repositoryimpl.YAMLRepository
	down atomic.Bool
}

func (r *flakyRepo) Save(ctx context.Context, j *jobqueue.Job) error {
	if r.down.Load() {
		return errors.New("storage down")
	}
	return r.YAMLRepository.Save(ctx, j)
}

func TestFailedSaveLeavesJobUnchanged(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{YAMLRepository: newRepo(t)}
	q := jobqueue.NewQueue(repo, jobqueue.Defaults{MaxAttempts: 2})
	id, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	_, err = q.Claim(ctx)
	require.NoError(t, err)

	repo.down.Store(true)
	assert.Error(t, q.Complete(ctx, id, "done"))
	_, err = q.Fail(ctx, id, errors.New("boom"))
	assert.Error(t, err)
	assert.Error(t, q.Progress(ctx, id, 50))

	st, _, err := q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateActive, st.State)
	assert.Equal(t, 0, st.Progress)
	assert.Empty(t, st.Error)
	assert.Equal(t, 1, st.Attempts)

	repo.down.Store(false)
	require.NoError(t, q.Complete(ctx, id, "done"))
	st, _, err = q.GetJobStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateCompleted, st.State)
}
