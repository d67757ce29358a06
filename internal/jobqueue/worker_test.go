package jobqueue_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/eventbus"
	"github.com/nexo-labs/nexo/internal/jobqueue"
)

func waitTerminal(t *testing.T, q *jobqueue.Queue, id string) jobqueue.Status {
	t.Helper()
	var st jobqueue.Status
	require.Eventually(t, func() bool {
		var err error
		st, _, err = q.GetJobStatus(context.Background(), id)
		return err == nil && st.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return st
}

func TestWorkerConcurrentInitRunsOneLoop(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 1})

	var running, maxRunning, handled atomic.Int32
	w := jobqueue.NewWorker(q, jobqueue.HandlerTable{
		jobqueue.KindPhase1TaskCreation: func(ctx context.Context, job *jobqueue.Job, report jobqueue.ReportFunc) (any, error) {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			report(50)
			running.Add(-1)
			handled.Add(1)
			return map[string]string{"id": job.ID}, nil
		},
	}, eventbus.New())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, w.Init(ctx))
		}()
	}
	wg.Wait()
	assert.True(t, w.Running())

	var ids []string
	for range 4 {
		id, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for _, id := range ids {
		st := waitTerminal(t, q, id)
		assert.Equal(t, jobqueue.StateCompleted, st.State)
		assert.Equal(t, 1, st.Attempts)
	}
	assert.Equal(t, int32(4), handled.Load())
	assert.Equal(t, int32(1), maxRunning.Load())

	require.NoError(t, w.Shutdown(ctx))
	require.NoError(t, w.Shutdown(ctx))
	assert.False(t, w.Running())
}

func TestWorkerShutdownWithoutInit(t *testing.T) {
	w := jobqueue.NewWorker(jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{}), jobqueue.HandlerTable{}, nil)
	assert.NoError(t, w.Shutdown(context.Background()))
}

func TestWorkerInitRequiresEveryKind(t *testing.T) {
	w := jobqueue.NewWorker(jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{}), jobqueue.HandlerTable{}, nil)
	assert.Error(t, w.Init(context.Background()))
	assert.False(t, w.Running())
}

func TestWorkerPanicBecomesFailure(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.New()
	_, events := bus.Subscribe(4)
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 2})
	var calls atomic.Int32
	w := jobqueue.NewWorker(q, jobqueue.HandlerTable{
		jobqueue.KindPhase1TaskCreation: func(context.Context, *jobqueue.Job, jobqueue.ReportFunc) (any, error) {
			calls.Add(1)
			panic("handler exploded")
		},
	}, bus)
	require.NoError(t, w.Init(ctx))
	t.Cleanup(func() { _ = w.Shutdown(ctx) })

	id, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)

	st := waitTerminal(t, q, id)
	assert.Equal(t, jobqueue.StateFailed, st.State)
	assert.Equal(t, 2, st.Attempts)
	assert.Equal(t, int32(2), calls.Load())
	assert.Contains(t, st.Error, "handler exploded")

	select {
	case e := <-events:
		assert.Equal(t, eventbus.EventJobFailed, e.Type)
		assert.Equal(t, id, e.ResourceID)
	case <-time.After(time.Second):
		t.Fatal("expected job.failed event")
	}
}

func TestWorkerInitWaitsForShutdown(t *testing.T) {
	ctx := context.Background()
	q := jobqueue.NewQueue(newRepo(t), jobqueue.Defaults{MaxAttempts: 1})

	started := make(chan struct{}, 2)
	release := make(chan struct{})
	var running, maxRunning atomic.Int32
	w := jobqueue.NewWorker(q, jobqueue.HandlerTable{
		jobqueue.KindPhase1TaskCreation: func(context.Context, *jobqueue.Job, jobqueue.ReportFunc) (any, error) {
			n := running.Add(1)
			defer running.Add(-1)
			if n > maxRunning.Load() {
				maxRunning.Store(n)
			}
			started <- struct{}{}
			<-release
			return nil, nil
		},
	}, eventbus.New())
	require.NoError(t, w.Init(ctx))

	first, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	<-started

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- w.Shutdown(ctx) }()
	require.Eventually(t, func() bool { return !w.Running() }, time.Second, 5*time.Millisecond)

	initDone := make(chan error, 1)
	go func() { initDone <- w.Init(ctx) }()
	select {
	case <-initDone:
		t.Fatal("Init returned while the old loop still held a job")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-shutdownDone)
	require.NoError(t, <-initDone)
	assert.True(t, w.Running())
	t.Cleanup(func() { _ = w.Shutdown(ctx) })

	st := waitTerminal(t, q, first)
	assert.Equal(t, jobqueue.StateCompleted, st.State)

	second, err := q.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, nil)
	require.NoError(t, err)
	st = waitTerminal(t, q, second)
	assert.Equal(t, jobqueue.StateCompleted, st.State)
	assert.Equal(t, int32(1), maxRunning.Load())
}
