package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nexo-labs/nexo/internal/eventbus"
	"github.com/nexo-labs/nexo/pkg/panicerr"
)

// ReportFunc records a handler's progress in percent.
type ReportFunc func(percent int)

type HandlerFunc func(ctx context.Context, job *Job, report ReportFunc) (any, error)

// HandlerTable maps every Kind to its handler.
type HandlerTable map[Kind]HandlerFunc

// Validate fails unless every known kind has a handler.
func (t HandlerTable) Validate() error {
	var missing []Kind
	for _, k := range kinds {
		if t[k] == nil {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for job kinds %v", missing)
	}
	return nil
}

type workerState struct {
	cancel context.CancelFunc
	done   chan struct{}
	// stopping is set once Shutdown has cancelled the loop; the state stays
	// in place until the loop has returned.
	stopping bool
}

// Worker is the single consumer of a Queue. It processes one job at a time.
type Worker struct {
	queue    *Queue
	handlers HandlerTable
	eventBus *eventbus.Bus

	mu    sync.Mutex
	state *workerState
}

func NewWorker(queue *Queue, handlers HandlerTable, eventBus *eventbus.Bus) *Worker {
	return &Worker{
		queue:    queue,
		handlers: handlers,
		eventBus: eventBus,
	}
}

// Init starts the consumer loop. Calling it again while the loop runs is a
// no-op, including from concurrent callers. During a Shutdown it waits for
// the old loop to return before starting a new one.
func (w *Worker) Init(ctx context.Context) error {
	for {
		w.mu.Lock()
		st := w.state
		if st != nil && st.stopping {
			select {
			case <-st.done:
				st = nil
			default:
			}
		}
		if st == nil {
			err := w.start(ctx)
			w.mu.Unlock()
			return err
		}
		stopping := st.stopping
		w.mu.Unlock()
		if !stopping {
			return nil
		}
		select {
		case <-st.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// start must be called with w.mu held.
func (w *Worker) start(ctx context.Context) error {
	if err := w.handlers.Validate(); err != nil {
		return err
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &workerState{cancel: cancel, done: make(chan struct{})}
	w.state = st
	go w.run(loopCtx, st.done)
	slog.Info("job worker started")
	return nil
}

// Shutdown stops the consumer loop and waits for the current job. It is a
// no-op when the worker is not running.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	st := w.state
	if st == nil {
		w.mu.Unlock()
		return nil
	}
	st.stopping = true
	w.mu.Unlock()

	st.cancel()
	select {
	case <-st.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.mu.Lock()
	if w.state == st {
		w.state = nil
	}
	w.mu.Unlock()
	slog.Info("job worker stopped")
	return nil
}

func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state != nil && !w.state.stopping
}

func (w *Worker) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	for {
		job, err := w.queue.Claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("failed to claim job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	start := time.Now()
	// Bookkeeping must land even when shutdown cancels ctx mid-job.
	bg := context.WithoutCancel(ctx)
	report := func(percent int) {
		if err := w.queue.Progress(bg, job.ID, percent); err != nil {
			slog.Warn("failed to record job progress", "job_id", job.ID, "error", err)
		}
	}
	handler := w.handlers[job.Kind]
	result, err := panicerr.SafeValue(ctx, func(ctx context.Context) (any, error) {
		if handler == nil {
			return nil, fmt.Errorf("no handler for job kind %s", job.Kind)
		}
		return handler(ctx, job, report)
	})
	elapsed := time.Since(start).Seconds()

	if err == nil {
		w.queue.metrics.observe(job.Kind, "success", elapsed)
		if err := w.queue.Complete(bg, job.ID, result); err != nil {
			slog.Error("failed to complete job", "job_id", job.ID, "error", err)
			return
		}
		slog.Info("job completed", "job_id", job.ID, "kind", job.Kind, "attempts", job.Attempts)
		w.eventBus.PublishNew(eventbus.EventJobCompleted, job.ID, map[string]string{"kind": string(job.Kind)})
		return
	}

	w.queue.metrics.observe(job.Kind, "failure", elapsed)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		if rerr := w.queue.Release(bg, job.ID); rerr != nil {
			slog.Error("failed to release interrupted job", "job_id", job.ID, "error", rerr)
		}
		return
	}
	state, ferr := w.queue.Fail(bg, job.ID, err)
	if ferr != nil {
		slog.Error("failed to record job failure", "job_id", job.ID, "error", ferr)
		return
	}
	if state == StateFailed {
		w.eventBus.PublishNew(eventbus.EventJobFailed, job.ID, map[string]string{
			"kind":  string(job.Kind),
			"error": err.Error(),
		})
	}
}
