package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nexo-labs/nexo/pkg/cerr"
)

var errInterrupted = errors.New("interrupted by shutdown")

type Defaults struct {
	MaxAttempts int
	BackoffBase time.Duration
	MaxBackoff  time.Duration
}

type enqueueOptions struct {
	maxAttempts int
	backoff     *time.Duration
	delay       time.Duration
}

type Option func(*enqueueOptions)

func WithMaxAttempts(n int) Option {
	return func(o *enqueueOptions) { o.maxAttempts = n }
}

func WithBackoff(base time.Duration) Option {
	return func(o *enqueueOptions) { o.backoff = &base }
}

func WithDelay(d time.Duration) Option {
	return func(o *enqueueOptions) { o.delay = d }
}

type QueueOption func(*Queue)

func WithMetrics(m *Metrics) QueueOption {
	return func(q *Queue) { q.metrics = m }
}

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) { q.now = now }
}

// Queue keeps unfinished jobs in memory and every state change in the
// repository. Finished jobs are served from the repository only.
type Queue struct {
	repo     Repository
	metrics  *Metrics
	now      func() time.Time
	defaults Defaults

	mu     sync.Mutex
	jobs   map[string]*Job
	paused bool
	wake   chan struct{}
}

func NewQueue(repo Repository, defaults Defaults, opts ...QueueOption) *Queue {
	if defaults.MaxAttempts < 1 {
		defaults.MaxAttempts = 1
	}
	q := &Queue{
		repo:     repo,
		now:      time.Now,
		defaults: defaults,
		jobs:     make(map[string]*Job),
		wake:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue stores a new job and returns its id without waiting for it to run.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, payload any, opts ...Option) (string, error) {
	if !kind.Valid() {
		return "", cerr.Validation(fmt.Sprintf("unknown job kind %q", kind)).
			AddDetailMessageWithCode(fmt.Sprintf("kind must be one of %v", kinds), "kind.in")
	}
	o := enqueueOptions{maxAttempts: q.defaults.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxAttempts < 1 {
		return "", cerr.Validation("invalid job options").
			AddDetailMessageWithCode("max_attempts must be at least 1", "max_attempts.gte")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", cerr.NewError(cerr.InvalidArgument, "payload is not serializable", err)
	}
	backoff := q.defaults.BackoffBase
	if o.backoff != nil {
		backoff = *o.backoff
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	j := &Job{
		ID:          ulid.Make().String(),
		Kind:        kind,
		Payload:     string(data),
		State:       StateWaiting,
		MaxAttempts: o.maxAttempts,
		BackoffBase: backoff,
		MaxBackoff:  q.defaults.MaxBackoff,
		RunAt:       now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	switch {
	case o.delay > 0:
		j.State = StateDelayed
		j.RunAt = now.Add(o.delay)
	case q.paused:
		j.State = StatePaused
	}
	if err := q.repo.Save(ctx, j); err != nil {
		return "", err
	}
	q.jobs[j.ID] = j
	q.metrics.incEnqueued(kind)
	q.updateGauges()
	q.signal()
	return j.ID, nil
}

// GetJobStatus reports the job's caller-facing status. An unknown id yields
// false and no error.
func (q *Queue) GetJobStatus(ctx context.Context, id string) (Status, bool, error) {
	q.mu.Lock()
	if j, ok := q.jobs[id]; ok {
		st := StatusOf(j)
		q.mu.Unlock()
		return st, true, nil
	}
	q.mu.Unlock()

	j, err := q.repo.Get(ctx, id)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			return Status{}, false, nil
		}
		return Status{}, false, err
	}
	return StatusOf(j), true, nil
}

// Claim blocks until a job is runnable, marks it active and returns a copy.
// Due delayed jobs are promoted first. Nothing is handed out while paused.
func (q *Queue) Claim(ctx context.Context) (*Job, error) {
	for {
		q.mu.Lock()
		j, wait, err := q.next(ctx)
		q.mu.Unlock()
		if err != nil {
			return nil, err
		}
		if j != nil {
			return j, nil
		}

		var timer *time.Timer
		var fire <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-q.wake:
		case <-fire:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// next must be called with q.mu held. It returns either a claimed job or how
// long to wait for the earliest delayed job (0 means wait for a signal).
func (q *Queue) next(ctx context.Context) (*Job, time.Duration, error) {
	if q.paused {
		return nil, 0, nil
	}
	now := q.now()
	var candidates []*Job
	var wait time.Duration
	for _, j := range q.jobs {
		switch j.State {
		case StateDelayed:
			if !j.RunAt.After(now) {
				candidates = append(candidates, j)
				continue
			}
			if d := j.RunAt.Sub(now); wait == 0 || d < wait {
				wait = d
			}
		case StateWaiting:
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, wait, nil
	}
	slices.SortFunc(candidates, func(a, b *Job) int {
		if c := a.RunAt.Compare(b.RunAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})

	j := candidates[0]
	prev := j.clone()
	started := now
	j.State = StateActive
	j.Attempts++
	j.Progress = 0
	j.StartedAt = &started
	j.UpdatedAt = now
	if err := q.repo.Save(ctx, j); err != nil {
		*j = *prev
		return nil, 0, err
	}
	q.updateGauges()
	return j.clone(), 0, nil
}

func (q *Queue) active(id string) (*Job, error) {
	j, ok := q.jobs[id]
	if !ok || j.State != StateActive {
		return nil, cerr.InvalidState("job %s is not active", id)
	}
	return j, nil
}

// save persists next and only then replaces the in-memory job, so a failed
// write leaves the queue as it was.
func (q *Queue) save(ctx context.Context, next *Job) error {
	if err := q.repo.Save(ctx, next); err != nil {
		return err
	}
	q.jobs[next.ID] = next
	return nil
}

func (q *Queue) Progress(ctx context.Context, id string, percent int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.active(id)
	if err != nil {
		return err
	}
	next := j.clone()
	next.Progress = min(max(percent, 0), 100)
	next.UpdatedAt = q.now()
	return q.save(ctx, next)
}

func (q *Queue) Complete(ctx context.Context, id string, result any) error {
	data, err := json.Marshal(result)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal job result: %w", err))
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	j, err := q.active(id)
	if err != nil {
		return err
	}
	now := q.now()
	next := j.clone()
	next.State = StateCompleted
	next.Progress = 100
	next.Result = string(data)
	next.Error = ""
	next.FinishedAt = &now
	next.UpdatedAt = now
	if err := q.repo.Save(ctx, next); err != nil {
		return err
	}
	delete(q.jobs, id)
	q.metrics.incCompleted(j.Kind)
	q.updateGauges()
	return nil
}

// Fail records a failed attempt. While attempts remain the job is scheduled
// again after its backoff; otherwise it is failed for good. The returned
// state is the job's new state.
func (q *Queue) Fail(ctx context.Context, id string, cause error) (State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.active(id)
	if err != nil {
		return "", err
	}
	now := q.now()
	j := cur.clone()
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		if err := q.exhaust(ctx, j, cause); err != nil {
			return "", err
		}
		q.updateGauges()
		return StateFailed, nil
	}

	j.Error = cause.Error()
	j.State = StateWaiting
	j.RunAt = now
	if d := j.Backoff(); d > 0 {
		j.State = StateDelayed
		j.RunAt = now.Add(d)
	}
	if q.paused && j.State == StateWaiting {
		j.State = StatePaused
	}
	if err := q.save(ctx, j); err != nil {
		return "", err
	}
	q.metrics.incRetried(j.Kind)
	q.updateGauges()
	q.signal()
	slog.Warn("job failed, will retry", "job_id", j.ID, "kind", j.Kind, "attempt", j.Attempts, "next_run", j.RunAt, "error", cause)
	return j.State, nil
}

// exhaust fails j for good and drops it from memory. j must not be the
// pointer held in q.jobs.
func (q *Queue) exhaust(ctx context.Context, j *Job, cause error) error {
	now := q.now()
	j.State = StateFailed
	j.Error = fmt.Errorf("%w after %d attempts: %v", ErrExhaustedRetries, j.Attempts, cause).Error()
	j.FinishedAt = &now
	j.UpdatedAt = now
	if err := q.repo.Save(ctx, j); err != nil {
		return err
	}
	delete(q.jobs, j.ID)
	q.metrics.incFailed(j.Kind)
	slog.Error("job failed permanently", "job_id", j.ID, "kind", j.Kind, "attempts", j.Attempts, "error", cause)
	return nil
}

// Release returns an interrupted active job to the queue without counting
// the attempt.
func (q *Queue) Release(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, err := q.active(id)
	if err != nil {
		return err
	}
	j := cur.clone()
	j.State = StateWaiting
	if q.paused {
		j.State = StatePaused
	}
	j.Attempts = max(j.Attempts-1, 0)
	j.UpdatedAt = q.now()
	if err := q.save(ctx, j); err != nil {
		return err
	}
	q.updateGauges()
	q.signal()
	return nil
}

// Pause holds every waiting job until Resume. Active and delayed jobs keep
// their state; delayed jobs become runnable only after Resume.
func (q *Queue) Pause(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused = true
	return q.flip(ctx, StateWaiting, StatePaused)
}

func (q *Queue) Resume(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.paused = false
	if err := q.flip(ctx, StatePaused, StateWaiting); err != nil {
		return err
	}
	q.signal()
	return nil
}

func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

func (q *Queue) flip(ctx context.Context, from, to State) error {
	for _, cur := range q.jobs {
		if cur.State != from {
			continue
		}
		j := cur.clone()
		j.State = to
		j.UpdatedAt = q.now()
		if err := q.save(ctx, j); err != nil {
			return err
		}
	}
	q.updateGauges()
	return nil
}

// Restore loads unfinished jobs persisted by an earlier process. A job that
// was active when it stopped keeps that attempt on its count: it runs again
// while attempts remain and is failed for good otherwise. A persisted paused
// job keeps the queue paused.
func (q *Queue) Restore(ctx context.Context) (int, error) {
	jobs, err := q.repo.List(ctx)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	restored := 0
	for _, j := range jobs {
		if j.State.Terminal() {
			continue
		}
		if _, ok := q.jobs[j.ID]; ok {
			continue
		}
		if j.State == StateActive {
			if j.Attempts >= j.MaxAttempts {
				if err := q.exhaust(ctx, j, errInterrupted); err != nil {
					return restored, err
				}
				continue
			}
			j.State = StateWaiting
			j.UpdatedAt = q.now()
			if err := q.repo.Save(ctx, j); err != nil {
				return restored, err
			}
		}
		if j.State == StatePaused {
			q.paused = true
		}
		q.jobs[j.ID] = j
		restored++
	}
	if restored > 0 {
		slog.Info("restored unfinished jobs", "count", restored, "paused", q.paused)
	}
	q.updateGauges()
	q.signal()
	return restored, nil
}

func (q *Queue) updateGauges() {
	counts := make(map[State]int)
	for _, j := range q.jobs {
		counts[j.State]++
	}
	q.metrics.setStates(counts)
}
