// Package jobqueue defers slow work to a single background worker and lets
// callers poll for the outcome.
package jobqueue

import (
	"errors"
	"slices"
	"time"
)

// ErrExhaustedRetries marks a job that failed on its final attempt.
var ErrExhaustedRetries = errors.New("retries exhausted")

type Kind string

const (
	KindPhase1TaskCreation Kind = "phase1-task-creation"
)

var kinds = []Kind{KindPhase1TaskCreation}

// Kinds lists every job kind a worker must be able to handle.
func Kinds() []Kind {
	return slices.Clone(kinds)
}

func (k Kind) Valid() bool {
	return slices.Contains(kinds, k)
}

type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDelayed   State = "delayed"
	StatePaused    State = "paused"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

type Job struct {
	ID   string `yaml:"id"`
	Kind Kind   `yaml:"kind"`
	// Payload and Result are JSON documents.
	Payload     string        `yaml:"payload"`
	State       State         `yaml:"state"`
	Progress    int           `yaml:"progress"`
	Attempts    int           `yaml:"attempts"`
	MaxAttempts int           `yaml:"max_attempts"`
	BackoffBase time.Duration `yaml:"backoff_base"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	RunAt       time.Time     `yaml:"run_at"`
	Result      string        `yaml:"result,omitempty"`
	Error       string        `yaml:"error,omitempty"`
	CreatedAt   time.Time     `yaml:"created_at"`
	UpdatedAt   time.Time     `yaml:"updated_at"`
	StartedAt   *time.Time    `yaml:"started_at,omitempty"`
	FinishedAt  *time.Time    `yaml:"finished_at,omitempty"`
}

func (j *Job) clone() *Job {
	c := *j
	return &c
}

// Backoff is base·2^(attempts−1), capped at MaxBackoff when that is set.
func (j *Job) Backoff() time.Duration {
	if j.BackoffBase <= 0 || j.Attempts < 1 {
		return 0
	}
	d := j.BackoffBase
	for i := 1; i < j.Attempts; i++ {
		d *= 2
		if j.MaxBackoff > 0 && d >= j.MaxBackoff {
			return j.MaxBackoff
		}
	}
	if j.MaxBackoff > 0 && d > j.MaxBackoff {
		return j.MaxBackoff
	}
	return d
}
