package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/task"
)

type TaskLister interface {
	ListAll(ctx context.Context) ([]*task.Task, error)
}

// Monitor reads the task store once per call and evaluates the pure
// aggregations against that snapshot.
type Monitor struct {
	tasks  TaskLister
	policy atomic.Pointer[Policy]
	now    func() time.Time
}

type Option func(*Monitor)

func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

func New(tasks TaskLister, p Policy, opts ...Option) *Monitor {
	m := &Monitor{tasks: tasks, now: time.Now}
	m.policy.Store(&p)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) Policy() Policy {
	return *m.policy.Load()
}

func (m *Monitor) SetPolicy(p Policy) {
	m.policy.Store(&p)
}

func (m *Monitor) Snapshot(ctx context.Context) (Snapshot, error) {
	asOf := m.now()
	tasks, err := m.tasks.ListAll(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Tasks: tasks, AsOf: asOf}, nil
}

func (m *Monitor) GetAgentMetrics(ctx context.Context, agentID string, window time.Duration) (AgentMetrics, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return AgentMetrics{}, err
	}
	return AgentMetricsOf(s, agentID, window), nil
}

func (m *Monitor) GetChannelPerformance(ctx context.Context, ch channel.Channel, window time.Duration) (ChannelPerformance, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return ChannelPerformance{}, err
	}
	return ChannelPerformanceOf(s, ch, window), nil
}

func (m *Monitor) GetSystemMetrics(ctx context.Context) (SystemMetrics, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return SystemMetrics{}, err
	}
	return SystemMetricsOf(s, m.Policy()), nil
}

func (m *Monitor) GeneratePerformanceReport(ctx context.Context) (PerformanceReport, error) {
	s, err := m.Snapshot(ctx)
	if err != nil {
		return PerformanceReport{}, err
	}
	return ReportOf(s, m.Policy()), nil
}
