package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nexo-labs/nexo/internal/policy"
)

// Scheduler triggers the autonomous loop on a fixed interval. Runs never
// overlap: a tick that arrives during a run is dropped by the ticker.
type Scheduler struct {
	loop     *Loop
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(l *Loop, interval time.Duration) *Scheduler {
	return &Scheduler{loop: l, interval: interval}
}

// Start is a no-op when the interval is not positive or the scheduler is
// already running.
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.run(ctx, s.done)
	slog.Info("loop scheduler started", "interval", s.interval)
}

func (s *Scheduler) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.loop.RunAutonomousLoop(ctx, policy.System, nil, TriggerScheduled)
			if err != nil {
				slog.Error("scheduled loop failed", "error", err)
				continue
			}
			slog.Info("scheduled loop finished", "summary", GenerateLoopSummary(res))
		}
	}
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
