// Package loop runs the autonomous loop: every targeted channel is analyzed
// and its proposals become pending tasks awaiting admin approval.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/audit"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/eventbus"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/panicerr"
)

type Analyst interface {
	Analyze(ctx context.Context, ch channel.Channel) ([]agent.Proposal, error)
}

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

func TriggerOf(scheduled bool) Trigger {
	if scheduled {
		return TriggerScheduled
	}
	return TriggerManual
}

type ChannelResult struct {
	Channel      channel.Channel `json:"channel"`
	AgentID      string          `json:"agent_id"`
	Proposals    int             `json:"proposals"`
	TasksCreated int             `json:"tasks_created"`
	TaskIDs      []string        `json:"task_ids,omitempty"`
	Skipped      int             `json:"skipped,omitempty"`
	Error        string          `json:"error,omitempty"`
	// HardFailure marks a channel whose tasks could not be stored.
	HardFailure bool `json:"hard_failure,omitempty"`
}

type Result struct {
	ID         string                             `json:"id"`
	Success    bool                               `json:"success"`
	TotalTasks int                                `json:"total_tasks"`
	PerChannel map[channel.Channel]*ChannelResult `json:"per_channel_results"`
	Error      string                             `json:"error,omitempty"`
	Trigger    Trigger                            `json:"trigger"`
	StartedAt  time.Time                          `json:"started_at"`
	FinishedAt time.Time                          `json:"finished_at"`
}

type ChannelAnalysis struct {
	Channel   channel.Channel  `json:"channel"`
	AgentID   string           `json:"agent_id"`
	Proposals []agent.Proposal `json:"proposals"`
	Error     string           `json:"error,omitempty"`
}

type AnalysisPlan struct {
	ID         string            `json:"id"`
	Trigger    Trigger           `json:"trigger"`
	Channels   []ChannelAnalysis `json:"channels"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
}

type Option func(*Loop)

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithDefaultChannels sets the channels a run targets when the caller
// names none. Without it every channel is targeted.
func WithDefaultChannels(channels func() []channel.Channel) Option {
	return func(l *Loop) { l.defaults = channels }
}

type Loop struct {
	analyst  Analyst
	tasks    TaskCreator
	audit    audit.Repository
	eventBus *eventbus.Bus
	now      func() time.Time
	defaults func() []channel.Channel
}

func New(analyst Analyst, tasks TaskCreator, auditRepo audit.Repository, eventBus *eventbus.Bus, opts ...Option) *Loop {
	l := &Loop{
		analyst:  analyst,
		tasks:    tasks,
		audit:    auditRepo,
		eventBus: eventBus,
		now:      time.Now,
		defaults: channel.All,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RunAutonomousLoop analyzes the channels concurrently and creates the
// proposed tasks. A channel whose analysis fails or panics is reported in
// its ChannelResult and does not affect the others. Success is false only
// when a channel could not store its tasks or the run could not be
// recorded; the returned error is set in the latter case.
func (l *Loop) RunAutonomousLoop(ctx context.Context, actor policy.Principal, channels []channel.Channel, trigger Trigger) (*Result, error) {
	if len(channels) == 0 {
		channels = l.defaults()
	}
	res := &Result{
		ID:         ulid.Make().String(),
		PerChannel: make(map[channel.Channel]*ChannelResult, len(channels)),
		Trigger:    trigger,
		StartedAt:  l.now(),
	}

	var mu sync.Mutex
	wg := conc.NewWaitGroup()
	for _, ch := range channels {
		wg.Go(func() {
			cr := l.runChannel(ctx, ch)
			mu.Lock()
			res.PerChannel[ch] = cr
			mu.Unlock()
		})
	}
	wg.Wait()

	res.Success = true
	for _, cr := range res.PerChannel {
		res.TotalTasks += cr.TasksCreated
		if cr.HardFailure {
			res.Success = false
		}
	}
	if !res.Success {
		res.Error = "one or more channels failed to store tasks"
	}
	res.FinishedAt = l.now()

	if err := l.record(ctx, res, actor); err != nil {
		res.Success = false
		res.Error = err.Error()
		return res, err
	}
	l.eventBus.PublishNew(eventbus.EventLoopCompleted, res.ID, map[string]string{
		"trigger":     string(res.Trigger),
		"total_tasks": strconv.Itoa(res.TotalTasks),
		"success":     strconv.FormatBool(res.Success),
	})
	slog.Info("autonomous loop finished", "loop_id", res.ID, "trigger", res.Trigger, "total_tasks", res.TotalTasks, "success", res.Success)
	return res, nil
}

func (l *Loop) runChannel(ctx context.Context, ch channel.Channel) *ChannelResult {
	cr := &ChannelResult{Channel: ch, AgentID: ch.AgentID()}
	err := panicerr.Safe(func() error {
		proposals, err := l.analyst.Analyze(ctx, ch)
		if err != nil {
			return fmt.Errorf("analysis failed: %w", err)
		}
		cr.Proposals = len(proposals)
		c, err := createTasks(ctx, l.tasks, ch, proposals, nil, nil)
		cr.TaskIDs = c.TaskIDs
		cr.TasksCreated = len(c.TaskIDs)
		cr.Skipped = c.Skipped
		if err != nil {
			cr.HardFailure = true
			return err
		}
		return nil
	})()
	if err != nil {
		cr.Error = err.Error()
		slog.Warn("autonomous loop channel failed", "channel", ch, "hard", cr.HardFailure, "error", err)
	}
	return cr
}

func (l *Loop) record(ctx context.Context, res *Result, actor policy.Principal) error {
	details := map[string]string{
		"trigger":     string(res.Trigger),
		"total_tasks": strconv.Itoa(res.TotalTasks),
		"success":     strconv.FormatBool(res.Success),
	}
	for ch, cr := range res.PerChannel {
		if cr.Error != "" {
			details[string(ch)] = cr.Error
		} else {
			details[string(ch)] = strconv.Itoa(cr.TasksCreated)
		}
	}
	e := audit.NewEntry(audit.ActionAutonomousLoopRun, "loop", res.ID, actor.ID, details)
	e.CreatedAt = res.FinishedAt
	if err := l.audit.Create(ctx, e); err != nil {
		return cerr.NewError(cerr.Internal, "failed to record loop run", err)
	}
	return nil
}

// RunAnalysisPlan analyzes the channels without creating tasks. The
// scheduled flag only changes what the audit entry records.
func (l *Loop) RunAnalysisPlan(ctx context.Context, actor policy.Principal, channels []channel.Channel, scheduled bool) (*AnalysisPlan, error) {
	if len(channels) == 0 {
		channels = l.defaults()
	}
	plan := &AnalysisPlan{
		ID:        ulid.Make().String(),
		Trigger:   TriggerOf(scheduled),
		Channels:  make([]ChannelAnalysis, len(channels)),
		StartedAt: l.now(),
	}
	wg := conc.NewWaitGroup()
	for i, ch := range channels {
		wg.Go(func() {
			a := ChannelAnalysis{Channel: ch, AgentID: ch.AgentID()}
			proposals, err := panicerr.SafeValue(ctx, func(ctx context.Context) ([]agent.Proposal, error) {
				return l.analyst.Analyze(ctx, ch)
			})
			if err != nil {
				a.Error = err.Error()
			}
			a.Proposals = proposals
			plan.Channels[i] = a
		})
	}
	wg.Wait()
	plan.FinishedAt = l.now()

	proposals := 0
	for _, a := range plan.Channels {
		proposals += len(a.Proposals)
	}
	e := audit.NewEntry(audit.ActionAnalysisPlanRun, "analysis_plan", plan.ID, actor.ID, map[string]string{
		"trigger":   string(plan.Trigger),
		"channels":  strconv.Itoa(len(plan.Channels)),
		"proposals": strconv.Itoa(proposals),
	})
	e.CreatedAt = plan.FinishedAt
	if err := l.audit.Create(ctx, e); err != nil {
		return nil, cerr.NewError(cerr.Internal, "failed to record analysis plan", err)
	}
	return plan, nil
}
