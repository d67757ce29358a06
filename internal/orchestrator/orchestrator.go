package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sourcegraph/conc"

	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/audit"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/jobqueue"
	"github.com/nexo-labs/nexo/internal/monitor"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/clog"
	"github.com/nexo-labs/nexo/pkg/panicerr"
)

type Enqueuer interface {
	Enqueue(ctx context.Context, kind jobqueue.Kind, payload any, opts ...jobqueue.Option) (string, error)
}

type Option func(*Orchestrator)

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	registry *agent.Registry
	queue    Enqueuer
	monitor  *monitor.Monitor
	audit    audit.Repository
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[channel.Channel]bool
	runs     map[channel.Channel]run
}

func New(registry *agent.Registry, queue Enqueuer, m *monitor.Monitor, auditRepo audit.Repository, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		queue:    queue,
		monitor:  m,
		audit:    auditRepo,
		now:      time.Now,
		inFlight: make(map[channel.Channel]bool),
		runs:     make(map[channel.Channel]run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) InFlight(ch channel.Channel) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.inFlight[ch]
}

// Analyze runs the channel's analyzer. While one analysis of a channel is in
// progress any other returns a Conflict. A disabled agent is refused with
// InvalidState and does not count as a run. Panics in the analyzer are
// returned as errors.
func (o *Orchestrator) Analyze(ctx context.Context, ch channel.Channel) ([]agent.Proposal, error) {
	if !ch.Valid() {
		return nil, cerr.Validation(fmt.Sprintf("unknown channel %q", ch))
	}
	a, err := o.registry.Analyzer(ch)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	if o.inFlight[ch] {
		o.mu.Unlock()
		return nil, cerr.Conflict("analysis for %s is already in progress", ch)
	}
	o.inFlight[ch] = true
	o.mu.Unlock()

	proposals, err := panicerr.SafeValue(ctx, func(ctx context.Context) ([]agent.Proposal, error) {
		return a.Analyze(ctx, ch)
	})

	o.mu.Lock()
	delete(o.inFlight, ch)
	r := run{finishedAt: o.now()}
	if err != nil {
		r.err = err.Error()
	}
	o.runs[ch] = r
	o.mu.Unlock()
	return proposals, err
}

// ActivateOrchestration analyzes each channel concurrently and enqueues the
// proposals as Phase-1 jobs. An empty list targets every enabled channel.
func (o *Orchestrator) ActivateOrchestration(ctx context.Context, actor policy.Principal, channels []channel.Channel) (*Plan, error) {
	if len(channels) == 0 {
		channels = o.registry.EnabledChannels()
	}
	plan := &Plan{
		ID:          ulid.Make().String(),
		ActivatedBy: actor.ID,
		ActivatedAt: o.now(),
		Activations: make([]Activation, len(channels)),
	}
	clog.AddAttribute(ctx, "plan_id", plan.ID)

	wg := conc.NewWaitGroup()
	for i, ch := range channels {
		wg.Go(func() {
			plan.Activations[i] = o.activate(ctx, ch)
		})
	}
	wg.Wait()

	details := map[string]string{"channels": joinChannels(channels)}
	proposals := 0
	for _, a := range plan.Activations {
		details[string(a.Channel)] = string(a.State)
		proposals += a.Proposals
	}
	details["proposals"] = strconv.Itoa(proposals)
	e := audit.NewEntry(audit.ActionOrchestrationActivate, "orchestration", plan.ID, actor.ID, details)
	e.CreatedAt = plan.ActivatedAt
	if err := o.audit.Create(ctx, e); err != nil {
		return nil, err
	}
	return plan, nil
}

func (o *Orchestrator) activate(ctx context.Context, ch channel.Channel) Activation {
	act := Activation{Channel: ch, AgentID: ch.AgentID(), State: ActivationActivated}
	proposals, err := o.Analyze(ctx, ch)
	switch {
	case cerr.IsCode(err, cerr.Aborted):
		act.State = ActivationDeduplicated
		return act
	case cerr.IsCode(err, cerr.FailedPrecondition):
		act.State = ActivationDisabled
		act.Error = err.Error()
		return act
	case err != nil:
		slog.Warn("channel activation failed", "channel", ch, "error", err)
		act.State = ActivationFailed
		act.Error = err.Error()
		return act
	}
	act.Proposals = len(proposals)
	if len(proposals) == 0 {
		return act
	}
	jobID, err := o.queue.Enqueue(ctx, jobqueue.KindPhase1TaskCreation, Phase1Payload{
		Channel:   ch,
		AgentID:   ch.AgentID(),
		Proposals: proposals,
	})
	if err != nil {
		slog.Error("failed to enqueue phase-1 job", "channel", ch, "error", err)
		act.State = ActivationFailed
		act.Error = err.Error()
		return act
	}
	act.JobID = jobID
	return act
}

func (o *Orchestrator) GetAgentsStatus(ctx context.Context) ([]AgentStatus, error) {
	s, err := o.monitor.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	return o.statusOf(s, o.monitor.Policy()), nil
}

// statusOf lists agents in channel enumeration order. A failed last
// analysis wins over recent activity.
func (o *Orchestrator) statusOf(s monitor.Snapshot, p monitor.Policy) []AgentStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]AgentStatus, 0, len(channel.All()))
	for _, ch := range channel.All() {
		am := monitor.AgentMetricsOf(s, ch.AgentID(), 0)
		st := AgentStatus{
			AgentID:        ch.AgentID(),
			Channel:        ch,
			Status:         AgentIdle,
			Enabled:        o.registry.Enabled(ch),
			Running:        o.inFlight[ch],
			LastActivity:   am.LastActivity,
			TasksGenerated: am.TasksGenerated,
			TasksApproved:  am.TasksApproved,
			TasksCompleted: am.TasksCompleted,
			SuccessRate:    am.SuccessRate,
		}
		if r, ok := o.runs[ch]; ok {
			at := r.finishedAt
			st.LastAnalysisAt = &at
			st.LastError = r.err
		}
		recent := am.LastActivity != nil && !am.LastActivity.Before(s.AsOf.Add(-p.ActiveWindow))
		switch {
		case st.LastError != "":
			st.Status = AgentError
		case st.Running || recent:
			st.Status = AgentActive
		}
		out = append(out, st)
	}
	return out
}

// GenerateReport combines agent statuses and system metrics computed from
// one snapshot.
func (o *Orchestrator) GenerateReport(ctx context.Context) (*Report, error) {
	s, err := o.monitor.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	p := o.monitor.Policy()
	r := &Report{
		AsOf:   s.AsOf,
		Agents: o.statusOf(s, p),
		System: monitor.SystemMetricsOf(s, p),
	}
	r.Summary = summarize(r)
	return r, nil
}

func summarize(r *Report) []string {
	lines := []string{
		fmt.Sprintf("%d of %d agents active", r.System.ActiveAgents, r.System.TotalAgents),
		fmt.Sprintf("system health %s, overall success rate %.1f%%", r.System.SystemHealth, r.System.OverallSuccessRate),
		fmt.Sprintf("%d tasks generated, %d completed", r.System.TotalTasksGenerated, r.System.TotalTasksCompleted),
	}
	for _, a := range r.Agents {
		if a.Status == AgentError {
			lines = append(lines, fmt.Sprintf("%s last analysis failed: %s", a.AgentID, a.LastError))
		}
	}
	return append(lines, r.System.Recommendations...)
}

func joinChannels(chs []channel.Channel) string {
	s := make([]string, len(chs))
	for i, ch := range chs {
		s[i] = string(ch)
	}
	return strings.Join(s, ",")
}
