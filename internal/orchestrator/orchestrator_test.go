package orchestrator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/agent"
	auditrepo "github.com/nexo-labs/nexo/internal/audit/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/jobqueue"
	jobrepo "github.com/nexo-labs/nexo/internal/jobqueue/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/monitor"
	"github.com/nexo-labs/nexo/internal/orchestrator"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/internal/task"
	taskrepo "github.com/nexo-labs/nexo/internal/task/repositoryimpl"
	"github.com/nexo-labs/nexo/pkg/storage"
)

var admin = policy.Principal{ID: "admin-1", Roles: []policy.Role{policy.RoleAdmin}}

type fixture struct {
	orch     *orchestrator.Orchestrator
	registry *agent.Registry
	queue    *jobqueue.Queue
	tasks    *taskrepo.YAMLRepository
	audit    *auditrepo.YAMLRepository
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		registry: agent.NewRegistry(nil),
		queue:    jobqueue.NewQueue(jobrepo.NewYAMLRepository(s), jobqueue.Defaults{MaxAttempts: 3}),
		tasks:    taskrepo.NewYAMLRepository(s),
		audit:    auditrepo.NewYAMLRepository(s),
	}
	m := monitor.New(f.tasks, monitor.DefaultPolicy())
	f.orch = orchestrator.New(f.registry, f.queue, m, f.audit)
	return f
}

func proposals(n int) agent.AnalyzerFunc {
	return func(context.Context, channel.Channel) ([]agent.Proposal, error) {
		out := make([]agent.Proposal, n)
		for i := range out {
			out[i] = agent.Proposal{Title: "t", Description: "d", Category: "c", Priority: "low", EstimatedHours: 1}
		}
		return out, nil
	}
}

func TestActivateAllChannels(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Register(channel.Amazon, proposals(2)))

	plan, err := f.orch.ActivateOrchestration(ctx, admin, nil)
	require.NoError(t, err)
	require.Len(t, plan.Activations, len(channel.All()))
	for i, ch := range channel.All() {
		assert.Equal(t, ch, plan.Activations[i].Channel)
		assert.Equal(t, orchestrator.ActivationActivated, plan.Activations[i].State)
	}

	amazon := plan.Activations[0]
	assert.Equal(t, 2, amazon.Proposals)
	require.NotEmpty(t, amazon.JobID)
	st, ok, err := f.queue.GetJobStatus(ctx, amazon.JobID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", st.Status)
	assert.Equal(t, jobqueue.KindPhase1TaskCreation, st.Kind)

	assert.Empty(t, plan.Activations[1].JobID)

	entries, total, err := f.audit.List(ctx, plan.ID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "2", entries[0].Details["proposals"])
	assert.Equal(t, admin.ID, entries[0].ActorID)
}

func TestActivateDeduplicatesInFlightChannel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	release := make(chan struct{})
	require.NoError(t, f.registry.Register(channel.Amazon, agent.AnalyzerFunc(func(ctx context.Context, _ channel.Channel) ([]agent.Proposal, error) {
		<-release
		return nil, nil
	})))

	type outcome struct {
		plan *orchestrator.Plan
		err  error
	}
	first := make(chan outcome, 1)
	go func() {
		p, err := f.orch.ActivateOrchestration(ctx, admin, []channel.Channel{channel.Amazon})
		first <- outcome{p, err}
	}()
	require.Eventually(t, func() bool { return f.orch.InFlight(channel.Amazon) }, time.Second, time.Millisecond)

	second, err := f.orch.ActivateOrchestration(ctx, admin, []channel.Channel{channel.Amazon})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActivationDeduplicated, second.Activations[0].State)

	close(release)
	got := <-first
	require.NoError(t, got.err)
	assert.Equal(t, orchestrator.ActivationActivated, got.plan.Activations[0].State)
	assert.False(t, f.orch.InFlight(channel.Amazon))
}

func TestAgentsStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.registry.Register(channel.Lazada, agent.AnalyzerFunc(func(context.Context, channel.Channel) ([]agent.Proposal, error) {
		return nil, errors.New("upstream timeout")
	})))
	require.NoError(t, f.registry.Register(channel.Walmart, agent.AnalyzerFunc(func(context.Context, channel.Channel) ([]agent.Proposal, error) {
		panic("boom")
	})))
	now := time.Now()
	require.NoError(t, f.tasks.Create(ctx, &task.Task{
		ID:             "T1",
		Channel:        channel.Shopee,
		Title:          "x",
		Priority:       task.PriorityLow,
		Status:         task.StatusPending,
		EstimatedHours: 1,
		CreatedBy:      channel.Shopee.AgentID(),
		Source:         task.SourceAIGenerated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))
	hours := 2.0
	require.NoError(t, f.tasks.Create(ctx, &task.Task{
		ID:             "T2",
		Channel:        channel.Shopee,
		Title:          "y",
		Priority:       task.PriorityHigh,
		Status:         task.StatusCompleted,
		EstimatedHours: 2,
		ActualHours:    &hours,
		CreatedBy:      channel.Shopee.AgentID(),
		AdminApproved:  true,
		Source:         task.SourceAIGenerated,
		CompletedAt:    &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}))

	plan, err := f.orch.ActivateOrchestration(ctx, admin, []channel.Channel{channel.Lazada, channel.Walmart})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActivationFailed, plan.Activations[0].State)
	assert.Contains(t, plan.Activations[0].Error, "upstream timeout")
	assert.Equal(t, orchestrator.ActivationFailed, plan.Activations[1].State)

	statuses, err := f.orch.GetAgentsStatus(ctx)
	require.NoError(t, err)
	require.Len(t, statuses, len(channel.All()))
	want := map[channel.Channel]orchestrator.AgentState{
		channel.Amazon:       orchestrator.AgentIdle,
		channel.Shopee:       orchestrator.AgentActive,
		channel.MercadoLibre: orchestrator.AgentIdle,
		channel.Lazada:       orchestrator.AgentError,
		channel.TikTokShop:   orchestrator.AgentIdle,
		channel.Walmart:      orchestrator.AgentError,
	}
	for i, ch := range channel.All() {
		assert.Equal(t, ch, statuses[i].Channel)
		assert.Equal(t, want[ch], statuses[i].Status, ch)
	}
	shopee := statuses[1]
	assert.Equal(t, 2, shopee.TasksGenerated)
	assert.Equal(t, 1, shopee.TasksApproved)
	assert.Equal(t, 1, shopee.TasksCompleted)
	assert.InDelta(t, 50.0, shopee.SuccessRate, 0.001)
	assert.Zero(t, statuses[0].TasksApproved)
	assert.NotNil(t, statuses[3].LastAnalysisAt)

	report, err := f.orch.GenerateReport(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.AsOf, report.System.AsOf)
	assert.Equal(t, 1, report.System.ActiveAgents)
	assert.Contains(t, report.Summary, "1 of 6 agents active")
	assert.Contains(t, report.Summary, "2 tasks generated, 1 completed")
	assert.Contains(t, report.Summary, "agent-lazada last analysis failed: upstream timeout")
}

func TestDisabledAgentIsSkippedNotFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	called := false
	require.NoError(t, f.registry.Register(channel.TikTokShop, agent.AnalyzerFunc(func(context.Context, channel.Channel) ([]agent.Proposal, error) {
		called = true
		return nil, nil
	})))
	require.NoError(t, f.registry.SetEnabled(channel.TikTokShop, false))

	plan, err := f.orch.ActivateOrchestration(ctx, admin, []channel.Channel{channel.TikTokShop})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ActivationDisabled, plan.Activations[0].State)
	assert.Contains(t, plan.Activations[0].Error, "disabled")
	assert.False(t, called)

	plan, err = f.orch.ActivateOrchestration(ctx, admin, nil)
	require.NoError(t, err)
	require.Len(t, plan.Activations, len(channel.All())-1)
	for _, a := range plan.Activations {
		assert.NotEqual(t, channel.TikTokShop, a.Channel)
	}

	statuses, err := f.orch.GetAgentsStatus(ctx)
	require.NoError(t, err)
	tiktok := statuses[channel.TikTokShop.Index()]
	assert.Equal(t, orchestrator.AgentIdle, tiktok.Status)
	assert.False(t, tiktok.Enabled)
	assert.Empty(t, tiktok.LastError)
	assert.Nil(t, tiktok.LastAnalysisAt)
}
