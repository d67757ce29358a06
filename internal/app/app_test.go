package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/config"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/internal/task"
)

func newApp(t *testing.T) *App {
	t.Helper()
	t.Setenv("NEXO_STORAGE_BASE_DIR", t.TempDir())
	t.Setenv("NEXO_JOB_BACKOFF_BASE", "10ms")
	env, err := config.LoadEnv()
	require.NoError(t, err)
	store, err := NewStorage(context.Background(), config.StorageEnvFromEnv(env))
	require.NoError(t, err)
	a, err := New(env, store)
	require.NoError(t, err)
	return a
}

func TestNewStorageRejectsUnknownType(t *testing.T) {
	_, err := NewStorage(context.Background(), &config.StorageEnv{Type: "ftp"})
	assert.Error(t, err)
}

func TestActivationCreatesTasksThroughWorker(t *testing.T) {
	a := newApp(t)
	ctx := context.Background()
	admin := policy.Principal{ID: "admin-1", Roles: []policy.Role{policy.RoleAdmin}}
	require.NoError(t, a.Agents.Register(channel.Amazon, agent.AnalyzerFunc(func(context.Context, channel.Channel) ([]agent.Proposal, error) {
		return []agent.Proposal{
			{Title: "Refresh main images", Description: "d", Category: "listing", Priority: "high", EstimatedHours: 3},
			{Title: "Reprice top SKUs", Description: "d", Category: "pricing", Priority: "medium", EstimatedHours: 2},
		}, nil
	})))

	require.NoError(t, a.Worker.Init(ctx))
	t.Cleanup(func() { _ = a.Worker.Shutdown(context.Background()) })

	plan, err := a.Orchestrator.ActivateOrchestration(ctx, admin, []channel.Channel{channel.Amazon})
	require.NoError(t, err)
	jobID := plan.Activations[0].JobID
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		st, ok, err := a.Queue.GetJobStatus(ctx, jobID)
		return err == nil && ok && st.Status == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	pending, total, err := a.Tasks.GetPendingApproval(ctx, admin, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	for _, tk := range pending {
		assert.Equal(t, task.SourceAIGenerated, tk.Source)
		assert.Equal(t, "agent-amazon", tk.CreatedBy)
	}

	statuses, err := a.Orchestrator.GetAgentsStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, "active", string(statuses[0].Status))
}

func TestNewDisablesConfiguredChannels(t *testing.T) {
	t.Setenv("NEXO_DISABLED_CHANNELS", "walmart,lazada")
	a := newApp(t)
	assert.False(t, a.Agents.Enabled(channel.Walmart))
	assert.False(t, a.Agents.Enabled(channel.Lazada))
	assert.True(t, a.Agents.Enabled(channel.Amazon))
	assert.Equal(t, []channel.Channel{channel.Amazon, channel.Shopee, channel.MercadoLibre, channel.TikTokShop}, a.Agents.EnabledChannels())

	plan, err := a.Orchestrator.ActivateOrchestration(context.Background(), policy.Principal{ID: "admin-1", Roles: []policy.Role{policy.RoleAdmin}}, nil)
	require.NoError(t, err)
	assert.Len(t, plan.Activations, 4)
}

func TestNewRejectsUnknownDisabledChannel(t *testing.T) {
	t.Setenv("NEXO_STORAGE_BASE_DIR", t.TempDir())
	t.Setenv("NEXO_DISABLED_CHANNELS", "etsy")
	env, err := config.LoadEnv()
	require.NoError(t, err)
	store, err := NewStorage(context.Background(), config.StorageEnvFromEnv(env))
	require.NoError(t, err)
	_, err = New(env, store)
	assert.ErrorContains(t, err, "NEXO_DISABLED_CHANNELS")
}
