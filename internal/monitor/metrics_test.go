package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/task"
)

var asOf = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func mk(ch channel.Channel, approved bool, status task.Status, age time.Duration) *task.Task {
	at := asOf.Add(-age)
	return &task.Task{
		Channel:       ch,
		CreatedBy:     ch.AgentID(),
		AdminApproved: approved,
		Status:        status,
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestClassifyHealth(t *testing.T) {
	th := DefaultPolicy().Thresholds
	tests := []struct {
		rates []float64
		want  Health
	}{
		{[]float64{95, 92, 88}, HealthExcellent},
		{[]float64{80, 76, 75}, HealthGood},
		{[]float64{60, 55, 40}, HealthFair},
		{[]float64{10, 20}, HealthPoor},
		{nil, HealthPoor},
		{[]float64{90}, HealthExcellent},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyHealth(tt.rates, th), "%v", tt.rates)
	}
}

func TestAgentMetricsOf(t *testing.T) {
	s := Snapshot{AsOf: asOf, Tasks: []*task.Task{
		mk(channel.Amazon, true, task.StatusCompleted, time.Hour),
		mk(channel.Amazon, true, task.StatusPending, 2*time.Hour),
		mk(channel.Amazon, false, task.StatusPending, 48*time.Hour),
		mk(channel.Amazon, false, task.StatusRejected, 72*time.Hour),
		mk(channel.Shopee, true, task.StatusApproved, time.Hour),
	}}

	m := AgentMetricsOf(s, channel.Amazon.AgentID(), 0)
	assert.Equal(t, channel.Amazon, m.Channel)
	assert.Equal(t, 4, m.TasksGenerated)
	assert.Equal(t, 2, m.TasksApproved)
	assert.Equal(t, 1, m.TasksCompleted)
	assert.InDelta(t, 50.0, m.SuccessRate, 1e-9)
	assert.InDelta(t, 50.0, m.CompletionRate, 1e-9)
	require.NotNil(t, m.LastActivity)
	assert.True(t, m.LastActivity.Equal(asOf.Add(-time.Hour)))

	windowed := AgentMetricsOf(s, channel.Amazon.AgentID(), 24*time.Hour)
	assert.Equal(t, 2, windowed.TasksGenerated)
	assert.InDelta(t, 100.0, windowed.SuccessRate, 1e-9)

	none := AgentMetricsOf(s, "agent-nobody", 0)
	assert.Zero(t, none.TasksGenerated)
	assert.Zero(t, none.SuccessRate)
	assert.Zero(t, none.CompletionRate)
}

func TestSystemMetricsOf(t *testing.T) {
	s := Snapshot{AsOf: asOf, Tasks: []*task.Task{
		// amazon: 1/1 approved, completion 0% -> bottleneck
		mk(channel.Amazon, true, task.StatusInProgress, time.Hour),
		// shopee: 1/2 approved, completion 100%, inactive
		mk(channel.Shopee, true, task.StatusCompleted, 72*time.Hour),
		mk(channel.Shopee, false, task.StatusPending, 96*time.Hour),
	}}

	m := SystemMetricsOf(s, DefaultPolicy())
	assert.Equal(t, 6, m.TotalAgents)
	assert.Equal(t, 1, m.ActiveAgents)
	assert.Equal(t, 3, m.TotalTasksGenerated)
	assert.Equal(t, 1, m.TotalTasksCompleted)
	assert.InDelta(t, 75.0, m.OverallSuccessRate, 1e-9)
	assert.Equal(t, HealthGood, m.SystemHealth)
	assert.Equal(t, []channel.Channel{channel.Amazon}, m.Bottlenecks)
	require.Len(t, m.Recommendations, 2)
	assert.Contains(t, m.Recommendations[0], "amazon")
	assert.True(t, m.AsOf.Equal(asOf))
}

func TestRecommend(t *testing.T) {
	table := DefaultPolicy().Recommendations
	assert.Equal(t, []string{table.Health[HealthExcellent]}, Recommend(nil, HealthExcellent, table))
	got := Recommend([]channel.Channel{channel.Lazada}, HealthExcellent, table)
	require.Len(t, got, 1)
	assert.Contains(t, got[0], "lazada")
}

func TestReportOfUsesOneInstant(t *testing.T) {
	s := Snapshot{AsOf: asOf, Tasks: []*task.Task{mk(channel.Walmart, true, task.StatusCompleted, time.Hour)}}
	r := ReportOf(s, DefaultPolicy())
	assert.True(t, r.AsOf.Equal(r.System.AsOf))
	require.Len(t, r.Agents, len(channel.All()))
	for i, ch := range channel.All() {
		assert.Equal(t, ch, r.Agents[i].Channel)
		assert.Equal(t, ch, r.Channels[i].Channel)
	}
}
