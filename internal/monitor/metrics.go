// Package monitor derives agent, channel and system performance from task
// records. Every figure is computed from a Snapshot taken at one instant.
package monitor

import (
	"fmt"
	"time"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/task"
)

type Snapshot struct {
	Tasks []*task.Task
	AsOf  time.Time
}

type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
)

type Counts struct {
	TasksGenerated int `json:"tasks_generated"`
	TasksApproved  int `json:"tasks_approved"`
	TasksCompleted int `json:"tasks_completed"`
	// Rates are percentages; a zero denominator yields 0.
	ApprovalRate   float64    `json:"approval_rate"`
	CompletionRate float64    `json:"completion_rate"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
}

type AgentMetrics struct {
	AgentID string          `json:"agent_id"`
	Channel channel.Channel `json:"channel,omitempty"`
	Counts
	// SuccessRate is tasks approved over tasks generated.
	SuccessRate float64 `json:"success_rate"`
}

type ChannelPerformance struct {
	Channel channel.Channel `json:"channel"`
	Counts
}

type SystemMetrics struct {
	ActiveAgents        int               `json:"active_agents"`
	TotalAgents         int               `json:"total_agents"`
	ActiveRatio         float64           `json:"active_ratio"`
	TotalTasksGenerated int               `json:"total_tasks_generated"`
	TotalTasksCompleted int               `json:"total_tasks_completed"`
	OverallSuccessRate  float64           `json:"overall_success_rate"`
	SystemHealth        Health            `json:"system_health"`
	Bottlenecks         []channel.Channel `json:"bottlenecks"`
	Recommendations     []string          `json:"recommendations"`
	AsOf                time.Time         `json:"as_of"`
}

type PerformanceReport struct {
	AsOf     time.Time            `json:"as_of"`
	System   SystemMetrics        `json:"system"`
	Agents   []AgentMetrics       `json:"agents"`
	Channels []ChannelPerformance `json:"channels"`
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den) * 100
}

// approved counts tasks that cleared the admin gate; completed counts tasks
// whose work is done, including those approved at QA.
func countsOf(s Snapshot, window time.Duration, match func(*task.Task) bool) Counts {
	var c Counts
	for _, t := range s.Tasks {
		if !match(t) || t.CreatedAt.After(s.AsOf) {
			continue
		}
		if window > 0 && t.CreatedAt.Before(s.AsOf.Add(-window)) {
			continue
		}
		c.TasksGenerated++
		if t.AdminApproved {
			c.TasksApproved++
		}
		if t.Status == task.StatusCompleted || t.Status == task.StatusApproved {
			c.TasksCompleted++
		}
		if c.LastActivity == nil || t.UpdatedAt.After(*c.LastActivity) {
			at := t.UpdatedAt
			c.LastActivity = &at
		}
	}
	c.ApprovalRate = ratio(c.TasksApproved, c.TasksGenerated)
	c.CompletionRate = ratio(c.TasksCompleted, c.TasksApproved)
	return c
}

// AgentMetricsOf aggregates tasks created by agentID. A zero window means
// all time.
func AgentMetricsOf(s Snapshot, agentID string, window time.Duration) AgentMetrics {
	c := countsOf(s, window, func(t *task.Task) bool { return t.CreatedBy == agentID })
	ch, _ := channel.FromAgentID(agentID)
	return AgentMetrics{
		AgentID:     agentID,
		Channel:     ch,
		Counts:      c,
		SuccessRate: c.ApprovalRate,
	}
}

func ChannelPerformanceOf(s Snapshot, ch channel.Channel, window time.Duration) ChannelPerformance {
	return ChannelPerformance{
		Channel: ch,
		Counts:  countsOf(s, window, func(t *task.Task) bool { return t.Channel == ch }),
	}
}

// ClassifyHealth grades the mean of the given success rates.
func ClassifyHealth(rates []float64, th Thresholds) Health {
	if len(rates) == 0 {
		return HealthPoor
	}
	var sum float64
	for _, r := range rates {
		sum += r
	}
	switch mean := sum / float64(len(rates)); {
	case mean >= th.Excellent:
		return HealthExcellent
	case mean >= th.Good:
		return HealthGood
	case mean >= th.Fair:
		return HealthFair
	default:
		return HealthPoor
	}
}

// Bottlenecks returns, in enumeration order, the channels with approved work
// whose completion rate is below floor.
func Bottlenecks(s Snapshot, floor float64) []channel.Channel {
	var out []channel.Channel
	for _, ch := range channel.All() {
		p := ChannelPerformanceOf(s, ch, 0)
		if p.TasksApproved > 0 && p.CompletionRate < floor {
			out = append(out, ch)
		}
	}
	return out
}

// Recommend turns bottlenecks and health into advisory lines using table.
func Recommend(bottlenecks []channel.Channel, health Health, table Recommendations) []string {
	out := make([]string, 0, len(bottlenecks)+1)
	for _, ch := range bottlenecks {
		out = append(out, fmt.Sprintf(table.Bottleneck, ch))
	}
	if line, ok := table.Health[health]; ok && line != "" {
		if len(bottlenecks) == 0 || health != HealthExcellent {
			out = append(out, line)
		}
	}
	return out
}

func SystemMetricsOf(s Snapshot, p Policy) SystemMetrics {
	agents := channel.All()
	m := SystemMetrics{
		TotalAgents: len(agents),
		AsOf:        s.AsOf,
	}
	var rates []float64
	for _, ch := range agents {
		am := AgentMetricsOf(s, ch.AgentID(), 0)
		if am.LastActivity != nil && !am.LastActivity.Before(s.AsOf.Add(-p.ActiveWindow)) {
			m.ActiveAgents++
		}
		if am.TasksGenerated > 0 {
			rates = append(rates, am.SuccessRate)
		}
		m.TotalTasksGenerated += am.TasksGenerated
		m.TotalTasksCompleted += am.TasksCompleted
	}
	m.ActiveRatio = ratio(m.ActiveAgents, m.TotalAgents)
	if len(rates) > 0 {
		var sum float64
		for _, r := range rates {
			sum += r
		}
		m.OverallSuccessRate = sum / float64(len(rates))
	}
	m.SystemHealth = ClassifyHealth(rates, p.Thresholds)
	m.Bottlenecks = Bottlenecks(s, p.CompletionFloor)
	m.Recommendations = Recommend(m.Bottlenecks, m.SystemHealth, p.Recommendations)
	return m
}

func ReportOf(s Snapshot, p Policy) PerformanceReport {
	r := PerformanceReport{
		AsOf:   s.AsOf,
		System: SystemMetricsOf(s, p),
	}
	for _, ch := range channel.All() {
		r.Agents = append(r.Agents, AgentMetricsOf(s, ch.AgentID(), 0))
		r.Channels = append(r.Channels, ChannelPerformanceOf(s, ch, 0))
	}
	return r
}
