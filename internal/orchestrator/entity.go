// Package orchestrator coordinates the fixed set of channel agents: it runs
// their analyses, defers task creation to the job queue and reports on them.
package orchestrator

import (
	"time"

	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/monitor"
)

type ActivationState string

const (
	ActivationActivated    ActivationState = "activated"
	ActivationDeduplicated ActivationState = "deduplicated"
	ActivationFailed       ActivationState = "failed"
	ActivationDisabled     ActivationState = "disabled"
)

type Activation struct {
	Channel   channel.Channel `json:"channel"`
	AgentID   string          `json:"agent_id"`
	State     ActivationState `json:"state"`
	Proposals int             `json:"proposals"`
	// JobID is empty when the analysis proposed nothing.
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

type Plan struct {
	ID          string       `json:"id"`
	ActivatedBy string       `json:"activated_by"`
	ActivatedAt time.Time    `json:"activated_at"`
	Activations []Activation `json:"activations"`
}

// Phase1Payload is the job payload of jobqueue.KindPhase1TaskCreation.
type Phase1Payload struct {
	Channel   channel.Channel  `json:"channel"`
	AgentID   string           `json:"agent_id"`
	Proposals []agent.Proposal `json:"proposals"`
}

type AgentState string

const (
	AgentIdle   AgentState = "idle"
	AgentActive AgentState = "active"
	AgentError  AgentState = "error"
)

type AgentStatus struct {
	AgentID        string          `json:"agent_id"`
	Channel        channel.Channel `json:"channel"`
	Status         AgentState      `json:"status"`
	Enabled        bool            `json:"enabled"`
	Running        bool            `json:"running"`
	LastAnalysisAt *time.Time      `json:"last_analysis_at,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	LastActivity   *time.Time      `json:"last_activity,omitempty"`
	TasksGenerated int             `json:"tasks_generated"`
	TasksApproved  int             `json:"tasks_approved"`
	TasksCompleted int             `json:"tasks_completed"`
	SuccessRate    float64         `json:"success_rate"`
}

type Report struct {
	AsOf    time.Time             `json:"as_of"`
	Agents  []AgentStatus         `json:"agents"`
	System  monitor.SystemMetrics `json:"system"`
	Summary []string              `json:"summary"`
}

type run struct {
	finishedAt time.Time
	err        string
}
