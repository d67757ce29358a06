// Package audit is the append-only activity log. Entries are written once
// and never updated or deleted.
package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Action string

const (
	ActionTaskCreated           Action = "task_created"
	ActionTaskApproved          Action = "task_approved"
	ActionTaskRejected          Action = "task_rejected"
	ActionTaskAssigned          Action = "task_assigned"
	ActionTaskStarted           Action = "task_started"
	ActionTaskCompleted         Action = "task_completed"
	ActionTaskSubmittedForQA    Action = "task_submitted_for_qa"
	ActionTaskReviewed          Action = "task_reviewed"
	ActionTaskResubmitted       Action = "task_resubmitted"
	ActionTaskReassigned        Action = "task_reassigned"
	ActionTaskDueDateExtended   Action = "task_due_date_extended"
	ActionAnalysisPlanRun       Action = "analysis_plan_run"
	ActionAutonomousLoopRun     Action = "autonomous_loop_run"
	ActionOrchestrationActivate Action = "orchestration_activated"
)

type Entry struct {
	ID           string            `yaml:"id"`
	Action       Action            `yaml:"action"`
	ResourceType string            `yaml:"resource_type"`
	ResourceID   string            `yaml:"resource_id"`
	ActorID      string            `yaml:"actor_id"`
	Details      map[string]string `yaml:"details,omitempty"`
	CreatedAt    time.Time         `yaml:"created_at"`
}

func NewEntry(action Action, resourceType, resourceID, actorID string, details map[string]string) *Entry {
	return &Entry{
		ID:           ulid.Make().String(),
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		ActorID:      actorID,
		Details:      details,
		CreatedAt:    time.Now(),
	}
}
