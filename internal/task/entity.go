package task

import (
	"slices"
	"time"

	"github.com/nexo-labs/nexo/internal/channel"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusQAReview   Status = "qa_review"
	StatusApproved   Status = "approved"
	StatusCompleted  Status = "completed"
	StatusRejected   Status = "rejected"
)

// transitions lists the statuses reachable from each status. Reassignment
// and due-date extension are not status transitions.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusSubmitted, StatusCompleted, StatusRejected},
	StatusInProgress: {StatusSubmitted, StatusCompleted},
	StatusSubmitted:  {StatusQAReview},
	StatusQAReview:   {StatusApproved, StatusRejected},
	StatusRejected:   {StatusSubmitted},
	StatusApproved:   {},
	StatusCompleted:  {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) CanTransitionTo(next Status) bool {
	return slices.Contains(transitions[s], next)
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

var priorities = []Priority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}

// Rank orders priorities low < medium < high < urgent; unknown values rank -1.
func (p Priority) Rank() int {
	return slices.Index(priorities, p)
}

func (p Priority) Valid() bool {
	return p.Rank() >= 0
}

type Source string

const (
	SourceHuman       Source = "human"
	SourceAIGenerated Source = "ai_generated"
)

type RejectionStage string

const (
	RejectionStageApproval RejectionStage = "approval"
	RejectionStageQA       RejectionStage = "qa"
)

type Task struct {
	ID             string          `yaml:"id" json:"id"`
	Channel        channel.Channel `yaml:"channel" json:"marketplace"`
	Title          string          `yaml:"title" json:"title"`
	Description    string          `yaml:"description" json:"description"`
	Category       string          `yaml:"category" json:"category"`
	Priority       Priority        `yaml:"priority" json:"priority"`
	Status         Status          `yaml:"status" json:"status"`
	EstimatedHours float64         `yaml:"estimated_hours" json:"estimated_hours"`
	// ActualHours is set once the work is done: on completion, or on QA
	// approval of a submitted task. ReportedHours holds the executor's
	// figure in between.
	ActualHours    *float64        `yaml:"actual_hours,omitempty" json:"actual_hours,omitempty"`
	ReportedHours  *float64        `yaml:"reported_hours,omitempty" json:"reported_hours,omitempty"`
	CreatedBy      string          `yaml:"created_by" json:"created_by"`
	AssignedTo     string          `yaml:"assigned_to,omitempty" json:"assigned_to,omitempty"`
	AdminApproved  bool            `yaml:"admin_approved" json:"admin_approved"`
	Source         Source          `yaml:"source" json:"source"`
	RejectionStage RejectionStage  `yaml:"rejection_stage,omitempty" json:"rejection_stage,omitempty"`
	QAReviewer     string          `yaml:"qa_reviewer,omitempty" json:"qa_reviewer,omitempty"`
	QANotes        string          `yaml:"qa_notes,omitempty" json:"qa_notes,omitempty"`
	CompletedBy    string          `yaml:"completed_by,omitempty" json:"completed_by,omitempty"`
	DueDate        *time.Time      `yaml:"due_date,omitempty" json:"due_date,omitempty"`
	Revision       int64           `yaml:"revision" json:"revision"`
	CreatedAt      time.Time       `yaml:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `yaml:"updated_at" json:"updated_at"`
	StartedAt      *time.Time      `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt    *time.Time      `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// Terminal reports whether no further lifecycle operation may touch t.
// A task rejected at QA is not terminal because it may be resubmitted.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusApproved, StatusCompleted:
		return true
	case StatusRejected:
		return t.RejectionStage != RejectionStageQA
	}
	return false
}

// AwaitingApproval is true for tasks still waiting on the admin gate.
func (t *Task) AwaitingApproval() bool {
	return t.Status == StatusPending && !t.AdminApproved
}

type ReassignmentEntry struct {
	ID            string    `yaml:"id" json:"id"`
	TaskID        string    `yaml:"task_id" json:"task_id"`
	OldAssigneeID string    `yaml:"old_assignee_id,omitempty" json:"old_assignee_id,omitempty"`
	NewAssigneeID string    `yaml:"new_assignee_id" json:"new_assignee_id"`
	Reason        string    `yaml:"reason,omitempty" json:"reason,omitempty"`
	PerformedBy   string    `yaml:"performed_by" json:"performed_by"`
	CreatedAt     time.Time `yaml:"created_at" json:"created_at"`
}

// Accuracy compares estimated and actual hours. It is reported to the
// caller and never gates a transition.
type Accuracy struct {
	Percent       float64 `json:"percent"`
	VarianceHours float64 `json:"variance_hours"`
}

func AccuracyOf(estimated, actual float64) Accuracy {
	if estimated <= 0 {
		return Accuracy{VarianceHours: estimated - actual}
	}
	return Accuracy{
		Percent:       (estimated - actual) / estimated * 100,
		VarianceHours: estimated - actual,
	}
}
