package task

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nexo-labs/nexo/internal/audit"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/eventbus"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/clog"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// Manager owns the task lifecycle. Every operation checks the acting
// principal against the policy before touching storage. Storage errors are
// returned as-is and never retried here.
type Manager struct {
	repo     Repository
	audit    audit.Repository
	checker  policy.Checker
	eventBus *eventbus.Bus
	now      func() time.Time
}

type ManagerOption func(*Manager)

func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(repo Repository, auditRepo audit.Repository, checker policy.Checker, eventBus *eventbus.Bus, opts ...ManagerOption) *Manager {
	m := &Manager{
		repo:     repo,
		audit:    auditRepo,
		checker:  checker,
		eventBus: eventBus,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type CreateTaskRequest struct {
	// ID is optional; a retried caller sets it so a repeated create fails
	// with AlreadyExists instead of duplicating the task.
	ID             string     `json:"-"`
	Channel        string     `json:"marketplace"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Category       string     `json:"category"`
	Priority       string     `json:"priority"`
	EstimatedHours float64    `json:"estimated_hours"`
	CreatedBy      string     `json:"created_by"`
	Source         Source     `json:"source,omitempty"`
	DueDate        *time.Time `json:"due_date,omitempty"`
}

func (r *CreateTaskRequest) validate() error {
	type violation struct{ rule, msg string }
	var vs []violation
	if !channel.Channel(r.Channel).Valid() {
		vs = append(vs, violation{"marketplace.in", fmt.Sprintf("marketplace must be one of %v", channel.All())})
	}
	if strings.TrimSpace(r.Title) == "" {
		vs = append(vs, violation{"title.required", "title is required"})
	}
	if strings.TrimSpace(r.Description) == "" {
		vs = append(vs, violation{"description.required", "description is required"})
	}
	if strings.TrimSpace(r.Category) == "" {
		vs = append(vs, violation{"category.required", "category is required"})
	}
	if !Priority(r.Priority).Valid() {
		vs = append(vs, violation{"priority.in", "priority must be one of low, medium, high, urgent"})
	}
	if !(r.EstimatedHours > 0) {
		vs = append(vs, violation{"estimated_hours.gt", "estimated_hours must be greater than 0"})
	}
	if strings.TrimSpace(r.CreatedBy) == "" {
		vs = append(vs, violation{"created_by.required", "created_by is required"})
	}
	if r.Source != "" && r.Source != SourceHuman && r.Source != SourceAIGenerated {
		vs = append(vs, violation{"source.in", "source must be human or ai_generated"})
	}
	if len(vs) == 0 {
		return nil
	}
	err := cerr.Validation("invalid task")
	for _, v := range vs {
		err.AddDetailMessageWithCode(v.msg, v.rule)
	}
	return err
}

func (m *Manager) CreateTask(ctx context.Context, actor policy.Principal, req CreateTaskRequest) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpCreateTask, policy.Resource{}); err != nil {
		return nil, err
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	source := req.Source
	if source == "" {
		source = SourceAIGenerated
	}
	id := req.ID
	if id == "" {
		id = ulid.Make().String()
	}
	now := m.now()
	t := &Task{
		ID:             id,
		Channel:        channel.Channel(req.Channel),
		Title:          req.Title,
		Description:    req.Description,
		Category:       req.Category,
		Priority:       Priority(req.Priority),
		Status:         StatusPending,
		EstimatedHours: req.EstimatedHours,
		CreatedBy:      req.CreatedBy,
		AdminApproved:  source == SourceHuman,
		Source:         source,
		DueDate:        req.DueDate,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	created := audit.NewEntry(audit.ActionTaskCreated, "task", t.ID, actor.ID, map[string]string{
		"channel": string(t.Channel),
		"source":  string(t.Source),
	})
	created.CreatedAt = now
	if err := m.repo.CreateAudited(ctx, t, created); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskCreated, t)
	clog.AddAttribute(ctx, "task_id", t.ID)
	return t, nil
}

// ApproveTasks decides the admin gate for each id and returns how many tasks
// changed. Missing, terminal and already decided tasks are skipped; storage
// failures abort the batch.
func (m *Manager) ApproveTasks(ctx context.Context, actor policy.Principal, ids []string, approved bool) (int, error) {
	if err := m.checker.Check(actor, policy.OpApproveTasks, policy.Resource{}); err != nil {
		return 0, err
	}
	updated := 0
	for _, id := range ids {
		t, err := m.repo.Get(ctx, id)
		if err != nil {
			if cerr.IsCode(err, cerr.NotFound) {
				continue
			}
			return updated, err
		}
		if t.Terminal() || !t.AwaitingApproval() {
			continue
		}
		action := audit.ActionTaskApproved
		if approved {
			t.AdminApproved = true
		} else {
			t.Status = StatusRejected
			t.RejectionStage = RejectionStageApproval
			action = audit.ActionTaskRejected
		}
		t.UpdatedAt = m.now()
		if err := m.repo.Update(ctx, t); err != nil {
			if cerr.IsCode(err, cerr.Aborted) {
				slog.Warn("skipping task modified during approval", "task_id", id)
				continue
			}
			return updated, err
		}
		if err := m.record(ctx, action, t.ID, actor.ID, nil); err != nil {
			return updated, err
		}
		m.publish(eventbus.EventTaskUpdated, t)
		updated++
	}
	return updated, nil
}

func (m *Manager) AssignTask(ctx context.Context, actor policy.Principal, id, assigneeID string) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpAssignTask, policy.Resource{}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(assigneeID) == "" {
		return nil, cerr.Validation("assignee is required").AddDetailMessageWithCode("assignee_id is required", "assignee_id.required")
	}
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case t.Terminal():
		return nil, cerr.InvalidState("task %s is %s and cannot be assigned", id, t.Status)
	case t.Status != StatusPending:
		return nil, cerr.InvalidState("task %s is %s; only pending tasks can be assigned", id, t.Status)
	case !t.AdminApproved:
		return nil, cerr.InvalidState("task %s is awaiting admin approval", id)
	case t.AssignedTo == assigneeID:
		return nil, cerr.InvalidState("task %s is already assigned to %s", id, assigneeID)
	case t.AssignedTo != "":
		return nil, cerr.InvalidState("task %s is assigned to %s; use reassign", id, t.AssignedTo)
	}
	now := m.now()
	t.AssignedTo = assigneeID
	t.StartedAt = &now
	t.UpdatedAt = now
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.ActionTaskAssigned, t.ID, actor.ID, map[string]string{"assignee_id": assigneeID}); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, nil
}

func (m *Manager) StartTask(ctx context.Context, actor policy.Principal, id string) (*Task, error) {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checker.Check(actor, policy.OpStartTask, policy.Resource{AssigneeID: t.AssignedTo}); err != nil {
		return nil, err
	}
	if t.AssignedTo == "" {
		return nil, cerr.InvalidState("task %s is not assigned", id)
	}
	if err := m.transition(t, StatusInProgress); err != nil {
		return nil, err
	}
	now := m.now()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.ActionTaskStarted, t.ID, actor.ID, nil); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, nil
}

type CompleteTaskRequest struct {
	ID          string  `json:"-"`
	ActualHours float64 `json:"actual_hours"`
	// Result is the status the task moves to: submitted (routes to QA) or
	// completed. Empty means completed.
	Result Status `json:"result,omitempty"`
}

func (m *Manager) CompleteTask(ctx context.Context, actor policy.Principal, req CompleteTaskRequest) (*Task, Accuracy, error) {
	if req.ActualHours < 0 {
		return nil, Accuracy{}, cerr.Validation("invalid completion").
			AddDetailMessageWithCode("actual_hours must be greater than or equal to 0", "actual_hours.gte")
	}
	result := req.Result
	if result == "" {
		result = StatusCompleted
	}
	if result != StatusCompleted && result != StatusSubmitted {
		return nil, Accuracy{}, cerr.Validation("invalid completion").
			AddDetailMessageWithCode("result must be submitted or completed", "result.in")
	}
	t, err := m.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, Accuracy{}, err
	}
	if err := m.checker.Check(actor, policy.OpCompleteTask, policy.Resource{AssigneeID: t.AssignedTo}); err != nil {
		return nil, Accuracy{}, err
	}
	if t.AssignedTo == "" {
		return nil, Accuracy{}, cerr.InvalidState("task %s is not assigned", t.ID)
	}
	if err := m.transition(t, result); err != nil {
		return nil, Accuracy{}, err
	}
	now := m.now()
	hours := req.ActualHours
	if result == StatusCompleted {
		t.ActualHours = &hours
	} else {
		t.ReportedHours = &hours
	}
	t.CompletedAt = &now
	t.CompletedBy = actor.ID
	t.UpdatedAt = now
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, Accuracy{}, err
	}
	acc := AccuracyOf(t.EstimatedHours, hours)
	if err := m.record(ctx, audit.ActionTaskCompleted, t.ID, actor.ID, map[string]string{
		"result":           string(result),
		"actual_hours":     fmt.Sprintf("%g", hours),
		"accuracy_percent": fmt.Sprintf("%.1f", acc.Percent),
	}); err != nil {
		return nil, Accuracy{}, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, acc, nil
}

func (m *Manager) SubmitForQA(ctx context.Context, actor policy.Principal, id string) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpReviewTask, policy.Resource{}); err != nil {
		return nil, err
	}
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.transition(t, StatusQAReview); err != nil {
		return nil, err
	}
	t.QAReviewer = actor.ID
	t.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.ActionTaskSubmittedForQA, t.ID, actor.ID, nil); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, nil
}

func (m *Manager) ReviewTask(ctx context.Context, actor policy.Principal, id string, approved bool, notes string) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpReviewTask, policy.Resource{}); err != nil {
		return nil, err
	}
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := StatusApproved
	if !approved {
		next = StatusRejected
	}
	if err := m.transition(t, next); err != nil {
		return nil, err
	}
	if approved {
		t.ActualHours, t.ReportedHours = t.ReportedHours, nil
	} else {
		t.RejectionStage = RejectionStageQA
	}
	t.QAReviewer = actor.ID
	t.QANotes = notes
	t.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.ActionTaskReviewed, t.ID, actor.ID, map[string]string{
		"approved": fmt.Sprintf("%t", approved),
	}); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, nil
}

// ResubmitTask returns a task rejected at QA to the submitted state.
func (m *Manager) ResubmitTask(ctx context.Context, actor policy.Principal, id string) (*Task, error) {
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := m.checker.Check(actor, policy.OpCompleteTask, policy.Resource{AssigneeID: t.AssignedTo}); err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, cerr.InvalidState("task %s was rejected at approval and cannot be resubmitted", id)
	}
	if err := m.transition(t, StatusSubmitted); err != nil {
		return nil, err
	}
	t.RejectionStage = ""
	t.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.ActionTaskResubmitted, t.ID, actor.ID, nil); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, nil
}

type ReassignTaskRequest struct {
	ID            string `json:"-"`
	NewAssigneeID string `json:"new_assignee_id"`
	Reason        string `json:"reason,omitempty"`
	// Revision, when set, must match the stored revision.
	Revision *int64 `json:"revision,omitempty"`
}

// ReassignTask moves a task to a new assignee. The task update, its history
// entry and the audit entry are written in one batch guarded by the task
// revision; a concurrent writer makes this call fail with Conflict.
func (m *Manager) ReassignTask(ctx context.Context, actor policy.Principal, req ReassignTaskRequest) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpReassignTask, policy.Resource{}); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.NewAssigneeID) == "" {
		return nil, cerr.Validation("new assignee is required").
			AddDetailMessageWithCode("new_assignee_id is required", "new_assignee_id.required")
	}
	t, err := m.repo.Get(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if req.Revision != nil && *req.Revision != t.Revision {
		return nil, cerr.Conflict("task %s is at revision %d, not %d", t.ID, t.Revision, *req.Revision)
	}
	switch {
	case t.Terminal():
		return nil, cerr.InvalidState("task %s is %s and cannot be reassigned", t.ID, t.Status)
	case !t.AdminApproved:
		return nil, cerr.InvalidState("task %s is awaiting admin approval", t.ID)
	case t.AssignedTo == req.NewAssigneeID:
		return nil, cerr.InvalidState("task %s is already assigned to %s", t.ID, req.NewAssigneeID)
	}

	now := m.now()
	entry := &ReassignmentEntry{
		ID:            ulid.Make().String(),
		TaskID:        t.ID,
		OldAssigneeID: t.AssignedTo,
		NewAssigneeID: req.NewAssigneeID,
		Reason:        req.Reason,
		PerformedBy:   actor.ID,
		CreatedAt:     now,
	}
	auditEntry := audit.NewEntry(audit.ActionTaskReassigned, "task", t.ID, actor.ID, map[string]string{
		"old_assignee_id": entry.OldAssigneeID,
		"new_assignee_id": entry.NewAssigneeID,
		"reason":          entry.Reason,
	})
	auditEntry.CreatedAt = now

	t.AssignedTo = req.NewAssigneeID
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	t.UpdatedAt = now
	if err := m.repo.Reassign(ctx, t, entry, auditEntry); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskReassigned, t)
	return t, nil
}

func (m *Manager) ExtendDueDate(ctx context.Context, actor policy.Principal, id string, newDueDate time.Time) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpExtendDueDate, policy.Resource{}); err != nil {
		return nil, err
	}
	if !newDueDate.After(m.now()) {
		return nil, cerr.Validation("invalid due date").
			AddDetailMessageWithCode("due_date must be in the future", "due_date.gt_now")
	}
	t, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Terminal() {
		return nil, cerr.InvalidState("task %s is %s and its due date cannot change", id, t.Status)
	}
	old := ""
	if t.DueDate != nil {
		old = t.DueDate.Format(time.RFC3339)
	}
	t.DueDate = &newDueDate
	t.UpdatedAt = m.now()
	if err := m.repo.Update(ctx, t); err != nil {
		return nil, err
	}
	if err := m.record(ctx, audit.ActionTaskDueDateExtended, t.ID, actor.ID, map[string]string{
		"old_due_date": old,
		"new_due_date": newDueDate.Format(time.RFC3339),
	}); err != nil {
		return nil, err
	}
	m.publish(eventbus.EventTaskUpdated, t)
	return t, nil
}

func (m *Manager) GetTask(ctx context.Context, actor policy.Principal, id string) (*Task, error) {
	if err := m.checker.Check(actor, policy.OpListTasks, policy.Resource{}); err != nil {
		return nil, err
	}
	return m.repo.Get(ctx, id)
}

func (m *Manager) GetPendingApproval(ctx context.Context, actor policy.Principal, limit, offset int) ([]*Task, int, error) {
	if err := m.checker.Check(actor, policy.OpListTasks, policy.Resource{}); err != nil {
		return nil, 0, err
	}
	limit, offset, err := normalizePage(limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return m.repo.List(ctx, Filter{AwaitingApproval: true}, limit, offset)
}

func (m *Manager) GetTasksByMarketplace(ctx context.Context, actor policy.Principal, ch channel.Channel, status Status, limit, offset int) ([]*Task, int, error) {
	if err := m.checker.Check(actor, policy.OpListTasks, policy.Resource{}); err != nil {
		return nil, 0, err
	}
	if status != "" && !status.Valid() {
		return nil, 0, cerr.Validation(fmt.Sprintf("unknown status %q", status)).
			AddDetailMessageWithCode("status must be a task status", "status.in")
	}
	limit, offset, err := normalizePage(limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return m.repo.List(ctx, Filter{Channel: ch, Status: status}, limit, offset)
}

func (m *Manager) ListReassignments(ctx context.Context, actor policy.Principal, id string) ([]*ReassignmentEntry, error) {
	if err := m.checker.Check(actor, policy.OpListTasks, policy.Resource{}); err != nil {
		return nil, err
	}
	if _, err := m.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return m.repo.ListReassignments(ctx, id)
}

func (m *Manager) transition(t *Task, next Status) error {
	if !t.Status.CanTransitionTo(next) {
		return cerr.InvalidState("task %s cannot move from %s to %s", t.ID, t.Status, next)
	}
	t.Status = next
	return nil
}

func (m *Manager) record(ctx context.Context, action audit.Action, taskID, actorID string, details map[string]string) error {
	e := audit.NewEntry(action, "task", taskID, actorID, details)
	e.CreatedAt = m.now()
	return m.audit.Create(ctx, e)
}

func (m *Manager) publish(eventType eventbus.EventType, t *Task) {
	m.eventBus.PublishNew(eventType, t.ID, map[string]string{
		"channel": string(t.Channel),
		"status":  string(t.Status),
	})
}

func normalizePage(limit, offset int) (int, int, error) {
	if limit < 0 || offset < 0 {
		return 0, 0, cerr.Validation("invalid page").
			AddDetailMessageWithCode("limit and offset must not be negative", "page.gte")
	}
	if limit == 0 {
		limit = DefaultPageSize
	}
	return min(limit, MaxPageSize), offset, nil
}
