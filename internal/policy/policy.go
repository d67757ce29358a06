// Package policy is the single place where "may this principal perform this
// operation on this resource" is decided.
package policy

import (
	"context"
	"fmt"
	"slices"

	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleQA        Role = "qa"
	RoleAgent     Role = "agent"
	RoleExecutor  Role = "executor"
	RoleScheduler Role = "scheduler"
)

type Principal struct {
	ID    string
	Roles []Role
}

// System is the principal used by scheduled and queued work.
var System = Principal{ID: "system", Roles: []Role{RoleScheduler}}

func (p Principal) Authenticated() bool {
	return p.ID != ""
}

func (p Principal) Has(role Role) bool {
	return slices.Contains(p.Roles, role)
}

type Operation string

const (
	OpCreateTask            Operation = "task.create"
	OpListTasks             Operation = "task.list"
	OpApproveTasks          Operation = "task.approve"
	OpAssignTask            Operation = "task.assign"
	OpStartTask             Operation = "task.start"
	OpCompleteTask          Operation = "task.complete"
	OpReviewTask            Operation = "task.review"
	OpReassignTask          Operation = "task.reassign"
	OpExtendDueDate         Operation = "task.extend_due_date"
	OpPollJob               Operation = "job.poll"
	OpActivateOrchestration Operation = "orchestration.activate"
	OpReadMetrics           Operation = "metrics.read"
	OpRunLoop               Operation = "loop.run"
	OpSubscribePush         Operation = "push.subscribe"
)

// Resource carries whatever the rule for an operation needs to look at.
type Resource struct {
	AssigneeID string
}

type rule struct {
	roles []Role
	// owner admits the resource's assignee regardless of role.
	owner bool
}

var rules = map[Operation]rule{
	OpCreateTask:            {roles: []Role{RoleAgent, RoleAdmin, RoleScheduler}},
	OpListTasks:             {roles: []Role{RoleAdmin, RoleQA, RoleAgent, RoleExecutor, RoleScheduler}},
	OpApproveTasks:          {roles: []Role{RoleAdmin}},
	OpAssignTask:            {roles: []Role{RoleAdmin}},
	OpStartTask:             {roles: []Role{RoleAdmin}, owner: true},
	OpCompleteTask:          {roles: []Role{RoleAdmin}, owner: true},
	OpReviewTask:            {roles: []Role{RoleAdmin, RoleQA}},
	OpReassignTask:          {roles: []Role{RoleAdmin}},
	OpExtendDueDate:         {roles: []Role{RoleAdmin}},
	OpPollJob:               {roles: []Role{RoleAdmin, RoleScheduler}},
	OpActivateOrchestration: {roles: []Role{RoleAdmin}},
	OpReadMetrics:           {roles: []Role{RoleAdmin, RoleQA}},
	OpRunLoop:               {roles: []Role{RoleAdmin, RoleScheduler}},
	OpSubscribePush:         {roles: []Role{RoleAdmin, RoleQA}},
}

type Checker interface {
	Check(p Principal, op Operation, res Resource) error
}

type TableChecker struct{}

func NewChecker() *TableChecker {
	return &TableChecker{}
}

func (TableChecker) Check(p Principal, op Operation, res Resource) error {
	if !p.Authenticated() {
		return cerr.NewError(cerr.Unauthenticated, "authentication required", nil)
	}
	r, ok := rules[op]
	if !ok {
		return cerr.NewError(cerr.PermissionDenied, fmt.Sprintf("operation %s is not permitted", op), nil)
	}
	if r.owner && res.AssigneeID != "" && res.AssigneeID == p.ID {
		return nil
	}
	for _, role := range r.roles {
		if p.Has(role) {
			return nil
		}
	}
	return cerr.NewError(cerr.PermissionDenied, fmt.Sprintf("%s may not perform %s", p.ID, op), nil)
}

type principalKey struct{}

func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the zero Principal when none is attached.
func PrincipalFromContext(ctx context.Context) Principal {
	p, _ := ctx.Value(principalKey{}).(Principal)
	return p
}
