package task

import (
	"context"

	"github.com/nexo-labs/nexo/internal/audit"
	"github.com/nexo-labs/nexo/internal/channel"
)

type Filter struct {
	Channel          channel.Channel
	Status           Status
	AwaitingApproval bool
}

func (f Filter) Match(t *Task) bool {
	if f.Channel != "" && t.Channel != f.Channel {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.AwaitingApproval && !t.AwaitingApproval() {
		return false
	}
	return true
}

type Repository interface {
	Create(ctx context.Context, t *Task) error
	// CreateAudited is Create plus the audit entry, written in one batch.
	CreateAudited(ctx context.Context, t *Task, auditEntry *audit.Entry) error
	Get(ctx context.Context, id string) (*Task, error)
	// List returns matching tasks newest first.
	List(ctx context.Context, f Filter, limit, offset int) ([]*Task, int, error)
	ListAll(ctx context.Context) ([]*Task, error)
	// Update stores t if the stored revision still equals t.Revision and
	// advances t.Revision. A stale revision is a Conflict.
	Update(ctx context.Context, t *Task) error
	// Reassign is Update plus the history and audit entries, all written
	// in one batch.
	Reassign(ctx context.Context, t *Task, entry *ReassignmentEntry, auditEntry *audit.Entry) error
	ListReassignments(ctx context.Context, taskID string) ([]*ReassignmentEntry, error)
}
