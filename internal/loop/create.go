package loop

import (
	"context"
	"fmt"

	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/internal/task"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type TaskCreator interface {
	CreateTask(ctx context.Context, actor policy.Principal, req task.CreateTaskRequest) (*task.Task, error)
}

type creation struct {
	TaskIDs []string
	// Skipped proposals failed validation; Rejections holds their messages.
	Skipped    int
	Rejections []string
}

// agentPrincipal is the identity a channel's agent creates tasks under.
func agentPrincipal(ch channel.Channel) policy.Principal {
	return policy.Principal{ID: ch.AgentID(), Roles: []policy.Role{policy.RoleAgent}}
}

func requestOf(ch channel.Channel, p agent.Proposal) task.CreateTaskRequest {
	return task.CreateTaskRequest{
		Channel:        string(ch),
		Title:          p.Title,
		Description:    p.Description,
		Category:       p.Category,
		Priority:       p.Priority,
		EstimatedHours: p.EstimatedHours,
		CreatedBy:      ch.AgentID(),
		Source:         task.SourceAIGenerated,
	}
}

// createTasks submits each proposal as a pending, unapproved task. Invalid
// proposals are skipped. Any other failure stops the batch and is returned
// with what was created so far. When idOf is set, an already existing task
// counts as created.
func createTasks(ctx context.Context, tasks TaskCreator, ch channel.Channel, proposals []agent.Proposal, idOf func(i int) string, progress func(done, total int)) (creation, error) {
	var c creation
	actor := agentPrincipal(ch)
	for i, p := range proposals {
		req := requestOf(ch, p)
		if idOf != nil {
			req.ID = idOf(i)
		}
		t, err := tasks.CreateTask(ctx, actor, req)
		switch {
		case err == nil:
			c.TaskIDs = append(c.TaskIDs, t.ID)
		case idOf != nil && cerr.IsCode(err, cerr.AlreadyExists):
			c.TaskIDs = append(c.TaskIDs, req.ID)
		case cerr.IsCode(err, cerr.InvalidArgument):
			c.Skipped++
			c.Rejections = append(c.Rejections, fmt.Sprintf("proposal %d: %s", i, err))
		default:
			return c, fmt.Errorf("create task for %s: %w", ch, err)
		}
		if progress != nil {
			progress(i+1, len(proposals))
		}
	}
	return c, nil
}
