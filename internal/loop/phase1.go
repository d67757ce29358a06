package loop

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nexo-labs/nexo/internal/jobqueue"
	"github.com/nexo-labs/nexo/internal/orchestrator"
)

type Phase1Result struct {
	TaskIDs    []string `json:"task_ids"`
	Skipped    int      `json:"skipped,omitempty"`
	Rejections []string `json:"rejections,omitempty"`
}

// Phase1Handler turns an orchestration's proposals into tasks. Task ids are
// derived from the job id so a retried job does not duplicate tasks.
func Phase1Handler(tasks TaskCreator) jobqueue.HandlerFunc {
	return func(ctx context.Context, job *jobqueue.Job, report jobqueue.ReportFunc) (any, error) {
		var p orchestrator.Phase1Payload
		if err := json.Unmarshal([]byte(job.Payload), &p); err != nil {
			return nil, fmt.Errorf("failed to decode phase-1 payload: %w", err)
		}
		if !p.Channel.Valid() {
			return nil, fmt.Errorf("phase-1 payload has unknown channel %q", p.Channel)
		}
		idOf := func(i int) string { return fmt.Sprintf("%s-%03d", job.ID, i) }
		c, err := createTasks(ctx, tasks, p.Channel, p.Proposals, idOf, func(done, total int) {
			report(done * 100 / total)
		})
		if err != nil {
			return nil, err
		}
		return Phase1Result{TaskIDs: c.TaskIDs, Skipped: c.Skipped, Rejections: c.Rejections}, nil
	}
}
