package loop

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/nexo-labs/nexo/internal/channel"
)

// GenerateLoopSummary renders a result as plain text, one line per channel
// in enumeration order.
func GenerateLoopSummary(res *Result) string {
	if res == nil {
		return "autonomous loop did not run"
	}
	var b strings.Builder
	outcome := "succeeded"
	if !res.Success {
		outcome = "failed"
	}
	fmt.Fprintf(&b, "Autonomous loop (%s) %s: %d %s created across %d %s",
		res.Trigger, outcome, res.TotalTasks, plural(res.TotalTasks, "task", "tasks"),
		len(res.PerChannel), plural(len(res.PerChannel), "channel", "channels"))
	if d := res.FinishedAt.Sub(res.StartedAt); d > 0 {
		fmt.Fprintf(&b, " in %s", d.Round(time.Millisecond))
	}
	b.WriteString("\n")

	chs := make([]channel.Channel, 0, len(res.PerChannel))
	for ch := range res.PerChannel {
		chs = append(chs, ch)
	}
	slices.SortFunc(chs, func(x, y channel.Channel) int { return x.Index() - y.Index() })
	for _, ch := range chs {
		cr := res.PerChannel[ch]
		fmt.Fprintf(&b, "- %s: ", ch)
		switch {
		case cr.Error != "" && cr.TasksCreated == 0:
			fmt.Fprintf(&b, "error: %s", cr.Error)
		case cr.Error != "":
			fmt.Fprintf(&b, "%d %s created, then error: %s", cr.TasksCreated, plural(cr.TasksCreated, "task", "tasks"), cr.Error)
		default:
			fmt.Fprintf(&b, "%d %s created", cr.TasksCreated, plural(cr.TasksCreated, "task", "tasks"))
		}
		if cr.Skipped > 0 {
			fmt.Fprintf(&b, " (%d skipped)", cr.Skipped)
		}
		b.WriteString("\n")
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "error: %s\n", res.Error)
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
