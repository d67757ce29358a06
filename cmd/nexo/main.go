package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/fatih/color"

	"github.com/nexo-labs/nexo/internal/app"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/config"
	"github.com/nexo-labs/nexo/internal/loop"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/clog"
)

var (
	cli = kingpin.New("nexo", "Operator commands for the NEXO marketplace agents")

	loopCmd         = cli.Command("loop", "Autonomous loop commands")
	loopRunCmd      = loopCmd.Command("run", "Run one autonomous loop iteration")
	loopRunChannels = loopRunCmd.Flag("channel", "Channel to include (repeatable, default all)").Strings()

	planCmd      = cli.Command("plan", "Analyze channels without creating tasks")
	planChannels = planCmd.Flag("channel", "Channel to include (repeatable, default all)").Strings()

	reportCmd     = cli.Command("report", "Print the orchestrator report")
	perfReportCmd = cli.Command("performance", "Print the performance report")

	tasksCmd          = cli.Command("tasks", "Task commands")
	tasksPendingCmd   = tasksCmd.Command("pending", "List tasks awaiting approval")
	tasksPendingLimit = tasksPendingCmd.Flag("limit", "Page size").Default("20").Int()
	tasksPendingOff   = tasksPendingCmd.Flag("offset", "Page offset").Default("0").Int()

	jobsCmd     = cli.Command("jobs", "Job queue commands")
	jobsShowCmd = jobsCmd.Command("show", "Show a job's status")
	jobsShowID  = jobsShowCmd.Arg("id", "Job ID").Required().String()
)

// operator is the principal for read commands run from a shell with access
// to the storage backend.
var operator = policy.Principal{ID: "operator", Roles: []policy.Role{policy.RoleAdmin}}

func main() {
	command := kingpin.MustParse(cli.Parse(os.Args[1:]))

	env, err := config.LoadEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading env: %v\n", err)
		os.Exit(1)
	}
	handler := clog.NewHTTPTextHandler(os.Stderr, clog.WithLevel(env.SlogLevel()))
	slog.SetDefault(slog.New(clog.NewAttributesHandler(handler)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.NewStorage(ctx, config.StorageEnvFromEnv(env))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating storage: %v\n", err)
		os.Exit(1)
	}
	a, err := app.New(env, store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building app: %v\n", err)
		os.Exit(1)
	}

	var out any
	switch command {
	case loopRunCmd.FullCommand():
		out, err = runLoop(ctx, a, *loopRunChannels)
	case planCmd.FullCommand():
		out, err = runPlan(ctx, a, *planChannels)
	case reportCmd.FullCommand():
		out, err = a.Orchestrator.GenerateReport(ctx)
	case perfReportCmd.FullCommand():
		out, err = a.Monitor.GeneratePerformanceReport(ctx)
	case tasksPendingCmd.FullCommand():
		out, err = pendingTasks(ctx, a, *tasksPendingLimit, *tasksPendingOff)
	case jobsShowCmd.FullCommand():
		out, err = showJob(ctx, a, *jobsShowID)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "Error writing output: %v\n", err)
		os.Exit(1)
	}
}

func runLoop(ctx context.Context, a *app.App, keys []string) (any, error) {
	channels, err := channel.ParseList(keys)
	if err != nil {
		return nil, err
	}
	res, err := a.Loop.RunAutonomousLoop(ctx, policy.System, channels, loop.TriggerManual)
	if res != nil {
		c := color.New(color.FgGreen)
		if !res.Success {
			c = color.New(color.FgRed)
		}
		c.Fprint(os.Stderr, loop.GenerateLoopSummary(res))
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func runPlan(ctx context.Context, a *app.App, keys []string) (any, error) {
	channels, err := channel.ParseList(keys)
	if err != nil {
		return nil, err
	}
	return a.Loop.RunAnalysisPlan(ctx, policy.System, channels, false)
}

func pendingTasks(ctx context.Context, a *app.App, limit, offset int) (any, error) {
	tasks, total, err := a.Tasks.GetPendingApproval(ctx, operator, limit, offset)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tasks": tasks, "total": total}, nil
}

func showJob(ctx context.Context, a *app.App, id string) (any, error) {
	st, ok, err := a.Queue.GetJobStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("job %s not found", id)
	}
	return st, nil
}
