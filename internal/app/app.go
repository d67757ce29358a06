// Package app assembles the component graph shared by the server and the
// operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	server "github.com/nexo-labs/nexo/internal"
	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/audit"
	"github.com/nexo-labs/nexo/internal/channel"
	auditrepo "github.com/nexo-labs/nexo/internal/audit/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/config"
	"github.com/nexo-labs/nexo/internal/eventbus"
	"github.com/nexo-labs/nexo/internal/jobqueue"
	jobrepo "github.com/nexo-labs/nexo/internal/jobqueue/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/loop"
	"github.com/nexo-labs/nexo/internal/monitor"
	"github.com/nexo-labs/nexo/internal/orchestrator"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/internal/pushnotification"
	"github.com/nexo-labs/nexo/internal/pushsubscription"
	pushsubrepo "github.com/nexo-labs/nexo/internal/pushsubscription/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/task"
	taskrepo "github.com/nexo-labs/nexo/internal/task/repositoryimpl"
	"github.com/nexo-labs/nexo/pkg/storage"
)

type App struct {
	Env     *config.Env
	Storage storage.Storage
	Bus     *eventbus.Bus
	Checker policy.Checker
	Metrics *prometheus.Registry

	TaskRepo  task.Repository
	AuditRepo audit.Repository
	PushRepo  pushsubscription.Repository

	Tasks        *task.Manager
	Queue        *jobqueue.Queue
	Worker       *jobqueue.Worker
	Monitor      *monitor.Monitor
	Agents       *agent.Registry
	Orchestrator *orchestrator.Orchestrator
	Loop         *loop.Loop
	Scheduler    *loop.Scheduler
	PushSender   *pushnotification.Sender
	Dispatcher   *pushnotification.Dispatcher
}

func NewStorage(ctx context.Context, env *config.StorageEnv) (storage.Storage, error) {
	switch env.Type {
	case "s3":
		s, err := storage.NewS3Storage(ctx, env.S3Bucket, env.S3Prefix, env.S3Region)
		if err != nil {
			return nil, fmt.Errorf("failed to create S3 storage: %w", err)
		}
		return s, nil
	case "local", "":
		s, err := storage.NewLocalStorage(env.BaseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create local storage: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", env.Type)
	}
}

// New wires every component over store. It starts nothing; the caller owns
// the worker, scheduler and dispatcher lifecycles.
func New(env *config.Env, store storage.Storage) (*App, error) {
	a := &App{
		Env:     env,
		Storage: store,
		Bus:     eventbus.New(),
		Checker: policy.NewChecker(),
		Metrics: prometheus.NewRegistry(),
	}
	a.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	taskRepo := taskrepo.NewYAMLRepository(store)
	a.TaskRepo = taskRepo
	a.AuditRepo = auditrepo.NewYAMLRepository(store)
	a.PushRepo = pushsubrepo.NewYAMLRepository(store)

	a.Tasks = task.NewManager(taskRepo, a.AuditRepo, a.Checker, a.Bus)

	jobEnv := config.JobEnvFromEnv(env)
	a.Queue = jobqueue.NewQueue(jobrepo.NewYAMLRepository(store), jobqueue.Defaults{
		MaxAttempts: jobEnv.MaxAttempts,
		BackoffBase: jobEnv.BackoffBase,
		MaxBackoff:  jobEnv.MaxBackoff,
	}, jobqueue.WithMetrics(jobqueue.NewMetrics(a.Metrics)))

	monEnv := config.MonitorEnvFromEnv(env)
	p := monitor.DefaultPolicy()
	p.ActiveWindow = monEnv.ActiveWindow
	p.CompletionFloor = monEnv.CompletionFloor
	if err := p.Validate(); err != nil {
		return nil, err
	}
	a.Monitor = monitor.New(taskRepo, p)

	claudeEnv := config.ClaudeEnvFromEnv(env)
	var analyzer agent.Analyzer = agent.Idle
	if claudeEnv.Enabled {
		analyzer = agent.NewClaudeAnalyzer(claudeEnv.WorkDir, claudeEnv.MaxTurns)
	} else {
		slog.Warn("claude analysis disabled, agents will propose nothing")
	}
	a.Agents = agent.NewRegistry(analyzer)
	loopEnv := config.LoopEnvFromEnv(env)
	if len(loopEnv.DisabledChannels) > 0 {
		disabled, err := channel.ParseList(loopEnv.DisabledChannels)
		if err != nil {
			return nil, fmt.Errorf("invalid NEXO_DISABLED_CHANNELS: %w", err)
		}
		for _, ch := range disabled {
			if err := a.Agents.SetEnabled(ch, false); err != nil {
				return nil, err
			}
		}
		slog.Info("agents disabled by config", "channels", loopEnv.DisabledChannels)
	}

	a.Orchestrator = orchestrator.New(a.Agents, a.Queue, a.Monitor, a.AuditRepo)
	a.Loop = loop.New(a.Orchestrator, a.Tasks, a.AuditRepo, a.Bus, loop.WithDefaultChannels(a.Agents.EnabledChannels))
	a.Scheduler = loop.NewScheduler(a.Loop, loopEnv.Interval)

	a.Worker = jobqueue.NewWorker(a.Queue, jobqueue.HandlerTable{
		jobqueue.KindPhase1TaskCreation: loop.Phase1Handler(a.Tasks),
	}, a.Bus)

	vapidEnv := config.VAPIDEnvFromEnv(env)
	a.PushSender = pushnotification.NewSender(vapidEnv, a.PushRepo)
	a.Dispatcher = pushnotification.NewDispatcher(a.Bus, a.PushSender)
	return a, nil
}

// Servers lists the HTTP route registrars mounted under /api/v1.
func (a *App) Servers() []server.RouteRegistrar {
	return []server.RouteRegistrar{
		task.NewServer(a.Tasks),
		jobqueue.NewServer(a.Queue, a.Checker),
		monitor.NewServer(a.Monitor, a.Checker),
		orchestrator.NewServer(a.Orchestrator, a.Checker),
		loop.NewServer(a.Loop, a.Checker),
		pushnotification.NewServer(config.VAPIDEnvFromEnv(a.Env), a.PushRepo, a.Checker),
	}
}

func (a *App) NewHTTPServer() *server.Server {
	return server.NewServer(a.Env, a.Metrics, a.Servers()...)
}
