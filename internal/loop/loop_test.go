package loop_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/agent"
	"github.com/nexo-labs/nexo/internal/audit"
	auditrepo "github.com/nexo-labs/nexo/internal/audit/repositoryimpl"
	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/eventbus"
	"github.com/nexo-labs/nexo/internal/jobqueue"
	"github.com/nexo-labs/nexo/internal/loop"
	"github.com/nexo-labs/nexo/internal/orchestrator"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/internal/task"
	taskrepo "github.com/nexo-labs/nexo/internal/task/repositoryimpl"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/storage"
)

var admin = policy.Principal{ID: "admin-1", Roles: []policy.Role{policy.RoleAdmin}}

type fixture struct {
	manager *task.Manager
	tasks   *taskrepo.YAMLRepository
	audit   audit.Repository
	bus     *eventbus.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	f := &fixture{
		tasks: taskrepo.NewYAMLRepository(s),
		audit: auditrepo.NewYAMLRepository(s),
		bus:   eventbus.New(),
	}
	f.manager = task.NewManager(f.tasks, f.audit, policy.NewChecker(), f.bus)
	return f
}

func proposals(titles ...string) []agent.Proposal {
	out := make([]agent.Proposal, len(titles))
	for i, title := range titles {
		out[i] = agent.Proposal{Title: title, Description: "d", Category: "pricing", Priority: "medium", EstimatedHours: 2}
	}
	return out
}

func analyst(byChannel map[channel.Channel]func() ([]agent.Proposal, error)) agent.AnalyzerFunc {
	return func(_ context.Context, ch channel.Channel) ([]agent.Proposal, error) {
		fn, ok := byChannel[ch]
		if !ok {
			return nil, nil
		}
		return fn()
	}
}

func TestRunAutonomousLoopIsolatesChannelFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, events := f.bus.Subscribe(4)
	l := loop.New(analyst(map[channel.Channel]func() ([]agent.Proposal, error){
		channel.Amazon: func() ([]agent.Proposal, error) { return proposals("a", "b"), nil },
		channel.Shopee: func() ([]agent.Proposal, error) { return nil, errors.New("shopee api down") },
	}), f.manager, f.audit, f.bus)

	res, err := l.RunAutonomousLoop(ctx, admin, []channel.Channel{channel.Amazon, channel.Shopee}, loop.TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 2, res.TotalTasks)
	require.Contains(t, res.PerChannel, channel.Shopee)
	assert.Contains(t, res.PerChannel[channel.Shopee].Error, "shopee api down")
	assert.False(t, res.PerChannel[channel.Shopee].HardFailure)
	assert.Equal(t, 2, res.PerChannel[channel.Amazon].TasksCreated)

	for _, id := range res.PerChannel[channel.Amazon].TaskIDs {
		got, err := f.tasks.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, task.StatusPending, got.Status)
		assert.False(t, got.AdminApproved)
		assert.Equal(t, task.SourceAIGenerated, got.Source)
		assert.Equal(t, "agent-amazon", got.CreatedBy)
	}

	entries, total, err := f.audit.List(ctx, res.ID, 10, 0)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, audit.ActionAutonomousLoopRun, entries[0].Action)
	assert.Equal(t, "manual", entries[0].Details["trigger"])

	var loopEvent *eventbus.Event
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-events:
				if ev.Type == eventbus.EventLoopCompleted {
					loopEvent = ev
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "2", loopEvent.Metadata["total_tasks"])
}

func TestRunAutonomousLoopRecoversPanics(t *testing.T) {
	f := newFixture(t)
	l := loop.New(analyst(map[channel.Channel]func() ([]agent.Proposal, error){
		channel.Walmart: func() ([]agent.Proposal, error) { panic("nil listing") },
		channel.Lazada:  func() ([]agent.Proposal, error) { return proposals("x"), nil },
	}), f.manager, f.audit, f.bus)

	res, err := l.RunAutonomousLoop(context.Background(), policy.System, nil, loop.TriggerScheduled)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.PerChannel, len(channel.All()))
	assert.Equal(t, 1, res.TotalTasks)
	assert.NotEmpty(t, res.PerChannel[channel.Walmart].Error)
	assert.Empty(t, res.PerChannel[channel.Amazon].Error)
}

func TestRunAutonomousLoopSkipsInvalidProposals(t *testing.T) {
	f := newFixture(t)
	bad := proposals("ok", "bad")
	bad[1].Priority = "extreme"
	l := loop.New(analyst(map[channel.Channel]func() ([]agent.Proposal, error){
		channel.Amazon: func() ([]agent.Proposal, error) { return bad, nil },
	}), f.manager, f.audit, f.bus)

	res, err := l.RunAutonomousLoop(context.Background(), admin, []channel.Channel{channel.Amazon}, loop.TriggerManual)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 1, res.TotalTasks)
	assert.Equal(t, 1, res.PerChannel[channel.Amazon].Skipped)
}

type failingCreator struct{}

func (failingCreator) CreateTask(context.Context, policy.Principal, task.CreateTaskRequest) (*task.Task, error) {
	return nil, cerr.NewError(cerr.Internal, "server error", errors.New("disk full"))
}

func TestRunAutonomousLoopHardFailure(t *testing.T) {
	f := newFixture(t)
	l := loop.New(analyst(map[channel.Channel]func() ([]agent.Proposal, error){
		channel.Amazon: func() ([]agent.Proposal, error) { return proposals("a"), nil },
	}), failingCreator{}, f.audit, f.bus)

	res, err := l.RunAutonomousLoop(context.Background(), admin, []channel.Channel{channel.Amazon, channel.Shopee}, loop.TriggerManual)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.True(t, res.PerChannel[channel.Amazon].HardFailure)
	assert.NotEmpty(t, res.Error)
	assert.Contains(t, loop.GenerateLoopSummary(res), "failed")
}

func TestGenerateLoopSummary(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	res := &loop.Result{
		Success:    true,
		TotalTasks: 3,
		Trigger:    loop.TriggerScheduled,
		StartedAt:  start,
		FinishedAt: start.Add(1500 * time.Millisecond),
		PerChannel: map[channel.Channel]*loop.ChannelResult{
			channel.Shopee: {Channel: channel.Shopee, Error: "analysis failed: timeout"},
			channel.Amazon: {Channel: channel.Amazon, TasksCreated: 3, Skipped: 1},
		},
	}
	want := "Autonomous loop (scheduled) succeeded: 3 tasks created across 2 channels in 1.5s\n" +
		"- amazon: 3 tasks created (1 skipped)\n" +
		"- shopee: error: analysis failed: timeout\n"
	assert.Equal(t, want, loop.GenerateLoopSummary(res))
	assert.Equal(t, "autonomous loop did not run", loop.GenerateLoopSummary(nil))
}

func TestRunAnalysisPlanCreatesNoTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	l := loop.New(analyst(map[channel.Channel]func() ([]agent.Proposal, error){
		channel.Amazon: func() ([]agent.Proposal, error) { return proposals("a", "b"), nil },
	}), f.manager, f.audit, f.bus)

	plan, err := l.RunAnalysisPlan(ctx, policy.System, []channel.Channel{channel.Amazon, channel.Lazada}, true)
	require.NoError(t, err)
	assert.Equal(t, loop.TriggerScheduled, plan.Trigger)
	require.Len(t, plan.Channels, 2)
	assert.Len(t, plan.Channels[0].Proposals, 2)

	all, err := f.tasks.ListAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	entries, _, err := f.audit.List(ctx, plan.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduled", entries[0].Details["trigger"])
}

func TestPhase1HandlerIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload, err := json.Marshal(orchestrator.Phase1Payload{
		Channel:   channel.Lazada,
		AgentID:   channel.Lazada.AgentID(),
		Proposals: proposals("a", "b", "c"),
	})
	require.NoError(t, err)
	job := &jobqueue.Job{ID: "JOB1", Kind: jobqueue.KindPhase1TaskCreation, Payload: string(payload)}
	handler := loop.Phase1Handler(f.manager)

	var reported []int
	report := func(p int) { reported = append(reported, p) }
	first, err := handler(ctx, job, report)
	require.NoError(t, err)
	assert.Equal(t, []int{33, 66, 100}, reported)

	second, err := handler(ctx, job, report)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	all, err := f.tasks.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, []string{"JOB1-000", "JOB1-001", "JOB1-002"}, first.(loop.Phase1Result).TaskIDs)
}

func TestPhase1HandlerRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	handler := loop.Phase1Handler(f.manager)
	_, err := handler(context.Background(), &jobqueue.Job{ID: "J", Payload: `{"channel":"etsy"}`}, func(int) {})
	assert.Error(t, err)
	_, err = handler(context.Background(), &jobqueue.Job{ID: "J", Payload: `not json`}, func(int) {})
	assert.Error(t, err)
}

func TestSchedulerRunsAndStops(t *testing.T) {
	f := newFixture(t)
	l := loop.New(agent.Idle, f.manager, f.audit, f.bus)
	s := loop.NewScheduler(l, 10*time.Millisecond)
	s.Start(context.Background())
	s.Start(context.Background())

	require.Eventually(t, func() bool {
		_, total, err := f.audit.List(context.Background(), "", 100, 0)
		return err == nil && total >= 2
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	loop.NewScheduler(l, 0).Start(context.Background())
}

func TestServerAuthorization(t *testing.T) {
	f := newFixture(t)
	l := loop.New(agent.Idle, f.manager, f.audit, f.bus)

	call := func(p policy.Principal, body string) *httptest.ResponseRecorder {
		r := chi.NewRouter()
		r.Use(cerr.NewJSONResponseMiddleware())
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(policy.ContextWithPrincipal(req.Context(), p)))
			})
		})
		loop.NewServer(l, policy.NewChecker()).Routes(r)
		req := httptest.NewRequest(http.MethodPost, "/loop/run", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusUnauthorized, call(policy.Principal{}, "").Code)
	assert.Equal(t, http.StatusForbidden, call(policy.Principal{ID: "bob", Roles: []policy.Role{policy.RoleExecutor}}, "").Code)
	assert.Equal(t, http.StatusBadRequest, call(admin, `{"channels":["etsy"]}`).Code)

	rec := call(policy.System, `{"channels":["amazon"]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp loop.RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, loop.TriggerScheduled, resp.Result.Trigger)
	assert.True(t, resp.Result.Success)
}

func TestRunWithoutChannelsUsesDefaults(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	enabled := func() []channel.Channel { return []channel.Channel{channel.Amazon, channel.Shopee} }
	l := loop.New(analyst(map[channel.Channel]func() ([]agent.Proposal, error){
		channel.Amazon: func() ([]agent.Proposal, error) { return proposals("a"), nil },
	}), f.manager, f.audit, f.bus, loop.WithDefaultChannels(enabled))

	res, err := l.RunAutonomousLoop(ctx, admin, nil, loop.TriggerManual)
	require.NoError(t, err)
	assert.Len(t, res.PerChannel, 2)
	assert.NotContains(t, res.PerChannel, channel.Walmart)

	plan, err := l.RunAnalysisPlan(ctx, admin, nil, false)
	require.NoError(t, err)
	assert.Len(t, plan.Channels, 2)
}
