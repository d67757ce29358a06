package orchestrator

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Server struct {
	orchestrator *Orchestrator
	checker      policy.Checker
}

func NewServer(o *Orchestrator, checker policy.Checker) *Server {
	return &Server{orchestrator: o, checker: checker}
}

func (s *Server) Routes(r chi.Router) {
	r.Post("/orchestration/activate", s.ActivateOrchestration)
	r.Get("/agents/status", s.GetAgentsStatus)
	r.Get("/reports/orchestrator", s.GenerateReport)
}

type ActivateRequest struct {
	Channels []string `json:"channels"`
}

type AgentsStatusResponse struct {
	Agents []AgentStatus `json:"agents"`
}

func (s *Server) ActivateOrchestration(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor := policy.PrincipalFromContext(ctx)
	if err := s.checker.Check(actor, policy.OpActivateOrchestration, policy.Resource{}); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req ActivateRequest
	if r.ContentLength != 0 {
		if err := cerr.DecodeJSON(r, &req); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	channels, err := channel.ParseList(req.Channels)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	plan, err := s.orchestrator.ActivateOrchestration(ctx, actor, channels)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, plan)
}

func (s *Server) GetAgentsStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.checker.Check(policy.PrincipalFromContext(ctx), policy.OpReadMetrics, policy.Resource{}); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	agents, err := s.orchestrator.GetAgentsStatus(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, AgentsStatusResponse{Agents: agents})
}

func (s *Server) GenerateReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.checker.Check(policy.PrincipalFromContext(ctx), policy.OpReadMetrics, policy.Resource{}); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	report, err := s.orchestrator.GenerateReport(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, report)
}
