package loop

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Server struct {
	loop    *Loop
	checker policy.Checker
}

func NewServer(l *Loop, checker policy.Checker) *Server {
	return &Server{loop: l, checker: checker}
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/loop", func(r chi.Router) {
		r.Post("/run", s.RunAutonomousLoop)
		r.Post("/plan", s.RunAnalysisPlan)
	})
}

type RunRequest struct {
	Channels []string `json:"channels"`
}

type RunResponse struct {
	Result  *Result `json:"result"`
	Summary string  `json:"summary"`
}

// parse authorizes the caller and reads the optional channel list. Calls
// made with the cron secret arrive as the system principal and count as
// scheduled.
func (s *Server) parse(r *http.Request) (policy.Principal, []channel.Channel, bool, error) {
	actor := policy.PrincipalFromContext(r.Context())
	if err := s.checker.Check(actor, policy.OpRunLoop, policy.Resource{}); err != nil {
		return actor, nil, false, err
	}
	var req RunRequest
	if r.ContentLength != 0 {
		if err := cerr.DecodeJSON(r, &req); err != nil {
			return actor, nil, false, err
		}
	}
	channels, err := channel.ParseList(req.Channels)
	if err != nil {
		return actor, nil, false, err
	}
	return actor, channels, actor.ID == policy.System.ID, nil
}

func (s *Server) RunAutonomousLoop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, channels, scheduled, err := s.parse(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	res, err := s.loop.RunAutonomousLoop(ctx, actor, channels, TriggerOf(scheduled))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	cerr.SetJSONResponseWithStatus(ctx, status, RunResponse{Result: res, Summary: GenerateLoopSummary(res)})
}

func (s *Server) RunAnalysisPlan(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, channels, scheduled, err := s.parse(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	plan, err := s.loop.RunAnalysisPlan(ctx, actor, channels, scheduled)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, plan)
}
