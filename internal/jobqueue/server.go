package jobqueue

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Server struct {
	queue   *Queue
	checker policy.Checker
}

func NewServer(queue *Queue, checker policy.Checker) *Server {
	return &Server{queue: queue, checker: checker}
}

func (s *Server) Routes(r chi.Router) {
	r.Get("/jobs/{id}", s.GetJobStatus)
}

// GetJobStatus answers with the HTTP code of the job's state: 200 once
// completed, 500 once failed and 202 while in flight.
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.checker.Check(policy.PrincipalFromContext(ctx), policy.OpPollJob, policy.Resource{}); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	id := chi.URLParam(r, "id")
	st, ok, err := s.queue.GetJobStatus(ctx, id)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if !ok {
		cerr.SetJSONError(ctx, cerr.NotFoundf("job %s not found", id))
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, st.HTTPCode, st)
}
