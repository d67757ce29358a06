package monitor

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nexo-labs/nexo/internal/channel"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Server struct {
	monitor *Monitor
	checker policy.Checker
}

func NewServer(m *Monitor, checker policy.Checker) *Server {
	return &Server{monitor: m, checker: checker}
}

func (s *Server) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(s.requireMetricsReader)
		r.Get("/metrics/system", s.GetSystemMetrics)
		r.Get("/metrics/agents/{id}", s.GetAgentMetrics)
		r.Get("/metrics/channels/{channel}", s.GetChannelPerformance)
		r.Get("/reports/performance", s.GeneratePerformanceReport)
	})
}

func (s *Server) requireMetricsReader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if err := s.checker.Check(policy.PrincipalFromContext(ctx), policy.OpReadMetrics, policy.Resource{}); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func windowParam(r *http.Request) (time.Duration, error) {
	v := r.URL.Query().Get("window")
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, cerr.Validation("invalid window").AddDetailMessageWithCode("window must be a non-negative duration such as 24h", "window.duration")
	}
	return d, nil
}

func (s *Server) GetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	m, err := s.monitor.GetSystemMetrics(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, m)
}

func (s *Server) GetAgentMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	window, err := windowParam(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	m, err := s.monitor.GetAgentMetrics(ctx, chi.URLParam(r, "id"), window)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, m)
}

func (s *Server) GetChannelPerformance(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ch, err := channel.Parse(chi.URLParam(r, "channel"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	window, err := windowParam(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	p, err := s.monitor.GetChannelPerformance(ctx, ch, window)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, p)
}

func (s *Server) GeneratePerformanceReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := s.monitor.GeneratePerformanceReport(ctx)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, report)
}
