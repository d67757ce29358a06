package internal

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"connectrpc.com/grpchealth"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/nexo-labs/nexo/internal/config"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/clog"
)

// RouteRegistrar is implemented by every domain server.
type RouteRegistrar interface {
	Routes(r chi.Router)
}

type Server struct {
	server     *http.Server
	env        *config.Env
	gatherer   prometheus.Gatherer
	tokens     map[string]policy.Principal
	cronSecret string
	registrars []RouteRegistrar
}

func NewServer(env *config.Env, gatherer prometheus.Gatherer, registrars ...RouteRegistrar) *Server {
	tokens := make(map[string]policy.Principal)
	for token, tp := range env.Tokens() {
		p := policy.Principal{ID: tp.UserID}
		for _, r := range tp.Roles {
			p.Roles = append(p.Roles, policy.Role(r))
		}
		tokens[token] = p
	}
	return &Server{
		env:        env,
		gatherer:   gatherer,
		tokens:     tokens,
		cronSecret: config.LoopEnvFromEnv(env).CronSecret,
		registrars: registrars,
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseMiddleware(),
			s.authMiddleware,
		)
		for _, reg := range s.registrars {
			reg.Routes(r)
		}
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	mux.Handle(grpchealth.NewHandler(grpchealth.NewStaticChecker()))

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(mux), &http2.Server{})
}

// ListenAndServe uses ctx as the base context of every request.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// authMiddleware resolves the bearer token to a principal. Requests without
// a token continue anonymously and are rejected by the policy check; the
// cron secret authenticates as the system principal.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		token := r.Header.Get("X-Cron-Secret")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}
		p, ok := s.principal(token)
		if !ok {
			cerr.SetNewJSONError(ctx, cerr.Unauthenticated, "invalid token", nil)
			return
		}
		clog.AddAttribute(ctx, "principal", p.ID)
		next.ServeHTTP(w, r.WithContext(policy.ContextWithPrincipal(ctx, p)))
	})
}

func (s *Server) principal(token string) (policy.Principal, bool) {
	if s.cronSecret != "" && subtle.ConstantTimeCompare([]byte(token), []byte(s.cronSecret)) == 1 {
		return policy.System, true
	}
	p, ok := s.tokens[token]
	return p, ok
}
