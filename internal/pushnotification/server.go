package pushnotification

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/nexo-labs/nexo/internal/config"
	"github.com/nexo-labs/nexo/internal/policy"
	"github.com/nexo-labs/nexo/internal/pushsubscription"
	"github.com/nexo-labs/nexo/pkg/cerr"
)

type Server struct {
	vapidEnv *config.VAPIDEnv
	repo     pushsubscription.Repository
	checker  policy.Checker
	now      func() time.Time
}

func NewServer(vapidEnv *config.VAPIDEnv, repo pushsubscription.Repository, checker policy.Checker) *Server {
	return &Server{
		vapidEnv: vapidEnv,
		repo:     repo,
		checker:  checker,
		now:      time.Now,
	}
}

func (s *Server) Routes(r chi.Router) {
	r.Route("/push", func(r chi.Router) {
		r.Get("/vapid-public-key", s.GetVapidPublicKey)
		r.Post("/subscriptions", s.RegisterPushSubscription)
		r.Delete("/subscriptions", s.UnregisterPushSubscription)
	})
}

type SubscriptionRequest struct {
	Endpoint  string `json:"endpoint"`
	P256dhKey string `json:"p256dh_key"`
	AuthKey   string `json:"auth_key"`
}

type SubscriptionResponse struct {
	ID       string `json:"id"`
	Endpoint string `json:"endpoint"`
}

type VapidPublicKeyResponse struct {
	PublicKey string `json:"public_key"`
}

func (s *Server) authorize(r *http.Request) (policy.Principal, error) {
	actor := policy.PrincipalFromContext(r.Context())
	return actor, s.checker.Check(actor, policy.OpSubscribePush, policy.Resource{})
}

func (s *Server) GetVapidPublicKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.authorize(r); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if s.vapidEnv.VAPIDPublicKey == "" {
		cerr.SetJSONError(ctx, cerr.NewError(cerr.FailedPrecondition, "VAPID keys not configured", nil))
		return
	}
	cerr.SetJSONResponse(ctx, VapidPublicKeyResponse{PublicKey: s.vapidEnv.VAPIDPublicKey})
}

func (s *Server) RegisterPushSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	actor, err := s.authorize(r)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req SubscriptionRequest
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := req.validate(); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}

	// Re-registering an endpoint refreshes its keys.
	existing, err := s.repo.FindByEndpoint(ctx, req.Endpoint)
	switch {
	case err == nil:
		existing.UserID = actor.ID
		existing.P256dhKey = req.P256dhKey
		existing.AuthKey = req.AuthKey
		existing.UpdatedAt = s.now()
		if err := s.repo.Update(ctx, existing); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
		cerr.SetJSONResponse(ctx, SubscriptionResponse{ID: existing.ID, Endpoint: existing.Endpoint})
		return
	case !cerr.IsCode(err, cerr.NotFound):
		cerr.SetJSONError(ctx, err)
		return
	}

	now := s.now()
	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		UserID:    actor.ID,
		Endpoint:  req.Endpoint,
		P256dhKey: req.P256dhKey,
		AuthKey:   req.AuthKey,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, SubscriptionResponse{ID: sub.ID, Endpoint: sub.Endpoint})
}

func (s *Server) UnregisterPushSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := s.authorize(r); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	var req SubscriptionRequest
	if err := cerr.DecodeJSON(r, &req); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if req.Endpoint == "" {
		cerr.SetJSONError(ctx, cerr.Validation("endpoint is required").AddDetailMessageWithCode("endpoint must not be empty", "endpoint.required"))
		return
	}
	sub, err := s.repo.FindByEndpoint(ctx, req.Endpoint)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.repo.Delete(ctx, sub.ID); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, SubscriptionResponse{ID: sub.ID, Endpoint: sub.Endpoint})
}

func (r *SubscriptionRequest) validate() error {
	var verr *cerr.Error
	add := func(msg, rule string) {
		if verr == nil {
			verr = cerr.Validation("invalid push subscription")
		}
		verr.AddDetailMessageWithCode(msg, rule)
	}
	if !strings.HasPrefix(r.Endpoint, "https://") {
		add("endpoint must be an https URL", "endpoint.https")
	}
	if r.P256dhKey == "" {
		add("p256dh_key is required", "p256dh_key.required")
	}
	if r.AuthKey == "" {
		add("auth_key is required", "auth_key.required")
	}
	if verr == nil {
		return nil
	}
	return verr
}
