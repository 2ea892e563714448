// Package server implements C14: the HTTP transport layer for the Bodhi
// gateway. Generalizes gandalf's internal/server (chi.NewRouter(), Deps
// struct, r.Group/r.Route nesting, writeJSON/errorResponse helpers,
// statusWriterPool, securityHeaders, recovery, requestID, logging) from a
// multi-tenant LLM gateway's route table to spec.md 6's single-user
// surface: OAI-compatible chat, an Ollama-shaped mirror, alias/queue/
// modelfile/settings/token/access-request CRUD, and the OAuth login flow.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	bodhi "github.com/bodhiapp/bodhi/internal"
	"github.com/bodhiapp/bodhi/internal/alias"
	"github.com/bodhiapp/bodhi/internal/authn"
	"github.com/bodhiapp/bodhi/internal/hub"
	"github.com/bodhiapp/bodhi/internal/oauthflow"
	"github.com/bodhiapp/bodhi/internal/queue"
	"github.com/bodhiapp/bodhi/internal/router"
	"github.com/bodhiapp/bodhi/internal/secretstore"
	"github.com/bodhiapp/bodhi/internal/settings"
	"github.com/bodhiapp/bodhi/internal/storage"
	"github.com/bodhiapp/bodhi/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds every dependency the HTTP surface dispatches into. Unlike
// gandalf's Deps (Auth/Proxy/Providers/Router/Keys/Store), each field here
// is the already-built component for its own spec.md subsystem rather than
// a single do-everything Store, since bodhi's ledger is split across many
// narrow repository interfaces.
type Deps struct {
	Auth           *authn.Middleware
	Aliases        *alias.Resolver
	Router         *router.Router
	Queue          *queue.Queue
	Hub            hub.Cache
	Ledger         storage.Ledger
	Sessions       storage.SessionStore
	Settings       *settings.Service
	OAuth          *oauthflow.Service
	Secrets        *secretstore.Store
	Clock          storage.TimeService
	Metrics        *telemetry.Metrics // nil disables request metrics
	MetricsHandler http.Handler       // nil disables GET /metrics
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)
}

type server struct {
	deps Deps
}

// New builds the chi router for every route spec.md 6 names.
func New(deps Deps) http.Handler {
	if deps.Clock == nil {
		deps.Clock = storage.SystemTime{}
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if s.deps.Metrics != nil {
		r.Use(metricsMiddleware(s.deps.Metrics))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if s.deps.MetricsHandler != nil {
		r.Get("/metrics", s.deps.MetricsHandler.ServeHTTP)
	}

	// OAI-compatible chat, universal across every alias kind.
	r.Group(func(r chi.Router) {
		r.Use(s.deps.Auth.Required)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
	})

	// Ollama-shaped mirror routes.
	r.Group(func(r chi.Router) {
		r.Use(s.deps.Auth.Required)
		r.Get("/api/tags", s.handleOllamaTags)
		r.Post("/api/show", s.handleOllamaShow)
		r.Post("/api/chat", s.handleOllamaChat)
	})

	r.Route("/bodhi/v1", func(r chi.Router) {
		r.Use(s.deps.Auth.Optional)

		r.Post("/auth/initiate", s.handleAuthInitiate)
		r.Post("/auth/callback", s.handleAuthCallback)
		r.Post("/logout", s.handleLogout)

		r.Group(func(r chi.Router) {
			// spec.md 6 marks the whole /bodhi/v1 authenticated surface
			// "session" rather than "bearer/session": an API token or
			// bearer JWT authenticates chat/Ollama traffic only, never
			// the management UI's own API.
			r.Use(s.deps.Auth.Required)
			r.Use(requireSessionAuth)

			r.Get("/models", s.handleListAliases)
			r.Post("/models", s.handleCreateAlias)
			r.Get("/models/{id}", s.handleGetAlias)
			r.Put("/models/{id}", s.handleUpdateAlias)

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(bodhi.RolePowerUser))
				r.Post("/models/refresh", s.handleRefreshModels)
				r.Get("/queue", s.handleQueueStatus)
				r.Get("/modelfiles/pull", s.handleListPulls)
				r.Post("/modelfiles/pull", s.handleCreatePull)
				r.Get("/modelfiles/pull/{id}", s.handleGetPull)
			})

			r.Group(func(r chi.Router) {
				r.Use(s.requireRole(bodhi.RoleAdmin))
				r.Get("/settings", s.handleListSettings)
				r.Get("/settings/{key}", s.handleGetSetting)
				r.Put("/settings/{key}", s.handleUpdateSetting)
				r.Delete("/settings/{key}", s.handleResetSetting)

				r.Get("/access-requests", s.handleListAccessRequests)
				r.Get("/access-requests/{id}", s.handleGetAccessRequest)
				r.Post("/access-requests/{id}/approve", s.handleApproveAccessRequest)
				r.Post("/access-requests/{id}/deny", s.handleDenyAccessRequest)
			})

			r.Get("/tokens", s.handleListTokens)
			r.Post("/tokens", s.handleCreateToken)
			r.Put("/tokens/{id}", s.handleUpdateToken)
		})
	})

	return r
}
