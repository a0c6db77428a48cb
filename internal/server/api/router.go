package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/auth"
	"github.com/canonical/testflinger/internal/server/metrics"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/secrets"
	"github.com/canonical/testflinger/internal/server/storage"
	"github.com/canonical/testflinger/internal/types"
)

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	AuthService *auth.Service
	Logger      *zap.Logger

	// Repositories — used directly by handlers that do not need service-layer logic.
	Jobs        repositories.JobRepository
	Fragments   repositories.FragmentRepository
	Agents      repositories.AgentRepository
	Queues      repositories.QueueRepository
	Permissions repositories.PermissionRepository

	// Objects is the blob store for attachments and artifacts.
	Objects *storage.ObjectStore

	// SecretStore may be nil; submitting jobs that reference secrets then
	// fails with a clear message instead of dispatching empty values.
	SecretStore secrets.Store

	// WebhookTimeout bounds the status-webhook proxy call. Zero selects the
	// default.
	WebhookTimeout time.Duration
}

// NewRouter builds and returns the fully configured Chi router. All API
// routes are registered under /v1; the Prometheus endpoint and the liveness
// probe live at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// --- Global middleware ---
	// RequestID generates a unique ID for each request, used in logs and
	// response headers for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and latency.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	// --- Initialize handlers ---
	authHandler := NewAuthHandler(cfg.AuthService, cfg.Logger)
	jobHandler := NewJobHandler(cfg.Jobs, cfg.Queues, cfg.Objects, cfg.SecretStore, cfg.WebhookTimeout, cfg.Logger)
	resultHandler := NewResultHandler(cfg.Jobs, cfg.Fragments, cfg.Objects, cfg.Logger)
	agentHandler := NewAgentHandler(cfg.Agents, cfg.Queues, cfg.Logger)
	queueHandler := NewQueueHandler(cfg.Jobs, cfg.Agents, cfg.Queues, cfg.Logger)
	adminHandler := NewAdminHandler(cfg.Permissions, cfg.Queues, cfg.SecretStore, cfg.Logger)

	// jwtMgr is used by the Authenticate middleware to validate Bearer tokens.
	jwtMgr := cfg.AuthService.JWTManager()

	// Liveness probe. Agents poll this while waiting for the server to come
	// up, so it must answer without touching the database.
	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		Text(w, http.StatusOK, "Testflinger server")
	})

	// Prometheus scrape endpoint.
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Authentication is optional on most routes: anonymous callers can
		// submit and poll unrestricted work. Handlers that need claims pull
		// them from the request context.
		r.Use(Authenticate(jwtMgr))

		// Auth
		r.Post("/oauth2/token", authHandler.Token)
		r.Post("/oauth2/refresh", authHandler.Refresh)
		r.Post("/oauth2/revoke", authHandler.Revoke)

		// Jobs
		r.Post("/job", jobHandler.Submit)
		r.Get("/job", jobHandler.Pop)
		r.Get("/job/search", jobHandler.Search)
		r.Get("/job/{id}", jobHandler.Get)
		r.Get("/job/{id}/attachments", jobHandler.DownloadAttachments)
		r.Post("/job/{id}/attachments", jobHandler.UploadAttachments)
		r.Post("/job/{id}/action", jobHandler.Action)
		r.Get("/job/{id}/position", jobHandler.Position)
		r.Post("/job/{id}/events", jobHandler.Events)

		// Results
		r.Post("/result/{id}", resultHandler.Post)
		r.Get("/result/{id}", resultHandler.Get)
		r.Post("/result/{id}/artifact", resultHandler.PostArtifact)
		r.Get("/result/{id}/artifact", resultHandler.GetArtifact)
		r.Post("/result/{id}/log/{log_type}", resultHandler.PostLog)
		r.Get("/result/{id}/log/{log_type}", resultHandler.GetLog)

		// Deprecated raw-text log routes, kept for older agents.
		r.Post("/result/{id}/output", resultHandler.PostOutput)
		r.Get("/result/{id}/output", resultHandler.GetOutput)
		r.Post("/result/{id}/serial_output", resultHandler.PostSerialOutput)
		r.Get("/result/{id}/serial_output", resultHandler.GetSerialOutput)

		// Agents
		r.Get("/agents/data", agentHandler.ListData)
		r.Get("/agents/data/{name}", agentHandler.GetData)
		r.Post("/agents/data/{name}", agentHandler.PostData)
		r.Post("/agents/provision_logs/{name}", agentHandler.PostProvisionLog)
		r.Get("/agents/provision_logs/{name}", agentHandler.GetProvisionLogs)
		r.Get("/agents/queues", agentHandler.ListQueues)
		r.Post("/agents/queues", agentHandler.PostQueues)
		r.Post("/agents/images", agentHandler.PostImages)
		r.Get("/agents/images/{queue}", agentHandler.GetImages)

		// Queues
		r.Get("/queues/wait_times", queueHandler.WaitTimes)
		r.Get("/queues/{name}/agents", queueHandler.Agents)
		r.Get("/queues/{name}/jobs", queueHandler.Jobs)

		// Client secrets — authorization is per-namespace, not role-based.
		r.Put("/secrets/{client_id}/*", adminHandler.PutSecret)
		r.Delete("/secrets/{client_id}/*", adminHandler.DeleteSecret)

		// --- Manager routes ---
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(types.RoleManager))

			r.Get("/restricted-queues", adminHandler.ListRestrictedQueues)
			r.Get("/restricted-queues/{name}", adminHandler.GetRestrictedQueue)

			r.Get("/client-permissions/{id}", adminHandler.GetClientPermissions)
			r.Put("/client-permissions/{id}", adminHandler.PutClientPermissions)
			r.Delete("/client-permissions/{id}", adminHandler.DeleteClientPermissions)
		})

		// --- Admin-only routes ---
		r.Group(func(r chi.Router) {
			r.Use(RequireRole(types.RoleAdmin))

			r.Post("/restricted-queues", adminHandler.SetRestrictedQueue)
			r.Delete("/restricted-queues/{name}", adminHandler.DeleteRestrictedQueue)
		})
	})

	return r
}
