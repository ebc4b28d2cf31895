package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/localplatform/backup-server/internal/agentregistry"
	"github.com/localplatform/backup-server/internal/metrics"
)

// RouterConfig carries every handler the router wires together. Built once
// at startup by cmd/controller.
type RouterConfig struct {
	Servers  *ServerHandler
	Jobs     *JobHandler
	Storage  *StorageHandler
	Versions *VersionHandler
	Uploads  *UploadHandler
	Agent    *AgentHandler
	UI       *UIHandler
	Agents   *agentregistry.Registry
	Logger   *zap.Logger
}

// NewRouter assembles the full chi router: the REST API under /api/v1, the
// UI WebSocket at /ws/ui, the agent WebSocket at /ws/agent, /metrics and
// /healthz. Middleware order follows chi's convention — RequestID and
// RealIP first so they're available to every downstream layer, Recoverer
// before the request logger so panics still get logged, then the logger
// itself.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(RequestLogger(cfg.Logger))

	r.Get("/healthz", healthz)
	r.Handle("/metrics", metrics.Handler())

	r.Get("/ws/agent", cfg.Agents.ServeHTTP)
	r.Get("/ws/ui", cfg.UI.Stream)

	r.Post("/api/files/upload", cfg.Uploads.Upload)

	r.Route("/api/v1", func(api chi.Router) {
		api.Route("/servers", func(s chi.Router) {
			s.Get("/", cfg.Servers.List)
			s.Post("/", cfg.Servers.Create)
			s.Get("/ping-status", cfg.Servers.PingStatus)
			s.Get("/{id}", cfg.Servers.GetByID)
			s.Put("/{id}", cfg.Servers.Update)
			s.Delete("/{id}", cfg.Servers.Delete)
			s.Get("/{id}/explore", cfg.Servers.Explore)
		})

		api.Route("/jobs", func(j chi.Router) {
			j.Get("/", cfg.Jobs.List)
			j.Post("/", cfg.Jobs.Create)
			j.Get("/{id}", cfg.Jobs.GetByID)
			j.Put("/{id}", cfg.Jobs.Update)
			j.Delete("/{id}", cfg.Jobs.Delete)
			j.Post("/{id}/run", cfg.Jobs.Run)
			j.Post("/{id}/cancel", cfg.Jobs.Cancel)
			j.Get("/{id}/logs", cfg.Jobs.GetLogs)
		})

		api.Route("/versions", func(v chi.Router) {
			v.Get("/", cfg.Versions.List)
			v.Get("/{id}", cfg.Versions.GetByID)
			v.Delete("/{id}", cfg.Versions.Delete)
			v.Delete("/by-job/{jobId}", cfg.Versions.DeleteByJob)
			v.Delete("/by-server/{serverId}", cfg.Versions.DeleteByServer)
		})

		api.Route("/storage", func(st chi.Router) {
			st.Get("/settings", cfg.Storage.GetSettings)
			st.Put("/settings", cfg.Storage.PutSettings)
			st.Get("/browse", cfg.Storage.Browse)
			st.Get("/browse-version", cfg.Storage.BrowseVersion)
			st.Get("/disk-usage", cfg.Storage.DiskUsage)
			st.Get("/hierarchy", cfg.Storage.Hierarchy)
		})

		api.Route("/agent", func(a chi.Router) {
			a.Post("/update/{serverId}", cfg.Agent.Update)
			a.Get("/binary", cfg.Agent.Binary)
		})
	})

	return r
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
