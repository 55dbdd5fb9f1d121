package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/vetohub/veto-backend/internal/live"
	"github.com/vetohub/veto-backend/internal/session"
	"github.com/vetohub/veto-backend/internal/sweeper"
	"github.com/vetohub/veto-backend/internal/ws"
)

func SetupRoutes(svc *session.Service, sw *sweeper.Sweeper, reg *live.Registry) http.Handler {
	r := chi.NewRouter()

	r.Post("/sessions/{id}/open", OpenSession(svc))
	r.Post("/sessions/{id}/start", StartSession(svc))
	r.Post("/sessions/{id}/pause", PauseSession(svc))
	r.Post("/sessions/{id}/resume", ResumeSession(svc))
	r.Get("/sessions/{id}", GetSessionState(svc))
	r.Get("/sessions/{id}/audit", ListAuditLog(svc))
	r.Post("/actions", SubmitAction(svc))

	r.Post("/sweeps/expire", ExpireStaleSessions(sw))
	r.Post("/sweeps/clear-ips", ClearCompletedSessionIPs(sw))
	r.Post("/sweeps/reclaim-assets", ReclaimOrphanedAssets(sw))

	r.Get("/ws", ws.Handler(svc, reg))
	r.Get("/healthz", Healthz)
	return r
}
