package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vetohub/veto-backend/internal/errs"
	"github.com/vetohub/veto-backend/internal/session"
	"github.com/vetohub/veto-backend/internal/store"
	"github.com/vetohub/veto-backend/internal/sweeper"
)

type errorResponse struct {
	Error string    `json:"error"`
	Code  errs.Code `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	code := errs.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case errs.CodeValidation:
		status = http.StatusBadRequest
	case errs.CodeNotFound:
		status = http.StatusNotFound
	case errs.CodeState:
		status = http.StatusUnprocessableEntity
	case errs.CodeConflict:
		status = http.StatusConflict
	case errs.CodeAuthorization:
		status = http.StatusUnauthorized
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code})
}

// adminActor attributes admin-initiated operations; authorization
// itself belongs to the whitelist collaborator in front of this API.
func adminActor(r *http.Request) session.Actor {
	return session.Actor{Type: store.ActorAdmin, ID: r.Header.Get("X-Admin-ID")}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

type openRequest struct {
	Players []struct {
		RoleLabel string `json:"role_label"`
		TeamName  string `json:"team_name"`
	} `json:"players"`
}

type openedPlayer struct {
	ID        string `json:"id"`
	Slot      int    `json:"slot"`
	RoleLabel string `json:"role_label"`
	TeamName  string `json:"team_name"`
	Token     string `json:"token"`
}

func OpenSession(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.Validation("malformed body"))
			return
		}
		specs := make([]session.PlayerSpec, 0, len(req.Players))
		for _, p := range req.Players {
			specs = append(specs, session.PlayerSpec{RoleLabel: p.RoleLabel, TeamName: p.TeamName})
		}
		players, err := svc.Open(r.Context(), chi.URLParam(r, "id"), specs, adminActor(r))
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]openedPlayer, 0, len(players))
		for _, p := range players {
			out = append(out, openedPlayer{ID: p.ID, Slot: p.Slot, RoleLabel: p.RoleLabel, TeamName: p.TeamName, Token: p.Token})
		}
		writeJSON(w, http.StatusCreated, map[string]any{"players": out})
	}
}

func StartSession(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Start(r.Context(), chi.URLParam(r, "id"), adminActor(r)); err != nil {
			writeError(w, err)
			return
		}
		view, err := svc.State(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func PauseSession(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Pause(r.Context(), chi.URLParam(r, "id"), adminActor(r)); err != nil {
			writeError(w, err)
			return
		}
		view, err := svc.State(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func ResumeSession(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Resume(r.Context(), chi.URLParam(r, "id"), adminActor(r)); err != nil {
			writeError(w, err)
			return
		}
		view, err := svc.State(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func SubmitAction(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, errs.Authorization("missing token"))
			return
		}
		var req session.ActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, errs.Validation("malformed body"))
			return
		}
		if adminID := r.Header.Get("X-Admin-ID"); adminID != "" {
			req.ByAdmin = true
			req.AdminID = adminID
		}
		view, err := svc.SubmitAction(r.Context(), token, req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

func GetSessionState(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.State(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, view)
	}
}

type auditEntry struct {
	ID        uint            `json:"id"`
	Action    string          `json:"action"`
	ActorType string          `json:"actor_type"`
	ActorID   string          `json:"actor_id,omitempty"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func ListAuditLog(svc *session.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		page := store.Page{
			Limit:  queryInt(r, "limit"),
			Offset: queryInt(r, "offset"),
		}
		entries, err := svc.AuditTrail(r.Context(), chi.URLParam(r, "id"), page)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]auditEntry, 0, len(entries))
		for _, e := range entries {
			item := auditEntry{
				ID:        e.ID,
				Action:    string(e.Action),
				ActorType: string(e.ActorType),
				Detail:    e.Detail,
				CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
			}
			if e.ActorID != nil {
				item.ActorID = *e.ActorID
			}
			out = append(out, item)
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

type sweepFunc func(r *http.Request) (int, error)

func runSweep(fn sweepFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := fn(r)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"affected": n})
	}
}

func ExpireStaleSessions(sw *sweeper.Sweeper) http.HandlerFunc {
	return runSweep(func(r *http.Request) (int, error) { return sw.ExpireStaleSessions(r.Context()) })
}

func ClearCompletedSessionIPs(sw *sweeper.Sweeper) http.HandlerFunc {
	return runSweep(func(r *http.Request) (int, error) { return sw.ClearCompletedSessionIPs(r.Context()) })
}

func ReclaimOrphanedAssets(sw *sweeper.Sweeper) http.HandlerFunc {
	return runSweep(func(r *http.Request) (int, error) { return sw.ReclaimOrphanedAssets(r.Context()) })
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func queryInt(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
