package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/registry"
	"github.com/quizwire/live-backend/internal/store"
)

// StartRun flips the run to in_progress and pokes the registry so a live
// session reloads its cache instead of serving the stale row.
func StartRun(st store.Store, auth store.Auth, reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID, ok := authorizedEvent(w, r, auth)
		if !ok {
			return
		}
		if err := st.SetRunStatus(r.Context(), eventID, store.RunInProgress); err != nil {
			log.Error("start run", zap.Uint("event_id", eventID), zap.Error(err))
			http.Error(w, "failed to start run", http.StatusInternalServerError)
			return
		}
		reg.InvalidateRun(eventID)
		w.WriteHeader(http.StatusNoContent)
	}
}

// SetGrace updates the late-answer acceptance window for a run.
func SetGrace(st store.Store, auth store.Auth, reg *registry.Registry, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID, ok := authorizedEvent(w, r, auth)
		if !ok {
			return
		}
		var body struct {
			GracePeriod int `json:"gracePeriod"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.GracePeriod < 0 {
			http.Error(w, "gracePeriod must be a non-negative integer", http.StatusBadRequest)
			return
		}
		if err := st.SetRunGrace(r.Context(), eventID, body.GracePeriod); err != nil {
			log.Error("set grace period", zap.Uint("event_id", eventID), zap.Error(err))
			http.Error(w, "failed to update grace period", http.StatusInternalServerError)
			return
		}
		reg.InvalidateRun(eventID)
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func authorizedEvent(w http.ResponseWriter, r *http.Request, auth store.Auth) (uint, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "eventID"), 10, 32)
	if err != nil || id == 0 {
		http.Error(w, "bad event id", http.StatusBadRequest)
		return 0, false
	}
	eventID := uint(id)
	ok, err := auth.AuthorizeHost(r.Context(), r.URL.Query().Get("token"), eventID)
	if err != nil {
		http.Error(w, "authorization failed", http.StatusInternalServerError)
		return 0, false
	}
	if !ok {
		http.Error(w, "not authorized for this event", http.StatusForbidden)
		return 0, false
	}
	return eventID, true
}
