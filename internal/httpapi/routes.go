package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quizwire/live-backend/internal/registry"
	"github.com/quizwire/live-backend/internal/store"
	"github.com/quizwire/live-backend/internal/ws"
)

func SetupRoutes(reg *registry.Registry, st store.Store, auth store.Auth, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/ws", ws.Handler(reg, auth, log))
	r.Post("/events/{eventID}/run/start", StartRun(st, auth, reg, log))
	r.Post("/events/{eventID}/run/grace", SetGrace(st, auth, reg, log))
	return r
}
