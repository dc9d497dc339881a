package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func Router(h *Handler, log zerolog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	r.Get("/v1/health", h.Health)

	r.Get("/v1/trigger/status", h.TriggerStatus)
	r.Post("/v1/trigger/start", h.TriggerStart)
	r.Post("/v1/trigger/stop", h.TriggerStop)

	r.Get("/v1/messages", h.ListMessages)

	r.Get("/v1/mailings/stats", h.AllMailingStats)
	r.Get("/v1/mailings/{id}/stats", h.MailingStats)
	r.Post("/v1/mailings/{id}/activate", h.ActivateMailing)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("automatic-mailing"))
	})

	return r
}
