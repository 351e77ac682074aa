package admin

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin HTTP surface. extra handlers (e.g. the
// metrics endpoint) can be mounted on the returned mux by the caller.
func NewRouter(handlers *AdminHandlers) *http.ServeMux {
	r := chi.NewRouter()
	r.Use(requestLogger)
	r.Use(AuthMiddleware)

	r.Get("/health", handlers.handleHealth)
	r.Get("/stats", handlers.handleStats)

	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", handlers.handleListSessions)
		r.Get("/recent", handlers.handleRecentSessions)
		r.Post("/kill", handlers.handleKillSessions)
	})

	r.Post("/quiesce", handlers.handleQuiesce)

	mux := http.NewServeMux()
	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/*")
	return mux
}
