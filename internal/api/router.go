package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/relaygate/relaygate/internal/admission"
	"github.com/relaygate/relaygate/internal/api/handlers"
	"github.com/relaygate/relaygate/internal/api/middleware"
	"github.com/relaygate/relaygate/internal/config"
	"github.com/relaygate/relaygate/pkg/models"
)

// NewRouter creates the HTTP router with all gateway routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers, adm *admission.Controller) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.ClientContext)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Country", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/version", versionHandler(cfg))

	// Real-time relay entry. Frame-level admission happens inside the
	// orchestrator; the upgrade itself rides the lenient read class.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Admission(adm, models.ClassRead))
		r.Get("/ws", h.ServeWS)
	})

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Admission(adm, models.ClassChat))
			r.Post("/chat/completions", h.ChatCompletions)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Admission(adm, models.ClassRead))
			r.Get("/conversations/{conversationID}/messages", h.ListMessages)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "relaygate",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "relaygate",
		})
	}
}
