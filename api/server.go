/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route
  definitions. This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. CORS:       Cross-origin requests for the app frontend

ROUTE GROUPS:
  /api/session/*       The active edit session (the engine's public API)
  /api/transactions    Saved transaction catalog
  /api/credits/*       Credit balance
  /api/admin/*         Administrative reset (sign-out)

SECURITY NOTE:
  No authentication middleware currently. Single-user deployment; all
  endpoints are local.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		// The active edit session
		r.Route("/session", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Post("/new", h.StartNew)
			r.Post("/open/{id}", h.StartExisting)
			r.Patch("/draft", h.UpdateDraft)
			r.Post("/image", h.AttachImage)
			r.Post("/scan", h.RequestScan)
			r.Post("/scan/result", h.ReportScanResult)
			r.Post("/scan/retry", h.RetryScan)
			r.Post("/form", h.OpenForm)
			r.Post("/save", h.Save)
			r.Post("/discard", h.Discard)
			r.Get("/guard", h.NavigationGuard)
		})

		// Saved transactions
		r.Get("/transactions", h.ListTransactions)

		// Credits
		r.Get("/credits/balance", h.GetBalance)

		// Admin
		r.Route("/admin", func(r chi.Router) {
			r.Post("/reset", h.Reset)
		})
	})

	return r
}
