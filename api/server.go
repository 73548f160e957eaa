/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests from the report pages

ROUTE GROUPS:
  /api/reports/*        Analyze, process, export a report document
  /api/entitlements/*   Ticketing and history per entitlement
  /api/orders/*         Per-order status
  /api/batch/*          Cross-tab batch queue
  /api/settings         Settings panel
  /                     Endpoint index

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/reports", func(r chi.Router) {
			r.Post("/analyze", h.AnalyzeReport)
			r.Post("/process", h.ProcessReport)
			r.Post("/export", h.ExportReport)
		})

		r.Route("/entitlements/{id}", func(r chi.Router) {
			r.Post("/ticket", h.FileTicket)
			r.Post("/reset-history", h.ResetHistory)
			r.Get("/periods", h.GetPeriods)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/reset", h.ResetOrders)
			r.Get("/{id}/status", h.GetOrderStatus)
		})

		r.Route("/batch", func(r chi.Router) {
			r.Get("/", h.GetBatch)
			r.Post("/", h.StartBatch)
			r.Post("/complete", h.CompleteBatch)
			r.Post("/reset", h.ResetBatch)
		})

		r.Get("/ticket-submission", h.ConsumeTicketSubmission)
		r.Get("/settings", h.GetSettings)
		r.Put("/settings", h.UpdateSettings)
		r.Post("/selection/sum", h.SelectionSum)
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte(`<!DOCTYPE html>
<html>
<head><title>Maintenance Coverage Audit</title></head>
<body style="font-family: system-ui; max-width: 800px; margin: 50px auto; padding: 20px;">
<h1>Maintenance Coverage Audit API</h1>
<h2>API Endpoints</h2>
<ul>
<li>POST /api/reports/analyze - Analyze a report document</li>
<li>POST /api/reports/process - Analyze and file a ticket</li>
<li>POST /api/reports/export - Download the analysis as XLSX</li>
<li><a href="/api/batch">/api/batch</a> - Batch queue state</li>
<li><a href="/api/settings">/api/settings</a> - Settings</li>
</ul>
</body>
</html>`))
	})

	return r
}
