// Package api exposes the engine's operational HTTP surface: campaign
// lifecycle actions, queue and quota visibility, and the public tracking
// endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cadencehq/cadence/internal/breaker"
	"github.com/cadencehq/cadence/internal/queue"
	"github.com/cadencehq/cadence/internal/quota"
	"github.com/cadencehq/cadence/internal/store"
	"github.com/cadencehq/cadence/internal/tracking"
	"github.com/cadencehq/cadence/internal/worker"
)

// Server is the operational HTTP server.
type Server struct {
	handlers *Handlers
	handler  http.Handler
	server   *http.Server
}

// NewServer wires the operational routes and the public tracking routes
// into one handler. tracker may be nil when tracking is disabled; the
// /t subtree is then not mounted.
func NewServer(st *store.Store, q *queue.Queue, ledger *quota.Ledger, br *breaker.Breaker, ctrl *worker.Controller, tracker *tracking.Service) *Server {
	handlers := &Handlers{
		store:      st,
		queue:      q,
		ledger:     ledger,
		breaker:    br,
		controller: ctrl,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/health", handlers.Health)

	r.Route("/api", func(r chi.Router) {
		r.Get("/queue", handlers.QueueCounts)
		r.Get("/queue/{category}/dead", handlers.DeadLetters)
		r.Get("/workers", handlers.Workers)

		r.Route("/senders/{senderID}", func(r chi.Router) {
			r.Get("/quota", handlers.QuotaSnapshot)
			r.Get("/breaker", handlers.BreakerState)
		})

		r.Route("/campaigns/{campaignID}", func(r chi.Router) {
			r.Get("/", handlers.GetCampaign)
			r.Post("/activate", handlers.Activate)
			r.Post("/pause", handlers.Pause)
			r.Post("/cancel", handlers.Cancel)
		})
	})

	if tracker != nil {
		r.Mount("/t", tracker.Routes())
	}

	return &Server{handlers: handlers, handler: r}
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.handler
}
