// Package api exposes on-demand check-in triggers and history over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/pysugar/checkin-nexus/internal/api/handlers"
	"github.com/pysugar/checkin-nexus/internal/api/middleware"
	"gorm.io/gorm"
)

type Deps struct {
	// Base outlives requests; background cycles run under it.
	Base          context.Context
	DB            *gorm.DB
	Store         handlers.History
	Trigger       handlers.Trigger
	AdminPassword string
	Logger        *log.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		// Public
		r.Get("/health", handlers.HealthHandler())
		r.Get("/version", handlers.VersionHandler())

		// API key management (protected if an admin password is set)
		r.Group(func(r chi.Router) {
			r.Use(middleware.OptionalAdminAuth(d.AdminPassword))
			r.Get("/config/apikey", handlers.GetAPIKeyHandler(d.DB))
			r.Post("/config/apikey/regenerate", handlers.RegenerateAPIKeyHandler(d.DB, d.Logger))
		})

		// Triggers and history (API key required)
		r.Group(func(r chi.Router) {
			r.Use(middleware.APIKeyAuth(d.DB))
			r.Post("/checkin", handlers.CheckinAllHandler(d.Base, d.Trigger, d.Logger))
			r.Post("/checkin/{id}", handlers.CheckinAccountHandler(d.Trigger))
			r.Get("/accounts", handlers.AccountsHandler(d.Store))
			r.Get("/logs", handlers.LogsHandler(d.Store))
			r.Get("/stats", handlers.StatsHandler(d.Store))
			r.Get("/balance/{id}", handlers.BalanceHandler(d.Store))
		})
	})
	return r
}
