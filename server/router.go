package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router for the login flow, profile and setup endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(a.Metrics.Middleware)
	if !a.Config.Server.DevMode {
		r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))
	}

	r.Get("/", a.handleStatus)
	r.Get("/login", a.handleLogin)
	r.Get("/callback", a.handleCallback)
	r.Get("/logout", a.handleLogout)
	r.Post("/logout", a.handleLogout)

	r.Get("/profile", a.handleProfile)
	r.Patch("/profile", a.handleProfileUpdate)

	// Setup registers the login and Management API providers. It is gated by
	// auth.setup_token, or open in dev mode when no token is configured.
	r.Route("/setup", func(r chi.Router) {
		r.Use(SetupGuard(a.Config.Auth.SetupToken, a.Config.Server.DevMode, a.Logger))
		r.Post("/provider", a.handleSetupProvider)
		r.Post("/api", a.handleSetupAPI)
	})

	r.Get("/healthz", a.handleHealth)
	r.Method(http.MethodGet, "/metrics", a.Metrics.Handler())

	return r
}
