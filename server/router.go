package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Routes constructs the HTTP router with the login, callback and logout endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge))

	r.Get(loginPath, a.handleLoginPage)
	r.Post(loginPath, a.handleLoginSubmit)
	r.Get(a.Config.Auth.CallbackPath, a.handleCallback)
	r.Get(logoutPath, a.handleLogout)
	r.Post(logoutPath, a.handleLogout)

	r.Get("/", a.handleHome)
	r.Get("/admin", a.handleAdmin)
	r.Get("/healthz", a.handleHealthz)

	if a.DevPool != nil {
		r.Mount(devPoolMount, a.DevPool.Routes())
	}

	return r
}
