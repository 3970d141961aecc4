// Package oauth2router implementa el Router por auth method: un
// chi.Router montado por el Dispatcher bajo /{authMethodId} que expone
// /api/:apiId/authorize, /api/:apiId/token, /login, /register,
// /selectnamespace, /grant, /verify*, /forgotpassword y el Grant Manager
// montado en /grants. El split controlador/servicio del stack de
// referencia se simplifica a un controlador por operación que delega en
// el Flow Orchestrator; no hay una capa de servicio intermedia porque
// toda la lógica de negocio ya vive en internal/flow.
package oauth2router

import (
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/flow"
	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/grants"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/profilestore"
	"github.com/authzrelay/authzrelay/internal/rate"
	"github.com/authzrelay/authzrelay/internal/session"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Deps son las dependencias que el Dispatcher inyecta por auth method.
type Deps struct {
	AuthMethodID string
	Provider     idp.Provider
	Orchestrator *flow.Orchestrator
	Gateway      *gateway.Client
	Portal       *portal.Client
	Profiles     *profilestore.Store
	Sessions     *session.Store
	RateLimit    rate.Limiter
}

// New construye el chi.Router de un auth method.
func New(d Deps) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(securityHeaders)
	r.Use(requestLogging(d.AuthMethodID))
	if d.RateLimit != nil {
		r.Use(rateLimited(d.RateLimit))
	}

	c := &controller{d: d}

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		globalErrorHandler(req.Context(), w, httperr.ErrNotFound.WithDetail("ruta inexistente en este auth method"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		globalErrorHandler(req.Context(), w, httperr.ErrBadRequest.WithDetail("método no permitido"))
	})

	r.Get("/api/{apiId}/authorize", c.handleAuthorize)
	r.Post("/api/{apiId}/token", c.handleToken)

	r.Get("/login", c.handlePlainLogin)

	r.Group(func(r chi.Router) {
		r.Use(requireCSRF(d.Sessions, d.AuthMethodID))
		r.Post("/register", c.handleRegister)
		r.Post("/selectnamespace", c.handleSelectNamespace)
		r.Post("/grant", c.handleGrant)
		r.Post("/verify", c.handleVerifyPost)
		r.Post("/verifyemail", c.handleVerifyEmailPost)
	})

	r.Get("/verify/{id}", c.handleVerifyGet)
	r.Get("/verifyemail", c.handleVerifyEmailGet)

	r.Get("/forgotpassword", c.handleForgotPasswordGet)
	r.Post("/forgotpassword", c.handleForgotPasswordPost)

	r.Get("/profile", c.handleProfile)
	r.Get("/logout", c.handleLogout)
	r.Get("/failure", c.handleFailure)

	for _, ep := range d.Provider.Endpoints() {
		r.Method(ep.Method, ep.Pattern, c.wrapIdPEndpoint(ep.Handler))
	}

	r.Mount("/grants", grants.NewRouter(grants.Deps{
		AuthMethodID: d.AuthMethodID,
		Portal:       d.Portal,
		Sessions:     d.Sessions,
	}))

	return r
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "same-origin")
		next.ServeHTTP(w, r)
	})
}

func rateLimited(rl rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-Forwarded-For")
			if key == "" {
				key = r.RemoteAddr
			}
			result, err := rl.Allow(r.Context(), key)
			if err == nil && !result.Allowed {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requestLogging registra método/path/status/duración junto con el request
// id que middleware.RequestID dejó antes en el contexto; no se cuelga un
// logger propio en el contexto, así que logger.From usa el singleton.
func requestLogging(authMethodID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logAccess(r.Context(), authMethodID, r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}
