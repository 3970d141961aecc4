package oauth2router

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/observability/logger"
	"github.com/authzrelay/authzrelay/internal/session"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

func logAccess(ctx context.Context, authMethodID, method, path string, status int, d time.Duration) {
	logger.From(ctx).Info("request",
		logger.AuthMethodID(authMethodID),
		logger.Method(method),
		logger.Path(path),
		logger.Status(status),
		logger.Duration(d),
		zap.String("request_id", middleware.GetReqID(ctx)),
	)
}

// requireCSRF exige, para las continuaciones de estado POST /register,
// /selectnamespace y /grant, que el campo de formulario csrf_token coincida
// con el token de un solo uso guardado en la sesión (doble patrón: el
// stack de referencia usa cookie+header; aquí el token vive en la sesión
// del servidor porque estas rutas ya requieren una sesión activa).
func requireCSRF(sessions *session.Store, authMethodID string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sid, rec, ok := loadSessionFromRequest(r, sessions, authMethodID)
			if !ok {
				httperr.WriteError(w, httperr.ErrUnauthorized.WithDetail("no hay sesión activa"))
				return
			}
			_ = r.ParseForm()
			submitted := r.FormValue("csrf_token")
			if rec.CSRFToken == "" || submitted == "" || subtle.ConstantTimeCompare([]byte(submitted), []byte(rec.CSRFToken)) != 1 {
				httperr.WriteError(w, httperr.DelayedFail(start, httperr.ErrForbidden.WithDetail("csrf token ausente o inválido")))
				return
			}
			rec.CSRFToken = ""
			_ = sessions.Save(r.Context(), authMethodID, sid, rec)
			ctx := context.WithValue(r.Context(), ctxKeySID, sid)
			ctx = context.WithValue(ctx, ctxKeyRec, rec)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
