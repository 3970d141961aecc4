package oauth2router

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/go-chi/chi/v5"
)

type controller struct {
	d Deps
}

func (c *controller) fail(w http.ResponseWriter, r *http.Request, sid string, rec *model.SessionRecord, e *httperr.OAuth2Error) {
	writeAuthorizeError(w, r, c.d.Sessions, c.d.AuthMethodID, sid, rec, e)
}

func (c *controller) failToken(w http.ResponseWriter, e *httperr.OAuth2Error) {
	writeTokenError(w, e)
}

// responseCapture intercepta la respuesta de los endpoints propios de un
// IdP redirect-based (p.ej. el callback social) para poder reinyectar el
// perfil en el flujo en vez de devolverlo tal cual al navegador -- la
// composición que el adaptador social deja explícitamente al router.
type responseCapture struct {
	header http.Header
	buf    bytes.Buffer
	status int
}

func newResponseCapture() *responseCapture {
	return &responseCapture{header: make(http.Header), status: http.StatusOK}
}

func (rc *responseCapture) Header() http.Header        { return rc.header }
func (rc *responseCapture) Write(b []byte) (int, error) { return rc.buf.Write(b) }
func (rc *responseCapture) WriteHeader(status int)      { rc.status = status }

// wrapIdPEndpoint envuelve un endpoint propio del IdP: si responde 2xx con
// un OidcProfile serializado, retoma el flujo (UserReconcile en adelante)
// en vez de devolver el JSON crudo; cualquier otra respuesta (error,
// redirect ya emitido) se pasa tal cual.
func (c *controller) wrapIdPEndpoint(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := newResponseCapture()
		h(rc, r)

		ct := rc.header.Get("Content-Type")
		if rc.status >= 200 && rc.status < 300 && strings.HasPrefix(ct, "application/json") {
			var profile model.OidcProfile
			if err := json.Unmarshal(rc.buf.Bytes(), &profile); err == nil && profile.Sub != "" {
				sid, rec, ok := loadSessionFromRequest(r, c.d.Sessions, c.d.AuthMethodID)
				if !ok {
					httperr.WriteError(w, httperr.ErrUnauthorized.WithDetail("no hay sesión activa para retomar el login"))
					return
				}
				c.continueAfterLogin(w, r, sid, rec, idp.LoginResult{Authenticated: true, Profile: profile})
				return
			}
		}

		for k, vs := range rc.header {
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(rc.status)
		_, _ = w.Write(rc.buf.Bytes())
	}
}

func apiIDFromPath(r *http.Request) string {
	return chi.URLParam(r, "apiId")
}
