// Package grants implementa el Grant Manager: listado y revocación de las
// concesiones de scope por (usuario, aplicación, API), montado en /grants
// por cada OAuth2 Router. Enriquece cada concesión con el nombre de la
// aplicación y de la API vía el Portal Client, a mejor esfuerzo -- un fallo
// de enriquecimiento cae a un nombre de reemplazo en vez de tumbar la
// respuesta entera, siguiendo la misma postura "best effort, nunca falla
// toda la respuesta" que el stack de referencia aplica al enriquecer claims
// de un token a partir de sus scopes.
package grants

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/session"
	"github.com/go-chi/chi/v5"
)

// Deps son las dependencias inyectadas por el OAuth2 Router que monta este
// sub-router bajo /grants.
type Deps struct {
	AuthMethodID string
	Portal       *portal.Client
	Sessions     *session.Store
}

type controller struct {
	d Deps
}

// NewRouter construye el sub-router del Grant Manager.
func NewRouter(d Deps) chi.Router {
	c := &controller{d: d}
	r := chi.NewRouter()
	r.Get("/", c.handleList)
	r.Post("/", c.handleRevoke)
	return r
}

// Grant es una fila enriquecida de la respuesta de GET /grants.
type Grant struct {
	AppID   string   `json:"appId"`
	AppName string   `json:"appName"`
	APIID   string   `json:"apiId"`
	APIName string   `json:"apiName"`
	Scope   []string `json:"scope"`
}

func (c *controller) loadUser(r *http.Request) (sid string, rec *model.SessionRecord, userID string, ok bool) {
	ck, err := r.Cookie(c.d.Sessions.CookieName())
	if err != nil || ck.Value == "" {
		return "", nil, "", false
	}
	sid, ok = c.d.Sessions.SIDFromCookieValue(ck.Value)
	if !ok {
		return "", nil, "", false
	}
	rec, err = c.d.Sessions.Load(r.Context(), c.d.AuthMethodID, sid)
	if err != nil || rec.AuthResponse == nil || rec.AuthResponse.UserID == "" {
		return "", nil, "", false
	}
	return sid, rec, rec.AuthResponse.UserID, true
}

// handleList implementa GET /grants: lista las concesiones del usuario
// autenticado, cada una enriquecida con el nombre de su aplicación y API.
func (c *controller) handleList(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, _, userID, ok := c.loadUser(r)
	if !ok {
		httperr.WriteError(w, httperr.ErrUnauthorized.WithDetail("no hay sesión activa"))
		return
	}

	userGrants, err := c.d.Portal.GrantsForUser(ctx, userID)
	if err != nil {
		httperr.WriteError(w, httperr.ErrInternal.WithCause(err))
		return
	}

	out := make([]Grant, 0, len(userGrants))
	for _, g := range userGrants {
		out = append(out, Grant{
			AppID:   g.AppID,
			AppName: c.applicationName(ctx, g.AppID),
			APIID:   g.APIID,
			APIName: c.apiName(ctx, g.APIID),
			Scope:   g.Scope,
		})
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(out)
}

// applicationName resuelve el nombre visible de una aplicación; un fallo de
// consulta (o ausencia de nombre) cae al propio id en vez de tumbar todo el
// listado.
func (c *controller) applicationName(ctx context.Context, appID string) string {
	app, err := c.d.Portal.GetApplication(ctx, appID)
	if err != nil || app.Name == "" {
		return appID
	}
	return app.Name
}

// apiName resuelve el nombre visible de una API con la misma política de
// fallback que applicationName.
func (c *controller) apiName(ctx context.Context, apiID string) string {
	api, err := c.d.Portal.GetAPI(ctx, apiID)
	if err != nil || api.Name == "" {
		return apiID
	}
	return api.Name
}

// handleRevoke implementa POST /grants: revoca atómicamente (user,app,api)
// tras validar el token CSRF de un solo uso guardado en la sesión.
func (c *controller) handleRevoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	sid, rec, userID, ok := c.loadUser(r)
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
	_ = c.d.Sessions.Save(ctx, c.d.AuthMethodID, sid, rec)

	appID := r.FormValue("appId")
	apiID := r.FormValue("apiId")
	if appID == "" || apiID == "" {
		httperr.WriteError(w, httperr.ErrBadRequest.WithDetail("faltan appId/apiId"))
		return
	}

	if err := c.d.Portal.RevokeGrant(ctx, userID, appID, apiID); err != nil {
		httperr.WriteError(w, httperr.ErrInternal.WithCause(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
