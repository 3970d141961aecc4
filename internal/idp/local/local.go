// Package local implementa el adaptador de IdP por contraseña local:
// formulario de login propio y grant password verificados contra un user
// store de desarrollo en memoria. El hash de contraseñas sigue
// internal/security/password (argon2id), tomado tal cual del stack de
// referencia. No es el store de producción -- el portal API es quien posee
// el estado durable real -- sino un adaptador de referencia que ejercita la
// capacidad de UI/password del contrato idp.Provider.
package local

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sync"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/observability/logger"
	"github.com/authzrelay/authzrelay/internal/security/password"
)

// devUser es un registro del user store en memoria.
type devUser struct {
	ID    string
	Email string
	PHC   string // hash argon2id
	Name  string
}

// Provider es el adaptador local.
type Provider struct {
	mu    sync.RWMutex
	users map[string]devUser // por email
}

func New() *Provider {
	return &Provider{users: make(map[string]devUser)}
}

// Seed agrega un usuario de desarrollo con contraseña en texto plano,
// hasheada con los parámetros por defecto de argon2id.
func (p *Provider) Seed(id, email, plainPassword, name string) error {
	phc, err := password.Hash(password.Default, plainPassword)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.users[email] = devUser{ID: id, Email: email, PHC: phc, Name: name}
	p.mu.Unlock()
	return nil
}

func (p *Provider) GetType() idp.Type { return idp.TypeLocal }

func (p *Provider) Endpoints() []idp.Endpoint { return nil }

var loginTmpl = template.Must(template.New("login").Parse(`<!doctype html>
<html><body>
<form method="POST" action="">
<input type="hidden" name="csrf_token" value="{{.CSRF}}">
<input type="email" name="email" placeholder="email" required>
<input type="password" name="password" placeholder="contraseña" required>
<button type="submit">Iniciar sesión</button>
</form>
{{if .Error}}<p>{{.Error}}</p>{{end}}
</body></html>`))

// AuthorizeWithUI sirve el formulario GET y procesa el POST resolviendo
// credenciales. No valida el campo csrf_token del formulario, y el router
// no monta ninguna ruta POST que lo valide antes de invocar esta función.
func (p *Provider) AuthorizeWithUI(ctx context.Context, w http.ResponseWriter, r *http.Request) (idp.LoginResult, bool, error) {
	if r.Method == http.MethodGet {
		_ = loginTmpl.Execute(w, map[string]string{})
		return idp.LoginResult{}, false, nil
	}

	start := time.Now()
	email := r.FormValue("email")
	pw := r.FormValue("password")

	result, err := p.AuthorizeByUserPass(ctx, email, pw)
	if err != nil || !result.Authenticated {
		logger.From(ctx).Warn("local idp: login fallido", logger.AuthMethodID("local"))
		_ = loginTmpl.Execute(w, map[string]string{"Error": "credenciales inválidas"})
		return idp.LoginResult{}, true, httperr.DelayedFail(start, fmt.Errorf("credenciales inválidas"))
	}
	return result, true, nil
}

// AuthorizeByUserPass implementa el grant password (RFC 6749 §4.3) y el
// backend de AuthorizeWithUI.
func (p *Provider) AuthorizeByUserPass(ctx context.Context, username, pw string) (idp.LoginResult, error) {
	p.mu.RLock()
	u, ok := p.users[username]
	p.mu.RUnlock()
	if !ok || !password.Verify(pw, u.PHC) {
		return idp.LoginResult{FailureReason: "invalid_credentials"}, nil
	}
	return idp.LoginResult{
		Authenticated: true,
		Profile: model.OidcProfile{
			Sub:               u.ID,
			Email:             u.Email,
			EmailVerified:     true,
			PreferredUsername: u.Email,
			Name:              u.Name,
		},
	}, nil
}

// CheckRefreshToken para el IdP local confirma la sesión mientras el
// usuario siga en el user store en memoria; un userID desconocido devuelve
// false y un error. No hay estado de sesión upstream que consultar, a
// diferencia de un IdP social.
func (p *Provider) CheckRefreshToken(ctx context.Context, userID string) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, u := range p.users {
		if u.ID == userID {
			return true, nil
		}
	}
	return false, fmt.Errorf("usuario %s no encontrado", userID)
}

var _ idp.Provider = (*Provider)(nil)
var _ idp.UIAuthenticator = (*Provider)(nil)
var _ idp.UserPassAuthenticator = (*Provider)(nil)
var _ idp.RefreshChecker = (*Provider)(nil)
