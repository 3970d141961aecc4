// Package dummy implementa un IdP que siempre autentica con éxito, usado en
// desarrollo e integración para ejercitar el flujo completo sin credenciales
// reales. Grounded en el patrón stub/no-op del stack de referencia (el
// social cache "NoOp" de desarrollo).
package dummy

import (
	"context"
	"net/http"

	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/model"
)

type Provider struct {
	// Subject es el sub devuelto por cada login; por defecto "dummy-user".
	Subject string
}

func New() *Provider { return &Provider{Subject: "dummy-user"} }

func (p *Provider) GetType() idp.Type     { return idp.TypeDummy }
func (p *Provider) Endpoints() []idp.Endpoint { return nil }

func (p *Provider) subject() string {
	if p.Subject == "" {
		return "dummy-user"
	}
	return p.Subject
}

func (p *Provider) AuthorizeWithUI(ctx context.Context, w http.ResponseWriter, r *http.Request) (idp.LoginResult, bool, error) {
	return p.profile(), true, nil
}

func (p *Provider) AuthorizeByUserPass(ctx context.Context, username, password string) (idp.LoginResult, error) {
	return p.profile(), nil
}

func (p *Provider) CheckRefreshToken(ctx context.Context, userID string) (bool, error) {
	return true, nil
}

func (p *Provider) profile() idp.LoginResult {
	sub := p.subject()
	return idp.LoginResult{
		Authenticated: true,
		Profile: model.OidcProfile{
			Sub:               sub,
			Email:             sub + "@dummy.local",
			EmailVerified:     true,
			PreferredUsername: sub,
			Name:              "Usuario Dummy",
		},
	}
}

var _ idp.Provider = (*Provider)(nil)
var _ idp.UIAuthenticator = (*Provider)(nil)
var _ idp.UserPassAuthenticator = (*Provider)(nil)
var _ idp.RefreshChecker = (*Provider)(nil)
