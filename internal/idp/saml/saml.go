// Package saml es un stub de forma de endpoints para el tipo de IdP SAML.
// Ninguna librería SAML aparece en el catálogo de referencia disponible, así
// que en vez de fabricar una dependencia o implementar un parser/validador
// de aserciones SAML desde cero sobre la librería estándar -- superficie de
// seguridad considerable para un stub -- este adaptador sólo expone la
// forma del contrato (ACS endpoint montado, tipo reportado) y falla
// explícitamente toda autenticación real. Ver DESIGN.md.
package saml

import (
	"context"
	"errors"
	"net/http"

	"github.com/authzrelay/authzrelay/internal/idp"
)

var ErrUnsupported = errors.New("saml: adaptador de referencia sin soporte de autenticación real")

type Provider struct {
	// ACSPath es la ruta del Assertion Consumer Service montada bajo el
	// auth method, p.ej. "/saml/acs".
	ACSPath string
}

func New(acsPath string) *Provider {
	if acsPath == "" {
		acsPath = "/saml/acs"
	}
	return &Provider{ACSPath: acsPath}
}

func (p *Provider) GetType() idp.Type { return idp.TypeSAML }

func (p *Provider) Endpoints() []idp.Endpoint {
	return []idp.Endpoint{
		{Method: http.MethodPost, Pattern: p.ACSPath, Handler: p.acs},
	}
}

func (p *Provider) acs(w http.ResponseWriter, r *http.Request) {
	http.Error(w, ErrUnsupported.Error(), http.StatusNotImplemented)
}

func (p *Provider) AuthorizeWithUI(ctx context.Context, w http.ResponseWriter, r *http.Request) (idp.LoginResult, bool, error) {
	return idp.LoginResult{}, true, ErrUnsupported
}

var _ idp.Provider = (*Provider)(nil)
var _ idp.UIAuthenticator = (*Provider)(nil)
