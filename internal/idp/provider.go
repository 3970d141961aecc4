// Package idp define el contrato que cualquier identity provider (IdP) debe
// satisfacer para montarse detrás de un auth method, y reúne los adaptadores
// concretos (idp/local, idp/social, idp/dummy, idp/saml). La polimorfía por
// capacidades -- no todo IdP ofrece login por formulario, y no todo IdP
// ofrece refresco de sesión -- sigue el patrón del cliente OIDC de
// referencia (internal/oauth/google) generalizado a un contrato explícito en
// vez de un tipo concreto único.
package idp

import (
	"context"
	"net/http"

	"github.com/authzrelay/authzrelay/internal/model"
)

// Type identifica la variante de IdP montada en un auth method.
type Type string

const (
	TypeLocal  Type = "local"
	TypeOAuth2 Type = "oauth2"
	TypeSAML   Type = "saml"
	TypeTwitter Type = "twitter"
	TypeDummy  Type = "dummy"
)

// LoginResult es lo que un IdP devuelve tras autenticar al usuario final,
// independientemente de si lo hizo vía formulario propio o vía un upstream
// redirect-based.
type LoginResult struct {
	Authenticated bool
	Profile       model.OidcProfile
	FailureReason string
}

// Provider es el contrato mínimo que todo IdP implementa.
type Provider interface {
	// GetType identifica la variante para las decisiones de
	// RegistrationDecide y para los logs del orquestador.
	GetType() Type

	// Endpoints devuelve las rutas propias del IdP a montar bajo el auth
	// method (p.ej. callback de un IdP redirect-based). Un IdP sin rutas
	// propias devuelve nil.
	Endpoints() []Endpoint
}

// Endpoint es una ruta propia de un IdP, montada por el router del auth
// method (oauth2router.New) bajo su prefijo.
type Endpoint struct {
	Method  string
	Pattern string
	Handler http.HandlerFunc
}

// UIAuthenticator cubre el paso de login interactivo: local y dummy
// presentan su propia UI, social inicia el redirect al upstream y saml
// responde ErrUnsupported.
type UIAuthenticator interface {
	// AuthorizeWithUI sirve o procesa el formulario de login propio. Devuelve
	// el resultado una vez que el usuario completó el flujo (éxito o no).
	AuthorizeWithUI(ctx context.Context, w http.ResponseWriter, r *http.Request) (LoginResult, bool, error)
}

// UserPassAuthenticator cubre IdPs que soportan el grant password
// (Resource Owner Password Credentials), verificando usuario/contraseña
// directamente sin UI.
type UserPassAuthenticator interface {
	AuthorizeByUserPass(ctx context.Context, username, password string) (LoginResult, error)
}

// RefreshChecker cubre IdPs capaces de confirmar que una sesión de usuario
// sigue siendo válida al refrescar un token, sin requerir reautenticación
// completa.
type RefreshChecker interface {
	CheckRefreshToken(ctx context.Context, userID string) (bool, error)
}
