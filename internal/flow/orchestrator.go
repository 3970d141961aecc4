package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/metrics"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/observability/logger"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/profilestore"
)

// Orchestrator agrupa los colaboradores que el Flow Orchestrator necesita
// para avanzar un AuthRequest hasta el minteo o la falla. No conoce HTTP ni
// la sesión: el OAuth2 Router lee/escribe el SessionRecord y delega cada
// transición a estos métodos.
type Orchestrator struct {
	Gateway  *gateway.Client
	Portal   *portal.Client
	Profiles *profilestore.Store
}

func New(gw *gateway.Client, p *portal.Client, profiles *profilestore.Store) *Orchestrator {
	return &Orchestrator{Gateway: gw, Portal: p, Profiles: profiles}
}

func (o *Orchestrator) transition(ctx context.Context, authMethod string, state State) {
	metrics.FlowTransitions.WithLabelValues(string(state), authMethod).Inc()
	logger.From(ctx).Debug("flow transition", logger.Op("flow."+string(state)), logger.AuthMethodID(authMethod))
}

func (o *Orchestrator) fail(ctx context.Context, authMethod string, e *httperr.OAuth2Error) *httperr.OAuth2Error {
	metrics.FlowFailures.WithLabelValues(e.Kind, authMethod).Inc()
	logger.From(ctx).Warn("flow failure", logger.Op("flow.Fail"), logger.AuthMethodID(authMethod), logger.String("error_kind", e.Kind))
	return e
}

// ValidateScope resuelve el State de ValidateScope del §4.1.
func (o *Orchestrator) ValidateScope(ctx context.Context, authMethod string, req *model.AuthRequest, catalogue []string, trusted bool) *httperr.OAuth2Error {
	o.transition(ctx, authMethod, StateValidateScope)
	scope, differ, err := ValidateScope(req.Scope, catalogue, trusted)
	if err != nil {
		return o.fail(ctx, authMethod, httperr.ErrInvalidScope.WithDescription(err.Error()))
	}
	req.Scope = scope
	req.Trusted = trusted
	req.ScopesDiffer = differ
	return nil
}

// CheckSession resuelve el State de CheckSession del §4.1. loggedIn indica
// si el SessionRecord ya tenía un AuthResponse con profile.sub no vacío.
func (o *Orchestrator) CheckSession(ctx context.Context, authMethod string, req *model.AuthRequest, loggedIn bool) (State, *httperr.OAuth2Error) {
	o.transition(ctx, authMethod, StateCheckSession)
	switch {
	case req.Prompt == "none" && !loggedIn:
		return StateFail, o.fail(ctx, authMethod, httperr.ErrLoginRequired)
	case req.Prompt == "login":
		return StateLoginUi, nil
	case loggedIn:
		return StateUserReconcile, nil
	default:
		return StateLoginUi, nil
	}
}

// UserReconcile resuelve el State de UserReconcile del §4.1: para una API
// passthrough no hay usuario local; de otro modo resuelve o crea el usuario
// del portal por sub (IdP local) o por customId (IdPs sociales).
func (o *Orchestrator) UserReconcile(ctx context.Context, authMethod string, apiCfg model.CachedAPIConfig, idpType idp.Type, result idp.LoginResult) (*model.AuthResponse, *httperr.OAuth2Error) {
	o.transition(ctx, authMethod, StateUserReconcile)

	resp := &model.AuthResponse{
		DefaultProfile: result.Profile,
		Profile:        result.Profile,
	}

	if apiCfg.PassthroughUsers {
		resp.UserID = ""
		resp.Groups = nil
		return resp, nil
	}

	var (
		u   model.User
		ok  bool
		err error
	)
	if idpType == idp.TypeLocal {
		u, ok, err = o.Portal.UserByID(ctx, result.Profile.Sub)
	} else {
		u, ok, err = o.Portal.UserByCustomID(ctx, result.Profile.Sub)
	}
	if err != nil {
		return nil, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(err.Error()))
	}
	if !ok {
		u, err = o.Portal.CreateUser(ctx, model.User{
			CustomID:      result.Profile.Sub,
			Email:         result.Profile.Email,
			EmailVerified: result.Profile.EmailVerified,
			Name:          result.Profile.Name,
		})
		if err != nil {
			return nil, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(err.Error()))
		}
	}
	resp.UserID = u.ID
	resp.CustomID = u.CustomID
	resp.Groups = u.Groups
	resp.DefaultGroups = u.Groups
	return resp, nil
}

// RegistrationDecide resuelve el State de RegistrationDecide del §4.1.
func (o *Orchestrator) RegistrationDecide(ctx context.Context, authMethod string, apiCfg model.CachedAPIConfig, req *model.AuthRequest, resp *model.AuthResponse) State {
	o.transition(ctx, authMethod, StateRegistrationDecide)
	if req.Plain {
		return StateMintWithGateway // el llamador trata Plain como "redirigir directo", ver router
	}
	if apiCfg.RegistrationPool == "" {
		resp.Profile = resp.DefaultProfile
		if resp.UserID != "" {
			resp.Profile.Sub = resp.UserID
		}
		return StateAuthorizeDecide
	}
	resp.RegistrationPool = apiCfg.RegistrationPool
	return StateRegistrationFlow
}

// RegistrationFlowResult es lo que ResolveRegistration resuelve.
type RegistrationFlowResult struct {
	Next       State
	Namespace  string
	Namespaces []string
}

// ResolveRegistration implementa el State de RegistrationFlow del §4.1: dado
// el pool y las registraciones existentes del usuario, decide si falta
// namespace, si hay que registrar, o si ya puede avanzar a AuthorizeDecide.
// Es una función pura (sin side effects de red) para poder probarla sin un
// Portal Client real; el router hace las llamadas a o.Portal antes de
// invocarla y persiste el resultado (namespace elegido) después.
func ResolveRegistration(p portal.Pool, regs []portal.Registration, namespaceParam string) (RegistrationFlowResult, *httperr.AppError) {
	if !p.RequiresNamespace {
		if len(regs) == 0 {
			if p.DisableRegister {
				return RegistrationFlowResult{}, httperr.ErrForbidden
			}
			return RegistrationFlowResult{Next: StateRegisterUi}, nil
		}
		return RegistrationFlowResult{Next: StateAuthorizeDecide}, nil
	}

	if namespaceParam != "" {
		return RegistrationFlowResult{Next: StateAuthorizeDecide, Namespace: namespaceParam}, nil
	}

	namespaces := make([]string, 0, len(regs))
	for _, r := range regs {
		if r.Namespace != "" {
			namespaces = append(namespaces, r.Namespace)
		}
	}
	switch len(namespaces) {
	case 0:
		if p.DisableRegister {
			return RegistrationFlowResult{}, httperr.ErrForbidden
		}
		return RegistrationFlowResult{Next: StateRegisterUi}, nil
	case 1:
		return RegistrationFlowResult{Next: StateAuthorizeDecide, Namespace: namespaces[0]}, nil
	default:
		return RegistrationFlowResult{Next: StateSelectNamespace, Namespaces: namespaces}, nil
	}
}

// AuthorizeDecide resuelve el State de AuthorizeDecide del §4.1.
func (o *Orchestrator) AuthorizeDecide(ctx context.Context, authMethod string, apiCfg model.CachedAPIConfig, req *model.AuthRequest) State {
	o.transition(ctx, authMethod, StateAuthorizeDecide)
	switch {
	case req.Trusted, len(req.Scope) == 0 && apiCfg.PassthroughScopeURL == "":
		return StateMintWithGateway
	case apiCfg.PassthroughScopeURL != "":
		return StatePassthroughScope
	default:
		return StateScopeConsent
	}
}

// ScopeConsent calcula los scopes faltantes entre lo existente y lo deseado
// (State ScopeConsent del §4.1).
func (o *Orchestrator) ScopeConsent(ctx context.Context, authMethod string, userID, appID, apiID string, desired []string) (*model.GrantProcessInfo, *httperr.OAuth2Error) {
	o.transition(ctx, authMethod, StateScopeConsent)
	existing, err := o.Portal.GrantsForApplicationAPI(ctx, userID, appID, apiID)
	if err != nil {
		return nil, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(err.Error()))
	}
	existingSet := make(map[string]bool, len(existing))
	for _, g := range existing {
		existingSet[g.Scope] = true
	}
	var missing []string
	for _, s := range desired {
		if !existingSet[s] {
			missing = append(missing, s)
		}
	}
	return &model.GrantProcessInfo{MissingGrants: missing, ExistingGrants: existing}, nil
}

// ApplyConsent persiste la unión de los grants existentes y los recién
// aprobados (POST /grant allow, re-entra a ScopeConsent según el §4.1).
func (o *Orchestrator) ApplyConsent(ctx context.Context, userID, appID, apiID string, existing []model.ScopeGrant, approved []string) error {
	union := make(map[string]bool, len(existing)+len(approved))
	for _, g := range existing {
		union[g.Scope] = true
	}
	for _, s := range approved {
		union[s] = true
	}
	grants := make([]model.ScopeGrant, 0, len(union))
	for s := range union {
		grants = append(grants, model.ScopeGrant{Scope: s})
	}
	return o.Portal.PutGrants(ctx, userID, appID, apiID, grants)
}

// MintResult es lo que MintWithGateway produce para que el router construya
// la respuesta HTTP (redirect con code/token, o JSON en el flujo de token).
type MintResult struct {
	RedirectURI string
	Token       model.TokenInfo
}

// MintWithGateway resuelve el State de MintWithGateway del §4.1: llama al
// Gateway Client, registra lo emitido en el Profile Store antes de que la
// respuesta HTTP se escriba (invariante de §3/§5), y arma la redirección o
// el JSON de vuelta.
func (o *Orchestrator) MintWithGateway(ctx context.Context, authMethod string, apiID string, apiCfg model.CachedAPIConfig, req *model.AuthRequest, resp *model.AuthResponse, authenticatedUserID string, scope []string) (MintResult, *httperr.OAuth2Error) {
	o.transition(ctx, authMethod, StateMintWithGateway)

	redirectURI, err := o.Gateway.Authorize(ctx, apiID, gateway.AuthorizeParams{
		ResponseType:        req.ResponseType,
		ProvisionKey:        apiCfg.GatewayPlugin.ProvisionKey,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		AuthenticatedUserID: authenticatedUserID,
		Scope:               scope,
	})
	if err != nil {
		oe, ok := err.(*httperr.OAuth2Error)
		if !ok {
			oe = httperr.ErrServerError.WithDescription(err.Error())
		}
		return MintResult{}, o.fail(ctx, authMethod, oe)
	}

	code, token := extractCodeAndToken(redirectURI)
	if code != "" {
		if perr := o.Profiles.RegisterCode(ctx, code, apiID, resp.Profile); perr != nil {
			return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(perr.Error()))
		}
	} else if token != "" {
		if perr := o.Profiles.RegisterToken(ctx, token, "", apiID, authenticatedUserID, resp.Profile); perr != nil {
			return MintResult{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(perr.Error()))
		}
	}

	if req.State != "" {
		redirectURI = appendQuery(redirectURI, "state", req.State)
	}
	if req.Namespace != "" {
		redirectURI = appendQuery(redirectURI, "namespace", req.Namespace)
	}
	return MintResult{RedirectURI: redirectURI}, nil
}

// extractCodeAndToken busca code= o access_token= en la query o fragmento
// de la URL de retorno del gateway, para saber bajo qué clave registrar el
// perfil en el Profile Store.
func extractCodeAndToken(redirectURI string) (code, token string) {
	frag := redirectURI
	if i := strings.IndexAny(frag, "?#"); i >= 0 {
		frag = frag[i+1:]
	}
	for _, pair := range strings.Split(frag, "&") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "code":
			code = kv[1]
		case "access_token":
			token = kv[1]
		}
	}
	return code, token
}

func appendQuery(rawURL, key, value string) string {
	sep := "?"
	if strings.Contains(rawURL, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s%s=%s", rawURL, sep, key, value)
}
