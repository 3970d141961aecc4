package flow

import (
	"context"
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/restclient"
)

// PassthroughDecision es la respuesta del servicio externo de passthrough
// scope (spec.md §4.1 PassthroughScope, §8 escenario 6).
type PassthroughDecision struct {
	Allow               bool     `json:"allow"`
	Scope               []string `json:"authenticated_scope"`
	AuthenticatedUserID string   `json:"authenticated_userid"`
}

type passthroughRequest struct {
	Scope   []string          `json:"scope"`
	Profile model.OidcProfile `json:"profile"`
}

// PassthroughScope resuelve el State de PassthroughScope del §4.1: hace POST
// del scope solicitado y el perfil al servicio externo configurado para la
// API, con 10 reintentos a 500ms ante cualquier fallo de red o respuesta
// no-2xx (§5).
func (o *Orchestrator) PassthroughScope(ctx context.Context, authMethod, externalURL string, profile model.OidcProfile, scope []string) (PassthroughDecision, *httperr.OAuth2Error) {
	o.transition(ctx, authMethod, StatePassthroughScope)

	rc := restclient.New("passthrough_scope", externalURL, 5*time.Second).WithRetry(10, 500*time.Millisecond).WithRetryOnAnyNon2xx()
	var decision PassthroughDecision
	resp, err := rc.DoJSON(ctx, "resolve", http.MethodPost, "", passthroughRequest{Scope: scope, Profile: profile}, &decision)
	if err != nil {
		return PassthroughDecision{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription(err.Error()))
	}
	if resp.StatusCode > 299 {
		return PassthroughDecision{}, o.fail(ctx, authMethod, httperr.ErrServerError.WithDescription("passthrough scope service respondió con error"))
	}
	return decision, nil
}
