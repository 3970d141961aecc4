package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/restclient"
)

// DefaultConfigFetcher obtiene los URIs desde el Portal Client y el plugin
// oauth2 consultando GET /apis/<id>/plugins?name=oauth2 en el gateway, como
// exige la sección de caching de configuración.
type DefaultConfigFetcher struct {
	portal *portal.Client
	rc     *restclient.Client
}

func NewDefaultConfigFetcher(p *portal.Client, gatewayBaseURL string, timeout time.Duration) *DefaultConfigFetcher {
	return &DefaultConfigFetcher{portal: p, rc: restclient.New("gateway.plugins", gatewayBaseURL, timeout)}
}

func (f *DefaultConfigFetcher) FetchAPIConfig(ctx context.Context, apiID string) (model.CachedAPIConfig, error) {
	desc, err := f.portal.GetAPI(ctx, apiID)
	if err != nil {
		return model.CachedAPIConfig{}, err
	}

	var plugin model.GatewayOAuth2Config
	resp, err := f.rc.DoJSON(ctx, "plugin.get", http.MethodGet, "/apis/"+apiID+"/plugins?name=oauth2", nil, &plugin)
	if err != nil {
		return model.CachedAPIConfig{}, httperr.ErrServerError.WithCause(err)
	}
	if resp.StatusCode > 299 {
		return model.CachedAPIConfig{}, httperr.ErrServerError.WithDetail("gateway plugin lookup failed")
	}

	return model.CachedAPIConfig{
		APIID:               apiID,
		GatewayPlugin:       plugin,
		GatewayURIs:         desc.URIs,
		PortalScopes:        desc.Scopes,
		RegistrationPool:    desc.RegistrationPool,
		PassthroughUsers:    desc.PassthroughUsers,
		PassthroughScopeURL: desc.PassthroughScopeURL,
	}, nil
}
