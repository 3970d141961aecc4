// Package profilestore implementa el Profile Store: mapeo efímero de
// código/access-token/refresh-token emitido a un perfil de usuario
// serializado, respaldado por el mismo Cache compartido usado por el
// Session Store. Las claves se guardan hasheadas, nunca en texto plano,
// siguiendo el patrón de hash-antes-de-cachear del stack de referencia.
package profilestore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/security/token"
)

// Store es el Profile Store compartido entre workers.
type Store struct {
	cache cache.Client
	ttl   time.Duration
}

func New(c cache.Client, ttl time.Duration) *Store {
	return &Store{cache: c, ttl: ttl}
}

func keyFor(raw string) string {
	return "profile:" + token.SHA256Base64URL(raw)
}

// entry es lo que se serializa por clave: el perfil, el API id al que
// corresponde (necesario para resolver la API al refrescar o introspectar),
// el identificador que efectivamente se envió al gateway al mintear
// (AuthenticatedUserID -- puede llevar sufijo ";namespace=..." y por eso no
// es el mismo valor que Profile.Sub) y, para una entrada de refresh token,
// el access token hermano emitido en el mismo mint (para poder borrarlo al
// reemintir vía refresh con passthrough scope).
type entry struct {
	APIID               string            `json:"apiId"`
	Profile             model.OidcProfile `json:"profile"`
	AuthenticatedUserID string            `json:"authenticatedUserId,omitempty"`
	AccessToken         string            `json:"accessToken,omitempty"`
}

// RegisterCode guarda profile bajo el código de autorización emitido.
func (s *Store) RegisterCode(ctx context.Context, code, apiID string, profile model.OidcProfile) error {
	return s.put(ctx, code, entry{APIID: apiID, Profile: profile})
}

// RegisterToken guarda profile bajo el access token y, si refreshToken no
// está vacío, también bajo el refresh token: ambas claves mapean al mismo
// perfil, como exige la sección de invariantes del Profile Store.
// authenticatedUserID es el identificador efectivamente minteado en el
// gateway (ver internal/flow), recordado para el grant de refresh.
func (s *Store) RegisterToken(ctx context.Context, accessToken, refreshToken, apiID, authenticatedUserID string, profile model.OidcProfile) error {
	e := entry{APIID: apiID, Profile: profile, AuthenticatedUserID: authenticatedUserID, AccessToken: accessToken}
	if err := s.put(ctx, accessToken, e); err != nil {
		return err
	}
	if refreshToken != "" {
		if err := s.put(ctx, refreshToken, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) put(ctx context.Context, key string, e entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, keyFor(key), string(b), s.ttl)
}

// Retrieve devuelve el perfil y apiId asociados a key. La expiración o
// ausencia de la clave nunca es un error fatal: el llamador traduce esto a
// invalid_token o 404 según el contexto OAuth2.
func (s *Store) Retrieve(ctx context.Context, key string) (model.OidcProfile, string, bool) {
	e, ok := s.retrieveEntry(ctx, key)
	if !ok {
		return model.OidcProfile{}, "", false
	}
	return e.Profile, e.APIID, true
}

// RetrieveTokenInfo devuelve la entrada completa (perfil, apiId,
// authenticatedUserId, access token hermano), usada por el grant de
// refresh que necesita más que el perfil.
func (s *Store) RetrieveTokenInfo(ctx context.Context, key string) (profile model.OidcProfile, apiID, authenticatedUserID, siblingAccessToken string, ok bool) {
	e, ok := s.retrieveEntry(ctx, key)
	if !ok {
		return model.OidcProfile{}, "", "", "", false
	}
	return e.Profile, e.APIID, e.AuthenticatedUserID, e.AccessToken, true
}

func (s *Store) retrieveEntry(ctx context.Context, key string) (entry, bool) {
	raw, err := s.cache.Get(ctx, keyFor(key))
	if err != nil {
		return entry{}, false
	}
	var e entry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return entry{}, false
	}
	return e, true
}

// ExchangeCode recupera el perfil de un código, lo vuelve a registrar bajo
// el access token emitido (y refresh token si aplica) y borra el código.
// El borrado del código es best effort: no debe hacer fallar el intercambio.
func (s *Store) ExchangeCode(ctx context.Context, code, accessToken, refreshToken, apiID, authenticatedUserID string) (model.OidcProfile, bool) {
	profile, _, ok := s.Retrieve(ctx, code)
	if !ok {
		return model.OidcProfile{}, false
	}
	_ = s.RegisterToken(ctx, accessToken, refreshToken, apiID, authenticatedUserID, profile)
	_ = s.DeleteTokenOrCode(ctx, code)
	return profile, true
}

// DeleteTokenOrCode elimina una entrada; siempre best effort.
func (s *Store) DeleteTokenOrCode(ctx context.Context, key string) error {
	return s.cache.Delete(ctx, keyFor(key))
}
