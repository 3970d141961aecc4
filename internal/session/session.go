// Package session implementa el Session Store: almacenamiento compartido,
// con TTL, indexado por cookie de sesión y auth method, más la cookie
// firmada (JWT HS256) que vincula el navegador a una entrada.
//
// El patrón de servicio agregador y de construcción de cookie de borrado
// está tomado de los servicios de sesión del stack de referencia.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/security/token"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Store es el Session Store compartido por todos los auth methods.
type Store struct {
	cache      cache.Client
	cookieName string
	secret     []byte
	ttl        time.Duration
	secure     bool
	domain     string
}

// Config configura el Store.
type Config struct {
	CookieName string
	Secret     string
	TTL        time.Duration
	Secure     bool
	Domain     string
}

func New(c cache.Client, cfg Config) *Store {
	return &Store{
		cache:      c,
		cookieName: cfg.CookieName,
		secret:     []byte(cfg.Secret),
		ttl:        cfg.TTL,
		secure:     cfg.Secure,
		domain:     cfg.Domain,
	}
}

func (s *Store) key(authMethodID, sid string) string {
	return fmt.Sprintf("sess:%s:%s", authMethodID, sid)
}

// sessionClaims es el único claim propio de la cookie: el id de sesión
// opaco. La firma HS256 evita que un sid forjado llegue a una búsqueda
// en el Session Store.
type sessionClaims struct {
	SID string `json:"sid"`
	jwt.RegisteredClaims
}

// NewSessionID genera un identificador de sesión opaco y su cookie firmada.
func (s *Store) NewSessionID() (sid string, signedCookie string, err error) {
	sid = uuid.NewString()
	claims := sessionClaims{
		SID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", "", err
	}
	return sid, signed, nil
}

// SIDFromCookieValue verifica la firma de la cookie y devuelve el sid.
// Una firma inválida o una cookie expirada no son errores fatales: el
// llamador debe tratarlo como "no hay sesión".
func (s *Store) SIDFromCookieValue(raw string) (string, bool) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil || claims.SID == "" {
		return "", false
	}
	return claims.SID, true
}

// CookieName expone el nombre configurado de la cookie de sesión.
func (s *Store) CookieName() string { return s.cookieName }

// SetCookie escribe la cookie de sesión en la respuesta.
func (s *Store) SetCookie(w http.ResponseWriter, signedValue string) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    signedValue,
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// DeleteCookie construye la cookie de borrado de sesión (maxAge negativo,
// mismo nombre/dominio/path que la original).
func (s *Store) DeleteCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     s.cookieName,
		Value:    "",
		Path:     "/",
		Domain:   s.domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Load obtiene el SessionRecord de un (authMethodID, sid); si no existe,
// devuelve un registro vacío sin error: una sesión ausente equivale a
// "no logueado", no a una falla.
func (s *Store) Load(ctx context.Context, authMethodID, sid string) (*model.SessionRecord, error) {
	raw, err := s.cache.Get(ctx, s.key(authMethodID, sid))
	if err != nil {
		if cache.IsNotFound(err) {
			return &model.SessionRecord{}, nil
		}
		return nil, err
	}
	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return &model.SessionRecord{}, nil
	}
	return &rec, nil
}

// Save persiste rec con el TTL configurado del store. Last-writer-wins: la
// escritura del store no hace merge, el llamador debe leer-modificar-escribir.
func (s *Store) Save(ctx context.Context, authMethodID, sid string, rec *model.SessionRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, s.key(authMethodID, sid), string(b), s.ttl)
}

// Destroy elimina la entrada de sesión (logout).
func (s *Store) Destroy(ctx context.Context, authMethodID, sid string) error {
	return s.cache.Delete(ctx, s.key(authMethodID, sid))
}

// NewCSRFToken genera un token CSRF de un solo uso para guardarlo en la
// sesión y comparar contra el campo de formulario enviado.
func NewCSRFToken() (string, error) {
	return token.GenerateOpaqueToken(32)
}
