package oauth2router

import (
	"context"
	"net/http"

	"github.com/authzrelay/authzrelay/internal/model"
	"github.com/authzrelay/authzrelay/internal/session"
)

type ctxKey int

const (
	ctxKeySID ctxKey = iota
	ctxKeyRec
)

// loadSessionFromRequest lee la cookie de sesión, valida su firma y carga
// el SessionRecord asociado. Ausencia de cookie o firma inválida se
// tratan igual: "no hay sesión", nunca un error fatal.
func loadSessionFromRequest(r *http.Request, sessions *session.Store, authMethodID string) (string, *model.SessionRecord, bool) {
	ck, err := r.Cookie(sessions.CookieName())
	if err != nil || ck.Value == "" {
		return "", nil, false
	}
	sid, ok := sessions.SIDFromCookieValue(ck.Value)
	if !ok {
		return "", nil, false
	}
	rec, err := sessions.Load(r.Context(), authMethodID, sid)
	if err != nil {
		return "", nil, false
	}
	return sid, rec, true
}

// ensureSession devuelve la sesión existente de la request o crea una
// nueva (sid + cookie firmada escrita en w) si no hay ninguna.
func ensureSession(w http.ResponseWriter, r *http.Request, sessions *session.Store, authMethodID string) (string, *model.SessionRecord) {
	if sid, rec, ok := loadSessionFromRequest(r, sessions, authMethodID); ok {
		return sid, rec
	}
	sid, signed, err := sessions.NewSessionID()
	if err != nil {
		return "", &model.SessionRecord{}
	}
	sessions.SetCookie(w, signed)
	return sid, &model.SessionRecord{}
}

func saveSession(ctx context.Context, sessions *session.Store, authMethodID, sid string, rec *model.SessionRecord) error {
	return sessions.Save(ctx, authMethodID, sid, rec)
}

func loggedIn(rec *model.SessionRecord) bool {
	return rec.AuthResponse != nil && rec.AuthResponse.Profile.Sub != ""
}
