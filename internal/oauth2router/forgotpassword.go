package oauth2router

import (
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/httperr"
	"github.com/authzrelay/authzrelay/internal/portal"
)

func (c *controller) handleForgotPasswordGet(w http.ResponseWriter, r *http.Request) {
	renderForgotPasswordFormPage(w)
}

// handleForgotPasswordPost siempre responde igual exista o no el email en
// el portal, para no revelar membresía de cuentas (§4.5); sólo crea una
// verificación de password_reset cuando el email sí existe.
func (c *controller) handleForgotPasswordPost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	_ = r.ParseForm()
	email := r.FormValue("email")

	if u, ok, err := c.d.Portal.UserByEmail(ctx, email); err == nil && ok {
		_, _ = c.d.Portal.CreateVerification(ctx, portal.Verification{UserID: u.ID, Type: "password_reset"})
	}

	if elapsed := time.Since(start); elapsed < httperr.MinFailureDelay {
		time.Sleep(httperr.MinFailureDelay - elapsed)
	}
	renderVerificationResultPage(w, "si el correo existe, se envió un enlace para restablecer la contraseña")
}
