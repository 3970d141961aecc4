package oauth2router

import (
	"html/template"
	"net/http"

	"github.com/authzrelay/authzrelay/internal/model"
)

var consentTmpl = template.Must(template.New("consent").Parse(`<!doctype html>
<html><body>
<form method="POST" action="grant">
<input type="hidden" name="csrf_token" value="{{.CSRF}}">
<p>La aplicación solicita los siguientes permisos:</p>
<ul>{{range .Scopes}}<li>{{.}}</li>{{end}}</ul>
<input type="hidden" name="scope" value="{{.ScopeValue}}">
<button type="submit" name="decision" value="allow">Permitir</button>
<button type="submit" name="decision" value="deny">Denegar</button>
</form>
</body></html>`))

func renderConsentPage(w http.ResponseWriter, info *model.GrantProcessInfo, csrfToken string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	scopeValue := ""
	for i, s := range info.MissingGrants {
		if i > 0 {
			scopeValue += " "
		}
		scopeValue += s
	}
	_ = consentTmpl.Execute(w, map[string]any{
		"CSRF": csrfToken, "Scopes": info.MissingGrants, "ScopeValue": scopeValue,
	})
}

var registerTmpl = template.Must(template.New("register").Parse(`<!doctype html>
<html><body>
<form method="POST" action="register">
<input type="hidden" name="csrf_token" value="{{.CSRF}}">
<input type="text" name="namespace" placeholder="namespace (opcional)">
<button type="submit">Registrarme</button>
</form>
</body></html>`))

func renderRegisterPage(w http.ResponseWriter, csrfToken string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = registerTmpl.Execute(w, map[string]string{"CSRF": csrfToken})
}

var selectNamespaceTmpl = template.Must(template.New("selectnamespace").Parse(`<!doctype html>
<html><body>
<form method="POST" action="selectnamespace">
<input type="hidden" name="csrf_token" value="{{.CSRF}}">
<select name="namespace">{{range .Namespaces}}<option value="{{.}}">{{.}}</option>{{end}}</select>
<button type="submit">Continuar</button>
</form>
</body></html>`))

func renderSelectNamespacePage(w http.ResponseWriter, namespaces []string, csrfToken string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = selectNamespaceTmpl.Execute(w, map[string]any{"CSRF": csrfToken, "Namespaces": namespaces})
}

var forgotPasswordTmpl = template.Must(template.New("forgotpassword").Parse(`<!doctype html>
<html><body>
<form method="POST" action="forgotpassword">
<input type="email" name="email" placeholder="email" required>
<button type="submit">Enviar enlace</button>
</form>
</body></html>`))

func renderForgotPasswordFormPage(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = forgotPasswordTmpl.Execute(w, nil)
}

var passwordResetTmpl = template.Must(template.New("passwordreset").Parse(`<!doctype html>
<html><body>
<form method="POST" action="verify">
<input type="hidden" name="csrf_token" value="{{.CSRF}}">
<input type="hidden" name="id" value="{{.ID}}">
<input type="password" name="password" placeholder="nueva contraseña" required>
<button type="submit">Actualizar contraseña</button>
</form>
</body></html>`))

func renderPasswordResetFormPage(w http.ResponseWriter, id, csrfToken string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = passwordResetTmpl.Execute(w, map[string]string{"ID": id, "CSRF": csrfToken})
}

var verificationResultTmpl = template.Must(template.New("verificationresult").Parse(`<!doctype html>
<html><body><p>{{.}}</p></body></html>`))

func renderVerificationResultPage(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = verificationResultTmpl.Execute(w, message)
}
