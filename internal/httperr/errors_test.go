package httperr

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestAppError_Error_WithAndWithoutCause(t *testing.T) {
	plain := New("bad_request", "solicitud inválida", http.StatusBadRequest)
	if plain.Error() != "bad_request: solicitud inválida" {
		t.Fatalf("got %q", plain.Error())
	}

	withCause := plain.WithCause(errors.New("campo 'redirect_uri' ausente"))
	want := "bad_request: solicitud inválida: campo 'redirect_uri' ausente"
	if withCause.Error() != want {
		t.Fatalf("got %q, want %q", withCause.Error(), want)
	}
}

func TestAppError_Unwrap(t *testing.T) {
	cause := errors.New("fallo upstream")
	wrapped := ErrInternal.WithCause(cause)
	if errors.Unwrap(wrapped) != cause {
		t.Fatalf("Unwrap no devolvió la causa original")
	}
}

func TestAppError_WithDetail_WithCause_DoNotMutateShared(t *testing.T) {
	withDetail := ErrNotFound.WithDetail("aplicación 'foo' no existe")
	if ErrNotFound.Detail != "" {
		t.Fatalf("WithDetail mutó el catálogo compartido: %q", ErrNotFound.Detail)
	}
	if withDetail.Detail == "" {
		t.Fatalf("WithDetail no aplicó el detalle")
	}

	withCause := ErrForbidden.WithCause(errors.New("csrf inválido"))
	if ErrForbidden.Err != nil {
		t.Fatalf("WithCause mutó el catálogo compartido")
	}
	if withCause.Err == nil {
		t.Fatalf("WithCause no aplicó la causa")
	}
}

func TestFromError_PassesThroughAppError(t *testing.T) {
	original := ErrBadRequest.WithDetail("falta 'client_id'")
	got := FromError(original)
	if got != original {
		t.Fatalf("FromError debería devolver el mismo *AppError sin envolver")
	}
}

func TestFromError_WrapsGenericError(t *testing.T) {
	cause := errors.New("conexión rechazada")
	got := FromError(cause)
	if got.Code != ErrInternal.Code {
		t.Fatalf("got code %q, want %q", got.Code, ErrInternal.Code)
	}
	if errors.Unwrap(got) != cause {
		t.Fatalf("causa original perdida al envolver")
	}
}

func TestFromError_Nil(t *testing.T) {
	if FromError(nil) != nil {
		t.Fatalf("FromError(nil) debería devolver nil")
	}
}

func TestWriteError_SerializesStatusAndBody(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrUnauthorized.WithDetail("sesión expirada"))

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Fatalf("got content-type %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"code":"unauthorized"`) || !strings.Contains(body, `"detail":"sesión expirada"`) {
		t.Fatalf("body inesperado: %s", body)
	}
}

func TestWriteError_WrapsNonAppError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("algo se rompió"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("got status %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}
