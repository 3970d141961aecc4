package httperr

import "time"

// MinFailureDelay es el piso de latencia aplicado a toda respuesta de fallo
// de autenticación (password grant inválido, verificación inexistente,
// CSRF mismatch) para que un atacante no pueda distinguir por timing un
// "no existe" de un "credencial incorrecta".
const MinFailureDelay = 500 * time.Millisecond

// DelayedFail duerme lo que falte para alcanzar MinFailureDelay desde start
// y devuelve err sin modificarlo, para usarse como `return httperr.DelayedFail(start, err)`
// en el punto de retorno de un fallo de autenticación.
func DelayedFail(start time.Time, err error) error {
	if elapsed := time.Since(start); elapsed < MinFailureDelay {
		time.Sleep(MinFailureDelay - elapsed)
	}
	return err
}
