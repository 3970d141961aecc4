// Package restclient provee un helper delgado de solicitud/decodificación
// con reintento con backoff, compartido por el Gateway Client y el Portal
// Client. El patrón (http.Client con timeout fijo, reintento manual ante 5xx)
// está tomado del cliente OIDC de referencia del resto del stack.
package restclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/authzrelay/authzrelay/internal/metrics"
	"github.com/authzrelay/authzrelay/internal/observability/logger"
)

// Client envuelve un *http.Client con una base URL y política de reintento.
type Client struct {
	HTTP       *http.Client
	BaseURL    string
	Name       string // usado como label "client" en las métricas
	MaxRetries int
	RetryWait  time.Duration

	// RetryOnAnyNon2xx reintenta ante cualquier status fuera de 2xx, no solo
	// 5xx. Usado por la resolución del passthrough scope URL (spec: 10
	// reintentos a 500ms ante cualquier fallo de red o respuesta no-2xx).
	RetryOnAnyNon2xx bool
}

// New crea un Client con timeout fijo y, por defecto, sin reintentos
// (los llamadores que necesitan reintento explícito, como la resolución
// del passthrough scope URL, configuran MaxRetries/RetryWait).
func New(name, baseURL string, timeout time.Duration) *Client {
	return &Client{
		HTTP:    &http.Client{Timeout: timeout},
		BaseURL: baseURL,
		Name:    name,
	}
}

// WithRetry devuelve una copia del cliente con política de reintento.
func (c *Client) WithRetry(maxRetries int, wait time.Duration) *Client {
	cp := *c
	cp.MaxRetries = maxRetries
	cp.RetryWait = wait
	return &cp
}

// WithRetryOnAnyNon2xx marca la copia para reintentar ante cualquier status
// fuera de 2xx, no solo 5xx.
func (c *Client) WithRetryOnAnyNon2xx() *Client {
	cp := *c
	cp.RetryOnAnyNon2xx = true
	return &cp
}

// DoJSON ejecuta method contra path (relativo a BaseURL), serializa body (si
// no es nil) como JSON y decodifica la respuesta en out (si no es nil).
// Reintenta ante errores de transporte y respuestas 5xx hasta MaxRetries
// veces, esperando RetryWait entre intentos.
func (c *Client) DoJSON(ctx context.Context, op, method, path string, body, out any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("restclient: marshal body: %w", err)
		}
		payload = b
	}

	attempts := c.MaxRetries + 1
	var lastErr error
	start := time.Now()
	defer func() {
		metrics.ClientCallLatency.WithLabelValues(c.Name, op).Observe(float64(time.Since(start).Milliseconds()))
	}()

	for i := 0; i < attempts; i++ {
		if i > 0 {
			logger.From(ctx).Warn("retrying client call",
				logger.Component(c.Name), logger.Op(op), logger.Count(i))
			select {
			case <-time.After(c.RetryWait):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		retryable := resp.StatusCode >= 500 || (c.RetryOnAnyNon2xx && (resp.StatusCode < 200 || resp.StatusCode >= 300))
		if retryable && i < attempts-1 {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			lastErr = fmt.Errorf("restclient: %s %s returned %d", method, path, resp.StatusCode)
			continue
		}

		if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
			defer resp.Body.Close()
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
				return resp, fmt.Errorf("restclient: decode response: %w", err)
			}
			return resp, nil
		}
		return resp, nil
	}
	return nil, lastErr
}
