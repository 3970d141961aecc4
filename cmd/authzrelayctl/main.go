// Comando authzrelayctl: CLI de administración sobre el Grant Manager de un
// auth method (GET/POST /{authMethodId}/grants), en el mismo estilo de
// cliente HTTP fino + cobra del CLI admin de referencia.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type client struct {
	BaseURL   string
	SessionCk string
	OutFormat string
	HTTP      *http.Client
}

func (c *client) do(method, path string, form url.Values) (int, []byte, error) {
	u := strings.TrimRight(c.BaseURL, "/") + path
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		return 0, nil, err
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if c.SessionCk != "" {
		req.Header.Set("Cookie", c.SessionCk)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, b, nil
}

func (c *client) print(status int, body []byte) {
	if c.OutFormat == "json" {
		var v any
		if json.Unmarshal(body, &v) == nil {
			p, _ := json.MarshalIndent(v, "", "  ")
			fmt.Println(string(p))
			return
		}
	}
	if len(body) > 0 {
		fmt.Println(string(body))
	} else {
		fmt.Printf("status=%d\n", status)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	var (
		baseURL = envOr("AUTHZRELAY_BASE_URL", "http://localhost:8080/local")
		session = envOr("AUTHZRELAY_SESSION_COOKIE", "")
		out     = envOr("AUTHZRELAY_OUT", "text")
		timeout = 15 * time.Second
	)

	root := &cobra.Command{
		Use:   "authzrelayctl",
		Short: "CLI sobre el Grant Manager de un auth method",
	}
	root.PersistentFlags().StringVar(&baseURL, "base-url", baseURL, "URL base del auth method, ej. http://localhost:8080/local (env AUTHZRELAY_BASE_URL)")
	root.PersistentFlags().StringVar(&session, "session-cookie", session, "valor completo del header Cookie de una sesión ya logueada (env AUTHZRELAY_SESSION_COOKIE)")
	root.PersistentFlags().StringVar(&out, "out", out, "Formato de salida: json|text")

	cl := &client{OutFormat: out, HTTP: &http.Client{Timeout: timeout}}
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if session == "" {
			return fmt.Errorf("falta la cookie de sesión (flag --session-cookie o env AUTHZRELAY_SESSION_COOKIE)")
		}
		cl.BaseURL = baseURL
		cl.SessionCk = session
		cl.OutFormat = out
		return nil
	}

	grantsCmd := &cobra.Command{Use: "grants", Short: "Operaciones sobre concesiones de scope"}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Lista las concesiones del usuario autenticado",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := cl.do(http.MethodGet, "/grants", nil)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("list fallo: status=%d body=%s", status, string(body))
			}
			cl.print(status, body)
			return nil
		},
	}

	var revAppID, revAPIID, revCSRF string
	revokeCmd := &cobra.Command{
		Use:   "revoke",
		Short: "Revoca la concesión de (appId, apiId) del usuario autenticado",
		RunE: func(cmd *cobra.Command, args []string) error {
			if revAppID == "" || revAPIID == "" {
				return fmt.Errorf("--app-id y --api-id son requeridos")
			}
			if revCSRF == "" {
				return fmt.Errorf("--csrf-token es requerido (tomalo del form de /grants previamente renderizado)")
			}
			form := url.Values{}
			form.Set("appId", revAppID)
			form.Set("apiId", revAPIID)
			form.Set("csrf_token", revCSRF)
			status, body, err := cl.do(http.MethodPost, "/grants", form)
			if err != nil {
				return err
			}
			if status/100 != 2 {
				return fmt.Errorf("revoke fallo: status=%d body=%s", status, string(body))
			}
			if cl.OutFormat == "text" {
				fmt.Println("ok")
				return nil
			}
			cl.print(status, []byte(`{"ok":true}`))
			return nil
		},
	}
	revokeCmd.Flags().StringVar(&revAppID, "app-id", "", "id de la aplicación")
	revokeCmd.Flags().StringVar(&revAPIID, "api-id", "", "id de la api")
	revokeCmd.Flags().StringVar(&revCSRF, "csrf-token", "", "token csrf de un solo uso de la sesión activa")

	grantsCmd.AddCommand(listCmd)
	grantsCmd.AddCommand(revokeCmd)
	root.AddCommand(grantsCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
