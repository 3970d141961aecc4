// Package config carga la configuración del servidor desde YAML con overrides
// por variable de entorno, siguiendo el mismo patrón capa por capa usado en
// el resto del proyecto: valores por defecto, luego YAML, luego entorno.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config es el árbol completo de configuración de authzrelay.
type Config struct {
	App struct {
		Env string `yaml:"env"` // dev | staging | prod
	} `yaml:"app"`

	Server struct {
		Addr        string `yaml:"addr"`
		BasePath    string `yaml:"base_path"`
		ExternalURL string `yaml:"external_url"`
	} `yaml:"server"`

	Portal struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"portal"`

	Gateway struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"gateway"`

	Cache struct {
		Kind  string `yaml:"kind"` // memory | redis
		Redis struct {
			Addr     string `yaml:"addr"`
			DB       int    `yaml:"db"`
			Password string `yaml:"password"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"cache"`

	Session struct {
		CookieName string        `yaml:"cookie_name"`
		Secret     string        `yaml:"secret"`
		TTL        time.Duration `yaml:"ttl"`
		Secure     bool          `yaml:"secure"`
		Domain     string        `yaml:"domain"`
	} `yaml:"session"`

	AuthMethods []AuthMethodConfig `yaml:"authMethods"`

	Cluster struct {
		Mode     string            `yaml:"mode"` // off | embedded
		NodeID   string            `yaml:"node_id"`
		RaftAddr string            `yaml:"raft_addr"`
		Nodes    map[string]string `yaml:"nodes"`
	} `yaml:"cluster"`
}

// AuthMethodConfig describe un método de autenticación montado por el
// Dispatcher bajo /{authMethodId}.
type AuthMethodConfig struct {
	Name    string         `yaml:"name"`
	Type    string         `yaml:"type"` // local | social | dummy | saml
	Enabled bool           `yaml:"enabled"`
	Config  map[string]any `yaml:"config"`
}

// Load lee path, aplica defaults, overrides de entorno y valida.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, err
	}

	c.applyDefaults()
	c.applyEnvOverrides()

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.Cache.Redis.Prefix == "" {
		c.Cache.Redis.Prefix = "authzrelay"
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = "portal-auth.cookie.sid"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = 60 * time.Minute
	}
	if c.Portal.Timeout == 0 {
		c.Portal.Timeout = 5 * time.Second
	}
	if c.Gateway.Timeout == 0 {
		c.Gateway.Timeout = 5 * time.Second
	}
	if strings.TrimSpace(c.Cluster.Mode) == "" {
		c.Cluster.Mode = "off"
	}
	if c.Cluster.Nodes == nil {
		c.Cluster.Nodes = map[string]string{}
	}
}

// Validate verifica invariantes que no pueden resolverse con un default.
func (c *Config) Validate() error {
	if !strings.EqualFold(c.App.Env, "dev") && strings.TrimSpace(c.Session.Secret) == "" {
		return fmt.Errorf("config: session.secret es obligatorio fuera de app.env=dev")
	}
	if c.Portal.BaseURL == "" {
		return fmt.Errorf("config: portal.base_url es obligatorio")
	}
	if c.Gateway.BaseURL == "" {
		return fmt.Errorf("config: gateway.base_url es obligatorio")
	}
	return nil
}

// ---- Helpers env ----

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(key)
	return v, v != ""
}
func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}
func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
func getEnvDur(key string) (time.Duration, bool) {
	if s, ok := getEnvStr(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil {
			return d, true
		}
	}
	return 0, false
}

// applyEnvOverrides pisa config.yaml con variables de entorno; usado para
// inyectar secretos en despliegues (el secreto de sesión nunca va en YAML
// comiteado a control de versiones).
func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("AUTHZRELAY_ENV"); ok {
		c.App.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("AUTHZRELAY_ADDR"); ok {
		c.Server.Addr = v
	}
	if v, ok := getEnvStr("AUTHZRELAY_EXTERNAL_URL"); ok {
		c.Server.ExternalURL = v
	}
	if v, ok := getEnvStr("PORTAL_BASE_URL"); ok {
		c.Portal.BaseURL = v
	}
	if v, ok := getEnvDur("PORTAL_TIMEOUT"); ok {
		c.Portal.Timeout = v
	}
	if v, ok := getEnvStr("GATEWAY_BASE_URL"); ok {
		c.Gateway.BaseURL = v
	}
	if v, ok := getEnvDur("GATEWAY_TIMEOUT"); ok {
		c.Gateway.Timeout = v
	}
	if v, ok := getEnvStr("CACHE_KIND"); ok {
		c.Cache.Kind = v
	}
	if v, ok := getEnvStr("REDIS_ADDR"); ok {
		c.Cache.Redis.Addr = v
	}
	if v, ok := getEnvInt("REDIS_DB"); ok {
		c.Cache.Redis.DB = v
	}
	if v, ok := getEnvStr("REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := getEnvStr("AUTH_SERVER_SESSION_SECRET"); ok {
		c.Session.Secret = v
	}
	if v, ok := getEnvStr("AUTH_SERVER_SESSION_COOKIE_NAME"); ok {
		c.Session.CookieName = v
	}
	if v, ok := getEnvDur("AUTH_SERVER_SESSION_TTL"); ok {
		c.Session.TTL = v
	}
	if v, ok := getEnvBool("AUTH_SERVER_SESSION_SECURE"); ok {
		c.Session.Secure = v
	}
	if v, ok := getEnvStr("CLUSTER_MODE"); ok {
		c.Cluster.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v, ok := getEnvStr("NODE_ID"); ok {
		c.Cluster.NodeID = strings.TrimSpace(v)
	}
	if v, ok := getEnvStr("RAFT_ADDR"); ok {
		c.Cluster.RaftAddr = strings.TrimSpace(v)
	}
}
