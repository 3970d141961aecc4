// Package app implementa el Dispatcher: el contenedor de inyección de
// dependencias que lee config.Config y monta un oauth2router.New(...) por
// cada auth method configurado, bajo /{authMethodId}. El patrón -- un
// Container que construye sus colaboradores una vez al arrancar y expone un
// único http.Handler raíz -- está tomado del Container de referencia
// (internal/app/v1/app.go), generalizado de un árbol de rutas fijo a N
// auth methods montados dinámicamente según config.AuthMethods.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/authzrelay/authzrelay/internal/cache"
	"github.com/authzrelay/authzrelay/internal/cluster"
	"github.com/authzrelay/authzrelay/internal/config"
	"github.com/authzrelay/authzrelay/internal/flow"
	"github.com/authzrelay/authzrelay/internal/gateway"
	"github.com/authzrelay/authzrelay/internal/idp"
	"github.com/authzrelay/authzrelay/internal/idp/dummy"
	"github.com/authzrelay/authzrelay/internal/idp/local"
	"github.com/authzrelay/authzrelay/internal/idp/saml"
	"github.com/authzrelay/authzrelay/internal/idp/social"
	"github.com/authzrelay/authzrelay/internal/metrics"
	"github.com/authzrelay/authzrelay/internal/oauth2router"
	"github.com/authzrelay/authzrelay/internal/observability/logger"
	"github.com/authzrelay/authzrelay/internal/portal"
	"github.com/authzrelay/authzrelay/internal/profilestore"
	"github.com/authzrelay/authzrelay/internal/rate"
	"github.com/authzrelay/authzrelay/internal/session"
	"github.com/go-chi/chi/v5"
	rdb "github.com/redis/go-redis/v9"
)

// Container agrupa los colaboradores compartidos por todos los auth methods
// (Portal Client, Gateway Client, Session Store, Profile Store) más un
// Router por auth method montado en Mux.
type Container struct {
	cfg *config.Config

	Portal   *portal.Client
	Gateway  *gateway.Client
	Sessions *session.Store
	Profiles *profilestore.Store

	cacheClient cache.Client
	redis       *rdb.Client

	Cluster *cluster.Node

	Mux chi.Router
}

// New construye el Dispatcher completo a partir de la configuración
// cargada: colaboradores compartidos primero, luego un oauth2router.New por
// cada entrada de cfg.AuthMethods habilitada.
func New(cfg *config.Config) (*Container, error) {
	logger.Init(logger.Config{Env: cfg.App.Env, ServiceName: "authzrelay"})
	if err := metrics.RegisterFlow(nil); err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}
	if err := metrics.RegisterRaft(nil); err != nil {
		return nil, fmt.Errorf("app: metrics: %w", err)
	}

	cacheClient, err := cache.New(cache.Config{
		Driver:   cfg.Cache.Kind,
		Host:     hostOf(cfg.Cache.Redis.Addr),
		Port:     portOf(cfg.Cache.Redis.Addr),
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("app: cache: %w", err)
	}

	portalClient := portal.New(cfg.Portal.BaseURL, cfg.Portal.Timeout)
	fetcher := gateway.NewDefaultConfigFetcher(portalClient, cfg.Gateway.BaseURL, cfg.Gateway.Timeout)
	localTLS := strings.EqualFold(cfg.App.Env, "dev")
	gatewayClient := gateway.New(cfg.Gateway.BaseURL, cfg.Gateway.Timeout, fetcher, localTLS, localTLS)

	sessions := session.New(cacheClient, session.Config{
		CookieName: cfg.Session.CookieName,
		Secret:     cfg.Session.Secret,
		TTL:        cfg.Session.TTL,
		Secure:     cfg.Session.Secure,
		Domain:     cfg.Session.Domain,
	})
	profiles := profilestore.New(cacheClient, cfg.Session.TTL)

	orchestrator := flow.New(gatewayClient, portalClient, profiles)

	var limiter rate.Limiter
	var redisClient *rdb.Client
	if strings.EqualFold(cfg.Cache.Kind, "redis") {
		redisClient = rdb.NewClient(&rdb.Options{
			Addr:     fmt.Sprintf("%s:%d", hostOf(cfg.Cache.Redis.Addr), portOf(cfg.Cache.Redis.Addr)),
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		limiter = rate.NewRedisLimiter(redisClient, cfg.Cache.Redis.Prefix+":rl:", 60, time.Minute)
	}

	c := &Container{
		cfg:         cfg,
		Portal:      portalClient,
		Gateway:     gatewayClient,
		Sessions:    sessions,
		Profiles:    profiles,
		cacheClient: cacheClient,
		redis:       redisClient,
	}

	if strings.EqualFold(cfg.Cluster.Mode, "embedded") {
		node, err := buildClusterNode(cfg, gatewayClient)
		if err != nil {
			return nil, fmt.Errorf("app: cluster: %w", err)
		}
		c.Cluster = node
	}

	root := chi.NewRouter()
	for _, am := range cfg.AuthMethods {
		if !am.Enabled {
			continue
		}
		provider, err := buildProvider(am)
		if err != nil {
			return nil, fmt.Errorf("app: auth method %q: %w", am.Name, err)
		}
		router := oauth2router.New(oauth2router.Deps{
			AuthMethodID: am.Name,
			Provider:     provider,
			Orchestrator: orchestrator,
			Gateway:      gatewayClient,
			Portal:       portalClient,
			Profiles:     profiles,
			Sessions:     sessions,
			RateLimit:    limiter,
		})
		root.Mount("/"+am.Name, router)
		logger.L().Info("auth method montado",
			logger.AuthMethodID(am.Name),
			logger.String("type", am.Type))
	}

	if c.Cluster != nil {
		root.Post("/admin/cache/invalidate/{apiId}", c.handleInvalidate)
	}

	c.Mux = root

	return c, nil
}

// buildClusterNode arranca el nodo Raft que replica comandos de invalidación
// de caché entre réplicas cuando cfg.cluster.mode=embedded; la aplicación de
// la mutación en cada réplica (líder o seguidor) desaloja directamente la
// entrada cacheada del Gateway Client.
func buildClusterNode(cfg *config.Config, gw *gateway.Client) (*cluster.Node, error) {
	raftDir := strings.TrimSpace(os.Getenv("AUTHZRELAY_RAFT_DIR"))
	if raftDir == "" {
		raftDir = filepath.Join("data", "raft", cfg.Cluster.NodeID)
	}
	fsm := cluster.NewFSM(gw.Invalidate)
	return cluster.NewNode(cluster.NodeOptions{
		NodeID:   cfg.Cluster.NodeID,
		RaftAddr: cfg.Cluster.RaftAddr,
		RaftDir:  raftDir,
		FSM:      fsm,
		Peers:    cfg.Cluster.Nodes,
	})
}

// handleInvalidate implementa POST /admin/cache/invalidate/{apiId}: replica
// un MutationInvalidateAPICache por Raft para que todas las réplicas
// desalojen su entrada cacheada del mismo API id.
func (c *Container) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	apiID := chi.URLParam(r, "apiId")
	if apiID == "" {
		http.Error(w, "apiId requerido", http.StatusBadRequest)
		return
	}
	_, err := c.Cluster.Apply(r.Context(), cluster.Mutation{
		Type:   cluster.MutationInvalidateAPICache,
		Key:    apiID,
		TsUnix: time.Now().Unix(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// buildProvider construye el idp.Provider concreto de un auth method según
// su Type, leyendo los parámetros específicos de Config (map[string]any
// proveniente del YAML).
func buildProvider(am config.AuthMethodConfig) (idp.Provider, error) {
	switch strings.ToLower(am.Type) {
	case "local":
		return local.New(), nil
	case "dummy":
		return dummy.New(), nil
	case "saml":
		return saml.New(strOf(am.Config["acsPath"])), nil
	case "social":
		return social.New(social.Config{
			Name:         am.Name,
			DiscoveryURL: strOf(am.Config["discoveryUrl"]),
			ClientID:     strOf(am.Config["clientId"]),
			ClientSecret: strOf(am.Config["clientSecret"]),
			RedirectURL:  strOf(am.Config["redirectUrl"]),
			Scopes:       strSliceOf(am.Config["scopes"]),
			CallbackPath: strOf(am.Config["callbackPath"]),
		}), nil
	default:
		return nil, fmt.Errorf("tipo de idp desconocido: %q", am.Type)
	}
}

func strOf(v any) string {
	s, _ := v.(string)
	return s
}

func strSliceOf(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func portOf(addr string) int {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		var p int
		_, _ = fmt.Sscanf(addr[i+1:], "%d", &p)
		if p != 0 {
			return p
		}
	}
	return 6379
}

// ServeHTTP hace del Container en sí mismo el http.Handler raíz del
// servidor.
func (c *Container) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.Mux.ServeHTTP(w, r)
}

// Close libera los colaboradores del Container que mantienen conexiones
// abiertas (el cliente de cache).
func (c *Container) Close(ctx context.Context) error {
	if c.Cluster != nil {
		_ = c.Cluster.Close()
	}
	return c.cacheClient.Close()
}
