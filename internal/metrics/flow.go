package metrics

import "github.com/prometheus/client_golang/prometheus"

// Métricas del Flow Orchestrator y de los clientes REST salientes (Gateway,
// Portal). Definidas junto a las métricas de Raft para mantener un único
// punto de registro idempotente por proceso.

var (
	FlowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_transitions_total",
		Help: "Transiciones de estado del orquestador de autorización",
	}, []string{"state", "auth_method"})

	FlowFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flow_failures_total",
		Help: "Fallas del orquestador por tipo de error OAuth2",
	}, []string{"error_kind", "auth_method"})

	ClientCallLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "client_call_latency_ms",
		Help:    "Latencia de llamadas salientes a gateway/portal",
		Buckets: prometheus.ExponentialBuckets(5, 2, 12),
	}, []string{"client", "operation"})

	CacheHits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "per_api_cache_hits_total",
		Help: "Hits/misses del caché per-API de configuración",
	}, []string{"result"}) // "hit" | "miss"
)

// RegisterFlow registra las métricas de flujo y clientes en reg (o en el
// registro por defecto si reg es nil). Idempotente.
func RegisterFlow(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{FlowTransitions, FlowFailures, ClientCallLatency, CacheHits} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
