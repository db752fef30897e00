// internal/observability/metrics.go
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the bot. All methods
// are safe to call on a nil *Metrics.
type Metrics struct {
	registry prometheus.Gatherer

	Interactions    *prometheus.CounterVec
	CommandCooldown *prometheus.CounterVec
	GatewayRequests *prometheus.CounterVec
	GatewayLatency  *prometheus.HistogramVec
	ContextWrites   *prometheus.CounterVec
	VoiceSessions   prometheus.Gauge
}

// NewMetrics registers the instruments on a fresh registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Interactions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interactions_total",
			Help:      "Handled interactions by type, command and outcome.",
		}, []string{"type", "command", "outcome"}),
		CommandCooldown: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_cooldown_rejections_total",
			Help:      "Slash commands rejected by cooldown.",
		}, []string{"command"}),
		GatewayRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_requests_total",
			Help:      "Requests to the external AI services by service, operation and outcome.",
		}, []string{"service", "op", "outcome"}),
		GatewayLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_request_duration_seconds",
			Help:      "Latency of requests to the external AI services.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"service", "op"}),
		ContextWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_writes_total",
			Help:      "Conversation context writes by outcome.",
		}, []string{"outcome"}),
		VoiceSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_voice_sessions",
			Help:      "Number of active voice sessions.",
		}),
	}
}

func (m *Metrics) ObserveInteraction(typ, command, outcome string) {
	if m == nil {
		return
	}
	m.Interactions.WithLabelValues(typ, command, outcome).Inc()
}

func (m *Metrics) ObserveCooldown(command string) {
	if m == nil {
		return
	}
	m.CommandCooldown.WithLabelValues(command).Inc()
}

func (m *Metrics) ObserveGateway(service, op, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(service, op, outcome).Inc()
	m.GatewayLatency.WithLabelValues(service, op).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveContextWrite(outcome string) {
	if m == nil {
		return
	}
	m.ContextWrites.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetVoiceSessions(n int) {
	if m == nil {
		return
	}
	m.VoiceSessions.Set(float64(n))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
