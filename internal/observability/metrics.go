package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls         prometheus.Gauge
	CallEvents          *prometheus.CounterVec
	EscalationSteps     *prometheus.CounterVec
	Escalations         *prometheus.CounterVec
	ProviderRequests    *prometheus.CounterVec
	ProviderErrors      *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	ProviderInputBytes  *prometheus.CounterVec
	BackendRequests     *prometheus.CounterVec
	AuthFailures        *prometheus.CounterVec
	WebhookEvents       *prometheus.CounterVec
	StreamFrames        *prometheus.CounterVec
	StreamDroppedFrames *prometheus.CounterVec
	BusDroppedEvents    *prometheus.CounterVec
	OutboxDepth         prometheus.Gauge
	ClipCacheEvents     *prometheus.CounterVec
	CallResultOutcomes  *prometheus.CounterVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of active call sessions.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call session events by type.",
		}, []string{"event"}),
		EscalationSteps: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_steps_total",
			Help:      "Escalation steps by flow, channel and result.",
		}, []string{"flow", "channel", "result"}),
		Escalations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalations_total",
			Help:      "Escalation lifecycle events by flow and event.",
		}, []string{"flow", "event"}),
		ProviderRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Speech provider requests by kind, provider and result.",
		}, []string{"kind", "provider", "result"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider errors by provider and code.",
		}, []string{"provider", "code"}),
		ProviderLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_ms",
			Help:      "Speech provider request latency in milliseconds.",
			Buckets:   []float64{50, 100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		}, []string{"kind", "provider"}),
		ProviderInputBytes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_input_bytes_total",
			Help:      "Input size per provider request: bytes for audio, characters for text.",
		}, []string{"kind", "provider"}),
		BackendRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backend_requests_total",
			Help:      "Core backend requests by operation and result.",
		}, []string{"op", "result"}),
		AuthFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Rejected inbound requests by surface.",
		}, []string{"surface"}),
		WebhookEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Inbound telephony webhook events by path and result.",
		}, []string{"path", "result"}),
		StreamFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Audio stream frames by direction.",
		}, []string{"direction"}),
		StreamDroppedFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_dropped_frames_total",
			Help:      "Audio stream frames dropped by reason.",
		}, []string{"reason"}),
		BusDroppedEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "In-process bus events dropped by topic.",
		}, []string{"topic"}),
		OutboxDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outbox_depth",
			Help:      "Pending entries in the durable outbound queue.",
		}),
		ClipCacheEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clip_cache_events_total",
			Help:      "Pre-synthesized clip cache events (hit, miss, evict).",
		}, []string{"event"}),
		CallResultOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_result_outcomes_total",
			Help:      "Terminal call outcomes reported to the core backend.",
		}, []string{"purpose", "outcome"}),
	}
}

func (m *Metrics) ObserveProviderRequest(kind, provider, result string, latency time.Duration, inputSize int) {
	m.ProviderRequests.WithLabelValues(kind, provider, result).Inc()
	m.ProviderLatency.WithLabelValues(kind, provider).Observe(float64(latency.Milliseconds()))
	if inputSize > 0 {
		m.ProviderInputBytes.WithLabelValues(kind, provider).Add(float64(inputSize))
	}
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
