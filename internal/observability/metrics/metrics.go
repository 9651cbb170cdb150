package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "flightdesk"

// MessagingMetrics exposes counters/histograms for the webhook edge.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	unsignedTotal  prometheus.Counter
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound gateway webhooks by event and outcome",
		}, []string{"event_type", "outcome"}),
		unsignedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "unsigned_webhook_total",
			Help:      "Webhooks accepted without a signature header",
		}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Time from webhook receipt to acknowledgement",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 1.5, 2, 5},
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.unsignedTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(eventType, outcome string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *MessagingMetrics) ObserveUnsigned() {
	if m == nil {
		return
	}
	m.unsignedTotal.Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
