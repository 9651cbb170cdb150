package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConversationMetrics covers the turn pipeline. It satisfies the observer
// interfaces of the intent, dedup, dispatch and escalation packages.
type ConversationMetrics struct {
	classifications  *prometheus.CounterVec
	llmFallbacks     *prometheus.CounterVec
	duplicates       *prometheus.CounterVec
	storeUnavailable *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dispatchFailures prometheus.Counter
	escalations      *prometheus.CounterVec
	transitions      *prometheus.CounterVec
	turnLatency      *prometheus.HistogramVec
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intent",
			Name:      "classifications_total",
			Help:      "Classified turns by intent kind and source",
		}, []string{"kind", "source"}),
		llmFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "intent",
			Name:      "llm_fallback_total",
			Help:      "Model fallback calls by result",
		}, []string{"result"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "duplicates_total",
			Help:      "Inbound messages rejected as duplicates by reason",
		}, []string{"reason"}),
		storeUnavailable: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dedup",
			Name:      "store_unavailable_total",
			Help:      "Durable store failures that left a message unclaimed",
		}, []string{"stage"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "replies_total",
			Help:      "Reply dispatches by outcome",
		}, []string{"outcome"}),
		dispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_failures_total",
			Help:      "Turns where both the reply and the apology failed",
		}),
		escalations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escalation",
			Name:      "handoffs_total",
			Help:      "Handoffs created by target and trigger",
		}, []string{"target", "trigger"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "State machine transitions",
		}, []string{"from", "to", "action"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "conversation",
			Name:      "turn_seconds",
			Help:      "End-to-end turn processing time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.classifications, m.llmFallbacks, m.duplicates, m.storeUnavailable,
		m.dispatches, m.dispatchFailures, m.escalations, m.transitions, m.turnLatency,
	)
	return m
}

func (m *ConversationMetrics) ObserveClassification(kind, source string) {
	if m == nil {
		return
	}
	m.classifications.WithLabelValues(kind, source).Inc()
}

func (m *ConversationMetrics) ObserveLLMFallback(result string) {
	if m == nil {
		return
	}
	m.llmFallbacks.WithLabelValues(result).Inc()
}

func (m *ConversationMetrics) ObserveDuplicate(reason string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(reason).Inc()
}

func (m *ConversationMetrics) ObserveStoreUnavailable(stage string) {
	if m == nil {
		return
	}
	m.storeUnavailable.WithLabelValues(stage).Inc()
}

func (m *ConversationMetrics) ObserveDispatch(outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(outcome).Inc()
}

func (m *ConversationMetrics) ObserveDispatchFailure() {
	if m == nil {
		return
	}
	m.dispatchFailures.Inc()
}

func (m *ConversationMetrics) ObserveEscalation(target, trigger string) {
	if m == nil {
		return
	}
	m.escalations.WithLabelValues(target, trigger).Inc()
}

func (m *ConversationMetrics) ObserveTransition(from, to, action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to, action).Inc()
}

func (m *ConversationMetrics) ObserveTurn(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.turnLatency.WithLabelValues(outcome).Observe(seconds)
}
