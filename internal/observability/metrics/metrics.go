package metrics

import "github.com/prometheus/client_golang/prometheus"

// ConversationMetrics exposes counters/histograms for the debounce buffer,
// turn orchestration, and humanized delivery.
type ConversationMetrics struct {
	flushTotal        *prometheus.CounterVec
	batchSize         prometheus.Histogram
	turnTotal         *prometheus.CounterVec
	turnLatency       prometheus.Histogram
	unitsSentTotal    *prometheus.CounterVec
	interruptionTotal *prometheus.CounterVec
	evictionsTotal    prometheus.Counter
}

func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		flushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "flush_total",
			Help:      "Total debounce buffer flushes",
		}, []string{"reason"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "batch_size",
			Help:      "Events per flushed batch",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 21},
		}),
		turnTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "turn_total",
			Help:      "Total reasoning turns",
		}, []string{"status"}),
		turnLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "turn_latency_seconds",
			Help:      "Latency of one reasoning turn including delivery",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		unitsSentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "units_sent_total",
			Help:      "Delivery units sent, by kind and outcome",
		}, []string{"kind", "status"}),
		interruptionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "interruption_total",
			Help:      "Delivery sessions interrupted by new inbound activity",
		}, []string{"policy"}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "conversation",
			Name:      "evictions_total",
			Help:      "Idle conversation states evicted from the registry",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.flushTotal, m.batchSize, m.turnTotal, m.turnLatency,
		m.unitsSentTotal, m.interruptionTotal, m.evictionsTotal)
	return m
}

func (m *ConversationMetrics) ObserveFlush(reason string, batchSize int) {
	if m == nil {
		return
	}
	m.flushTotal.WithLabelValues(reason).Inc()
	m.batchSize.Observe(float64(batchSize))
}

func (m *ConversationMetrics) ObserveTurn(status string, seconds float64) {
	if m == nil {
		return
	}
	m.turnTotal.WithLabelValues(status).Inc()
	m.turnLatency.Observe(seconds)
}

func (m *ConversationMetrics) ObserveUnitSent(kind, status string) {
	if m == nil {
		return
	}
	m.unitsSentTotal.WithLabelValues(kind, status).Inc()
}

func (m *ConversationMetrics) ObserveInterruption(policy string) {
	if m == nil {
		return
	}
	m.interruptionTotal.WithLabelValues(policy).Inc()
}

func (m *ConversationMetrics) ObserveEviction(count int) {
	if m == nil {
		return
	}
	m.evictionsTotal.Add(float64(count))
}

// MessagingMetrics exposes counters/histograms for webhook and transport flows.
type MessagingMetrics struct {
	inboundTotal   *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewMessagingMetrics(reg prometheus.Registerer) *MessagingMetrics {
	m := &MessagingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "messaging",
			Name:      "inbound_webhook_total",
			Help:      "Total inbound Evolution webhooks",
		}, []string{"event_type", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "whatsflow",
			Subsystem: "messaging",
			Name:      "outbound_total",
			Help:      "Total outbound Evolution sends",
		}, []string{"kind", "status"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "whatsflow",
			Subsystem: "messaging",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of Evolution webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.webhookLatency)
	return m
}

func (m *MessagingMetrics) ObserveInbound(eventType, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(eventType, status).Inc()
}

func (m *MessagingMetrics) ObserveOutbound(kind, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(kind, status).Inc()
}

func (m *MessagingMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
