package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics exposes counters/histograms for message dispatch.
type DispatchMetrics struct {
	dispatchTotal   *prometheus.CounterVec
	intentTotal     *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wechat",
			Subsystem: "dispatch",
			Name:      "runs_total",
			Help:      "Total dispatch runs by handler and outcome",
		}, []string{"handler", "status"}),
		intentTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wechat",
			Subsystem: "dispatch",
			Name:      "intents_total",
			Help:      "Total classified intents by category",
		}, []string{"intent", "low_confidence"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wechat",
			Subsystem: "dispatch",
			Name:      "latency_seconds",
			Help:      "Latency of full dispatch runs",
			Buckets:   prometheus.DefBuckets,
		}, []string{"handler"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchTotal, m.intentTotal, m.dispatchLatency)
	return m
}

func (m *DispatchMetrics) ObserveRun(handler, status string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(handler, status).Inc()
}

func (m *DispatchMetrics) ObserveIntent(intent string, lowConfidence bool) {
	if m == nil {
		return
	}
	label := "false"
	if lowConfidence {
		label = "true"
	}
	m.intentTotal.WithLabelValues(intent, label).Inc()
}

func (m *DispatchMetrics) ObserveLatency(handler string, seconds float64) {
	if m == nil {
		return
	}
	m.dispatchLatency.WithLabelValues(handler).Observe(seconds)
}

// GatewayMetrics exposes counters for outbound platform calls.
type GatewayMetrics struct {
	callsTotal   *prometheus.CounterVec
	rateLimited  prometheus.Counter
	tokenRefresh prometheus.Counter
}

func NewGatewayMetrics(reg prometheus.Registerer) *GatewayMetrics {
	m := &GatewayMetrics{
		callsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wechat",
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Total outbound platform calls by endpoint and status",
		}, []string{"endpoint", "status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wechat",
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Calls denied by the local quota",
		}),
		tokenRefresh: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wechat",
			Subsystem: "gateway",
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes, scheduled or forced",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.callsTotal, m.rateLimited, m.tokenRefresh)
	return m
}

func (m *GatewayMetrics) ObserveCall(endpoint, status string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(endpoint, status).Inc()
}

func (m *GatewayMetrics) ObserveRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *GatewayMetrics) ObserveTokenRefresh() {
	if m == nil {
		return
	}
	m.tokenRefresh.Inc()
}
