package metrics

import "github.com/prometheus/client_golang/prometheus"

// SchedulingMetrics exposes counters and histograms for booking, lifecycle
// and payment reconciliation.
type SchedulingMetrics struct {
	bookingsTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
	paymentsTotal    *prometheus.CounterVec
	webhooksTotal    *prometheus.CounterVec
	sideEffectsTotal *prometheus.CounterVec
	opLatency        *prometheus.HistogramVec
}

func NewSchedulingMetrics(reg prometheus.Registerer) *SchedulingMetrics {
	m := &SchedulingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by flow and outcome",
		}, []string{"flow", "outcome"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "appointment",
			Name:      "transitions_total",
			Help:      "Appointment status transitions",
		}, []string{"to", "trigger"}),
		paymentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "payments",
			Name:      "reconciliations_total",
			Help:      "Payment intent outcomes",
		}, []string{"outcome"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "payments",
			Name:      "webhook_total",
			Help:      "Processor webhook deliveries",
		}, []string{"event_type", "status"}),
		sideEffectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telemed",
			Subsystem: "collaborator",
			Name:      "calls_total",
			Help:      "Best-effort collaborator calls (video, notification)",
		}, []string{"collaborator", "status"}),
		opLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telemed",
			Subsystem: "core",
			Name:      "operation_seconds",
			Help:      "Latency of core scheduling operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.transitionsTotal, m.paymentsTotal, m.webhooksTotal, m.sideEffectsTotal, m.opLatency)
	return m
}

func (m *SchedulingMetrics) ObserveBooking(flow, outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(flow, outcome).Inc()
}

func (m *SchedulingMetrics) ObserveTransition(to, trigger string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(to, trigger).Inc()
}

func (m *SchedulingMetrics) ObservePayment(outcome string) {
	if m == nil {
		return
	}
	m.paymentsTotal.WithLabelValues(outcome).Inc()
}

func (m *SchedulingMetrics) ObserveWebhook(eventType, status string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(eventType, status).Inc()
}

func (m *SchedulingMetrics) ObserveSideEffect(collaborator string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.sideEffectsTotal.WithLabelValues(collaborator, status).Inc()
}

func (m *SchedulingMetrics) ObserveLatency(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.opLatency.WithLabelValues(operation).Observe(seconds)
}
