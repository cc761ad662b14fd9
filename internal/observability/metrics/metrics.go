package metrics

import "github.com/prometheus/client_golang/prometheus"

// DispatchMetrics exposes counters/histograms/gauges for the call engine.
type DispatchMetrics struct {
	dispatchTotal    *prometheus.CounterVec
	stageSeconds     *prometheus.HistogramVec
	gateWaitSeconds  prometheus.Histogram
	gateRejections   *prometheus.CounterVec
	webhookEvents    *prometheus.CounterVec
	sweeperExpired   *prometheus.CounterVec
	campaignContacts *prometheus.CounterVec
	activeCalls      prometheus.Gauge
}

func NewDispatchMetrics(reg prometheus.Registerer) *DispatchMetrics {
	m := &DispatchMetrics{
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialgrid",
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Total dispatch attempts by provider and outcome",
		}, []string{"provider", "outcome"}),
		stageSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dialgrid",
			Subsystem: "dispatch",
			Name:      "stage_seconds",
			Help:      "Time spent per pipeline stage",
			Buckets:   prometheus.DefBuckets,
		}, []string{"stage"}),
		gateWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dialgrid",
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for a concurrency slot",
			Buckets:   []float64{0.01, 0.1, 1, 2, 5, 15, 60, 300, 1800},
		}),
		gateRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialgrid",
			Subsystem: "gate",
			Name:      "rejections_total",
			Help:      "Gate denials by limiting scope",
		}, []string{"scope"}),
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialgrid",
			Subsystem: "webhook",
			Name:      "events_total",
			Help:      "Provider webhook events received",
		}, []string{"provider", "event"}),
		sweeperExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialgrid",
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Calls expired by the timeout sweeper",
		}, []string{"mode"}),
		campaignContacts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dialgrid",
			Subsystem: "campaign",
			Name:      "contacts_total",
			Help:      "Campaign contacts processed by outcome",
		}, []string{"outcome"}),
		activeCalls: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dialgrid",
			Name:      "active_calls",
			Help:      "Calls currently counted against concurrency caps",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.dispatchTotal, m.stageSeconds, m.gateWaitSeconds,
		m.gateRejections, m.webhookEvents, m.sweeperExpired, m.campaignContacts, m.activeCalls)
	return m
}

func (m *DispatchMetrics) ObserveDispatch(provider, outcome string) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(provider, outcome).Inc()
}

func (m *DispatchMetrics) ObserveStage(stage string, seconds float64) {
	if m == nil {
		return
	}
	m.stageSeconds.WithLabelValues(stage).Observe(seconds)
}

func (m *DispatchMetrics) ObserveGateWait(seconds float64) {
	if m == nil {
		return
	}
	m.gateWaitSeconds.Observe(seconds)
}

func (m *DispatchMetrics) ObserveGateRejection(scope string) {
	if m == nil {
		return
	}
	m.gateRejections.WithLabelValues(scope).Inc()
}

func (m *DispatchMetrics) ObserveWebhook(provider, event string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(provider, event).Inc()
}

func (m *DispatchMetrics) ObserveSweep(mode string, expired int64) {
	if m == nil {
		return
	}
	m.sweeperExpired.WithLabelValues(mode).Add(float64(expired))
}

func (m *DispatchMetrics) ObserveContact(outcome string) {
	if m == nil {
		return
	}
	m.campaignContacts.WithLabelValues(outcome).Inc()
}

func (m *DispatchMetrics) SetActiveCalls(n int) {
	if m == nil {
		return
	}
	m.activeCalls.Set(float64(n))
}
