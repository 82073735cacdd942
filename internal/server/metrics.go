package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metricsRegistry struct {
	registry           *prometheus.Registry
	locksTotal         *prometheus.CounterVec
	returnsTotal       *prometheus.CounterVec
	settlementFailures prometheus.Counter
	dlqDepth           prometheus.Gauge
}

func newMetricsRegistry() *metricsRegistry {
	locks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blokrentals_locks_total",
		Help: "Total number of deposit-locking attempts",
	}, []string{"status"})

	returns := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "blokrentals_returns_total",
		Help: "Total number of confirm-return requests",
	}, []string{"result"})

	settlementFailures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "blokrentals_settlement_failures_total",
		Help: "Settlements that exhausted retries and reverted",
	})

	dlq := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "blokrentals_dlq_depth",
		Help: "Number of items in the settlement DLQ",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(locks, returns, settlementFailures, dlq)

	return &metricsRegistry{
		registry:           r,
		locksTotal:         locks,
		returnsTotal:       returns,
		settlementFailures: settlementFailures,
		dlqDepth:           dlq,
	}
}

func (m *metricsRegistry) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metricsRegistry) incLock(status string) {
	m.locksTotal.WithLabelValues(status).Inc()
}

func (m *metricsRegistry) incReturn(result string) {
	m.returnsTotal.WithLabelValues(result).Inc()
}

func (m *metricsRegistry) incSettlementFailure() {
	m.settlementFailures.Inc()
}

func (m *metricsRegistry) setDLQDepth(depth int) {
	m.dlqDepth.Set(float64(depth))
}
