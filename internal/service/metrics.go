package service

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharding-experiment/parallel-executor/internal/executor"
)

// Metrics holds the Prometheus collectors of a Service. Each Service owns
// its registry so several can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	TransactionsTotal   prometheus.Counter
	TransactionsFailed  prometheus.Counter
	TransactionsAborted prometheus.Counter
	TransactionDuration prometheus.Histogram
	RequestsTotal       *prometheus.CounterVec
	CacheResets         prometheus.Counter
}

// NewMetrics creates the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		TransactionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Total number of transactions submitted",
		}),
		TransactionsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_failed_total",
			Help:      "Total number of transactions that could not be submitted",
		}),
		TransactionsAborted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_aborted_total",
			Help:      "Total number of transactions executed with a failure status",
		}),
		TransactionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time from submission to settlement",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code",
		}, []string{"route", "code"}),
		CacheResets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_resets_total",
			Help:      "Total number of explicit cache resets",
		}),
	}
}

// RecordTransaction records a submission outcome.
func (m *Metrics) RecordTransaction(err error, success bool, duration time.Duration) {
	m.TransactionsTotal.Inc()
	switch {
	case err != nil:
		m.TransactionsFailed.Inc()
	case !success:
		m.TransactionsAborted.Inc()
	}
	m.TransactionDuration.Observe(duration.Seconds())
}

// WatchPool exports the live state of a parallel executor's coin pool.
func (m *Metrics) WatchPool(namespace string, stats func() executor.Stats) {
	factory := promauto.With(m.registry)
	gauge := func(name, help string, value func(executor.Stats) float64) {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 { return value(stats()) })
	}
	gauge("coins", "Gas coins idle in the pool", func(s executor.Stats) float64 { return float64(s.PoolSize) })
	gauge("pending", "Gas coins checked out by running transactions", func(s executor.Stats) float64 { return float64(s.Pending) })
	gauge("source_coins", "Coins available to fund the next refill", func(s executor.Stats) float64 { return float64(s.SourceCoins) })
	gauge("busy_objects", "Objects with queued transactions", func(s executor.Stats) float64 { return float64(s.BusyObjects) })
	gauge("gas_price", "Cached reference gas price", func(s executor.Stats) float64 { return float64(s.GasPrice) })
	gauge("refills", "Pool refills performed", func(s executor.Stats) float64 { return float64(s.Refills) })
	gauge("quarantined", "Gas coins dropped after a failed submission", func(s executor.Stats) float64 { return float64(s.Quarantined) })
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
