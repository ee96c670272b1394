package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the conduit service.
type Metrics struct {
	// --- Controller ---
	OpsApplied    *prometheus.CounterVec
	OpsRejected   *prometheus.CounterVec
	OpDuration    *prometheus.HistogramVec
	Rollbacks     *prometheus.CounterVec
	ControllerSeq prometheus.Gauge

	// --- Ledger state ---
	TotalShares          *prometheus.GaugeVec
	TotalRequestedShares *prometheus.GaugeVec

	// --- Rates ---
	RateRecomputes    *prometheus.CounterVec
	RateCacheAge      *prometheus.GaugeVec
	DebtRatioCapped   *prometheus.CounterVec

	// --- Pool client ---
	PoolCalls    *prometheus.CounterVec
	PoolCallDur  *prometheus.HistogramVec
	PoolCallErrs *prometheus.CounterVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// --- HTTP API ---
	APIRequests *prometheus.CounterVec
	APIDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	opBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_ops_applied_total",
			Help: "Operations successfully applied",
		}, []string{"op", "asset"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_ops_rejected_total",
			Help: "Operations rejected (auth, disabled asset, request state)",
		}, []string{"op", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_op_duration_seconds",
			Help:    "End-to-end operation duration including pool calls",
			Buckets: opBuckets,
		}, []string{"op"}),

		Rollbacks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_ledger_rollbacks_total",
			Help: "Ledger checkpoints restored after a failed pool call",
		}, []string{"op"}),

		ControllerSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_controller_sequence",
			Help: "Current event sequence number",
		}),

		TotalShares: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_total_shares",
			Help: "Aggregate shares per asset (float approximation)",
		}, []string{"asset"}),

		TotalRequestedShares: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_total_requested_shares",
			Help: "Aggregate requested shares per asset (float approximation)",
		}, []string{"asset"}),

		RateRecomputes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_rate_recomputes_total",
			Help: "Rate cache refreshes",
		}, []string{"asset"}),

		RateCacheAge: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_rate_cache_age_seconds",
			Help: "Seconds since the rate cache was last refreshed",
		}, []string{"asset"}),

		DebtRatioCapped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_debt_ratio_capped_total",
			Help: "Recomputes where the debt ratio hit the sentinel cap",
		}, []string{"asset"}),

		PoolCalls: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_pool_calls_total",
			Help: "Calls issued to the pool",
		}, []string{"method"}),

		PoolCallDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_pool_call_duration_seconds",
			Help:    "Pool call latency",
			Buckets: opBuckets,
		}, []string{"method"}),

		PoolCallErrs: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_pool_call_errors_total",
			Help: "Pool call failures",
		}, []string{"method"}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conduit_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conduit_publish_drops_total",
			Help: "Events dropped due to full publish channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conduit_persist_backpressure_total",
			Help: "Times the controller blocked on the persist channel",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conduit_persist_events_written_total",
			Help: "Events written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "conduit_persist_batch_size",
			Help:    "Events per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "conduit_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "conduit_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "conduit_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		APIRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"endpoint", "status"}),

		APIDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
