package telemetry

import "github.com/prometheus/client_golang/prometheus"

var KeysGeneratedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kme",
		Subsystem: "keys",
		Name:      "generated_total",
		Help:      "Total number of keys generated, by origin KME ID.",
	},
	[]string{"origin_kms_id"},
)

var KeysConsumedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kme",
		Subsystem: "keys",
		Name:      "consumed_total",
		Help:      "Total number of keys consumed, by SAE pair.",
	},
	[]string{"master_sae_id", "slave_sae_id"},
)

var KeysPurgedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "kme",
		Subsystem: "keys",
		Name:      "purged_total",
		Help:      "Total number of unconsumed keys purged by TTL sweep.",
	},
)

var SyncAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kme",
		Subsystem: "sync",
		Name:      "attempts_total",
		Help:      "Total number of peer sync attempts, by outcome.",
	},
	[]string{"outcome"}, // success | partial | failed
)

var SyncDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kme",
		Subsystem: "sync",
		Name:      "duration_seconds",
		Help:      "Peer sync round-trip duration in seconds, including retries.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"outcome"},
)

var PoolHealth = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kme",
		Subsystem: "pool",
		Name:      "health",
		Help:      "Current pool health per SAE pair: 0=empty, 1=low, 2=healthy.",
	},
	[]string{"master_sae_id", "slave_sae_id"},
)

var PoolCurrentCount = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "kme",
		Subsystem: "pool",
		Name:      "current_count",
		Help:      "Current number of unconsumed keys available per SAE pair.",
	},
	[]string{"master_sae_id", "slave_sae_id"},
)

var AlertsSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "kme",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Total number of operator alerts sent, by reason.",
	},
	[]string{"reason"}, // pool_exhausted | sync_exhausted
)

var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "kme",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request handling duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"route", "method", "status"},
)

// All returns every KME-specific metric for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		KeysGeneratedTotal,
		KeysConsumedTotal,
		KeysPurgedTotal,
		SyncAttemptsTotal,
		SyncDuration,
		PoolHealth,
		PoolCurrentCount,
		AlertsSentTotal,
		HTTPRequestDuration,
	}
}
