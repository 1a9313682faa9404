package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionState tracks the current session state (one-hot over states)
	SessionState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gwcore_session_state",
			Help: "Current session state (1 for the active state)",
		},
		[]string{"state"},
	)

	// ConnectionAttempts counts connection attempts by outcome
	ConnectionAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwcore_connection_attempts_total",
			Help: "Total connection attempts",
		},
		[]string{"outcome"},
	)

	// Reconnects counts forced reconnects by cause
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwcore_reconnects_total",
			Help: "Total forced reconnects",
		},
		[]string{"cause"},
	)

	// RequestsTotal counts gated data requests by kind and result
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwcore_requests_total",
			Help: "Total data requests through the gate",
		},
		[]string{"kind", "result"},
	)

	// RequestLatency tracks gateway data request latency
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gwcore_request_latency_seconds",
			Help:    "Data request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	// GateRejections counts requests rejected before the transport
	GateRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwcore_gate_rejections_total",
			Help: "Requests rejected by the gate before any network call",
		},
		[]string{"reason"},
	)

	// ProbeLatency tracks health probe round trips
	ProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gwcore_probe_latency_seconds",
			Help:    "Health probe latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProbeFailures counts consecutive-run probe failures
	ProbeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "gwcore_probe_failures_total",
			Help: "Total failed health probes",
		},
	)

	// DataStaleness tracks the age of the most recent market data
	DataStaleness = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gwcore_data_staleness_seconds",
			Help: "Age of the most recent market data update",
		},
	)

	// SafeMode reports whether capital-preservation mode is active
	SafeMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gwcore_safe_mode_active",
			Help: "1 when capital-preservation mode is active",
		},
	)

	// Degradations counts degradation events by trigger reason
	Degradations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwcore_degradations_total",
			Help: "Total degradation events",
		},
		[]string{"reason"},
	)

	// Qualifications counts contract qualification round trips by outcome
	Qualifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gwcore_qualifications_total",
			Help: "Total contract qualification calls to the gateway",
		},
		[]string{"outcome"},
	)

	// DBConnectionPoolUsage tracks journal DB pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gwcore_db_pool_usage_percent",
			Help: "Journal database connection pool usage",
		},
	)
)
