package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the fire scheduler and POS dispatch path
var (
	DispatchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_attempts_total",
			Help: "Total number of dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	SchedulesFiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedules_fired_total",
			Help: "Total number of schedules delivered to a POS device",
		},
	)

	SchedulesTerminalFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedules_terminal_failed_total",
			Help: "Total number of schedules that exhausted the retry ceiling",
		},
	)

	SchedulesReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "schedules_reclaimed_total",
			Help: "Total number of stalled firing schedules reclaimed by the scan loop",
		},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dispatch_duration_seconds",
			Help:    "Duration of dispatch attempts including the acknowledgment wait",
			Buckets: prometheus.DefBuckets,
		},
	)

	LiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pos_live_connections",
			Help: "Current number of live POS connections per tenant",
		},
		[]string{"tenant_id"},
	)

	ScanErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "scheduler_scan_errors_total",
			Help: "Total number of scan cycles skipped because the store was unavailable",
		},
	)
)

// Register registers all Prometheus metrics
func Register() {
	prometheus.MustRegister(DispatchAttemptsTotal)
	prometheus.MustRegister(SchedulesFiredTotal)
	prometheus.MustRegister(SchedulesTerminalFailedTotal)
	prometheus.MustRegister(SchedulesReclaimedTotal)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(LiveConnections)
	prometheus.MustRegister(ScanErrorsTotal)
}

// ResetLiveConnections clears per-tenant connection gauges on shutdown.
func ResetLiveConnections() {
	LiveConnections.Reset()
}
