package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Asset metrics
	AssetsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kapp_assets_total",
			Help: "Total number of assets by status",
		},
		[]string{"status"},
	)

	AssetsRegisteredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_assets_registered_total",
			Help: "Total number of assets submitted through Register",
		},
	)

	AssetsPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_assets_published_total",
			Help: "Total number of assets that reached the published state",
		},
	)

	AssetsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_assets_failed_total",
			Help: "Total number of assets that reached terminal failure",
		},
	)

	// Wallet metrics
	WalletsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapp_wallets_total",
			Help: "Total number of wallets registered in the pool",
		},
	)

	WalletsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapp_wallets_available",
			Help: "Number of wallets currently unlocked and active",
		},
	)

	WalletsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapp_wallets_in_use",
			Help: "Number of wallets currently leased",
		},
	)

	WalletLeaseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapp_wallet_lease_duration_seconds",
			Help:    "Time a wallet spends leased for one publish attempt",
			Buckets: prometheus.DefBuckets,
		},
	)

	// JobQueue metrics
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kapp_queue_depth",
			Help: "Number of jobs by queue state",
		},
		[]string{"state"},
	)

	// Publish metrics
	PublishDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapp_publish_duration_seconds",
			Help:    "Time taken for a single DKG publish attempt",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	PublishAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapp_publish_attempts_total",
			Help: "Total number of publish attempts by outcome",
		},
		[]string{"outcome"},
	)

	// HTTP API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapp_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kapp_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// HealthMonitor metrics
	HealthSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kapp_health_sweep_duration_seconds",
			Help:    "Time taken for a HealthMonitor sweep by kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"sweep"},
	)

	StuckAssetsResetTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapp_stuck_assets_reset_total",
			Help: "Total number of assets force-reset by HealthMonitor by sweep kind",
		},
		[]string{"sweep"},
	)

	// QueuePoller metrics
	PollCycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapp_poll_cycle_duration_seconds",
			Help:    "Time taken for one QueuePoller cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	PolledAssetsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapp_polled_assets_total",
			Help: "Total number of assets handed to JobQueue by QueuePoller",
		},
	)
)

func init() {
	prometheus.MustRegister(
		AssetsTotal,
		AssetsRegisteredTotal,
		AssetsPublishedTotal,
		AssetsFailedTotal,
		WalletsTotal,
		WalletsAvailable,
		WalletsInUse,
		WalletLeaseDuration,
		QueueDepth,
		PublishDuration,
		PublishAttemptsTotal,
		APIRequestsTotal,
		APIRequestDuration,
		HealthSweepDuration,
		StuckAssetsResetTotal,
		PollCycleDuration,
		PolledAssetsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
