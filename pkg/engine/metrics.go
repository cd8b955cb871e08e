package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	windowsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustd_windows_processed_total",
		Help: "Feature windows scored across all sessions",
	})
	decisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "trustd_decisions_total",
		Help: "Decision events by resulting state and reason",
	}, []string{"state", "reason"})
	scoringLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "trustd_window_scoring_seconds",
		Help:    "Wall time to score one feature window end to end",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
	})
	profileLockTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustd_profile_lock_timeouts_total",
		Help: "Arena read acquisitions that fell back to the prior profile snapshot",
	})
	activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "trustd_active_sessions",
		Help: "Currently open sessions",
	})
	retrainsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "trustd_retrains_total",
		Help: "Background retrainings completed",
	})
)

func init() {
	prometheus.MustRegister(windowsProcessed)
	prometheus.MustRegister(decisionsTotal)
	prometheus.MustRegister(scoringLatency)
	prometheus.MustRegister(profileLockTimeouts)
	prometheus.MustRegister(activeSessions)
	prometheus.MustRegister(retrainsTotal)
}
