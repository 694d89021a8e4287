package core

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	MetricDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automod_decisions_total",
		Help: "Rules crossed by the detector",
	}, []string{"kind", "metric"})

	MetricPunishments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automod_punishments_total",
		Help: "Punishment attempts by kind and outcome",
	}, []string{"kind", "outcome"})

	MetricReversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "automod_reversals_total",
		Help: "Scheduled reversals by kind and outcome",
	}, []string{"kind", "outcome"})

	MetricSchedulerPass = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "automod_scheduler_pass_seconds",
		Help:    "Duration of one scheduler pass",
		Buckets: prometheus.DefBuckets,
	})

	MetricExpiredRows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automod_expired_rows",
		Help: "Expired rows seen by the last scheduler pass",
	})

	MetricEpisodeFallback = promauto.NewCounter(prometheus.CounterOpts{
		Name: "automod_episode_fallback_total",
		Help: "Episodes the cache refused and the engine kept in its fallback map",
	})

	MetricActiveWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automod_active_windows",
		Help: "Sliding windows held by the detector",
	})
)
