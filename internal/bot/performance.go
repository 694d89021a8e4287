package bot

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	restLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "automod_discord_rest_seconds",
		Help:    "Latency of Discord REST calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "status"})

	heartbeatLatency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "automod_gateway_heartbeat_seconds",
		Help: "Last observed gateway heartbeat latency",
	})
)

// MetricsTransport wraps http.RoundTripper to track REST latency
type MetricsTransport struct {
	Base http.RoundTripper
}

func (t *MetricsTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	start := time.Now()
	resp, err := base.RoundTrip(req)
	status := "error"
	if resp != nil {
		status = strconv.Itoa(resp.StatusCode)
	}
	restLatency.WithLabelValues(req.Method, status).Observe(time.Since(start).Seconds())
	return resp, err
}
