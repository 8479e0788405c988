package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollerPassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vaultd",
		Subsystem: "poller",
		Name:      "passes_total",
		Help:      "Count of reconciliation passes against the node.",
	}, []string{"network", "status"})
	pollerPassDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "vaultd",
		Subsystem: "poller",
		Name:      "pass_duration_seconds",
		Help:      "Duration of a reconciliation pass.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"network", "status"})
)

// Poller tracks metrics for the reconciliation loop.
type Poller struct {
	network string
}

// NewPoller constructs a metrics collector for the reconciliation loop.
func NewPoller(network string) *Poller {
	if network == "" {
		network = "unknown"
	}
	return &Poller{network: network}
}

// ObservePass records the outcome and duration of one reconciliation pass.
func (m Poller) ObservePass(err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}

	pollerPassesTotal.WithLabelValues(m.network, status).Inc()
	pollerPassDuration.WithLabelValues(m.network, status).Observe(time.Since(started).Seconds())
}
