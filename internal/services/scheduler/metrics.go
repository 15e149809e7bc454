package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes mailbox poll counters and timings.
type Metrics struct {
	polls    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	lastPoll *prometheus.GaugeVec
}

// NewMetrics registers the poll collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		polls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_mailbox_polls_total",
			Help: "Mailbox polls by queue and result",
		}, []string{"queue", "result"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "helpdesk_mailbox_poll_duration_seconds",
			Help:    "Time spent fetching and processing one mailbox",
			Buckets: prometheus.DefBuckets,
		}, []string{"queue"}),
		lastPoll: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "helpdesk_mailbox_last_success_timestamp_seconds",
			Help: "Unix time of the last successful poll per queue",
		}, []string{"queue"}),
	}
}

func (m *Metrics) observePoll(queue string, d time.Duration, finished time.Time, err error) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(queue).Observe(d.Seconds())
	if err != nil {
		m.polls.WithLabelValues(queue, statusFailed).Inc()
		return
	}
	m.polls.WithLabelValues(queue, statusSuccess).Inc()
	m.lastPoll.WithLabelValues(queue).Set(float64(finished.Unix()))
}
