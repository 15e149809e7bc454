package postmaster

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts processed messages and webhook deliveries.
type Metrics struct {
	messages *prometheus.CounterVec
	rejected prometheus.Counter
	webhooks *prometheus.CounterVec
}

// NewMetrics registers the postmaster collectors with reg. A nil reg uses
// the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_inbound_messages_total",
			Help: "Inbound messages by queue and outcome",
		}, []string{"queue", "action"}),
		rejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "helpdesk_inbound_attachments_rejected_total",
			Help: "Attachments dropped by the attachment policy",
		}),
		webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "helpdesk_webhook_deliveries_total",
			Help: "Webhook deliveries by event and result",
		}, []string{"event", "result"}),
	}
}

func (m *Metrics) observeMessage(queue, action string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(queue, action).Inc()
}

func (m *Metrics) observeRejected(n int) {
	if m == nil || n == 0 {
		return
	}
	m.rejected.Add(float64(n))
}

func (m *Metrics) observeWebhook(event string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.webhooks.WithLabelValues(event, result).Inc()
}
