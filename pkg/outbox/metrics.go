package outbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the publisher's Prometheus collectors.
type Metrics struct {
	Published prometheus.Counter
	Retried   prometheus.Counter
	Dead      prometheus.Counter
	Pending   prometheus.Gauge
}

// NewMetrics registers the outbox collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events successfully delivered to the stream broker.",
		}),
		Retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_retried_total",
			Help: "Outbox delivery failures scheduled for retry.",
		}),
		Dead: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_events_dead_total",
			Help: "Outbox events that exhausted their retry budget.",
		}),
		Pending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_events_pending",
			Help: "Outbox events awaiting delivery.",
		}),
	}
}
