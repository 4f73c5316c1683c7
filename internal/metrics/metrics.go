package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Publish outcome label values.
const (
	OutcomeDelivered      = "delivered"
	OutcomeBacklogged     = "backlogged"
	OutcomePartialFailure = "partial_failure"
)

// Metrics holds the gateway's prometheus collectors.
type Metrics struct {
	ActiveConnections    prometheus.Gauge
	ActiveSubscriptions  prometheus.Gauge
	PendingSubscriptions prometheus.Gauge
	BacklogItems         prometheus.Gauge

	PublishedMessages  *prometheus.CounterVec
	SendFailures       prometheus.Counter
	SubscribesRejected *prometheus.CounterVec
	BacklogDropped     prometheus.Counter
	ConnectionsTotal   prometheus.Counter
}

// New registers and returns the gateway collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of live websocket connections.",
		}),
		ActiveSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_active_subscriptions",
			Help: "Number of (key, connection) subscription pairs.",
		}),
		PendingSubscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_pending_subscriptions",
			Help: "Number of pending subscription entries awaiting activation.",
		}),
		BacklogItems: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_backlog_items",
			Help: "Number of messages buffered across all backlog keys.",
		}),
		PublishedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_published_messages_total",
			Help: "Publish operations by outcome.",
		}, []string{"outcome"}),
		SendFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_send_failures_total",
			Help: "Individual socket send failures.",
		}),
		SubscribesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_subscribes_rejected_total",
			Help: "Rejected subscribe requests by reason.",
		}, []string{"reason"}),
		BacklogDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_backlog_dropped_total",
			Help: "Messages dropped because the global backlog cap was reached.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total websocket connections admitted.",
		}),
	}
}
