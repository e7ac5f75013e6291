package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	publishesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "fanout",
		Name:      "publishes_total",
		Help:      "Notifications published to the fan-out engine, by outcome.",
	}, []string{"result"})

	deliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "fanout",
		Name:      "enqueued_total",
		Help:      "Notifications enqueued on subscriber queues.",
	})

	droppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "school_events",
		Subsystem: "fanout",
		Name:      "dropped_total",
		Help:      "Notifications dropped on subscriber queues, by reason.",
	}, []string{"reason"})

	activeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "school_events",
		Subsystem: "fanout",
		Name:      "active_subscriptions",
		Help:      "Live subscriptions across all channels.",
	})
)
