package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-topic bus counters.
type Metrics struct {
	// Published counts messages accepted by Publish, by topic.
	Published *prometheus.CounterVec
	// Delivered counts messages handed to subscribers, by topic.
	Delivered *prometheus.CounterVec
	// DeadLettered counts messages moved to the dead-letter queue, by topic.
	DeadLettered *prometheus.CounterVec
	// DroppedResponses counts responses whose correlation ID matched no
	// outstanding request, by topic.
	DroppedResponses *prometheus.CounterVec
}

// NewMetrics registers the bus counters with the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpilot_bus_published_total",
			Help: "Messages accepted for publication.",
		}, []string{"topic"}),
		Delivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpilot_bus_delivered_total",
			Help: "Messages delivered to subscribers.",
		}, []string{"topic"}),
		DeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpilot_bus_dead_lettered_total",
			Help: "Messages moved to the dead-letter queue.",
		}, []string{"topic"}),
		DroppedResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpilot_bus_dropped_responses_total",
			Help: "Responses dropped for unknown correlation IDs.",
		}, []string{"topic"}),
	}
}
