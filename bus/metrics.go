package bus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Counters of a ServiceBus.
type Metrics struct {
	Published *prometheus.CounterVec
	Received  *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Verified  *prometheus.CounterVec
}

// Create Metrics registered on reg, panics if the counters are already registered on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounterVec(prometheus.CounterOpts{
			Name: "misobus_published_total",
			Help: "Total number of messages published by message type",
		}, []string{"type"}),
		Received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "misobus_received_total",
			Help: "Total number of messages received and deserialized by message type",
		}, []string{"type"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "misobus_dropped_total",
			Help: "Total number of received messages dropped because no deserializer matched their TypeName",
		}, []string{"source"}),
		Verified: f.NewCounterVec(prometheus.CounterOpts{
			Name: "misobus_verified_entities_total",
			Help: "Total number of broker entities verified by entity kind",
		}, []string{"kind"}),
	}
}
