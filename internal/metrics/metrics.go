package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds all Prometheus metrics for the Pitwall hub
type Metrics struct {
	// Transport metrics
	Connections *prometheus.GaugeVec   // active connections by transport (ws, poll)
	HubMessages *prometheus.CounterVec // messages by transport and direction (in, out)

	// Event pipeline metrics
	EventsIngested *prometheus.CounterVec   // producer events accepted, by event type
	EventsEmitted  *prometheus.CounterVec   // fan-out deliveries, by event type
	EventsDropped  *prometheus.CounterVec   // volatile overflow drops, by event type
	DeliveryLag    *prometheus.HistogramVec // ingress-to-delivery latency, by event type

	// Session lifecycle metrics
	SessionsActive *prometheus.GaugeVec
	RoomsActive    *prometheus.GaugeVec
	DelayedPending *prometheus.GaugeVec
	SessionsReaped *prometheus.CounterVec

	// Kafka archive tap metrics
	KafkaMessages *prometheus.CounterVec
	KafkaDuration *prometheus.HistogramVec
	KafkaLag      *prometheus.GaugeVec
}
