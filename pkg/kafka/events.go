package kafka

import (
	"time"
)

// TelemetryEvent is the archive record mirrored to Kafka for every
// state-mutating producer event that passes through the hub.
type TelemetryEvent struct {
	EventID       string                 `json:"event_id"`
	EventType     string                 `json:"event_type"`
	SessionID     string                 `json:"session_id"`
	Source        string                 `json:"source"`
	Timestamp     time.Time              `json:"timestamp"`
	Data          map[string]interface{} `json:"data,omitempty"`
	SchemaVersion string                 `json:"schema_version"`
}

// NewTelemetryEvent builds an archive record for a wire event.
func NewTelemetryEvent(eventID, eventType, sessionID string, data map[string]interface{}) *TelemetryEvent {
	return &TelemetryEvent{
		EventID:       eventID,
		EventType:     eventType,
		SessionID:     sessionID,
		Source:        "pitwall",
		Timestamp:     time.Now().UTC(),
		Data:          data,
		SchemaVersion: "1.0",
	}
}

// ProducerInterface defines the interface for Kafka producers
type ProducerInterface interface {
	ProduceMessage(topic string, key []byte, value []byte, headers map[string]string) error
	PublishTelemetryEvent(event *TelemetryEvent) error
	Close() error
	HealthCheck() error
}
