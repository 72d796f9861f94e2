package ingest

import (
	"encoding/json"
	"sync"
	"time"

	"gridlink/internal/metrics"
	"gridlink/pkg/kafka"
	"gridlink/pkg/logging"

	"github.com/google/uuid"
)

// tapQueueSize bounds the archive backlog. Ingress never waits on the
// archive: a full queue drops the mirror copy, not the live event.
const tapQueueSize = 1024

// Archiver is the producer surface the tap publishes through.
type Archiver interface {
	PublishTelemetryEvent(event *kafka.TelemetryEvent) error
}

type tapRecord struct {
	eventType string
	sessionID string
	payload   []byte
}

// Tap mirrors state-mutating producer events to the archive topic on a
// dedicated worker goroutine.
type Tap struct {
	producer Archiver
	topic    string
	logger   logging.Logger
	metrics  *metrics.Metrics

	queue    chan tapRecord
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewTap starts the archive worker.
func NewTap(producer Archiver, topic string, logger logging.Logger, m *metrics.Metrics) *Tap {
	t := &Tap{
		producer: producer,
		topic:    topic,
		logger:   logger,
		metrics:  m,
		queue:    make(chan tapRecord, tapQueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go t.worker()
	return t
}

// Publish queues an event for archiving. Never blocks: on a full queue
// the mirror copy is dropped and counted.
func (t *Tap) Publish(eventType, sessionID string, payload []byte) {
	if t == nil {
		return
	}
	rec := tapRecord{eventType: eventType, sessionID: sessionID, payload: payload}
	select {
	case t.queue <- rec:
	default:
		t.logger.WithFields(logging.Fields{
			"event_type": eventType,
			"session_id": sessionID,
		}).Warn("Archive queue full, dropping mirror copy")
		if t.metrics != nil {
			t.metrics.KafkaMessages.WithLabelValues(t.topic, "produce", "dropped").Inc()
		}
	}
}

// Stop drains nothing: pending records are abandoned so shutdown never
// waits on a slow broker.
func (t *Tap) Stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

func (t *Tap) worker() {
	defer close(t.done)

	for {
		select {
		case <-t.stop:
			return
		case rec := <-t.queue:
			t.archive(rec)
		}
	}
}

func (t *Tap) archive(rec tapRecord) {
	var data map[string]interface{}
	if len(rec.payload) > 0 {
		if err := json.Unmarshal(rec.payload, &data); err != nil {
			data = nil
		}
	}
	event := kafka.NewTelemetryEvent(uuid.New().String(), rec.eventType, rec.sessionID, data)

	start := time.Now()
	err := t.producer.PublishTelemetryEvent(event)
	status := "success"
	if err != nil {
		status = "error"
		t.logger.WithError(err).WithFields(logging.Fields{
			"event_type": rec.eventType,
			"session_id": rec.sessionID,
		}).Error("Failed to archive event")
	}
	if t.metrics != nil {
		t.metrics.KafkaMessages.WithLabelValues(t.topic, "produce", status).Inc()
		t.metrics.KafkaDuration.WithLabelValues("produce").Observe(time.Since(start).Seconds())
	}
}
