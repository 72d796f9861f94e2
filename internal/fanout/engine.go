// Package fanout routes derived events to session rooms, applying the
// session's broadcast delay where the event class allows it.
package fanout

import (
	"time"

	"gridlink/internal/hub"
	"gridlink/internal/metrics"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"
)

// delayable lists the event classes a broadcast delay applies to.
// Control and acknowledgement traffic always goes out immediately.
var delayable = map[string]bool{
	events.EventTimingUpdate:      true,
	events.EventStrategyUpdateOut: true,
	events.EventCarStatus:         true,
	events.EventOpponentIntel:     true,
	events.EventRaceState:         true,
	events.EventIncidentNew:       true,
	events.EventLog:               true,
	events.EventRaceEventOut:      true,
	events.EventVideoFrameOut:     true,
}

// Broadcaster delivers a marshaled envelope to a room's members.
type Broadcaster interface {
	BroadcastRaw(room string, data []byte, volatile bool) (sent, dropped int)
}

// DelayLookup reads a session's broadcast delay in milliseconds.
type DelayLookup interface {
	Delay(sessionID string) int
}

// Deferrer schedules a delivery to run after the session's delay.
type Deferrer interface {
	Schedule(sessionID string, d time.Duration, deliver func())
}

// Engine fans derived events out to a session's room.
type Engine struct {
	rooms     Broadcaster
	delays    DelayLookup
	scheduler Deferrer
	logger    logging.Logger
	metrics   *metrics.Metrics
}

// NewEngine wires the fan-out path.
func NewEngine(rooms Broadcaster, delays DelayLookup, scheduler Deferrer, logger logging.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		rooms:     rooms,
		delays:    delays,
		scheduler: scheduler,
		logger:    logger,
		metrics:   m,
	}
}

// Emit sends an event to the session's room, deferring it when the
// session has a broadcast delay and the event class is delayable.
// Volatile events drop per subscriber under queue pressure;
// non-volatile events block the delivering goroutine until space.
func (e *Engine) Emit(sessionID, event string, payload interface{}, volatile bool) {
	data, err := events.Marshal(event, payload)
	if err != nil {
		e.logger.WithError(err).WithFields(logging.Fields{
			"session_id": sessionID,
			"event":      event,
		}).Error("Failed to marshal fan-out event")
		return
	}

	room := hub.SessionRoom(sessionID)
	ingress := time.Now()
	deliver := func() {
		sent, dropped := e.rooms.BroadcastRaw(room, data, volatile)
		if e.metrics != nil {
			e.metrics.EventsEmitted.WithLabelValues(event).Add(float64(sent))
			if dropped > 0 {
				e.metrics.EventsDropped.WithLabelValues(event).Add(float64(dropped))
			}
			e.metrics.DeliveryLag.WithLabelValues(event).Observe(time.Since(ingress).Seconds())
		}
	}

	if delayable[event] {
		if delayMs := e.delays.Delay(sessionID); delayMs > 0 {
			e.scheduler.Schedule(sessionID, time.Duration(delayMs)*time.Millisecond, deliver)
			return
		}
	}
	deliver()
}
