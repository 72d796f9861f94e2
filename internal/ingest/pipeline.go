// Package ingest is the hub's event pipeline: validation, session
// state updates, derivations, acknowledgements, director control and
// the archive tap for every message producers and consumers send.
package ingest

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"gridlink/internal/fanout"
	"gridlink/internal/hub"
	"gridlink/internal/metrics"
	"gridlink/internal/session"
	"gridlink/internal/telemetry"
	"gridlink/internal/viewers"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"
)

// Config carries the pipeline's tunables.
type Config struct {
	// DirectorToken gates broadcast:delay and steward:action. Empty
	// disables the gate.
	DirectorToken string
	// CatchupWindow bounds how recently a session must have been
	// updated to be announced to a fresh connection.
	CatchupWindow time.Duration
	// MaxDelayMs caps the director-settable broadcast delay.
	MaxDelayMs int
}

// Pipeline implements hub.EventHandler: the single entry point for
// every envelope on every transport.
type Pipeline struct {
	cfg     Config
	hub     *hub.Hub
	store   *session.Store
	tracker *viewers.Tracker
	engine  *fanout.Engine
	tap     *Tap
	logger  logging.Logger
	metrics *metrics.Metrics

	incidentSeq atomic.Int64
	logSeq      atomic.Int64

	truncMu  sync.Mutex
	truncLog map[string]time.Time
}

var _ hub.EventHandler = (*Pipeline)(nil)

// NewPipeline wires the pipeline. tap may be nil when archiving is off.
func NewPipeline(cfg Config, h *hub.Hub, store *session.Store, tracker *viewers.Tracker, engine *fanout.Engine, tap *Tap, logger logging.Logger, m *metrics.Metrics) *Pipeline {
	if cfg.CatchupWindow <= 0 {
		cfg.CatchupWindow = 30 * time.Second
	}
	if cfg.MaxDelayMs <= 0 {
		cfg.MaxDelayMs = 60000
	}
	return &Pipeline{
		cfg:      cfg,
		hub:      h,
		store:    store,
		tracker:  tracker,
		engine:   engine,
		tap:      tap,
		logger:   logger,
		metrics:  m,
		truncLog: make(map[string]time.Time),
	}
}

// HandleConnect announces every recently updated session to the new
// connection, before any reads are processed.
func (p *Pipeline) HandleConnect(conn hub.Conn) {
	cutoff := time.Now().Add(-p.cfg.CatchupWindow)
	for _, snap := range p.store.List() {
		if snap.LastUpdate.Before(cutoff) {
			continue
		}
		err := conn.Send(events.EventSessionActive, events.SessionActivePayload{
			SessionID:   snap.SessionID,
			TrackName:   snap.TrackName,
			SessionType: snap.SessionType,
		}, false)
		if err != nil {
			return
		}
	}
}

// HandleEnvelope routes one parsed envelope.
func (p *Pipeline) HandleEnvelope(conn hub.Conn, env events.Envelope) {
	switch env.Event {
	case events.EventSessionMetadata:
		p.handleMetadata(conn, env.Payload)
	case events.EventTelemetry:
		p.handleTelemetry(conn, env.Payload)
	case events.EventTelemetryBinary:
		p.handleTelemetryBinary(conn, env.Payload)
	case events.EventStrategyUpdate:
		p.handleStrategy(conn, env.Payload)
	case events.EventIncident:
		p.handleIncident(conn, env.Payload)
	case events.EventRaceEvent:
		p.handleRaceEvent(conn, env.Payload)
	case events.EventVideoFrame:
		p.handleVideoFrame(conn, env.Payload)
	case events.EventRelayRegister:
		p.handleRelayRegister(conn, env.Payload)
	case events.EventBroadcastDelay:
		p.handleBroadcastDelay(conn, env.Payload)
	case events.EventStewardAction:
		p.handleStewardAction(conn, env.Payload)
	case events.EventRoomJoin:
		p.handleRoomJoin(conn, env.Payload)
	case events.EventRoomLeave:
		p.handleRoomLeave(conn, env.Payload)
	default:
		p.logger.WithFields(logging.Fields{
			"conn_id": conn.ID(),
			"event":   env.Event,
		}).Debug("Dropping unknown event")
	}
}

// HandleBinary routes one binary-envelope message. Only telemetry
// rides the binary framing.
func (p *Pipeline) HandleBinary(conn hub.Conn, event, sessionID string, payload []byte) {
	if event != events.EventTelemetryBinary {
		p.logger.WithFields(logging.Fields{
			"conn_id": conn.ID(),
			"event":   event,
		}).Debug("Dropping unknown binary event")
		return
	}
	if sessionID == "" {
		p.logger.WithField("conn_id", conn.ID()).Debug("Dropping binary frame without session")
		return
	}
	p.ingestBinaryFrame(conn, sessionID, payload)
}

// HandleDisconnect settles a departed connection: viewer counts,
// producer registrations and the truncation rate limiter.
func (p *Pipeline) HandleDisconnect(conn hub.Conn) {
	for _, dep := range p.tracker.HandleDisconnect(conn.ID()) {
		if dep.Last {
			p.notifyProducer(dep.SessionID, dep.Total, false)
		}
	}
	if sessions := p.store.ClearProducerConn(conn.ID()); len(sessions) > 0 {
		p.logger.WithFields(logging.Fields{
			"conn_id":  conn.ID(),
			"sessions": len(sessions),
		}).Info("Producer disconnected")
	}

	p.truncMu.Lock()
	delete(p.truncLog, conn.ID())
	p.truncMu.Unlock()
}

func (p *Pipeline) handleMetadata(conn hub.Conn, raw json.RawMessage) {
	meta, err := parseMetadata(raw)
	if err != nil {
		p.nack(conn, events.EventSessionMetadata, err)
		return
	}

	p.store.UpsertFromMetadata(meta)
	p.store.RegisterProducer(meta.SessionID, conn)
	p.hub.Rooms().Join(hub.SessionRoom(meta.SessionID), conn)
	p.ingested(events.EventSessionMetadata)
	p.tap.Publish(events.EventSessionMetadata, meta.SessionID, raw)

	p.hub.BroadcastAll(events.EventSessionActive, events.SessionActivePayload{
		SessionID:   meta.SessionID,
		TrackName:   meta.TrackName,
		SessionType: meta.SessionType,
	}, false)
	p.ack(conn, events.EventSessionMetadata)
}

func (p *Pipeline) handleTelemetry(conn hub.Conn, raw json.RawMessage) {
	frame, err := parseTelemetry(raw)
	if err != nil {
		p.nack(conn, events.EventTelemetry, err)
		return
	}

	records := p.store.MergeTelemetry(frame.SessionID, frame.Cars)
	p.ingested(events.EventTelemetry)
	p.tap.Publish(events.EventTelemetry, frame.SessionID, raw)

	p.engine.Emit(frame.SessionID, events.EventTimingUpdate, events.TimingUpdatePayload{
		SessionID:     frame.SessionID,
		SessionTimeMs: frame.SessionTimeMs,
		Timing:        events.TimingTable{Entries: timingEntries(records)},
	}, true)

	if frame.Ack {
		p.ack(conn, events.EventTelemetry)
	}
}

func (p *Pipeline) handleTelemetryBinary(conn hub.Conn, raw json.RawMessage) {
	tb, err := parseTelemetryBinary(raw)
	if err != nil {
		p.nack(conn, events.EventTelemetryBinary, err)
		return
	}
	p.ingestBinaryFrame(conn, tb.SessionID, tb.Payload)
}

// ingestBinaryFrame is the shared tail of both binary arrival paths:
// the JSON envelope with a base64 payload and the length-prefixed
// binary framing.
func (p *Pipeline) ingestBinaryFrame(conn hub.Conn, sessionID string, payload []byte) {
	frame, truncated, err := telemetry.Decode(payload)
	if err != nil {
		p.logger.WithError(err).WithFields(logging.Fields{
			"conn_id":    conn.ID(),
			"session_id": sessionID,
		}).Warn("Dropping undecodable telemetry frame")
		return
	}
	if truncated {
		p.logTruncation(conn.ID(), sessionID)
	}

	records := p.store.MergeTelemetry(sessionID, frame.Cars)
	p.ingested(events.EventTelemetryBinary)
	if p.tap != nil {
		mirror, merr := json.Marshal(events.TelemetryPayload{
			SessionID:     sessionID,
			SessionTimeMs: frame.TimestampMs,
			Cars:          frame.Cars,
		})
		if merr == nil {
			p.tap.Publish(events.EventTelemetryBinary, sessionID, mirror)
		}
	}

	p.engine.Emit(sessionID, events.EventTimingUpdate, events.TimingUpdatePayload{
		SessionID:     sessionID,
		SessionTimeMs: frame.TimestampMs,
		Timing:        events.TimingTable{Entries: timingEntries(records)},
	}, true)
}

func (p *Pipeline) handleStrategy(conn hub.Conn, raw json.RawMessage) {
	su, err := parseStrategy(raw)
	if err != nil {
		p.nack(conn, events.EventStrategyUpdate, err)
		return
	}

	records := p.store.MergeStrategy(su.SessionID, su.Cars)
	p.ingested(events.EventStrategyUpdate)
	p.tap.Publish(events.EventStrategyUpdate, su.SessionID, raw)

	p.engine.Emit(su.SessionID, events.EventStrategyUpdateOut, events.StrategyTable{
		SessionID: su.SessionID,
		Timestamp: su.Timestamp,
		Strategy:  strategyEntries(records),
	}, false)

	if len(records) > 0 {
		p.engine.Emit(su.SessionID, events.EventCarStatus, carStatus(su.SessionID, records[0], su.Timestamp), false)
	}
	if len(records) > 1 {
		p.engine.Emit(su.SessionID, events.EventOpponentIntel, events.OpponentIntelPayload{
			Opponents: opponents(records[1:]),
		}, false)
	}
}

func (p *Pipeline) handleIncident(conn hub.Conn, raw json.RawMessage) {
	inc, err := parseIncident(raw)
	if err != nil {
		p.nack(conn, events.EventIncident, err)
		return
	}

	p.store.Touch(inc.SessionID)
	p.ingested(events.EventIncident)
	p.tap.Publish(events.EventIncident, inc.SessionID, raw)

	severity := inc.Severity
	if severity == "" {
		severity = "medium"
	}
	drivers := p.involvedDrivers(inc.SessionID, inc.Cars, inc.DriverNames)

	p.engine.Emit(inc.SessionID, events.EventIncidentNew, events.IncidentNewPayload{
		ID:              fmt.Sprintf("inc-%d", p.incidentSeq.Add(1)),
		Type:            inc.Type,
		Severity:        severity,
		LapNumber:       inc.Lap,
		SessionTimeMs:   time.Now().UnixMilli(),
		TrackPosition:   inc.TrackPosition,
		CornerName:      inc.CornerName,
		InvolvedDrivers: drivers,
		Status:          "pending",
	}, false)
	p.emitLog(inc.SessionID, "warning", incidentLogMessage(inc, drivers), severityImportance(severity))
	p.ack(conn, events.EventIncident)
}

func (p *Pipeline) handleRaceEvent(conn hub.Conn, raw json.RawMessage) {
	re, err := parseRaceEvent(raw)
	if err != nil {
		p.nack(conn, events.EventRaceEvent, err)
		return
	}

	p.ingested(events.EventRaceEvent)
	p.tap.Publish(events.EventRaceEvent, re.SessionID, raw)

	// The raw payload passes through unchanged so producer extensions
	// reach consumers intact.
	p.engine.Emit(re.SessionID, events.EventRaceEventOut, json.RawMessage(raw), false)

	snap, ok := p.store.ApplyRaceEvent(re.SessionID, session.RaceFacts{
		FlagState:     re.FlagState,
		CurrentLap:    re.Lap,
		TimeRemaining: re.TimeRemaining,
		SessionPhase:  re.SessionPhase,
	})
	if ok {
		p.engine.Emit(re.SessionID, events.EventRaceState, events.RaceStatePayload{
			SessionID:     snap.SessionID,
			FlagState:     snap.FlagState,
			CurrentLap:    snap.CurrentLap,
			TimeRemaining: snap.TimeRemaining,
			SessionPhase:  snap.SessionPhase,
		}, false)
	}

	message, importance := raceLogMessage(re)
	p.emitLog(re.SessionID, "system", message, importance)
	p.ack(conn, events.EventRaceEvent)
}

func (p *Pipeline) handleVideoFrame(conn hub.Conn, raw json.RawMessage) {
	vf, err := parseVideoFrame(raw)
	if err != nil {
		p.nack(conn, events.EventVideoFrame, err)
		return
	}

	p.store.Touch(vf.SessionID)
	p.ingested(events.EventVideoFrame)
	p.engine.Emit(vf.SessionID, events.EventVideoFrameOut, events.VideoFrameBroadcast{
		SessionID: vf.SessionID,
		Image:     vf.Image,
		Timestamp: time.Now().UnixMilli(),
	}, true)
}

func (p *Pipeline) handleRoomJoin(conn hub.Conn, raw json.RawMessage) {
	rj, err := parseRoomJoin(raw)
	if err != nil {
		p.logger.WithError(err).WithField("conn_id", conn.ID()).Debug("Dropping malformed room:join")
		return
	}

	p.hub.Rooms().Join(hub.SessionRoom(rj.SessionID), conn)
	surface := rj.Surface
	if surface == "" {
		surface = conn.Surface()
	}
	total, first := p.tracker.Joined(conn.ID(), rj.SessionID, surface)
	if first {
		p.notifyProducer(rj.SessionID, total, true)
	}

	if snap, ok := p.store.Get(rj.SessionID); ok {
		err := conn.Send(events.EventSessionState, events.SessionStatePayload{
			SessionID:   snap.SessionID,
			TrackName:   snap.TrackName,
			SessionType: snap.SessionType,
			Status:      "active",
		}, false)
		if err != nil {
			return
		}
		if err := conn.Send(events.EventBroadcastDelay, events.DelayEcho{DelayMs: snap.DelayMs}, false); err != nil {
			return
		}
	}
	conn.Send(events.EventRoomJoined, events.RoomJoinedPayload{SessionID: rj.SessionID}, false)
}

func (p *Pipeline) handleRoomLeave(conn hub.Conn, raw json.RawMessage) {
	rl, err := parseRoomLeave(raw)
	if err != nil {
		p.logger.WithError(err).WithField("conn_id", conn.ID()).Debug("Dropping malformed room:leave")
		return
	}

	p.hub.Rooms().Leave(hub.SessionRoom(rl.SessionID), conn.ID())
	total, last := p.tracker.Left(conn.ID(), rl.SessionID)
	if last {
		p.notifyProducer(rl.SessionID, total, false)
	}
}

// involvedDrivers resolves incident participants through the driver
// map, preferring names supplied on the incident itself.
func (p *Pipeline) involvedDrivers(sessionID string, cars []int, names []string) []events.InvolvedDriver {
	out := make([]events.InvolvedDriver, 0, len(cars))
	for i, car := range cars {
		carID := strconv.Itoa(car)
		driverID, carNumber, name := carID, carID, ""
		if rec, ok := p.store.Driver(sessionID, carID); ok {
			driverID = rec.DriverID
			carNumber = rec.CarNumber
			name = rec.DriverName
		}
		if i < len(names) && names[i] != "" {
			name = names[i]
		}
		if name == "" {
			name = "Car " + carID
		}
		out = append(out, events.InvolvedDriver{
			DriverID:   driverID,
			DriverName: name,
			CarNumber:  carNumber,
			Role:       "involved",
		})
	}
	return out
}

func (p *Pipeline) emitLog(sessionID, category, message, importance string) {
	p.engine.Emit(sessionID, events.EventLog, events.EventLogEntry{
		ID:         fmt.Sprintf("evt-%d", p.logSeq.Add(1)),
		Timestamp:  time.Now().UnixMilli(),
		Category:   category,
		Message:    message,
		Importance: importance,
	}, false)
}

func (p *Pipeline) notifyProducer(sessionID string, count int, requestControls bool) {
	producer, ok := p.store.Producer(sessionID)
	if !ok {
		return
	}
	err := producer.Send(events.EventRelayViewers, events.RelayViewersPayload{
		Type:            events.EventRelayViewers,
		SessionID:       sessionID,
		ViewerCount:     count,
		RequestControls: requestControls,
	}, false)
	if err != nil {
		p.logger.WithError(err).WithField("session_id", sessionID).Debug("Failed to notify producer of viewer change")
	}
}

func (p *Pipeline) ack(conn hub.Conn, originalType string) {
	conn.Send(events.EventAck, events.AckPayload{
		OriginalType: originalType,
		Success:      true,
	}, false)
}

func (p *Pipeline) nack(conn hub.Conn, originalType string, cause error) {
	p.logger.WithError(cause).WithFields(logging.Fields{
		"conn_id": conn.ID(),
		"event":   originalType,
	}).Debug("Rejected producer event")
	conn.Send(events.EventAck, events.AckPayload{
		OriginalType: originalType,
		Success:      false,
		Error:        cause.Error(),
	}, false)
}

func (p *Pipeline) ingested(event string) {
	if p.metrics != nil {
		p.metrics.EventsIngested.WithLabelValues(event).Inc()
	}
}

// logTruncation records a truncated frame at most once per connection
// per second.
func (p *Pipeline) logTruncation(connID, sessionID string) {
	now := time.Now()
	p.truncMu.Lock()
	if last, ok := p.truncLog[connID]; ok && now.Sub(last) < time.Second {
		p.truncMu.Unlock()
		return
	}
	p.truncLog[connID] = now
	p.truncMu.Unlock()

	p.logger.WithFields(logging.Fields{
		"conn_id":    connID,
		"session_id": sessionID,
	}).Warn("Telemetry frame truncated, using decodable prefix")
}
