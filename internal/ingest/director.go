package ingest

import (
	"encoding/json"
	"time"

	"gridlink/internal/hub"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"
)

// directorAllowed gates director control events. An empty configured
// token leaves the gate open.
func (p *Pipeline) directorAllowed(conn hub.Conn) bool {
	if p.cfg.DirectorToken == "" {
		return true
	}
	return conn.Token() == p.cfg.DirectorToken
}

// handleBroadcastDelay sets a session's broadcast delay and echoes the
// clamped value to the room immediately. The echo itself is never
// delayed; subscribers must learn they are watching a held stream.
func (p *Pipeline) handleBroadcastDelay(conn hub.Conn, raw json.RawMessage) {
	if !p.directorAllowed(conn) {
		p.logger.WithField("conn_id", conn.ID()).Warn("Rejected broadcast:delay from non-director connection")
		return
	}
	bd, err := parseBroadcastDelay(raw)
	if err != nil {
		p.logger.WithError(err).WithField("conn_id", conn.ID()).Debug("Dropping malformed broadcast:delay")
		return
	}

	delayMs := bd.DelayMs
	if delayMs < 0 {
		delayMs = 0
	}
	if delayMs > p.cfg.MaxDelayMs {
		delayMs = p.cfg.MaxDelayMs
	}

	// Unknown sessions are ignored: the session may have just been
	// reaped out from under the director.
	if !p.store.SetDelay(bd.SessionID, delayMs) {
		return
	}
	p.ingested(events.EventBroadcastDelay)

	p.hub.Rooms().Broadcast(hub.SessionRoom(bd.SessionID), events.EventBroadcastDelay, events.DelayEcho{DelayMs: delayMs}, false)
	p.logger.WithFields(logging.Fields{
		"session_id": bd.SessionID,
		"delay_ms":   delayMs,
	}).Info("Broadcast delay updated")
}

// handleStewardAction broadcasts a steward ruling to the session room
// and acknowledges the caller.
func (p *Pipeline) handleStewardAction(conn hub.Conn, raw json.RawMessage) {
	if !p.directorAllowed(conn) {
		conn.Send(events.EventStewardActionAck, events.StewardActionAckPayload{
			Success: false,
			Error:   "unauthorized",
		}, false)
		return
	}
	sa, err := parseStewardAction(raw)
	if err != nil {
		conn.Send(events.EventStewardActionAck, events.StewardActionAckPayload{
			Success: false,
			Error:   err.Error(),
		}, false)
		return
	}
	if _, ok := p.store.Get(sa.SessionID); !ok {
		return
	}
	p.ingested(events.EventStewardAction)

	p.hub.Rooms().Broadcast(hub.SessionRoom(sa.SessionID), events.EventStewardDecision, events.StewardDecisionPayload{
		IncidentID:   sa.IncidentID,
		Action:       sa.Action,
		PenaltyType:  sa.PenaltyType,
		PenaltyValue: sa.PenaltyValue,
		Notes:        sa.Notes,
		StewardID:    sa.StewardID,
		DecidedAt:    time.Now().UTC().Format(time.RFC3339),
	}, false)
	conn.Send(events.EventStewardActionAck, events.StewardActionAckPayload{
		Success:    true,
		IncidentID: sa.IncidentID,
		Action:     sa.Action,
	}, false)
	p.logger.WithFields(logging.Fields{
		"session_id":  sa.SessionID,
		"incident_id": sa.IncidentID,
		"action":      sa.Action,
	}).Info("Steward decision broadcast")
}

// handleRelayRegister records the sender as a session's producer and
// tells it how many viewers are already watching.
func (p *Pipeline) handleRelayRegister(conn hub.Conn, raw json.RawMessage) {
	rr, err := parseRelayRegister(raw)
	if err != nil {
		p.nack(conn, events.EventRelayRegister, err)
		return
	}

	p.store.RegisterProducer(rr.SessionID, conn)
	p.ingested(events.EventRelayRegister)

	count := p.tracker.Total(rr.SessionID)
	p.notifyProducer(rr.SessionID, count, count > 0)
	p.logger.WithFields(logging.Fields{
		"conn_id":    conn.ID(),
		"session_id": rr.SessionID,
		"viewers":    count,
	}).Info("Producer registered")
}
