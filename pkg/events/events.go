// Package events defines the wire protocol shared by the hub and its
// producers and consumers: event names, payload schemas and the envelope
// codecs for both the JSON and the binary framing.
package events

import (
	"encoding/json"
	"errors"
)

// Events consumed by the hub (producer / control origin).
const (
	EventSessionMetadata = "session_metadata"
	EventTelemetry       = "telemetry"
	EventTelemetryBinary = "telemetry_binary"
	EventStrategyUpdate  = "strategy_update"
	EventIncident        = "incident"
	EventRaceEvent       = "race_event"
	EventVideoFrame      = "video_frame"
	EventRelayRegister   = "relay:register"
	EventBroadcastDelay  = "broadcast:delay"
	EventStewardAction   = "steward:action"
	EventRoomJoin        = "room:join"
	EventRoomLeave       = "room:leave"
)

// Events emitted by the hub. EventBroadcastDelay is used in both
// directions: consumed with {sessionId, delayMs}, echoed with {delayMs}.
const (
	EventSessionActive     = "session:active"
	EventSessionState      = "session:state"
	EventRoomJoined        = "room:joined"
	EventTimingUpdate      = "timing:update"
	EventStrategyUpdateOut = "strategy:update"
	EventCarStatus         = "car:status"
	EventOpponentIntel     = "opponent:intel"
	EventRaceState         = "race:state"
	EventRaceEventOut      = "race:event"
	EventLog               = "event:log"
	EventIncidentNew       = "incident:new"
	EventVideoFrameOut     = "video:frame"
	EventStewardDecision   = "steward:decision"
	EventRelayViewers      = "relay:viewers"
	EventAck               = "ack"
	EventStewardActionAck  = "steward:action:ack"
)

var ErrEmptyEvent = errors.New("envelope has no event name")

// Envelope is the framing for every message on the wire:
// {"event": <name>, "payload": <JSON>}.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Marshal frames a payload under an event name.
func Marshal(event string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}

// Unmarshal parses an envelope and rejects anonymous messages.
func Unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrEmptyEvent
	}
	return env, nil
}
