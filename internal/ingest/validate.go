package ingest

import (
	"encoding/json"
	"errors"
	"fmt"

	"gridlink/pkg/events"
)

// Validation failures become ack{success:false} replies to the
// producer; the message itself is dropped.
var (
	errMissingSession  = errors.New("missing sessionId")
	errMissingType     = errors.New("missing type")
	errMissingIncident = errors.New("missing incidentId")
	errInvalidAction   = errors.New("invalid action")
)

// raceEventPayload is the typed slice of a race event. The raw payload
// is forwarded unchanged so producer-side extra fields pass through.
type raceEventPayload struct {
	SessionID     string   `json:"sessionId"`
	FlagState     *string  `json:"flagState"`
	SessionPhase  *string  `json:"sessionPhase"`
	Lap           *int     `json:"lap"`
	TimeRemaining *float64 `json:"timeRemaining"`
}

func parsePayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	return nil
}

func parseMetadata(raw json.RawMessage) (events.SessionMetadataPayload, error) {
	var p events.SessionMetadataPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseTelemetry(raw json.RawMessage) (events.TelemetryPayload, error) {
	var p events.TelemetryPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseTelemetryBinary(raw json.RawMessage) (events.TelemetryBinaryPayload, error) {
	var p events.TelemetryBinaryPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseStrategy(raw json.RawMessage) (events.StrategyUpdatePayload, error) {
	var p events.StrategyUpdatePayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseIncident(raw json.RawMessage) (events.IncidentPayload, error) {
	var p events.IncidentPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	if p.Type == "" {
		return p, errMissingType
	}
	return p, nil
}

func parseRaceEvent(raw json.RawMessage) (raceEventPayload, error) {
	var p raceEventPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseVideoFrame(raw json.RawMessage) (events.VideoFramePayload, error) {
	var p events.VideoFramePayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseRelayRegister(raw json.RawMessage) (events.RelayRegisterPayload, error) {
	var p events.RelayRegisterPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseBroadcastDelay(raw json.RawMessage) (events.BroadcastDelayPayload, error) {
	var p events.BroadcastDelayPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseStewardAction(raw json.RawMessage) (events.StewardActionPayload, error) {
	var p events.StewardActionPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	if p.IncidentID == "" {
		return p, errMissingIncident
	}
	switch p.Action {
	case "approve", "reject", "modify":
	default:
		return p, errInvalidAction
	}
	return p, nil
}

func parseRoomJoin(raw json.RawMessage) (events.RoomJoinPayload, error) {
	var p events.RoomJoinPayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}

func parseRoomLeave(raw json.RawMessage) (events.RoomLeavePayload, error) {
	var p events.RoomLeavePayload
	if err := parsePayload(raw, &p); err != nil {
		return p, err
	}
	if p.SessionID == "" {
		return p, errMissingSession
	}
	return p, nil
}
