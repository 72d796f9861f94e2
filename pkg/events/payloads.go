package events

import (
	"encoding/json"
	"fmt"
)

// FlexID accepts either a JSON string or a JSON number and normalizes it
// to a string. Producers are split on whether car ids are numeric.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("empty id")
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

func (f FlexID) String() string { return string(f) }

// SessionMetadataPayload announces or refreshes a session.
type SessionMetadataPayload struct {
	SessionID   string `json:"sessionId"`
	TrackName   string `json:"trackName"`
	SessionType string `json:"sessionType"`
}

// TelemetryPayload is a JSON telemetry frame. Setting "ack" requests a
// delivery acknowledgement, which is otherwise suppressed for telemetry.
type TelemetryPayload struct {
	SessionID     string      `json:"sessionId"`
	SessionTimeMs float64     `json:"sessionTimeMs,omitempty"`
	Ack           bool        `json:"ack,omitempty"`
	Cars          []CarSample `json:"cars"`
}

// CarSample is one car's slice of a telemetry frame. Optional fields
// left nil keep the driver record's last-known values.
type CarSample struct {
	CarID       FlexID    `json:"carId"`
	DriverID    FlexID    `json:"driverId,omitempty"`
	DriverName  string    `json:"driverName,omitempty"`
	CarNumber   string    `json:"carNumber,omitempty"`
	Position    *int      `json:"position,omitempty"`
	Lap         *int      `json:"lap,omitempty"`
	Pos         *TrackPos `json:"pos,omitempty"`
	Speed       *float64  `json:"speed,omitempty"`
	LastLapTime *float64  `json:"lastLapTime,omitempty"`
	BestLapTime *float64  `json:"bestLapTime,omitempty"`
	GapToLeader *float64  `json:"gapToLeader,omitempty"`
}

// TrackPos is a normalized track position, s in [0,1].
type TrackPos struct {
	S float64 `json:"s"`
}

// TelemetryBinaryPayload wraps a binary telemetry frame when it arrives
// through the JSON envelope (payload base64-encoded per encoding/json).
type TelemetryBinaryPayload struct {
	SessionID string `json:"sessionId"`
	Payload   []byte `json:"payload"`
}

// StrategyUpdatePayload carries per-car strategy state from a producer.
type StrategyUpdatePayload struct {
	SessionID string        `json:"sessionId"`
	Timestamp float64       `json:"timestamp,omitempty"`
	Cars      []StrategyCar `json:"cars"`
}

// StrategyCar is one car's strategy snapshot.
type StrategyCar struct {
	CarID       FlexID       `json:"carId"`
	Fuel        *FuelState   `json:"fuel,omitempty"`
	Tires       *TireSet     `json:"tires,omitempty"`
	TireTemps   *TireTemps   `json:"tireTemps,omitempty"`
	Damage      *DamageState `json:"damage,omitempty"`
	Pit         *PitState    `json:"pit,omitempty"`
	StintLap    int          `json:"stintLap,omitempty"`
	AvgPace     float64      `json:"avgPace,omitempty"`
	Degradation float64      `json:"degradation,omitempty"`
	Gap         float64      `json:"gap,omitempty"`
}

// FuelState is the producer-reported fuel picture.
type FuelState struct {
	Level         float64 `json:"level"`
	Pct           float64 `json:"pct"`
	PerLap        float64 `json:"perLap,omitempty"`
	LapsRemaining float64 `json:"lapsRemaining,omitempty"`
}

// TireSet holds one value per corner (wear fractions in [0,1]).
type TireSet struct {
	FL float64 `json:"fl"`
	FR float64 `json:"fr"`
	RL float64 `json:"rl"`
	RR float64 `json:"rr"`
}

// CornerBands holds the three temperature band samples of one tire.
type CornerBands struct {
	L float64 `json:"l"`
	M float64 `json:"m"`
	R float64 `json:"r"`
}

// TireTemps holds the band samples for all four corners.
type TireTemps struct {
	FL CornerBands `json:"fl"`
	FR CornerBands `json:"fr"`
	RL CornerBands `json:"rl"`
	RR CornerBands `json:"rr"`
}

// DamageState reports aero and engine damage fractions in [0,1].
type DamageState struct {
	Aero   float64 `json:"aero"`
	Engine float64 `json:"engine"`
}

// PitState reports pit lane presence and completed stops.
type PitState struct {
	InLane bool `json:"inLane"`
	Stops  int  `json:"stops"`
}

// IncidentPayload reports an on-track incident.
type IncidentPayload struct {
	SessionID     string   `json:"sessionId"`
	Type          string   `json:"type"`
	Severity      string   `json:"severity,omitempty"`
	Lap           int      `json:"lap,omitempty"`
	CornerName    string   `json:"cornerName,omitempty"`
	Cars          []int    `json:"cars,omitempty"`
	DriverNames   []string `json:"driverNames,omitempty"`
	TrackPosition float64  `json:"trackPosition,omitempty"`
}

// VideoFramePayload carries a single encoded video frame.
type VideoFramePayload struct {
	SessionID string `json:"sessionId"`
	Image     []byte `json:"image"`
}

// RelayRegisterPayload registers the sender as a session's producer.
type RelayRegisterPayload struct {
	SessionID string `json:"sessionId"`
}

// BroadcastDelayPayload is the director request to set a session's delay.
type BroadcastDelayPayload struct {
	SessionID string `json:"sessionId"`
	DelayMs   int    `json:"delayMs"`
}

// StewardActionPayload is a director ruling on an incident.
type StewardActionPayload struct {
	SessionID    string      `json:"sessionId"`
	IncidentID   string      `json:"incidentId"`
	Action       string      `json:"action"`
	PenaltyType  string      `json:"penaltyType,omitempty"`
	PenaltyValue interface{} `json:"penaltyValue,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	StewardID    string      `json:"stewardId,omitempty"`
}

// RoomJoinPayload subscribes the sender to a session room.
type RoomJoinPayload struct {
	SessionID string `json:"sessionId"`
	Surface   string `json:"surface,omitempty"`
}

// RoomLeavePayload unsubscribes the sender from a session room.
type RoomLeavePayload struct {
	SessionID string `json:"sessionId"`
}
