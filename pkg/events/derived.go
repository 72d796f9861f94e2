package events

// Payloads emitted by the hub.

// SessionActivePayload announces a live session to every connection.
type SessionActivePayload struct {
	SessionID   string `json:"sessionId"`
	TrackName   string `json:"trackName"`
	SessionType string `json:"sessionType"`
}

// SessionStatePayload is the state snapshot sent to a joining subscriber.
type SessionStatePayload struct {
	SessionID   string `json:"sessionId"`
	TrackName   string `json:"trackName"`
	SessionType string `json:"sessionType"`
	Status      string `json:"status"`
}

// RoomJoinedPayload acknowledges a room:join.
type RoomJoinedPayload struct {
	SessionID string `json:"sessionId"`
}

// DelayEcho tells subscribers they are watching a delayed stream.
type DelayEcho struct {
	DelayMs int `json:"delayMs"`
}

// TimingUpdatePayload is the normalized live timing table.
type TimingUpdatePayload struct {
	SessionID     string      `json:"sessionId"`
	SessionTimeMs float64     `json:"sessionTimeMs"`
	Timing        TimingTable `json:"timing"`
}

// TimingTable wraps the timing entries.
type TimingTable struct {
	Entries []TimingEntry `json:"entries"`
}

// TimingEntry is one row of the live timing table.
type TimingEntry struct {
	DriverID    string  `json:"driverId"`
	DriverName  string  `json:"driverName"`
	CarNumber   string  `json:"carNumber"`
	Position    int     `json:"position"`
	LapNumber   int     `json:"lapNumber"`
	LastLapTime float64 `json:"lastLapTime"`
	BestLapTime float64 `json:"bestLapTime"`
	GapToLeader float64 `json:"gapToLeader"`
	LapDistPct  float64 `json:"lapDistPct"`
	Speed       float64 `json:"speed"`
}

// StrategyTable is the derived strategy:update payload.
type StrategyTable struct {
	SessionID string          `json:"sessionId"`
	Timestamp float64         `json:"timestamp"`
	Strategy  []StrategyEntry `json:"strategy"`
}

// StrategyEntry is one car's strategy snapshot with resolved identity.
type StrategyEntry struct {
	CarID       string       `json:"carId"`
	DriverID    string       `json:"driverId"`
	DriverName  string       `json:"driverName"`
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

// CarStatusPayload is the primary car's derived status panel.
type CarStatusPayload struct {
	SessionID   string       `json:"sessionId"`
	CarID       string       `json:"carId"`
	DriverID    string       `json:"driverId"`
	DriverName  string       `json:"driverName"`
	Fuel        FuelStatus   `json:"fuel"`
	Tires       TireStatus   `json:"tires"`
	Damage      DamageStatus `json:"damage"`
	Pit         *PitState    `json:"pit,omitempty"`
	StintLap    int          `json:"stintLap,omitempty"`
	AvgPace     float64      `json:"avgPace,omitempty"`
	Degradation float64      `json:"degradation,omitempty"`
	Timestamp   float64      `json:"timestamp"`
}

// FuelStatus is FuelState plus the derived traffic-light status.
type FuelStatus struct {
	FuelState
	Status string `json:"status"`
}

// TireStatus carries wear and per-corner mean temperatures.
type TireStatus struct {
	Wear  *TireSet     `json:"wear,omitempty"`
	Temps *CornerTemps `json:"temps,omitempty"`
}

// CornerTemps is the mean temperature per corner.
type CornerTemps struct {
	FL float64 `json:"fl"`
	FR float64 `json:"fr"`
	RL float64 `json:"rl"`
	RR float64 `json:"rr"`
}

// DamageStatus is DamageState plus the derived traffic-light status.
type DamageStatus struct {
	DamageState
	Status string `json:"status"`
}

// OpponentIntelPayload lists the non-primary cars of a strategy frame.
type OpponentIntelPayload struct {
	Opponents []Opponent `json:"opponents"`
}

// Opponent is one rival car's derived intel row.
type Opponent struct {
	CarID       string  `json:"carId"`
	DriverID    string  `json:"driverId"`
	DriverName  string  `json:"driverName"`
	CarNumber   string  `json:"carNumber"`
	Position    int     `json:"position"`
	Gap         float64 `json:"gap"`
	GapTrend    string  `json:"gapTrend"`
	ThreatLevel string  `json:"threatLevel"`
	TirePhase   string  `json:"tirePhase"`
}

// RaceStatePayload is the last-observed race-level facts snapshot.
type RaceStatePayload struct {
	SessionID     string  `json:"sessionId"`
	FlagState     string  `json:"flagState"`
	CurrentLap    int     `json:"currentLap"`
	TimeRemaining float64 `json:"timeRemaining"`
	SessionPhase  string  `json:"sessionPhase"`
}

// EventLogEntry is one row of the session event log.
type EventLogEntry struct {
	ID         string `json:"id"`
	Timestamp  int64  `json:"timestamp"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Importance string `json:"importance"`
}

// IncidentNewPayload is a synthesized incident record.
type IncidentNewPayload struct {
	ID              string           `json:"id"`
	Type            string           `json:"type"`
	Severity        string           `json:"severity"`
	LapNumber       int              `json:"lapNumber"`
	SessionTimeMs   int64            `json:"sessionTimeMs"`
	TrackPosition   float64          `json:"trackPosition"`
	CornerName      string           `json:"cornerName,omitempty"`
	InvolvedDrivers []InvolvedDriver `json:"involvedDrivers"`
	Status          string           `json:"status"`
}

// InvolvedDriver identifies one participant of an incident.
type InvolvedDriver struct {
	DriverID   string `json:"driverId"`
	DriverName string `json:"driverName"`
	CarNumber  string `json:"carNumber"`
	Role       string `json:"role"`
}

// VideoFrameBroadcast is the fan-out form of a video frame.
type VideoFrameBroadcast struct {
	SessionID string `json:"sessionId"`
	Image     []byte `json:"image"`
	Timestamp int64  `json:"timestamp"`
}

// StewardDecisionPayload broadcasts a steward ruling to the room.
type StewardDecisionPayload struct {
	IncidentID   string      `json:"incidentId"`
	Action       string      `json:"action"`
	PenaltyType  string      `json:"penaltyType,omitempty"`
	PenaltyValue interface{} `json:"penaltyValue,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	StewardID    string      `json:"stewardId,omitempty"`
	DecidedAt    string      `json:"decidedAt"`
}

// RelayViewersPayload tells a producer how many viewers it has.
type RelayViewersPayload struct {
	Type            string `json:"type"`
	SessionID       string `json:"sessionId"`
	ViewerCount     int    `json:"viewerCount"`
	RequestControls bool   `json:"requestControls"`
}

// AckPayload acknowledges a producer message.
type AckPayload struct {
	OriginalType string `json:"originalType,omitempty"`
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
}

// StewardActionAckPayload is the caller-directed steward:action reply.
type StewardActionAckPayload struct {
	Success    bool   `json:"success"`
	IncidentID string `json:"incidentId,omitempty"`
	Action     string `json:"action,omitempty"`
	Error      string `json:"error,omitempty"`
}
