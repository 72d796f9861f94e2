// Package session holds the in-memory state of every active racing
// session: metadata, the per-car driver map, the broadcast delay, and
// the producer registration used for viewer notifications. State lives
// only as long as producers keep it fresh; the reaper removes the rest.
package session

import (
	"sync"
	"time"

	"gridlink/internal/metrics"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"
)

// Placeholder metadata for sessions first seen through telemetry.
const (
	placeholderTrack = "Unknown"
	placeholderType  = "race"
)

// DriverRecord is the last-known picture of one car within a session.
// Records are created on first mention and persist until the session
// is reaped.
type DriverRecord struct {
	CarID       string
	DriverID    string
	DriverName  string
	CarNumber   string
	LapDistPct  float64
	Position    int
	Lap         int
	LastLapTime float64
	BestLapTime float64
	GapToLeader float64
	Speed       float64
	Strategy    *DriverStrategy
}

// DriverStrategy is the merged strategy picture for one car. Pointer
// fields are replaced wholesale on update and never mutated in place,
// so snapshot copies stay consistent without deep cloning.
type DriverStrategy struct {
	Fuel        *events.FuelState
	Tires       *events.TireSet
	TireTemps   *events.TireTemps
	Damage      *events.DamageState
	Pit         *events.PitState
	StintLap    int
	AvgPace     float64
	Degradation float64
	Gap         float64
}

// RaceFacts carries the race-level fields of a race event. Nil fields
// leave the last-observed values untouched.
type RaceFacts struct {
	FlagState     *string
	CurrentLap    *int
	TimeRemaining *float64
	SessionPhase  *string
}

// Snapshot is a read-only copy of a session's headline state.
type Snapshot struct {
	SessionID     string
	TrackName     string
	SessionType   string
	DelayMs       int
	LastUpdate    time.Time
	DriverCount   int
	FlagState     string
	CurrentLap    int
	TimeRemaining float64
	SessionPhase  string
}

// Reaped describes one session removed by a reap pass.
type Reaped struct {
	SessionID string
	Age       time.Duration
}

// ProducerConn is the send handle kept for a session's registered
// relay producer.
type ProducerConn interface {
	ID() string
	Send(event string, payload interface{}, volatile bool) error
}

// sessionEntry guards one session's mutable state. The store-level
// lock covers membership; the entry lock covers field updates, so a
// slow merge on one session never blocks the rest.
type sessionEntry struct {
	mu            sync.Mutex
	id            string
	trackName     string
	sessionType   string
	drivers       map[string]*DriverRecord
	delayMs       int
	lastUpdate    time.Time
	flagState     string
	currentLap    int
	timeRemaining float64
	sessionPhase  string
}

// Store holds every active session plus the producer registrations.
// Producer registrations are kept independently of session entries:
// a relay may register before its first metadata arrives, and the
// registration must survive session reaps while the connection lives.
type Store struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	sessions  map[string]*sessionEntry
	producers map[string]ProducerConn
	byConn    map[string]map[string]bool
}

// NewStore creates an empty session store.
func NewStore(logger logging.Logger, m *metrics.Metrics) *Store {
	return &Store{
		logger:    logger,
		metrics:   m,
		sessions:  make(map[string]*sessionEntry),
		producers: make(map[string]ProducerConn),
		byConn:    make(map[string]map[string]bool),
	}
}

// UpsertFromMetadata creates or refreshes a session from a metadata
// announcement. Returns true when the session was newly created.
func (s *Store) UpsertFromMetadata(meta events.SessionMetadataPayload) bool {
	entry, created := s.ensure(meta.SessionID, meta.TrackName, meta.SessionType)

	entry.mu.Lock()
	if meta.TrackName != "" {
		entry.trackName = meta.TrackName
	}
	if meta.SessionType != "" {
		entry.sessionType = meta.SessionType
	}
	entry.lastUpdate = time.Now()
	entry.mu.Unlock()

	if created {
		s.logger.WithFields(logging.Fields{
			"session_id":   meta.SessionID,
			"track":        meta.TrackName,
			"session_type": meta.SessionType,
		}).Info("Session created")
	}
	return created
}

// UpsertImplicit creates a placeholder session for telemetry that
// arrived before any metadata. Returns true when newly created.
func (s *Store) UpsertImplicit(sessionID string) bool {
	entry, created := s.ensure(sessionID, placeholderTrack, placeholderType)

	entry.mu.Lock()
	entry.lastUpdate = time.Now()
	entry.mu.Unlock()

	if created {
		s.logger.WithField("session_id", sessionID).Info("Session created implicitly from telemetry")
	}
	return created
}

func (s *Store) ensure(sessionID, trackName, sessionType string) (*sessionEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.sessions[sessionID]; ok {
		return entry, false
	}
	entry := &sessionEntry{
		id:          sessionID,
		trackName:   trackName,
		sessionType: sessionType,
		drivers:     make(map[string]*DriverRecord),
		lastUpdate:  time.Now(),
	}
	s.sessions[sessionID] = entry
	s.updateGaugeLocked()
	return entry, true
}

func (s *Store) lookup(sessionID string) (*sessionEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.sessions[sessionID]
	return entry, ok
}

// Get returns a snapshot of one session's headline state.
func (s *Store) Get(sessionID string) (Snapshot, bool) {
	entry, ok := s.lookup(sessionID)
	if !ok {
		return Snapshot{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.snapshotLocked(), true
}

// List returns a snapshot of every session.
func (s *Store) List() []Snapshot {
	s.mu.RLock()
	entries := make([]*sessionEntry, 0, len(s.sessions))
	for _, entry := range s.sessions {
		entries = append(entries, entry)
	}
	s.mu.RUnlock()

	snaps := make([]Snapshot, 0, len(entries))
	for _, entry := range entries {
		entry.mu.Lock()
		snaps = append(snaps, entry.snapshotLocked())
		entry.mu.Unlock()
	}
	return snaps
}

// Count returns the number of active sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Touch refreshes a session's last-update timestamp if it exists.
func (s *Store) Touch(sessionID string) bool {
	entry, ok := s.lookup(sessionID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.lastUpdate = time.Now()
	entry.mu.Unlock()
	return true
}

// SetDelay stores a session's broadcast delay. The caller clamps.
func (s *Store) SetDelay(sessionID string, delayMs int) bool {
	entry, ok := s.lookup(sessionID)
	if !ok {
		return false
	}
	entry.mu.Lock()
	entry.delayMs = delayMs
	entry.mu.Unlock()
	return true
}

// Delay returns a session's broadcast delay, zero when unknown.
func (s *Store) Delay(sessionID string) int {
	entry, ok := s.lookup(sessionID)
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.delayMs
}

// MergeTelemetry folds a telemetry frame's car samples into the driver
// map, creating the session implicitly if needed, and returns merged
// record copies in frame order.
func (s *Store) MergeTelemetry(sessionID string, cars []events.CarSample) []DriverRecord {
	entry, _ := s.ensure(sessionID, placeholderTrack, placeholderType)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	merged := make([]DriverRecord, 0, len(cars))
	for _, car := range cars {
		rec := entry.driverLocked(car.CarID.String())
		mergeSample(rec, car)
		merged = append(merged, copyRecord(rec))
	}
	entry.lastUpdate = time.Now()
	return merged
}

// MergeStrategy folds a strategy frame's cars into the driver map with
// the same implicit-create and ordering rules as MergeTelemetry.
func (s *Store) MergeStrategy(sessionID string, cars []events.StrategyCar) []DriverRecord {
	entry, _ := s.ensure(sessionID, placeholderTrack, placeholderType)

	entry.mu.Lock()
	defer entry.mu.Unlock()

	merged := make([]DriverRecord, 0, len(cars))
	for _, car := range cars {
		rec := entry.driverLocked(car.CarID.String())
		mergeStrategy(rec, car)
		merged = append(merged, copyRecord(rec))
	}
	entry.lastUpdate = time.Now()
	return merged
}

// ApplyRaceEvent folds race-level facts into an existing session and
// returns the updated snapshot. Sessions are not created here: a race
// event alone does not establish state.
func (s *Store) ApplyRaceEvent(sessionID string, facts RaceFacts) (Snapshot, bool) {
	entry, ok := s.lookup(sessionID)
	if !ok {
		return Snapshot{}, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if facts.FlagState != nil {
		entry.flagState = *facts.FlagState
	}
	if facts.CurrentLap != nil {
		entry.currentLap = *facts.CurrentLap
	}
	if facts.TimeRemaining != nil {
		entry.timeRemaining = *facts.TimeRemaining
	}
	if facts.SessionPhase != nil {
		entry.sessionPhase = *facts.SessionPhase
	}
	entry.lastUpdate = time.Now()
	return entry.snapshotLocked(), true
}

// Driver returns a copy of one car's record.
func (s *Store) Driver(sessionID, carID string) (DriverRecord, bool) {
	entry, ok := s.lookup(sessionID)
	if !ok {
		return DriverRecord{}, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	rec, ok := entry.drivers[carID]
	if !ok {
		return DriverRecord{}, false
	}
	return copyRecord(rec), true
}

// RegisterProducer records a connection as a session's producer,
// replacing any previous registration.
func (s *Store) RegisterProducer(sessionID string, conn ProducerConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.producers[sessionID]; ok && prev.ID() != conn.ID() {
		if set := s.byConn[prev.ID()]; set != nil {
			delete(set, sessionID)
			if len(set) == 0 {
				delete(s.byConn, prev.ID())
			}
		}
	}
	s.producers[sessionID] = conn
	if s.byConn[conn.ID()] == nil {
		s.byConn[conn.ID()] = make(map[string]bool)
	}
	s.byConn[conn.ID()][sessionID] = true
}

// Producer returns the registered producer connection for a session.
func (s *Store) Producer(sessionID string) (ProducerConn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.producers[sessionID]
	return conn, ok
}

// ClearProducerConn drops every producer registration held by a
// connection and returns the affected session IDs.
func (s *Store) ClearProducerConn(connID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.byConn[connID]
	if len(set) == 0 {
		return nil
	}
	sessions := make([]string, 0, len(set))
	for sessionID := range set {
		sessions = append(sessions, sessionID)
		delete(s.producers, sessionID)
	}
	delete(s.byConn, connID)
	return sessions
}

// Reap removes sessions whose last update is older than staleAfter and
// drops their producer registrations. Returns what was removed.
func (s *Store) Reap(staleAfter time.Duration) []Reaped {
	now := time.Now()

	s.mu.Lock()
	var reaped []Reaped
	for sessionID, entry := range s.sessions {
		entry.mu.Lock()
		age := now.Sub(entry.lastUpdate)
		entry.mu.Unlock()
		if age <= staleAfter {
			continue
		}
		delete(s.sessions, sessionID)
		if conn, ok := s.producers[sessionID]; ok {
			delete(s.producers, sessionID)
			if set := s.byConn[conn.ID()]; set != nil {
				delete(set, sessionID)
				if len(set) == 0 {
					delete(s.byConn, conn.ID())
				}
			}
		}
		reaped = append(reaped, Reaped{SessionID: sessionID, Age: age})
	}
	s.updateGaugeLocked()
	s.mu.Unlock()

	for _, r := range reaped {
		s.logger.WithFields(logging.Fields{
			"session_id": r.SessionID,
			"age":        r.Age.String(),
		}).Info("Reaped stale session")
		if s.metrics != nil {
			s.metrics.SessionsReaped.WithLabelValues().Inc()
		}
	}
	return reaped
}

func (s *Store) updateGaugeLocked() {
	if s.metrics != nil {
		s.metrics.SessionsActive.WithLabelValues().Set(float64(len(s.sessions)))
	}
}

func (e *sessionEntry) snapshotLocked() Snapshot {
	return Snapshot{
		SessionID:     e.id,
		TrackName:     e.trackName,
		SessionType:   e.sessionType,
		DelayMs:       e.delayMs,
		LastUpdate:    e.lastUpdate,
		DriverCount:   len(e.drivers),
		FlagState:     e.flagState,
		CurrentLap:    e.currentLap,
		TimeRemaining: e.timeRemaining,
		SessionPhase:  e.sessionPhase,
	}
}

// driverLocked returns the record for a car, creating it with identity
// defaults on first mention. Callers hold the entry lock.
func (e *sessionEntry) driverLocked(carID string) *DriverRecord {
	rec, ok := e.drivers[carID]
	if !ok {
		rec = &DriverRecord{
			CarID:     carID,
			DriverID:  carID,
			CarNumber: carID,
		}
		e.drivers[carID] = rec
	}
	return rec
}

func mergeSample(rec *DriverRecord, car events.CarSample) {
	if id := car.DriverID.String(); id != "" {
		rec.DriverID = id
	}
	if car.DriverName != "" {
		rec.DriverName = car.DriverName
	}
	if car.CarNumber != "" {
		rec.CarNumber = car.CarNumber
	}
	if car.Position != nil {
		rec.Position = *car.Position
	}
	if car.Lap != nil {
		rec.Lap = *car.Lap
	}
	if car.Pos != nil {
		rec.LapDistPct = car.Pos.S
	}
	if car.Speed != nil {
		rec.Speed = *car.Speed
	}
	if car.LastLapTime != nil {
		rec.LastLapTime = *car.LastLapTime
	}
	if car.BestLapTime != nil {
		rec.BestLapTime = *car.BestLapTime
	}
	if car.GapToLeader != nil {
		rec.GapToLeader = *car.GapToLeader
	}
}

func mergeStrategy(rec *DriverRecord, car events.StrategyCar) {
	if rec.Strategy == nil {
		rec.Strategy = &DriverStrategy{}
	}
	st := rec.Strategy
	if car.Fuel != nil {
		st.Fuel = car.Fuel
	}
	if car.Tires != nil {
		st.Tires = car.Tires
	}
	if car.TireTemps != nil {
		st.TireTemps = car.TireTemps
	}
	if car.Damage != nil {
		st.Damage = car.Damage
	}
	if car.Pit != nil {
		st.Pit = car.Pit
	}
	if car.StintLap != 0 {
		st.StintLap = car.StintLap
	}
	if car.AvgPace != 0 {
		st.AvgPace = car.AvgPace
	}
	if car.Degradation != 0 {
		st.Degradation = car.Degradation
	}
	if car.Gap != 0 {
		st.Gap = car.Gap
	}
}

// copyRecord returns a value copy safe to read outside the entry lock.
// The strategy struct is copied; its pointer fields reference payload
// structs that are replaced, never mutated, so sharing them is safe.
func copyRecord(rec *DriverRecord) DriverRecord {
	out := *rec
	if rec.Strategy != nil {
		st := *rec.Strategy
		out.Strategy = &st
	}
	return out
}
