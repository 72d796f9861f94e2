package ingest

import (
	"strings"

	"gridlink/internal/session"
	"gridlink/pkg/events"
)

// displayName resolves a driver's display name, falling back to the
// car id when no producer has named the driver yet.
func displayName(rec session.DriverRecord) string {
	if rec.DriverName != "" {
		return rec.DriverName
	}
	return "Car " + rec.CarID
}

// timingEntries builds the live timing table rows from merged driver
// records, preserving the frame's car order.
func timingEntries(records []session.DriverRecord) []events.TimingEntry {
	entries := make([]events.TimingEntry, 0, len(records))
	for _, rec := range records {
		entries = append(entries, events.TimingEntry{
			DriverID:    rec.DriverID,
			DriverName:  displayName(rec),
			CarNumber:   rec.CarNumber,
			Position:    rec.Position,
			LapNumber:   rec.Lap,
			LastLapTime: rec.LastLapTime,
			BestLapTime: rec.BestLapTime,
			GapToLeader: rec.GapToLeader,
			LapDistPct:  rec.LapDistPct,
			Speed:       rec.Speed,
		})
	}
	return entries
}

// fuelStatus buckets a fuel percentage into the dashboard traffic light.
func fuelStatus(pct float64) string {
	switch {
	case pct > 0.30:
		return "green"
	case pct > 0.15:
		return "yellow"
	case pct > 0:
		return "red"
	default:
		return "gray"
	}
}

// damageStatus is green only for a clean car.
func damageStatus(d events.DamageState) string {
	if d.Aero == 0 && d.Engine == 0 {
		return "green"
	}
	return "yellow"
}

// cornerTemps collapses each tire's three band samples to their mean.
func cornerTemps(t *events.TireTemps) *events.CornerTemps {
	if t == nil {
		return nil
	}
	mean := func(c events.CornerBands) float64 { return (c.L + c.M + c.R) / 3 }
	return &events.CornerTemps{
		FL: mean(t.FL),
		FR: mean(t.FR),
		RL: mean(t.RL),
		RR: mean(t.RR),
	}
}

// carStatus builds the primary car's status panel from its merged record.
func carStatus(sessionID string, rec session.DriverRecord, timestamp float64) events.CarStatusPayload {
	status := events.CarStatusPayload{
		SessionID:  sessionID,
		CarID:      rec.CarID,
		DriverID:   rec.DriverID,
		DriverName: displayName(rec),
		Fuel:       events.FuelStatus{Status: fuelStatus(0)},
		Damage:     events.DamageStatus{Status: damageStatus(events.DamageState{})},
		Timestamp:  timestamp,
	}
	st := rec.Strategy
	if st == nil {
		return status
	}
	if st.Fuel != nil {
		status.Fuel = events.FuelStatus{FuelState: *st.Fuel, Status: fuelStatus(st.Fuel.Pct)}
	}
	status.Tires = events.TireStatus{Wear: st.Tires, Temps: cornerTemps(st.TireTemps)}
	if st.Damage != nil {
		status.Damage = events.DamageStatus{DamageState: *st.Damage, Status: damageStatus(*st.Damage)}
	}
	status.Pit = st.Pit
	status.StintLap = st.StintLap
	status.AvgPace = st.AvgPace
	status.Degradation = st.Degradation
	return status
}

// tirePhase classifies tire life: fresh above 70% remaining on the
// worst corner, optimal with any data, unknown without.
func tirePhase(tires *events.TireSet) string {
	if tires == nil {
		return "unknown"
	}
	min := tires.FL
	for _, w := range [...]float64{tires.FR, tires.RL, tires.RR} {
		if w < min {
			min = w
		}
	}
	if min > 0.70 {
		return "fresh"
	}
	return "optimal"
}

// opponents builds the intel rows for the non-primary cars of a
// strategy frame. Positions are synthetic: each opponent slots in
// behind the primary car in frame order.
func opponents(records []session.DriverRecord) []events.Opponent {
	out := make([]events.Opponent, 0, len(records))
	for i, rec := range records {
		var gap float64
		var tires *events.TireSet
		if rec.Strategy != nil {
			gap = rec.Strategy.Gap
			tires = rec.Strategy.Tires
		}
		out = append(out, events.Opponent{
			CarID:       rec.CarID,
			DriverID:    rec.DriverID,
			DriverName:  displayName(rec),
			CarNumber:   rec.CarNumber,
			Position:    i + 2,
			Gap:         gap,
			GapTrend:    "stable",
			ThreatLevel: "yellow",
			TirePhase:   tirePhase(tires),
		})
	}
	return out
}

// strategyEntries resolves driver identities onto a strategy frame.
func strategyEntries(records []session.DriverRecord) []events.StrategyEntry {
	entries := make([]events.StrategyEntry, 0, len(records))
	for _, rec := range records {
		entry := events.StrategyEntry{
			CarID:      rec.CarID,
			DriverID:   rec.DriverID,
			DriverName: displayName(rec),
		}
		if st := rec.Strategy; st != nil {
			entry.Fuel = st.Fuel
			entry.Tires = st.Tires
			entry.TireTemps = st.TireTemps
			entry.Damage = st.Damage
			entry.Pit = st.Pit
			entry.StintLap = st.StintLap
			entry.AvgPace = st.AvgPace
			entry.Degradation = st.Degradation
			entry.Gap = st.Gap
		}
		entries = append(entries, entry)
	}
	return entries
}

// severityImportance maps incident severity to event-log importance.
// Absent or unrecognized severities count as medium.
func severityImportance(severity string) string {
	switch severity {
	case "high":
		return "critical"
	case "low":
		return "info"
	default:
		return "warning"
	}
}

// incidentLogMessage renders the event-log line for an incident.
func incidentLogMessage(inc events.IncidentPayload, drivers []events.InvolvedDriver) string {
	where := inc.CornerName
	if where == "" {
		where = inc.Type
	}
	if len(drivers) == 0 {
		return "Incident: " + where
	}
	names := make([]string, 0, len(drivers))
	for _, d := range drivers {
		names = append(names, d.DriverName)
	}
	return "Incident: " + where + " - " + strings.Join(names, ", ")
}

// raceLogMessage renders the event-log line for a race event. Yellow
// and red flags are warnings, everything else informational.
func raceLogMessage(p raceEventPayload) (message, importance string) {
	if p.FlagState != nil && *p.FlagState != "" {
		importance = "info"
		if *p.FlagState == "yellow" || *p.FlagState == "red" {
			importance = "warning"
		}
		return "Flag: " + *p.FlagState, importance
	}
	if p.SessionPhase != nil && *p.SessionPhase != "" {
		return "Session phase: " + *p.SessionPhase, "info"
	}
	return "Race update", "info"
}
