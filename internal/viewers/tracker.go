// Package viewers counts subscribers per session and surface so the
// hub can tell a relay producer when anyone is actually watching.
package viewers

import "sync"

// Known viewing surfaces. Anything else normalizes to web.
const (
	SurfaceWeb       = "web"
	SurfaceDriver    = "driver"
	SurfaceBroadcast = "broadcast"
	SurfaceRelay     = "relay"
)

// NormalizeSurface maps unknown surface tags to web.
func NormalizeSurface(surface string) string {
	switch surface {
	case SurfaceDriver, SurfaceBroadcast, SurfaceRelay:
		return surface
	default:
		return SurfaceWeb
	}
}

// Departure describes one session a disconnecting viewer left.
type Departure struct {
	SessionID string
	Total     int
	Last      bool
}

// Tracker counts viewers per session. Joined and Left are idempotent
// per (connection, session) pair, which is what makes the first/last
// transition flags trustworthy.
type Tracker struct {
	mu        sync.Mutex
	bySession map[string]map[string]string
	byConn    map[string]map[string]bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		bySession: make(map[string]map[string]string),
		byConn:    make(map[string]map[string]bool),
	}
}

// Joined records a viewer. Returns the session's viewer total and
// whether this join took the count from zero.
func (t *Tracker) Joined(connID, sessionID, surface string) (total int, first bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := t.bySession[sessionID]
	if conns == nil {
		conns = make(map[string]string)
		t.bySession[sessionID] = conns
	}
	if _, exists := conns[connID]; exists {
		return len(conns), false
	}
	wasEmpty := len(conns) == 0
	conns[connID] = NormalizeSurface(surface)

	if t.byConn[connID] == nil {
		t.byConn[connID] = make(map[string]bool)
	}
	t.byConn[connID][sessionID] = true

	return len(conns), wasEmpty
}

// Left removes a viewer. Returns the session's viewer total and whether
// this leave took the count to zero.
func (t *Tracker) Left(connID, sessionID string) (total int, last bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.leftLocked(connID, sessionID)
}

func (t *Tracker) leftLocked(connID, sessionID string) (total int, last bool) {
	conns := t.bySession[sessionID]
	if conns == nil {
		return 0, false
	}
	if _, exists := conns[connID]; !exists {
		return len(conns), false
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.bySession, sessionID)
	}

	if viewing := t.byConn[connID]; viewing != nil {
		delete(viewing, sessionID)
		if len(viewing) == 0 {
			delete(t.byConn, connID)
		}
	}

	return len(conns), len(conns) == 0
}

// HandleDisconnect removes a connection from every session it was
// viewing and reports each departure so the caller can notify
// producers of sessions that just lost their last viewer.
func (t *Tracker) HandleDisconnect(connID string) []Departure {
	t.mu.Lock()
	defer t.mu.Unlock()

	viewing := t.byConn[connID]
	if len(viewing) == 0 {
		return nil
	}
	sessions := make([]string, 0, len(viewing))
	for sessionID := range viewing {
		sessions = append(sessions, sessionID)
	}

	departures := make([]Departure, 0, len(sessions))
	for _, sessionID := range sessions {
		total, last := t.leftLocked(connID, sessionID)
		departures = append(departures, Departure{
			SessionID: sessionID,
			Total:     total,
			Last:      last,
		})
	}
	return departures
}

// Total returns a session's viewer count across all surfaces.
func (t *Tracker) Total(sessionID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.bySession[sessionID])
}

// Counts returns a session's viewer count per surface.
func (t *Tracker) Counts(sessionID string) map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()

	counts := make(map[string]int)
	for _, surface := range t.bySession[sessionID] {
		counts[surface]++
	}
	return counts
}

// IsViewing reports whether a connection is tracked for a session.
func (t *Tracker) IsViewing(connID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	viewing := t.byConn[connID]
	return viewing != nil && viewing[sessionID]
}
