package hub

import (
	"sync"

	"gridlink/internal/metrics"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"
)

// SessionRoom returns the room name for a session's subscriber group.
func SessionRoom(sessionID string) string {
	return "session:" + sessionID
}

// Rooms is the registry of named rooms and their member connections.
// Membership is keyed by connection ID so a connection can be dropped
// from every room in one pass on disconnect.
type Rooms struct {
	logger  logging.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	rooms  map[string]map[string]Conn
	joined map[string]map[string]bool
}

// NewRooms creates an empty room registry.
func NewRooms(logger logging.Logger, m *metrics.Metrics) *Rooms {
	return &Rooms{
		logger:  logger,
		metrics: m,
		rooms:   make(map[string]map[string]Conn),
		joined:  make(map[string]map[string]bool),
	}
}

// Join adds a connection to a room, creating the room on first join.
// Returns false if the connection was already a member.
func (r *Rooms) Join(room string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Conn)
		r.rooms[room] = members
	}
	if _, exists := members[conn.ID()]; exists {
		return false
	}
	members[conn.ID()] = conn

	if r.joined[conn.ID()] == nil {
		r.joined[conn.ID()] = make(map[string]bool)
	}
	r.joined[conn.ID()][room] = true

	r.updateGaugeLocked()
	return true
}

// Leave removes a connection from a room. Returns false if the
// connection was not a member.
func (r *Rooms) Leave(room, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, connID)
}

func (r *Rooms) leaveLocked(room, connID string) bool {
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	if _, exists := members[connID]; !exists {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, room)
	}

	if joined := r.joined[connID]; joined != nil {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.joined, connID)
		}
	}

	r.updateGaugeLocked()
	return true
}

// DropConn removes a connection from every room it had joined and
// returns the rooms it was removed from.
func (r *Rooms) DropConn(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.joined[connID]
	if len(joined) == 0 {
		return nil
	}
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	for _, room := range rooms {
		r.leaveLocked(room, connID)
	}
	return rooms
}

// IsMember reports whether a connection has joined a room.
func (r *Rooms) IsMember(room, connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.rooms[room]
	if !ok {
		return false
	}
	_, exists := members[connID]
	return exists
}

// JoinedRooms returns the rooms a connection is currently a member of.
func (r *Rooms) JoinedRooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	joined := r.joined[connID]
	if len(joined) == 0 {
		return nil
	}
	rooms := make([]string, 0, len(joined))
	for room := range joined {
		rooms = append(rooms, room)
	}
	return rooms
}

// Size returns the number of members in a room.
func (r *Rooms) Size(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}

// Count returns the number of non-empty rooms.
func (r *Rooms) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// Broadcast emits an event to every member of a room. The envelope is
// marshaled once and the member set is snapshotted before sending, so
// slow members never hold the registry lock. Returns how many sends
// were queued and how many were dropped on full queues.
func (r *Rooms) Broadcast(room, event string, payload interface{}, volatile bool) (sent, dropped int) {
	data, err := events.Marshal(event, payload)
	if err != nil {
		r.logger.WithError(err).WithFields(logging.Fields{
			"room":  room,
			"event": event,
		}).Error("Failed to marshal room broadcast")
		return 0, 0
	}
	return r.BroadcastRaw(room, data, volatile)
}

// BroadcastRaw sends pre-marshaled envelope bytes to every member of a
// room with the same snapshot discipline as Broadcast.
func (r *Rooms) BroadcastRaw(room string, data []byte, volatile bool) (sent, dropped int) {
	r.mu.RLock()
	members := r.rooms[room]
	targets := make([]Conn, 0, len(members))
	for _, conn := range members {
		targets = append(targets, conn)
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		switch err := conn.SendRaw(data, volatile); err {
		case nil:
			sent++
		case ErrQueueFull:
			dropped++
		}
	}
	return sent, dropped
}

func (r *Rooms) updateGaugeLocked() {
	if r.metrics != nil {
		r.metrics.RoomsActive.WithLabelValues().Set(float64(len(r.rooms)))
	}
}
