// Package delay defers fan-out deliveries for sessions running a
// broadcast delay, the way a TV director holds a live feed.
package delay

import (
	"sync"
	"time"

	"gridlink/internal/metrics"
)

// Scheduler tracks one-shot delivery timers per session. Timers ride
// the runtime's monotonic clock, so wall-clock jumps cannot fire a
// delivery early or late.
type Scheduler struct {
	metrics *metrics.Metrics

	mu      sync.Mutex
	seq     int64
	pending map[string]map[int64]*time.Timer
	total   int
	closed  bool
}

// NewScheduler creates an empty scheduler.
func NewScheduler(m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		metrics: m,
		pending: make(map[string]map[int64]*time.Timer),
	}
}

// Schedule arranges for deliver to run after d. A delivery that has
// been cancelled by the time its timer fires is skipped: the fire path
// must find its own registration or do nothing. Non-positive delays
// deliver inline.
func (s *Scheduler) Schedule(sessionID string, d time.Duration, deliver func()) {
	if d <= 0 {
		deliver()
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.seq++
	seq := s.seq
	timers := s.pending[sessionID]
	if timers == nil {
		timers = make(map[int64]*time.Timer)
		s.pending[sessionID] = timers
	}

	// The fire callback serializes on s.mu, so it cannot observe the
	// map before this registration lands even for tiny delays.
	timers[seq] = time.AfterFunc(d, func() {
		if s.take(sessionID, seq) {
			deliver()
		}
	})
	s.total++
	s.gaugeLocked()
}

// take claims a registration at fire time. False means the delivery
// was cancelled.
func (s *Scheduler) take(sessionID string, seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers := s.pending[sessionID]
	if timers == nil {
		return false
	}
	if _, ok := timers[seq]; !ok {
		return false
	}
	delete(timers, seq)
	if len(timers) == 0 {
		delete(s.pending, sessionID)
	}
	s.total--
	s.gaugeLocked()
	return true
}

// CancelSession drops every pending delivery for a session and returns
// how many were cancelled. Timers already past take cannot be stopped,
// but they delivered before this call claimed their registrations.
func (s *Scheduler) CancelSession(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	timers := s.pending[sessionID]
	if len(timers) == 0 {
		return 0
	}
	delete(s.pending, sessionID)
	for _, t := range timers {
		t.Stop()
	}
	s.total -= len(timers)
	s.gaugeLocked()
	return len(timers)
}

// PendingFor returns the pending delivery count for one session.
func (s *Scheduler) PendingFor(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending[sessionID])
}

// PendingTotal returns the pending delivery count across all sessions.
func (s *Scheduler) PendingTotal() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Stop cancels everything and refuses further schedules.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for sessionID, timers := range s.pending {
		for _, t := range timers {
			t.Stop()
		}
		delete(s.pending, sessionID)
	}
	s.total = 0
	s.gaugeLocked()
}

func (s *Scheduler) gaugeLocked() {
	if s.metrics != nil {
		s.metrics.DelayedPending.WithLabelValues().Set(float64(s.total))
	}
}
