package session

import (
	"sync"
	"time"

	"gridlink/internal/metrics"
	"gridlink/pkg/logging"
)

// DelayControl is the slice of the delay scheduler the reaper needs:
// cancelling a reaped session's pending deliveries and reading the
// pending total for the gauge.
type DelayControl interface {
	CancelSession(sessionID string) int
	PendingTotal() int
}

// RoomCounter reports room registry occupancy for the sweep snapshot.
type RoomCounter interface {
	Count() int
}

// Reaper periodically removes sessions nothing has updated within the
// stale threshold. Subscribers stay connected; only state goes away.
type Reaper struct {
	store    *Store
	delays   DelayControl
	rooms    RoomCounter
	logger   logging.Logger
	metrics  *metrics.Metrics
	interval time.Duration
	stale    time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewReaper wires a reaper to the store. delays and rooms may be nil
// in tests.
func NewReaper(store *Store, delays DelayControl, rooms RoomCounter, logger logging.Logger, m *metrics.Metrics, interval, stale time.Duration) *Reaper {
	return &Reaper{
		store:    store,
		delays:   delays,
		rooms:    rooms,
		logger:   logger,
		metrics:  m,
		interval: interval,
		stale:    stale,
		stop:     make(chan struct{}),
	}
}

// Run sweeps on the configured interval until Stop. Call in a goroutine.
func (r *Reaper) Run() {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Stop halts the sweep loop.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// Sweep runs one reap pass: stale sessions go, their pending delayed
// deliveries are cancelled, and the lifecycle gauges are refreshed.
func (r *Reaper) Sweep() []Reaped {
	reaped := r.store.Reap(r.stale)

	cancelled := 0
	for _, rp := range reaped {
		if r.delays != nil {
			cancelled += r.delays.CancelSession(rp.SessionID)
		}
	}

	pending := 0
	if r.delays != nil {
		pending = r.delays.PendingTotal()
		if r.metrics != nil {
			r.metrics.DelayedPending.WithLabelValues().Set(float64(pending))
		}
	}
	roomCount := 0
	if r.rooms != nil {
		roomCount = r.rooms.Count()
		if r.metrics != nil {
			r.metrics.RoomsActive.WithLabelValues().Set(float64(roomCount))
		}
	}

	r.logger.WithFields(logging.Fields{
		"sessions":  r.store.Count(),
		"rooms":     roomCount,
		"pending":   pending,
		"reaped":    len(reaped),
		"cancelled": cancelled,
	}).Debug("Reaper sweep complete")
	return reaped
}
