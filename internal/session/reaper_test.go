package session

import (
	"testing"
	"time"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

type fakeDelays struct {
	cancelled []string
	pending   int
}

func (f *fakeDelays) CancelSession(sessionID string) int {
	f.cancelled = append(f.cancelled, sessionID)
	return 2
}

func (f *fakeDelays) PendingTotal() int { return f.pending }

type fakeRooms struct{ count int }

func (f *fakeRooms) Count() int { return f.count }

func TestSweepCancelsReapedDeliveries(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	store := NewStore(logger, nil)
	delays := &fakeDelays{pending: 4}

	store.UpsertImplicit("old")
	time.Sleep(50 * time.Millisecond)
	store.UpsertImplicit("fresh")

	r := NewReaper(store, delays, &fakeRooms{count: 3}, logger, nil, time.Minute, 25*time.Millisecond)
	reaped := r.Sweep()

	if len(reaped) != 1 || reaped[0].SessionID != "old" {
		t.Fatalf("expected old reaped, got %v", reaped)
	}
	if len(delays.cancelled) != 1 || delays.cancelled[0] != "old" {
		t.Fatalf("pending deliveries not cancelled for reaped session: %v", delays.cancelled)
	}
	if store.Count() != 1 {
		t.Fatalf("expected 1 session left, got %d", store.Count())
	}
}

func TestSweepNilCollaborators(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	store := NewStore(logger, nil)
	store.UpsertImplicit("s1")

	r := NewReaper(store, nil, nil, logger, nil, time.Minute, time.Hour)
	if reaped := r.Sweep(); len(reaped) != 0 {
		t.Fatalf("nothing should be stale yet, got %v", reaped)
	}
}

func TestRunStops(t *testing.T) {
	logger, _ := logrustest.NewNullLogger()
	store := NewStore(logger, nil)

	r := NewReaper(store, nil, nil, logger, nil, 5*time.Millisecond, time.Hour)
	done := make(chan struct{})
	go func() {
		r.Run()
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Stop()
	r.Stop() // idempotent

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after Stop")
	}
}
