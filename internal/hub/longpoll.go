package hub

import (
	"context"
	"sync"
	"time"

	"gridlink/pkg/auth"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"

	"github.com/google/uuid"
)

// pollBatchMax caps envelopes returned per poll cycle.
const pollBatchMax = 16

// PollManager owns the long-poll connections: a fallback transport for
// clients that cannot hold a WebSocket. Poll connections share the hub's
// queue discipline, so fan-out code never distinguishes the transports.
type PollManager struct {
	hub         *Hub
	logger      logging.Logger
	waitTimeout time.Duration
	idleTimeout time.Duration

	mu       sync.Mutex
	conns    map[string]*pollConn
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPollManager creates the manager and starts its idle janitor.
// waitTimeout bounds how long a poll cycle holds before returning
// empty; idleTimeout reaps connections no poll cycle has visited.
func NewPollManager(h *Hub, logger logging.Logger, waitTimeout, idleTimeout time.Duration) *PollManager {
	m := &PollManager{
		hub:         h,
		logger:      logger,
		waitTimeout: waitTimeout,
		idleTimeout: idleTimeout,
		conns:       make(map[string]*pollConn),
		stop:        make(chan struct{}),
	}
	go m.janitor()
	return m
}

// Create registers a new poll connection and attaches it to the hub.
// Catch-up events are queued before Create returns.
func (m *PollManager) Create(surface, token string) (*pollConn, error) {
	conn := &pollConn{
		id:       uuid.New().String(),
		mgr:      m,
		send:     make(chan []byte, m.hub.queueSize),
		done:     make(chan struct{}),
		surface:  normalizeSurface(surface),
		token:    token,
		subject:  auth.PeekSubject(token),
		lastSeen: time.Now(),
	}

	m.mu.Lock()
	m.conns[conn.id] = conn
	m.mu.Unlock()

	if err := m.hub.Attach(conn); err != nil {
		m.remove(conn.id)
		return nil, err
	}
	return conn, nil
}

// Get looks up a live poll connection by ID.
func (m *PollManager) Get(id string) (*pollConn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// Count returns the number of live poll connections.
func (m *PollManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// Receive routes an envelope submitted over the poll transport through
// the hub, exactly as if it had been read off a WebSocket.
func (m *PollManager) Receive(conn Conn, env events.Envelope) {
	if m.hub.metrics != nil {
		m.hub.metrics.HubMessages.WithLabelValues(TransportLongPoll, "in").Inc()
	}
	m.hub.Dispatch(conn, env)
}

// Stop halts the janitor. Live connections are torn down by the hub's
// shutdown, not here.
func (m *PollManager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *PollManager) remove(id string) {
	m.mu.Lock()
	delete(m.conns, id)
	m.mu.Unlock()
}

func (m *PollManager) janitor() {
	interval := m.idleTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *PollManager) reapIdle() {
	cutoff := time.Now().Add(-m.idleTimeout)

	m.mu.Lock()
	var stale []*pollConn
	for _, conn := range m.conns {
		if conn.LastSeen().Before(cutoff) {
			stale = append(stale, conn)
		}
	}
	m.mu.Unlock()

	for _, conn := range stale {
		m.logger.WithField("conn_id", conn.ID()).Info("Reaping idle poll connection")
		conn.Close("poll idle timeout")
	}
}

// pollConn is a long-poll-backed Conn. Outbound events accumulate in
// the send queue between poll cycles; Await drains one batch per cycle.
type pollConn struct {
	id        string
	mgr       *PollManager
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	surface   string
	token     string
	subject   string

	mu       sync.Mutex
	lastSeen time.Time
}

func (c *pollConn) ID() string        { return c.id }
func (c *pollConn) Transport() string { return TransportLongPoll }
func (c *pollConn) Surface() string   { return c.surface }
func (c *pollConn) Token() string     { return c.token }
func (c *pollConn) Subject() string   { return c.subject }

func (c *pollConn) Send(event string, payload interface{}, volatile bool) error {
	data, err := events.Marshal(event, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data, volatile)
}

func (c *pollConn) SendRaw(data []byte, volatile bool) error {
	if volatile {
		select {
		case <-c.done:
			return ErrConnClosed
		default:
		}
		select {
		case c.send <- data:
			return nil
		default:
			return ErrQueueFull
		}
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	}
}

// Close tears the connection down exactly once and runs the same
// disconnect path as a WebSocket drop.
func (c *pollConn) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mgr.remove(c.id)
		c.mgr.hub.Detach(c, reason)
	})
}

// Await blocks until at least one envelope is queued, the wait window
// elapses (nil batch, no error), the request context ends, or the
// connection closes (ErrConnClosed). At most pollBatchMax envelopes are
// returned per call.
func (c *pollConn) Await(ctx context.Context) ([][]byte, error) {
	c.touch()
	timer := time.NewTimer(c.mgr.waitTimeout)
	defer timer.Stop()

	var batch [][]byte
	select {
	case <-c.done:
		return nil, ErrConnClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		c.touch()
		return nil, nil
	case data := <-c.send:
		batch = append(batch, data)
	}

	for len(batch) < pollBatchMax {
		select {
		case data := <-c.send:
			batch = append(batch, data)
		default:
			return c.finishBatch(batch), nil
		}
	}
	return c.finishBatch(batch), nil
}

func (c *pollConn) finishBatch(batch [][]byte) [][]byte {
	c.touch()
	if c.mgr.hub.metrics != nil {
		c.mgr.hub.metrics.HubMessages.WithLabelValues(TransportLongPoll, "out").Add(float64(len(batch)))
	}
	return batch
}

// LastSeen returns the time of the most recent poll activity.
func (c *pollConn) LastSeen() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeen
}

func (c *pollConn) touch() {
	c.mu.Lock()
	c.lastSeen = time.Now()
	c.mu.Unlock()
}
