package hub

import (
	"net/http"
	"sync"
	"time"

	"gridlink/internal/metrics"
	"gridlink/pkg/auth"
	"gridlink/pkg/events"
	"gridlink/pkg/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Origin policy is enforced by the CORS middleware on the
		// HTTP surface; the hub accepts any upgraded connection.
		return true
	},
}

// Hub maintains the set of attached connections and the room registry,
// and routes inbound envelopes to the registered event handler.
type Hub struct {
	logger    logging.Logger
	metrics   *metrics.Metrics
	rooms     *Rooms
	queueSize int
	readLimit int64

	mu      sync.RWMutex
	conns   map[string]Conn
	handler EventHandler
	closed  bool
}

// New creates a hub. queueSize bounds every connection's outgoing queue;
// readLimit caps inbound WebSocket message size.
func New(logger logging.Logger, m *metrics.Metrics, queueSize int, readLimit int64) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		logger:    logger,
		metrics:   m,
		rooms:     NewRooms(logger, m),
		queueSize: queueSize,
		readLimit: readLimit,
		conns:     make(map[string]Conn),
	}
}

// SetHandler registers the ingress pipeline. Must be called before the
// hub accepts connections.
func (h *Hub) SetHandler(handler EventHandler) {
	h.mu.Lock()
	h.handler = handler
	h.mu.Unlock()
}

// Rooms exposes the hub's room registry.
func (h *Hub) Rooms() *Rooms {
	return h.rooms
}

// ConnCount returns the number of attached connections.
func (h *Hub) ConnCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Attach registers a connection and fires the handler's connect hook.
// The caller must be ready to drain the connection's queue: catch-up
// events are enqueued before Attach returns.
func (h *Hub) Attach(conn Conn) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	h.conns[conn.ID()] = conn
	count := len(h.conns)
	handler := h.handler
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.Connections.WithLabelValues(conn.Transport()).Inc()
	}
	h.logger.WithFields(logging.Fields{
		"conn_id":    conn.ID(),
		"transport":  conn.Transport(),
		"surface":    conn.Surface(),
		"subject":    conn.Subject(),
		"conn_count": count,
	}).Info("Connection attached")

	if handler != nil {
		h.safely(conn, func() { handler.HandleConnect(conn) })
	}
	return nil
}

// Detach removes a connection from the hub and from every room it had
// joined, then fires the handler's disconnect hook. Connections call
// this exactly once from their close path.
func (h *Hub) Detach(conn Conn, reason string) {
	h.mu.Lock()
	_, attached := h.conns[conn.ID()]
	delete(h.conns, conn.ID())
	count := len(h.conns)
	handler := h.handler
	h.mu.Unlock()

	if !attached {
		return
	}

	h.rooms.DropConn(conn.ID())
	if h.metrics != nil {
		h.metrics.Connections.WithLabelValues(conn.Transport()).Dec()
	}
	h.logger.WithFields(logging.Fields{
		"conn_id":    conn.ID(),
		"transport":  conn.Transport(),
		"reason":     reason,
		"conn_count": count,
	}).Info("Connection detached")

	if handler != nil {
		h.safely(conn, func() { handler.HandleDisconnect(conn) })
	}
}

// BroadcastAll emits an event to every attached connection, marshaling
// once. Used for hub-wide announcements such as session:active.
func (h *Hub) BroadcastAll(event string, payload interface{}, volatile bool) (sent, dropped int) {
	data, err := events.Marshal(event, payload)
	if err != nil {
		h.logger.WithError(err).WithField("event", event).Error("Failed to marshal broadcast")
		return 0, 0
	}

	h.mu.RLock()
	targets := make([]Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

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

// Dispatch routes a parsed envelope through the event handler,
// containing handler panics to the originating connection.
func (h *Hub) Dispatch(conn Conn, env events.Envelope) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return
	}
	h.safely(conn, func() { handler.HandleEnvelope(conn, env) })
}

// DispatchBinary routes a binary-envelope message through the event
// handler with the same panic containment as Dispatch.
func (h *Hub) DispatchBinary(conn Conn, event, sessionID string, payload []byte) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	if handler == nil {
		return
	}
	h.safely(conn, func() { handler.HandleBinary(conn, event, sessionID, payload) })
}

// safely runs fn, recovering panics so one connection's handler cannot
// take down the process or its sibling connections.
func (h *Hub) safely(conn Conn, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logging.Fields{
				"conn_id": conn.ID(),
				"panic":   r,
			}).Error("Recovered panic in connection handler")
		}
	}()
	fn()
}

// Shutdown stops accepting new connections and closes every attached
// connection's queue.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	targets := make([]Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		targets = append(targets, conn)
	}
	h.mu.Unlock()

	for _, conn := range targets {
		conn.Close("server shutting down")
	}
}

// ServeWS upgrades an HTTP request to a WebSocket connection and attaches
// it to the hub.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WithError(err).Error("Failed to upgrade WebSocket connection")
		return
	}

	token := TokenFromRequest(r)
	client := &wsClient{
		id:      uuid.New().String(),
		hub:     h,
		conn:    wsConn,
		send:    make(chan []byte, h.queueSize),
		done:    make(chan struct{}),
		surface: normalizeSurface(r.URL.Query().Get("surface")),
		token:   token,
		subject: auth.PeekSubject(token),
		logger:  h.logger,
	}

	// The writer must be draining before Attach enqueues catch-up
	// events; the reader starts last so nothing races the catch-up.
	go client.writePump()
	if err := h.Attach(client); err != nil {
		client.Close("hub closed")
		return
	}
	go client.readPump()
}

func normalizeSurface(surface string) string {
	switch surface {
	case "driver", "broadcast", "relay":
		return surface
	default:
		return "web"
	}
}

// wsClient is a WebSocket-backed Conn with the gorilla read/write pump
// split. The send channel is never closed; the done channel signals the
// pumps and any blocked non-volatile senders.
type wsClient struct {
	id        string
	hub       *Hub
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	surface   string
	token     string
	subject   string
	logger    logging.Logger
}

func (c *wsClient) ID() string        { return c.id }
func (c *wsClient) Transport() string { return TransportWebSocket }
func (c *wsClient) Surface() string   { return c.surface }
func (c *wsClient) Token() string     { return c.token }
func (c *wsClient) Subject() string   { return c.subject }

func (c *wsClient) Send(event string, payload interface{}, volatile bool) error {
	data, err := events.Marshal(event, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data, volatile)
}

func (c *wsClient) SendRaw(data []byte, volatile bool) error {
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

// Close tears the connection down exactly once: pending non-volatile
// senders unblock, the pumps exit, and the hub detaches the connection.
func (c *wsClient) Close(reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
		c.hub.Detach(c, reason)
	})
}

// readPump reads envelopes off the socket and hands them to the hub's
// event handler. It owns the close path: whatever ends the connection,
// the deferred Close fires the disconnect hook exactly once.
func (c *wsClient) readPump() {
	defer c.Close("connection closed")

	if c.hub.readLimit > 0 {
		c.conn.SetReadLimit(c.hub.readLimit)
	}
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.WithError(err).WithField("conn_id", c.id).Warn("WebSocket read error")
			}
			return
		}

		if c.hub.metrics != nil {
			c.hub.metrics.HubMessages.WithLabelValues(TransportWebSocket, "in").Inc()
		}

		switch msgType {
		case websocket.TextMessage:
			env, err := events.Unmarshal(data)
			if err != nil {
				c.logger.WithError(err).WithField("conn_id", c.id).Debug("Dropping malformed envelope")
				continue
			}
			c.hub.Dispatch(c, env)
		case websocket.BinaryMessage:
			event, sessionID, payload, err := events.DecodeBinary(data)
			if err != nil {
				c.logger.WithError(err).WithField("conn_id", c.id).Debug("Dropping malformed binary envelope")
				continue
			}
			c.hub.DispatchBinary(c, event, sessionID, payload)
		}
	}
}

// writePump drains the send queue to the socket and keeps the connection
// alive with pings. Exiting closes the socket, which unwinds readPump.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.HubMessages.WithLabelValues(TransportWebSocket, "out").Inc()
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
