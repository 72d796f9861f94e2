// Package hub owns the hub's transport surface: attached WebSocket and
// long-poll connections, their bounded send queues with volatile-drop
// semantics, and the session room registry used for fan-out.
package hub

import (
	"errors"
	"net/http"
	"strings"

	"gridlink/pkg/events"
)

var (
	// ErrQueueFull is returned by a volatile send when the connection's
	// outgoing queue is saturated. The message has been dropped.
	ErrQueueFull = errors.New("send queue full")

	// ErrConnClosed is returned by a send on a closed connection.
	ErrConnClosed = errors.New("connection closed")

	// ErrHubClosed is returned when attaching to a hub that is shutting down.
	ErrHubClosed = errors.New("hub closed")
)

// Transport labels used in logs and metrics.
const (
	TransportWebSocket = "ws"
	TransportLongPoll  = "poll"
)

// Conn is one attached producer or consumer connection, independent of
// transport. Sends marshal the payload into the wire envelope and enqueue
// it on the connection's bounded queue: volatile sends drop on a full
// queue (ErrQueueFull), non-volatile sends block the caller until the
// queue drains or the connection closes.
type Conn interface {
	ID() string
	Transport() string
	Surface() string
	Token() string
	Subject() string
	Send(event string, payload interface{}, volatile bool) error
	// SendRaw enqueues pre-marshaled envelope bytes, letting broadcast
	// paths marshal once per event instead of once per subscriber.
	SendRaw(data []byte, volatile bool) error
	Close(reason string)
}

// EventHandler receives inbound traffic and connection lifecycle
// transitions from the transport. HandleDisconnect fires exactly once
// per connection, after the connection has left all rooms.
type EventHandler interface {
	HandleConnect(conn Conn)
	HandleEnvelope(conn Conn, env events.Envelope)
	HandleBinary(conn Conn, event, sessionID string, payload []byte)
	HandleDisconnect(conn Conn)
}

// TokenFromRequest extracts a bearer token from the Authorization header
// or, for browser clients that cannot set headers on WebSocket dials,
// the token query parameter. Empty when the request carries neither.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if parts := strings.SplitN(h, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1]
		}
	}
	return r.URL.Query().Get("token")
}
