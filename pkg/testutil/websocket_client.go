// Package testutil provides helpers for exercising a running hub over
// its real transports in tests.
package testutil

import (
	"encoding/binary"
	"fmt"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"gridlink/pkg/events"
)

// WSClient is an envelope-aware WebSocket client. A background reader
// keeps draining the socket so fan-out bursts cannot stall the server's
// write pump while a test is busy asserting.
type WSClient struct {
	conn *websocket.Conn

	mu      sync.Mutex
	backlog []events.Envelope

	incoming  chan events.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

// DialWS connects to a hub's /ws endpoint. serverURL is the plain HTTP
// base URL of the test server; surface and token may be empty.
func DialWS(serverURL, surface, token string) (*WSClient, error) {
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	if surface != "" {
		wsURL += "?surface=" + surface
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	c := &WSClient{
		conn:     conn,
		incoming: make(chan events.Envelope, 256),
		done:     make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

func (c *WSClient) readPump() {
	defer close(c.incoming)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		env, err := events.Unmarshal(data)
		if err != nil {
			continue
		}
		select {
		case c.incoming <- env:
		case <-c.done:
			return
		}
	}
}

// SendEnvelope marshals and writes one event envelope.
func (c *WSClient) SendEnvelope(event string, payload interface{}) error {
	data, err := events.Marshal(event, payload)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// SendBinaryFrame writes a length-prefixed binary envelope, the framing
// telemetry producers use to skip base64.
func (c *WSClient) SendBinaryFrame(event, sessionID string, payload []byte) error {
	return c.conn.WriteMessage(websocket.BinaryMessage, events.EncodeBinary(event, sessionID, payload))
}

// Next returns the next received envelope, oldest first.
func (c *WSClient) Next(timeout time.Duration) (events.Envelope, error) {
	c.mu.Lock()
	if len(c.backlog) > 0 {
		env := c.backlog[0]
		c.backlog = c.backlog[1:]
		c.mu.Unlock()
		return env, nil
	}
	c.mu.Unlock()

	select {
	case env, ok := <-c.incoming:
		if !ok {
			return events.Envelope{}, fmt.Errorf("connection closed")
		}
		return env, nil
	case <-time.After(timeout):
		return events.Envelope{}, fmt.Errorf("no envelope within %v", timeout)
	}
}

// WaitFor returns the first envelope carrying the given event name,
// holding everything received before it for later Next or WaitFor calls.
func (c *WSClient) WaitFor(event string, timeout time.Duration) (events.Envelope, error) {
	c.mu.Lock()
	for i, env := range c.backlog {
		if env.Event == event {
			c.backlog = append(c.backlog[:i], c.backlog[i+1:]...)
			c.mu.Unlock()
			return env, nil
		}
	}
	c.mu.Unlock()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case env, ok := <-c.incoming:
			if !ok {
				return events.Envelope{}, fmt.Errorf("connection closed while waiting for %s", event)
			}
			if env.Event == event {
				return env, nil
			}
			c.mu.Lock()
			c.backlog = append(c.backlog, env)
			c.mu.Unlock()
		case <-deadline.C:
			return events.Envelope{}, fmt.Errorf("no %s within %v", event, timeout)
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *WSClient) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// TelemetryFrameCar is one car's slice of a packed telemetry frame.
type TelemetryFrameCar struct {
	CarID      uint16
	LapDistPct float32
	Speed      float32
	Lap        uint16
	Position   uint8
}

// EncodeTelemetryFrame packs cars into the binary telemetry frame
// format: a float64 session time and car count header followed by
// fixed-width little-endian car records.
func EncodeTelemetryFrame(timestampMs float64, cars []TelemetryFrameCar) []byte {
	buf := make([]byte, 9+14*len(cars))
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(timestampMs))
	buf[8] = uint8(len(cars))
	off := 9
	for _, car := range cars {
		binary.LittleEndian.PutUint16(buf[off:], car.CarID)
		binary.LittleEndian.PutUint32(buf[off+2:], math.Float32bits(car.LapDistPct))
		binary.LittleEndian.PutUint32(buf[off+6:], math.Float32bits(car.Speed))
		binary.LittleEndian.PutUint16(buf[off+10:], car.Lap)
		buf[off+12] = car.Position
		off += 14
	}
	return buf
}
