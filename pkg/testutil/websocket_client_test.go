package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridlink/pkg/events"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// echoServer answers every text envelope with echo:<event> and every
// binary frame with binary:<event> plus the decoded frame facts.
func echoServer(t *testing.T) *httptest.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var reply []byte
			switch msgType {
			case websocket.TextMessage:
				env, err := events.Unmarshal(data)
				if err != nil {
					continue
				}
				reply, _ = events.Marshal("echo:"+env.Event, env.Payload)
			case websocket.BinaryMessage:
				event, sessionID, payload, err := events.DecodeBinary(data)
				if err != nil {
					continue
				}
				reply, _ = events.Marshal("binary:"+event, map[string]interface{}{
					"sessionId": sessionID,
					"bytes":     len(payload),
				})
			default:
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestDialAndEnvelopeRoundTrip(t *testing.T) {
	srv := echoServer(t)
	client, err := DialWS(srv.URL, "web", "")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendEnvelope("ping", map[string]string{"k": "v"}))

	env, err := client.WaitFor("echo:ping", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:ping", env.Event)
	assert.JSONEq(t, `{"k":"v"}`, string(env.Payload))
}

func TestWaitForBuffersEarlierEnvelopes(t *testing.T) {
	srv := echoServer(t)
	client, err := DialWS(srv.URL, "", "")
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.SendEnvelope("first", nil))
	require.NoError(t, client.SendEnvelope("second", nil))

	// Waiting for the later reply must not lose the earlier one.
	_, err = client.WaitFor("echo:second", 2*time.Second)
	require.NoError(t, err)

	env, err := client.Next(time.Second)
	require.NoError(t, err)
	assert.Equal(t, "echo:first", env.Event)
}

func TestSendBinaryFrame(t *testing.T) {
	srv := echoServer(t)
	client, err := DialWS(srv.URL, "", "")
	require.NoError(t, err)
	defer client.Close()

	frame := EncodeTelemetryFrame(1000, []TelemetryFrameCar{{CarID: 7}})
	require.NoError(t, client.SendBinaryFrame("telemetry_binary", "s1", frame))

	env, err := client.WaitFor("binary:telemetry_binary", 2*time.Second)
	require.NoError(t, err)

	var got struct {
		SessionID string `json:"sessionId"`
		Bytes     int    `json:"bytes"`
	}
	require.NoError(t, json.Unmarshal(env.Payload, &got))
	assert.Equal(t, "s1", got.SessionID)
	assert.Equal(t, len(frame), got.Bytes)
}

func TestWaitForTimesOut(t *testing.T) {
	srv := echoServer(t)
	client, err := DialWS(srv.URL, "", "")
	require.NoError(t, err)
	defer client.Close()

	start := time.Now()
	_, err = client.WaitFor("never", 50*time.Millisecond)
	require.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestEncodeTelemetryFrameLayout(t *testing.T) {
	frame := EncodeTelemetryFrame(45000, []TelemetryFrameCar{
		{CarID: 7, Lap: 12, Position: 1},
		{CarID: 9, Lap: 12, Position: 2},
	})
	require.Len(t, frame, 9+2*14)
	assert.Equal(t, uint8(2), frame[8])
}
