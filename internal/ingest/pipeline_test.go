package ingest

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"gridlink/internal/delay"
	"gridlink/internal/fanout"
	"gridlink/internal/hub"
	"gridlink/internal/session"
	"gridlink/internal/viewers"
	"gridlink/pkg/events"

	logrustest "github.com/sirupsen/logrus/hooks/test"
)

// testConn records every envelope the pipeline sends it so scenarios
// can assert on directed replies and room fan-out alike.
type testConn struct {
	id      string
	surface string
	token   string

	mu       sync.Mutex
	received []receivedEnvelope
}

type receivedEnvelope struct {
	env      events.Envelope
	volatile bool
}

func newTestConn(id, surface string) *testConn {
	return &testConn{id: id, surface: surface}
}

func (c *testConn) ID() string        { return c.id }
func (c *testConn) Transport() string { return "test" }
func (c *testConn) Surface() string   { return c.surface }
func (c *testConn) Token() string     { return c.token }
func (c *testConn) Subject() string   { return "" }

func (c *testConn) Send(event string, payload interface{}, volatile bool) error {
	data, err := events.Marshal(event, payload)
	if err != nil {
		return err
	}
	return c.SendRaw(data, volatile)
}

func (c *testConn) SendRaw(data []byte, volatile bool) error {
	env, err := events.Unmarshal(data)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.received = append(c.received, receivedEnvelope{env: env, volatile: volatile})
	c.mu.Unlock()
	return nil
}

func (c *testConn) Close(reason string) {}

func (c *testConn) byEvent(event string) []receivedEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []receivedEnvelope
	for _, r := range c.received {
		if r.env.Event == event {
			out = append(out, r)
		}
	}
	return out
}

func (c *testConn) eventNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.received))
	for _, r := range c.received {
		names = append(names, r.env.Event)
	}
	return names
}

func (c *testConn) reset() {
	c.mu.Lock()
	c.received = nil
	c.mu.Unlock()
}

// waitFor polls for an event that arrives through the delay scheduler.
func (c *testConn) waitFor(t *testing.T, event string) receivedEnvelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := c.byEvent(event); len(got) > 0 {
			return got[0]
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("no %s arrived within deadline", event)
	return receivedEnvelope{}
}

func decodePayload(t *testing.T, r receivedEnvelope, into interface{}) {
	t.Helper()
	if err := json.Unmarshal(r.env.Payload, into); err != nil {
		t.Fatalf("decode %s payload: %v", r.env.Event, err)
	}
}

// pipelineHarness assembles a real hub, store, tracker and fan-out
// engine around the pipeline under test.
type pipelineHarness struct {
	pipeline *Pipeline
	hub      *hub.Hub
	store    *session.Store
	tracker  *viewers.Tracker
}

func newPipelineHarness(t *testing.T, cfg Config) *pipelineHarness {
	t.Helper()
	logger, _ := logrustest.NewNullLogger()
	store := session.NewStore(logger, nil)
	h := hub.New(logger, nil, 32, 0)
	scheduler := delay.NewScheduler(nil)
	t.Cleanup(scheduler.Stop)
	engine := fanout.NewEngine(h.Rooms(), store, scheduler, logger, nil)
	tracker := viewers.NewTracker()
	p := NewPipeline(cfg, h, store, tracker, engine, nil, logger, nil)
	h.SetHandler(p)
	return &pipelineHarness{pipeline: p, hub: h, store: store, tracker: tracker}
}

func defaultPipelineConfig() Config {
	return Config{CatchupWindow: 30 * time.Second, MaxDelayMs: 60000}
}

func (ph *pipelineHarness) attach(t *testing.T, id, surface string) *testConn {
	t.Helper()
	conn := newTestConn(id, surface)
	if err := ph.hub.Attach(conn); err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}
	return conn
}

func (ph *pipelineHarness) deliver(t *testing.T, conn *testConn, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal %s payload: %v", event, err)
	}
	ph.pipeline.HandleEnvelope(conn, events.Envelope{Event: event, Payload: raw})
}

func (ph *pipelineHarness) deliverRaw(conn *testConn, event, payload string) {
	ph.pipeline.HandleEnvelope(conn, events.Envelope{Event: event, Payload: json.RawMessage(payload)})
}

func (ph *pipelineHarness) join(t *testing.T, conn *testConn, sessionID string) {
	t.Helper()
	ph.deliver(t, conn, events.EventRoomJoin, events.RoomJoinPayload{SessionID: sessionID})
}

func (ph *pipelineHarness) announce(t *testing.T, producer *testConn, sessionID string) {
	t.Helper()
	ph.deliver(t, producer, events.EventSessionMetadata, events.SessionMetadataPayload{
		SessionID:   sessionID,
		TrackName:   "Silverstone",
		SessionType: "race",
	})
}

func TestMetadataAnnouncesSession(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")

	ph.announce(t, producer, "s1")

	for _, conn := range []*testConn{producer, viewer} {
		got := conn.byEvent(events.EventSessionActive)
		if len(got) != 1 {
			t.Fatalf("%s: expected 1 session:active, got %d", conn.id, len(got))
		}
		var active events.SessionActivePayload
		decodePayload(t, got[0], &active)
		if active.SessionID != "s1" || active.TrackName != "Silverstone" || active.SessionType != "race" {
			t.Fatalf("unexpected announcement: %+v", active)
		}
	}

	acks := producer.byEvent(events.EventAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	var ack events.AckPayload
	decodePayload(t, acks[0], &ack)
	if !ack.Success || ack.OriginalType != events.EventSessionMetadata {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	if _, ok := ph.store.Get("s1"); !ok {
		t.Fatal("session not stored")
	}
	if producerConn, ok := ph.store.Producer("s1"); !ok || producerConn.ID() != "prod-1" {
		t.Fatal("producer not registered")
	}
	if !ph.hub.Rooms().IsMember(hub.SessionRoom("s1"), "prod-1") {
		t.Fatal("producer should be subscribed to its own session room")
	}
}

func TestValidationNacks(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")

	tests := []struct {
		event   string
		payload string
		wantErr string
	}{
		{events.EventSessionMetadata, `{"trackName":"Monza"}`, "missing sessionId"},
		{events.EventTelemetry, `{"cars":[]}`, "missing sessionId"},
		{events.EventTelemetryBinary, `{}`, "missing sessionId"},
		{events.EventStrategyUpdate, `{}`, "missing sessionId"},
		{events.EventIncident, `{"sessionId":"s1"}`, "missing type"},
		{events.EventIncident, `{"type":"contact"}`, "missing sessionId"},
		{events.EventRaceEvent, `{}`, "missing sessionId"},
		{events.EventVideoFrame, `{}`, "missing sessionId"},
		{events.EventRelayRegister, `{}`, "missing sessionId"},
		{events.EventTelemetry, `not json`, "malformed payload"},
		{events.EventTelemetry, ``, "empty payload"},
	}
	for _, tt := range tests {
		producer.reset()
		ph.deliverRaw(producer, tt.event, tt.payload)

		acks := producer.byEvent(events.EventAck)
		if len(acks) != 1 {
			t.Fatalf("%s %q: expected 1 nack, got %d acks", tt.event, tt.payload, len(acks))
		}
		var ack events.AckPayload
		decodePayload(t, acks[0], &ack)
		if ack.Success || ack.OriginalType != tt.event {
			t.Fatalf("%s: unexpected nack %+v", tt.event, ack)
		}
		if !strings.Contains(ack.Error, tt.wantErr) {
			t.Fatalf("%s: error %q does not mention %q", tt.event, ack.Error, tt.wantErr)
		}
	}

	if ph.store.Count() != 0 {
		t.Fatalf("rejected events should not create sessions, store has %d", ph.store.Count())
	}
}

func TestUnknownEventDropped(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	conn := ph.attach(t, "conn-1", "web")

	ph.deliverRaw(conn, "bogus:event", `{"sessionId":"s1"}`)

	if got := conn.eventNames(); len(got) != 0 {
		t.Fatalf("unknown events should be dropped silently, got %v", got)
	}
}

func TestTelemetryFansOutTiming(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	pos, lap, speed := 3, 12, 284.5
	ph.deliver(t, producer, events.EventTelemetry, events.TelemetryPayload{
		SessionID:     "s1",
		SessionTimeMs: 45000,
		Cars: []events.CarSample{
			{CarID: "7", DriverName: "Hamilton", Position: &pos, Lap: &lap, Speed: &speed},
			{CarID: "12"},
		},
	})

	got := viewer.byEvent(events.EventTimingUpdate)
	if len(got) != 1 {
		t.Fatalf("expected 1 timing:update, got %d", len(got))
	}
	if !got[0].volatile {
		t.Fatal("timing:update should be volatile")
	}
	var tu events.TimingUpdatePayload
	decodePayload(t, got[0], &tu)
	if tu.SessionID != "s1" || tu.SessionTimeMs != 45000 {
		t.Fatalf("unexpected header: %+v", tu)
	}
	entries := tu.Timing.Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].DriverName != "Hamilton" || entries[0].Position != 3 || entries[0].Speed != 284.5 {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].DriverName != "Car 12" {
		t.Fatalf("unexpected fallback name: %q", entries[1].DriverName)
	}

	if n := len(producer.byEvent(events.EventAck)); n != 0 {
		t.Fatalf("plain telemetry should not be acked, got %d acks", n)
	}

	ph.deliver(t, producer, events.EventTelemetry, events.TelemetryPayload{
		SessionID: "s1",
		Ack:       true,
		Cars:      []events.CarSample{{CarID: "7"}},
	})
	acks := producer.byEvent(events.EventAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 requested ack, got %d", len(acks))
	}
	var ack events.AckPayload
	decodePayload(t, acks[0], &ack)
	if !ack.Success || ack.OriginalType != events.EventTelemetry {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

// binCar mirrors the packed car record of the binary telemetry framing.
type binCar struct {
	carID      uint16
	lapDistPct float32
	speed      float32
	lap        uint16
	position   uint8
}

func buildBinaryFrame(timestampMs float64, cars []binCar) []byte {
	buf := make([]byte, 9+14*len(cars))
	binary.LittleEndian.PutUint64(buf[0:], math.Float64bits(timestampMs))
	buf[8] = uint8(len(cars))
	off := 9
	for _, c := range cars {
		binary.LittleEndian.PutUint16(buf[off:], c.carID)
		binary.LittleEndian.PutUint32(buf[off+2:], math.Float32bits(c.lapDistPct))
		binary.LittleEndian.PutUint32(buf[off+6:], math.Float32bits(c.speed))
		binary.LittleEndian.PutUint16(buf[off+10:], c.lap)
		buf[off+12] = c.position
		off += 14
	}
	return buf
}

func TestBinaryFrameIngest(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	frame := buildBinaryFrame(45000, []binCar{
		{carID: 7, lapDistPct: 0.25, speed: 280.5, lap: 12, position: 1},
		{carID: 12, lapDistPct: 0.75, speed: 265, lap: 12, position: 2},
	})
	ph.pipeline.HandleBinary(producer, events.EventTelemetryBinary, "s1", frame)

	got := viewer.byEvent(events.EventTimingUpdate)
	if len(got) != 1 {
		t.Fatalf("expected 1 timing:update, got %d", len(got))
	}
	var tu events.TimingUpdatePayload
	decodePayload(t, got[0], &tu)
	if tu.SessionTimeMs != 45000 {
		t.Fatalf("expected frame timestamp 45000, got %v", tu.SessionTimeMs)
	}
	entries := tu.Timing.Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].DriverID != "7" || entries[0].Position != 1 || entries[0].LapNumber != 12 {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[0].LapDistPct != 0.25 || entries[0].Speed != 280.5 {
		t.Fatalf("unexpected first entry floats: %+v", entries[0])
	}
	if entries[1].DriverID != "12" || entries[1].LapDistPct != 0.75 {
		t.Fatalf("unexpected second entry: %+v", entries[1])
	}
}

func TestBinaryFrameJSONEnvelope(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	frame := buildBinaryFrame(1000, []binCar{{carID: 7, lap: 3, position: 1}})
	ph.deliver(t, producer, events.EventTelemetryBinary, events.TelemetryBinaryPayload{
		SessionID: "s1",
		Payload:   frame,
	})

	got := viewer.byEvent(events.EventTimingUpdate)
	if len(got) != 1 {
		t.Fatalf("expected 1 timing:update, got %d", len(got))
	}
	var tu events.TimingUpdatePayload
	decodePayload(t, got[0], &tu)
	if len(tu.Timing.Entries) != 1 || tu.Timing.Entries[0].DriverID != "7" {
		t.Fatalf("unexpected entries: %+v", tu.Timing.Entries)
	}
}

func TestBinaryFrameTruncatedPrefix(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	frame := buildBinaryFrame(1000, []binCar{
		{carID: 7, lap: 3, position: 1},
		{carID: 9, lap: 3, position: 2},
	})
	ph.pipeline.HandleBinary(producer, events.EventTelemetryBinary, "s1", frame[:9+14+5])

	got := viewer.byEvent(events.EventTimingUpdate)
	if len(got) != 1 {
		t.Fatalf("expected the decodable prefix to fan out, got %d updates", len(got))
	}
	var tu events.TimingUpdatePayload
	decodePayload(t, got[0], &tu)
	if len(tu.Timing.Entries) != 1 || tu.Timing.Entries[0].DriverID != "7" {
		t.Fatalf("expected only the complete record, got %+v", tu.Timing.Entries)
	}
}

func TestBinaryFrameUndecodableDropped(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	ph.pipeline.HandleBinary(producer, events.EventTelemetryBinary, "s1", []byte{1, 2, 3})

	if n := len(viewer.byEvent(events.EventTimingUpdate)); n != 0 {
		t.Fatalf("short frame should be dropped, got %d updates", n)
	}
	if ph.store.Count() != 0 {
		t.Fatal("dropped frame should not create a session")
	}
}

func TestBinaryFrameGuards(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	frame := buildBinaryFrame(1000, []binCar{{carID: 7}})
	ph.pipeline.HandleBinary(producer, "video_frame", "s1", frame)
	ph.pipeline.HandleBinary(producer, events.EventTelemetryBinary, "", frame)

	if n := len(viewer.byEvent(events.EventTimingUpdate)); n != 0 {
		t.Fatalf("guarded frames should be dropped, got %d updates", n)
	}
}

func TestStrategyUpdateEmitsThreeViews(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	ph.deliver(t, producer, events.EventStrategyUpdate, events.StrategyUpdatePayload{
		SessionID: "s1",
		Timestamp: 45000,
		Cars: []events.StrategyCar{
			{CarID: "7", Fuel: &events.FuelState{Level: 40, Pct: 0.5}, Tires: &events.TireSet{FL: 0.9, FR: 0.9, RL: 0.9, RR: 0.9}},
			{CarID: "12", Gap: 2.4, Tires: &events.TireSet{FL: 0.6, FR: 0.6, RL: 0.6, RR: 0.6}},
		},
	})

	sus := viewer.byEvent(events.EventStrategyUpdateOut)
	if len(sus) != 1 {
		t.Fatalf("expected 1 strategy:update, got %d", len(sus))
	}
	if sus[0].volatile {
		t.Fatal("strategy:update should be non-volatile")
	}
	var table events.StrategyTable
	decodePayload(t, sus[0], &table)
	if table.SessionID != "s1" || table.Timestamp != 45000 || len(table.Strategy) != 2 {
		t.Fatalf("unexpected table: %+v", table)
	}
	if table.Strategy[0].CarID != "7" || table.Strategy[0].Fuel == nil || table.Strategy[0].Fuel.Pct != 0.5 {
		t.Fatalf("unexpected first entry: %+v", table.Strategy[0])
	}

	css := viewer.byEvent(events.EventCarStatus)
	if len(css) != 1 {
		t.Fatalf("expected 1 car:status, got %d", len(css))
	}
	var status events.CarStatusPayload
	decodePayload(t, css[0], &status)
	if status.CarID != "7" || status.Fuel.Status != "green" {
		t.Fatalf("unexpected car status: %+v", status)
	}

	ois := viewer.byEvent(events.EventOpponentIntel)
	if len(ois) != 1 {
		t.Fatalf("expected 1 opponent:intel, got %d", len(ois))
	}
	var intel events.OpponentIntelPayload
	decodePayload(t, ois[0], &intel)
	if len(intel.Opponents) != 1 {
		t.Fatalf("expected 1 opponent, got %d", len(intel.Opponents))
	}
	opp := intel.Opponents[0]
	if opp.CarID != "12" || opp.Position != 2 || opp.Gap != 2.4 || opp.TirePhase != "optimal" {
		t.Fatalf("unexpected opponent: %+v", opp)
	}

	if n := len(producer.byEvent(events.EventAck)); n != 0 {
		t.Fatalf("strategy frames are not acked, got %d", n)
	}
}

func TestStrategySingleCarSkipsOpponents(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	ph.deliver(t, producer, events.EventStrategyUpdate, events.StrategyUpdatePayload{
		SessionID: "s1",
		Cars:      []events.StrategyCar{{CarID: "7"}},
	})

	if n := len(viewer.byEvent(events.EventStrategyUpdateOut)); n != 1 {
		t.Fatalf("expected 1 strategy:update, got %d", n)
	}
	if n := len(viewer.byEvent(events.EventCarStatus)); n != 1 {
		t.Fatalf("expected 1 car:status, got %d", n)
	}
	if n := len(viewer.byEvent(events.EventOpponentIntel)); n != 0 {
		t.Fatalf("single-car frame should not emit opponent:intel, got %d", n)
	}
}

func TestIncidentSynthesis(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")

	// Seed car 9's identity so the incident resolves it from state.
	ph.deliver(t, producer, events.EventTelemetry, events.TelemetryPayload{
		SessionID: "s1",
		Cars:      []events.CarSample{{CarID: "9", DriverName: "Bottas", CarNumber: "77"}},
	})
	viewer.reset()

	ph.deliver(t, producer, events.EventIncident, events.IncidentPayload{
		SessionID:   "s1",
		Type:        "contact",
		Severity:    "high",
		Lap:         4,
		CornerName:  "Copse",
		Cars:        []int{7, 9},
		DriverNames: []string{"Albon"},
	})

	ins := viewer.byEvent(events.EventIncidentNew)
	if len(ins) != 1 {
		t.Fatalf("expected 1 incident:new, got %d", len(ins))
	}
	var inc events.IncidentNewPayload
	decodePayload(t, ins[0], &inc)
	if inc.ID != "inc-1" {
		t.Fatalf("expected first incident id inc-1, got %q", inc.ID)
	}
	if inc.Type != "contact" || inc.Severity != "high" || inc.LapNumber != 4 || inc.CornerName != "Copse" {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if inc.Status != "pending" {
		t.Fatalf("expected pending status, got %q", inc.Status)
	}
	if inc.SessionTimeMs == 0 {
		t.Fatal("expected a session time stamp")
	}
	if len(inc.InvolvedDrivers) != 2 {
		t.Fatalf("expected 2 involved drivers, got %d", len(inc.InvolvedDrivers))
	}
	first, second := inc.InvolvedDrivers[0], inc.InvolvedDrivers[1]
	if first.DriverName != "Albon" || first.DriverID != "7" || first.Role != "involved" {
		t.Fatalf("unexpected first driver: %+v", first)
	}
	if second.DriverName != "Bottas" || second.CarNumber != "77" {
		t.Fatalf("expected car 9 resolved through driver state, got %+v", second)
	}

	logs := viewer.byEvent(events.EventLog)
	if len(logs) != 1 {
		t.Fatalf("expected 1 event:log, got %d", len(logs))
	}
	var entry events.EventLogEntry
	decodePayload(t, logs[0], &entry)
	if entry.ID != "evt-1" {
		t.Fatalf("expected first log id evt-1, got %q", entry.ID)
	}
	if entry.Category != "warning" || entry.Importance != "critical" {
		t.Fatalf("unexpected log classification: %+v", entry)
	}
	if entry.Message != "Incident: Copse - Albon, Bottas" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}

	acks := producer.byEvent(events.EventAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	var ack events.AckPayload
	decodePayload(t, acks[0], &ack)
	if !ack.Success || ack.OriginalType != events.EventIncident {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestIncidentDefaultsAndSequence(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	ph.deliver(t, producer, events.EventIncident, events.IncidentPayload{SessionID: "s1", Type: "spin"})
	ph.deliver(t, producer, events.EventIncident, events.IncidentPayload{SessionID: "s1", Type: "offtrack", Severity: "low"})

	ins := viewer.byEvent(events.EventIncidentNew)
	if len(ins) != 2 {
		t.Fatalf("expected 2 incidents, got %d", len(ins))
	}
	var firstInc, secondInc events.IncidentNewPayload
	decodePayload(t, ins[0], &firstInc)
	decodePayload(t, ins[1], &secondInc)
	if firstInc.ID != "inc-1" || secondInc.ID != "inc-2" {
		t.Fatalf("expected monotonic ids, got %q then %q", firstInc.ID, secondInc.ID)
	}
	if firstInc.Severity != "medium" {
		t.Fatalf("expected default severity medium, got %q", firstInc.Severity)
	}
	if len(firstInc.InvolvedDrivers) != 0 {
		t.Fatalf("expected no drivers without cars, got %+v", firstInc.InvolvedDrivers)
	}

	logs := viewer.byEvent(events.EventLog)
	if len(logs) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(logs))
	}
	var firstLog, secondLog events.EventLogEntry
	decodePayload(t, logs[0], &firstLog)
	decodePayload(t, logs[1], &secondLog)
	if firstLog.ID != "evt-1" || secondLog.ID != "evt-2" {
		t.Fatalf("expected monotonic log ids, got %q then %q", firstLog.ID, secondLog.ID)
	}
	if firstLog.Importance != "warning" || secondLog.Importance != "info" {
		t.Fatalf("unexpected importances: %q, %q", firstLog.Importance, secondLog.Importance)
	}
}

func TestRaceEventKnownSession(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.announce(t, producer, "s1")
	ph.join(t, viewer, "s1")
	viewer.reset()
	producer.reset()

	ph.deliverRaw(producer, events.EventRaceEvent, `{"sessionId":"s1","flagState":"yellow","lap":14,"custom":"kept"}`)

	res := viewer.byEvent(events.EventRaceEventOut)
	if len(res) != 1 {
		t.Fatalf("expected 1 race:event, got %d", len(res))
	}
	var passthrough map[string]interface{}
	decodePayload(t, res[0], &passthrough)
	if passthrough["custom"] != "kept" || passthrough["flagState"] != "yellow" {
		t.Fatalf("raw payload should pass through unchanged, got %v", passthrough)
	}

	states := viewer.byEvent(events.EventRaceState)
	if len(states) != 1 {
		t.Fatalf("expected 1 race:state, got %d", len(states))
	}
	var state events.RaceStatePayload
	decodePayload(t, states[0], &state)
	if state.SessionID != "s1" || state.FlagState != "yellow" || state.CurrentLap != 14 {
		t.Fatalf("unexpected race state: %+v", state)
	}

	logs := viewer.byEvent(events.EventLog)
	if len(logs) != 1 {
		t.Fatalf("expected 1 event:log, got %d", len(logs))
	}
	var entry events.EventLogEntry
	decodePayload(t, logs[0], &entry)
	if entry.Category != "system" || entry.Message != "Flag: yellow" || entry.Importance != "warning" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}

	acks := producer.byEvent(events.EventAck)
	if len(acks) != 1 {
		t.Fatalf("expected 1 ack, got %d", len(acks))
	}
	var ack events.AckPayload
	decodePayload(t, acks[0], &ack)
	if !ack.Success || ack.OriginalType != events.EventRaceEvent {
		t.Fatalf("unexpected ack: %+v", ack)
	}
}

func TestRaceEventUnknownSessionSkipsSnapshot(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "ghost")
	viewer.reset()

	ph.deliverRaw(producer, events.EventRaceEvent, `{"sessionId":"ghost","flagState":"green"}`)

	if n := len(viewer.byEvent(events.EventRaceEventOut)); n != 1 {
		t.Fatalf("race:event should still forward, got %d", n)
	}
	if n := len(viewer.byEvent(events.EventRaceState)); n != 0 {
		t.Fatalf("unknown session should not emit race:state, got %d", n)
	}
	logs := viewer.byEvent(events.EventLog)
	if len(logs) != 1 {
		t.Fatalf("expected 1 event:log, got %d", len(logs))
	}
	var entry events.EventLogEntry
	decodePayload(t, logs[0], &entry)
	if entry.Message != "Flag: green" || entry.Importance != "info" {
		t.Fatalf("unexpected log entry: %+v", entry)
	}
	if ph.store.Count() != 0 {
		t.Fatal("race events must not create sessions")
	}
}

func TestVideoFrameFanout(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	viewer.reset()

	image := []byte{0xFF, 0xD8, 0x01}
	ph.deliver(t, producer, events.EventVideoFrame, events.VideoFramePayload{SessionID: "s1", Image: image})

	vfs := viewer.byEvent(events.EventVideoFrameOut)
	if len(vfs) != 1 {
		t.Fatalf("expected 1 video:frame, got %d", len(vfs))
	}
	if !vfs[0].volatile {
		t.Fatal("video frames should be volatile")
	}
	var vf events.VideoFrameBroadcast
	decodePayload(t, vfs[0], &vf)
	if vf.SessionID != "s1" || !bytes.Equal(vf.Image, image) {
		t.Fatalf("unexpected frame: %+v", vf)
	}
	if vf.Timestamp == 0 {
		t.Fatal("expected a broadcast timestamp")
	}
	if n := len(producer.byEvent(events.EventAck)); n != 0 {
		t.Fatalf("video frames are not acked, got %d", n)
	}
}

func TestRoomJoinRepliesForKnownSession(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")
	if !ph.store.SetDelay("s1", 3000) {
		t.Fatal("seed delay")
	}

	viewer := ph.attach(t, "view-1", "web")
	viewer.reset()
	ph.join(t, viewer, "s1")

	want := []string{events.EventSessionState, events.EventBroadcastDelay, events.EventRoomJoined}
	got := viewer.eventNames()
	if len(got) != len(want) {
		t.Fatalf("expected replies %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected replies %v, got %v", want, got)
		}
	}

	var state events.SessionStatePayload
	decodePayload(t, viewer.byEvent(events.EventSessionState)[0], &state)
	if state.SessionID != "s1" || state.TrackName != "Silverstone" || state.Status != "active" {
		t.Fatalf("unexpected session state: %+v", state)
	}

	var echo events.DelayEcho
	decodePayload(t, viewer.byEvent(events.EventBroadcastDelay)[0], &echo)
	if echo.DelayMs != 3000 {
		t.Fatalf("expected delay echo 3000, got %d", echo.DelayMs)
	}

	var joined events.RoomJoinedPayload
	decodePayload(t, viewer.byEvent(events.EventRoomJoined)[0], &joined)
	if joined.SessionID != "s1" {
		t.Fatalf("unexpected join ack: %+v", joined)
	}
}

func TestRoomJoinUnknownSessionOnlyAcks(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	viewer := ph.attach(t, "view-1", "web")

	ph.join(t, viewer, "ghost")

	got := viewer.eventNames()
	if len(got) != 1 || got[0] != events.EventRoomJoined {
		t.Fatalf("expected only room:joined for an unknown session, got %v", got)
	}
	if !ph.hub.Rooms().IsMember(hub.SessionRoom("ghost"), "view-1") {
		t.Fatal("join should register room membership regardless of session state")
	}
}

func TestViewerCountNotifications(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")
	producer.reset()

	v1 := ph.attach(t, "view-1", "web")
	v2 := ph.attach(t, "view-2", "web")

	ph.join(t, v1, "s1")
	notes := producer.byEvent(events.EventRelayViewers)
	if len(notes) != 1 {
		t.Fatalf("expected first viewer to notify the producer, got %d", len(notes))
	}
	var rv events.RelayViewersPayload
	decodePayload(t, notes[0], &rv)
	if rv.Type != events.EventRelayViewers || rv.SessionID != "s1" {
		t.Fatalf("unexpected notification: %+v", rv)
	}
	if rv.ViewerCount != 1 || !rv.RequestControls {
		t.Fatalf("expected viewerCount 1 with controls requested, got %+v", rv)
	}

	ph.join(t, v2, "s1")
	if n := len(producer.byEvent(events.EventRelayViewers)); n != 1 {
		t.Fatalf("second viewer should not renotify, got %d", n)
	}

	ph.deliver(t, v2, events.EventRoomLeave, events.RoomLeavePayload{SessionID: "s1"})
	if n := len(producer.byEvent(events.EventRelayViewers)); n != 1 {
		t.Fatalf("non-final leave should not notify, got %d", n)
	}

	ph.deliver(t, v1, events.EventRoomLeave, events.RoomLeavePayload{SessionID: "s1"})
	notes = producer.byEvent(events.EventRelayViewers)
	if len(notes) != 2 {
		t.Fatalf("expected last leave to notify, got %d", len(notes))
	}
	decodePayload(t, notes[1], &rv)
	if rv.ViewerCount != 0 || rv.RequestControls {
		t.Fatalf("expected viewerCount 0 with controls released, got %+v", rv)
	}
}

func TestViewerDisconnectNotifiesProducer(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")

	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")
	producer.reset()

	ph.hub.Detach(viewer, "connection lost")

	notes := producer.byEvent(events.EventRelayViewers)
	if len(notes) != 1 {
		t.Fatalf("expected disconnect to notify the producer, got %d", len(notes))
	}
	var rv events.RelayViewersPayload
	decodePayload(t, notes[0], &rv)
	if rv.ViewerCount != 0 || rv.RequestControls {
		t.Fatalf("unexpected notification: %+v", rv)
	}
}

func TestProducerDisconnectClearsRegistration(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")

	ph.hub.Detach(producer, "connection lost")

	if _, ok := ph.store.Producer("s1"); ok {
		t.Fatal("producer registration should be cleared on disconnect")
	}
	if _, ok := ph.store.Get("s1"); !ok {
		t.Fatal("session state should survive its producer")
	}
}

func TestConnectCatchup(t *testing.T) {
	ph := newPipelineHarness(t, Config{CatchupWindow: time.Hour, MaxDelayMs: 60000})
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")
	ph.announce(t, producer, "s2")

	late := ph.attach(t, "late-1", "web")

	actives := late.byEvent(events.EventSessionActive)
	if len(actives) != 2 {
		t.Fatalf("expected 2 catch-up announcements, got %d", len(actives))
	}
	seen := map[string]bool{}
	for _, r := range actives {
		var active events.SessionActivePayload
		decodePayload(t, r, &active)
		seen[active.SessionID] = true
	}
	if !seen["s1"] || !seen["s2"] {
		t.Fatalf("expected both sessions announced, got %v", seen)
	}
}

func TestConnectCatchupSkipsStale(t *testing.T) {
	ph := newPipelineHarness(t, Config{CatchupWindow: 10 * time.Millisecond, MaxDelayMs: 60000})
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")

	time.Sleep(30 * time.Millisecond)
	late := ph.attach(t, "late-1", "web")

	if n := len(late.byEvent(events.EventSessionActive)); n != 0 {
		t.Fatalf("stale sessions should not be announced, got %d", n)
	}
}

func TestDelayedFanoutHoldsFeed(t *testing.T) {
	ph := newPipelineHarness(t, defaultPipelineConfig())
	producer := ph.attach(t, "prod-1", "relay")
	ph.announce(t, producer, "s1")
	viewer := ph.attach(t, "view-1", "web")
	ph.join(t, viewer, "s1")

	director := ph.attach(t, "dir-1", "steward")
	ph.deliver(t, director, events.EventBroadcastDelay, events.BroadcastDelayPayload{SessionID: "s1", DelayMs: 60})
	viewer.reset()

	ph.deliver(t, producer, events.EventTelemetry, events.TelemetryPayload{
		SessionID: "s1",
		Cars:      []events.CarSample{{CarID: "7"}},
	})

	if n := len(viewer.byEvent(events.EventTimingUpdate)); n != 0 {
		t.Fatalf("timing should be held back by the delay, got %d immediately", n)
	}
	got := viewer.waitFor(t, events.EventTimingUpdate)
	if !got.volatile {
		t.Fatal("delayed timing:update should stay volatile")
	}
}
