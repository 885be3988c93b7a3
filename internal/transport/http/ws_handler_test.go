package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/socialmap-server/internal/config"
	"github.com/vovakirdan/socialmap-server/internal/core"
	"github.com/vovakirdan/socialmap-server/internal/health"
	"github.com/vovakirdan/socialmap-server/internal/proto"
	"github.com/vovakirdan/socialmap-server/internal/store"
	"github.com/vovakirdan/socialmap-server/internal/store/sqlite"
)

type envelope struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error *proto.Error    `json:"error"`
}

func startTestServer(t *testing.T, soft, hard int) (*httptest.Server, *core.Hub) {
	t.Helper()

	cfg := config.Default()
	cfg.Capacity.SoftLimit, cfg.Capacity.HardLimit = soft, hard
	return startConfiguredServer(t, cfg, nil)
}

func startConfiguredServer(t *testing.T, cfg config.Config, st store.ActivityStore) (*httptest.Server, *core.Hub) {
	t.Helper()

	reg := core.NewRegistry(cfg.Thresholds())
	hub := core.NewHub(reg, core.NewRouter(reg, core.JoinMove, nil), st, core.HubOptions{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	reporter := health.NewReporter(reg, health.WithSampler(func() health.MemoryStats {
		return health.MemoryStats{RSS: 64 << 20, HeapUsed: 8 << 20, HeapTotal: 16 << 20, External: 48 << 20}
	}))
	cfg.Addr = ":0"
	server := NewServer(hub, reporter, st, cfg, nil)

	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		cancel()
		ts.Close()
	})
	return ts, hub
}

func wsURL(ts *httptest.Server) string {
	return strings.Replace(ts.URL, "http", "ws", 1) + "/ws"
}

func dial(ctx context.Context, t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	return conn
}

// readUntil reads frames until one of type typ arrives.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string) envelope {
	t.Helper()

	for {
		var env envelope
		if err := wsjson.Read(ctx, conn, &env); err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if env.Type == typ {
			return env
		}
	}
}

func send(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()

	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		raw = b
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

func joinActivity(ctx context.Context, t *testing.T, conn *websocket.Conn, activityID, userID, name string) proto.ActivityJoined {
	t.Helper()

	send(ctx, t, conn, proto.InboundTypeJoin, proto.JoinData{ActivityID: activityID, UserID: userID, UserName: name})
	env := readUntil(ctx, t, conn, proto.OutboundTypeJoined)
	var joined proto.ActivityJoined
	if err := json.Unmarshal(env.Data, &joined); err != nil {
		t.Fatalf("decode activity_joined: %v", err)
	}
	return joined
}

func admissionOf(t *testing.T, env envelope) proto.Admission {
	t.Helper()

	var a proto.Admission
	if err := json.Unmarshal(env.Data, &a); err != nil {
		t.Fatalf("decode admission: %v", err)
	}
	return a
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	resp, err := ts.Client().Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	var rep health.Report
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if rep.Status != health.StatusHealthy || rep.Capacity.Status != core.CapacityNormal {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Capacity.Current != 0 || rep.Capacity.AvailableSlots != rep.Capacity.Max || rep.Capacity.Max != 25 {
		t.Fatalf("unexpected capacity: %+v", rep.Capacity)
	}
	if rep.Memory.RSS == 0 || rep.Persistence != health.PersistenceDisabled {
		t.Fatalf("unexpected memory/persistence: %+v", rep)
	}
}

func TestLivenessAndCapacityEndpoints(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	resp, err := ts.Client().Get(ts.URL + "/health/live")
	if err != nil {
		t.Fatalf("live request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("live status: %d", resp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(ctx, t, ts)
	readUntil(ctx, t, conn, proto.OutboundTypeAccepted)

	resp, err = ts.Client().Get(ts.URL + "/api/capacity")
	if err != nil {
		t.Fatalf("capacity request failed: %v", err)
	}
	defer resp.Body.Close()
	var snap core.CapacitySnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode capacity: %v", err)
	}
	if snap.Current != 1 || snap.AvailableSlots != 24 {
		t.Fatalf("unexpected capacity: %+v", snap)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(ctx, t, ts)
	readUntil(ctx, t, conn, proto.OutboundTypeAccepted)

	resp, err := ts.Client().Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "socialmap_ws_admissions_total") {
		t.Fatalf("admission counter missing from /metrics")
	}
}

func TestCapacityScenarioOverWebSocket(t *testing.T) {
	ts, hub := startTestServer(t, 2, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conns := make([]*websocket.Conn, 0, 3)
	for i, userID := range []string{"u1", "u2", "u3"} {
		conn := dial(ctx, t, ts)
		accepted := admissionOf(t, readUntil(ctx, t, conn, proto.OutboundTypeAccepted))
		if accepted.CurrentConnections != i || accepted.MaxConnections != 3 {
			t.Fatalf("client %d: unexpected admission %+v", i+1, accepted)
		}
		if i == 2 {
			warning := admissionOf(t, readUntil(ctx, t, conn, proto.OutboundTypeCapacityWarning))
			if warning.CurrentConnections != 2 || warning.Message == "" {
				t.Fatalf("unexpected warning: %+v", warning)
			}
		}
		joinActivity(ctx, t, conn, "act1", userID, userID)
		conns = append(conns, conn)
	}

	rejected := dial(ctx, t, ts)
	var env envelope
	if err := wsjson.Read(ctx, rejected, &env); err != nil {
		t.Fatalf("read rejection: %v", err)
	}
	if env.Type != proto.OutboundTypeRejected {
		t.Fatalf("fourth client got %q, want %q", env.Type, proto.OutboundTypeRejected)
	}
	if a := admissionOf(t, env); a.CurrentConnections != 3 || a.MaxConnections != 3 || a.Code != core.ErrCodeCapacityExceeded {
		t.Fatalf("unexpected rejection payload: %+v", a)
	}
	_, _, err := rejected.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusTryAgainLater {
		t.Fatalf("close status = %v, want %v (err %v)", status, websocket.StatusTryAgainLater, err)
	}

	conns[0].Close(websocket.StatusNormalClosure, "bye")
	deadline := time.Now().Add(3 * time.Second)
	for hub.Registry().Count() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("count = %d after disconnect, want 2", hub.Registry().Count())
		}
		time.Sleep(10 * time.Millisecond)
	}

	fifth := dial(ctx, t, ts)
	if a := admissionOf(t, readUntil(ctx, t, fifth, proto.OutboundTypeAccepted)); a.CurrentConnections != 2 {
		t.Fatalf("fifth client: unexpected admission %+v", a)
	}
	if joined := joinActivity(ctx, t, fifth, "act1", "u5", "u5"); joined.Participants != 3 {
		t.Fatalf("room size = %d, want 3", joined.Participants)
	}
}

func TestRelayBetweenClients(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	connA := dial(ctx, t, ts)
	connB := dial(ctx, t, ts)
	joinActivity(ctx, t, connA, "act1", "u1", "alice")
	joinActivity(ctx, t, connB, "act1", "u2", "bob")

	presence := readUntil(ctx, t, connA, proto.OutboundTypeParticipantIn)
	var p proto.Presence
	_ = json.Unmarshal(presence.Data, &p)
	if p.UserName != "bob" || p.Participants != 2 {
		t.Fatalf("unexpected presence: %+v", p)
	}

	send(ctx, t, connA, core.TypeTagAdded, map[string]any{"payload": map[string]string{"label": "park"}})

	relayed := readUntil(ctx, t, connB, core.TypeTagAdded)
	var ev proto.DomainEvent
	if err := json.Unmarshal(relayed.Data, &ev); err != nil {
		t.Fatalf("decode relayed event: %v", err)
	}
	if ev.ActivityID != "act1" || ev.UserID != "u1" || string(ev.Payload) != `{"label":"park"}` || ev.Seq == 0 {
		t.Fatalf("unexpected relayed event: %+v", ev)
	}

	ackEnv := readUntil(ctx, t, connA, proto.OutboundTypeActionAck)
	var ack proto.ActionAck
	_ = json.Unmarshal(ackEnv.Data, &ack)
	if ack.Type != core.TypeTagAdded || ack.Seq != ev.Seq {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	connB.Close(websocket.StatusNormalClosure, "bye")
	left := readUntil(ctx, t, connA, proto.OutboundTypeParticipantOut)
	_ = json.Unmarshal(left.Data, &p)
	if p.UserID != "u2" || p.Participants != 1 {
		t.Fatalf("unexpected departure: %+v", p)
	}
}

func TestMalformedFrameKeepsConnection(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, ts)
	readUntil(ctx, t, conn, proto.OutboundTypeAccepted)

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	env := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if env.Error == nil || env.Error.Code != core.ErrCodeMalformedMessage {
		t.Fatalf("unexpected error frame: %+v", env)
	}

	send(ctx, t, conn, "bogus", nil)
	env = readUntil(ctx, t, conn, proto.OutboundTypeError)
	if env.Error == nil || env.Error.Code != core.ErrCodeUnknownType {
		t.Fatalf("unexpected error frame: %+v", env)
	}

	send(ctx, t, conn, proto.InboundTypePing, nil)
	readUntil(ctx, t, conn, proto.OutboundTypePong)
}

func TestJoinValidation(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, ts)
	send(ctx, t, conn, proto.InboundTypeJoin, map[string]string{"activityId": "act1"})
	env := readUntil(ctx, t, conn, proto.OutboundTypeError)
	if env.Error == nil || env.Error.Code != core.ErrCodeBadRequest || !strings.Contains(env.Error.Msg, "userId") {
		t.Fatalf("unexpected error frame: %+v", env)
	}
}

func TestSessionTakeoverClosesOldConnection(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	oldConn := dial(ctx, t, ts)
	joinActivity(ctx, t, oldConn, "act1", "u1", "alice")

	newConn := dial(ctx, t, ts)
	if joined := joinActivity(ctx, t, newConn, "act1", "u1", "alice"); joined.Participants != 1 {
		t.Fatalf("room size = %d, want 1", joined.Participants)
	}

	readUntil(ctx, t, oldConn, proto.OutboundTypeSessionReplaced)
	_, _, err := oldConn.Read(ctx)
	if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure {
		t.Fatalf("close status = %v, want normal closure (err %v)", status, err)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, ts)
	joinActivity(ctx, t, conn, "act1", "u1", "alice")

	resp, err := ts.Client().Get(ts.URL + "/api/activities/act1/presence")
	if err != nil {
		t.Fatalf("presence request failed: %v", err)
	}
	defer resp.Body.Close()
	var presence PresenceResponse
	if err := json.NewDecoder(resp.Body).Decode(&presence); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	if presence.Connected != 1 || len(presence.Participants) != 1 || presence.Participants[0].UserName != "alice" {
		t.Fatalf("unexpected presence: %+v", presence)
	}
}

func TestMalformedFramesAreRateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.MessageRate, cfg.MessageBurst = 0.01, 2
	ts, _ := startConfiguredServer(t, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(ctx, t, ts)
	readUntil(ctx, t, conn, proto.OutboundTypeAccepted)

	want := []string{core.ErrCodeMalformedMessage, core.ErrCodeMalformedMessage, core.ErrCodeRateLimited}
	for i, code := range want {
		if err := conn.Write(ctx, websocket.MessageText, []byte("garbage")); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
		env := readUntil(ctx, t, conn, proto.OutboundTypeError)
		if env.Error == nil || env.Error.Code != code {
			t.Fatalf("frame %d: got %+v, want code %s", i, env.Error, code)
		}
	}
}

func TestActivityEndpoint(t *testing.T) {
	st, err := sqlite.NewWithSetup(":memory:", sqlite.ApplySchema, sqlite.WithAutoCreate(true))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ctx := context.Background()
	if _, err := st.JoinActivity(ctx, "act1", store.Participant{ID: "u1", Name: "alice"}, 0); err != nil {
		t.Fatalf("join: %v", err)
	}
	for i := range 3 {
		if _, err := st.AppendEvent(ctx, store.Event{
			ActivityID: "act1",
			Type:       core.TypeTagAdded,
			SenderID:   "u1",
			Payload:    json.RawMessage(fmt.Sprintf(`{"tag":"t%d"}`, i)),
		}); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	ts, _ := startConfiguredServer(t, config.Default(), st)

	tests := []struct {
		name   string
		path   string
		status int
		events int
	}{
		{name: "latest events", path: "/api/activities/act1?limit=2", status: 200, events: 2},
		{name: "default limit", path: "/api/activities/act1", status: 200, events: 3},
		{name: "unknown activity", path: "/api/activities/ghost", status: 404},
		{name: "bad limit", path: "/api/activities/act1?limit=abc", status: 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := ts.Client().Get(ts.URL + tt.path)
			if err != nil {
				t.Fatalf("request failed: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != 200 {
				return
			}
			var body ActivityResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.ActivityID != "act1" || len(body.Events) != tt.events {
				t.Fatalf("unexpected activity: %+v", body)
			}
			last := body.Events[len(body.Events)-1]
			if string(last.Payload) != `{"tag":"t2"}` || last.UserID != "u1" {
				t.Fatalf("unexpected last event: %+v", last)
			}
		})
	}
}

func TestActivityEndpointWithoutPersistence(t *testing.T) {
	ts, _ := startTestServer(t, 20, 25)

	resp, err := ts.Client().Get(ts.URL + "/api/activities/act1")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 503 {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
}
