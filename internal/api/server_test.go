package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"arb-core/internal/engine"
	"arb-core/internal/events"
	"arb-core/internal/position"
	"arb-core/internal/risk"
)

const testSecret = "test-secret"

type fakeEngine struct {
	mu        sync.Mutex
	snap      risk.Snapshot
	positions []engine.PositionView
	kills     []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{snap: risk.Snapshot{UpbitConnected: true, BybitConnected: true, EntryAllowed: true}}
}

func (f *fakeEngine) Status(context.Context) engine.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return engine.Status{SessionID: "s1", Risk: f.snap, OpenPositions: len(f.positions)}
}

func (f *fakeEngine) Positions(context.Context) []engine.PositionView {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions
}

func (f *fakeEngine) Kill(_ context.Context, detail string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kills = append(f.kills, detail)
	if f.snap.Killed {
		return false
	}
	f.snap.Killed = true
	f.snap.EntryAllowed = false
	return true
}

func (f *fakeEngine) SetConnectivity(_ context.Context, venue risk.Venue, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch venue {
	case risk.VenueUpbit:
		f.snap.UpbitConnected = ok
	case risk.VenueBybit:
		f.snap.BybitConnected = ok
	}
	f.snap.EntryAllowed = !f.snap.Killed && f.snap.UpbitConnected && f.snap.BybitConnected
}

func newTestAPIServer(t *testing.T, eng *fakeEngine, bus *events.Bus) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	srv := NewServer(eng, bus, testSecret, nil)
	ts := httptest.NewServer(srv.Router)
	t.Cleanup(ts.Close)
	return ts
}

func doJSONRequest(t *testing.T, method, url, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func mustToken(t *testing.T, operator string) string {
	t.Helper()
	token, err := IssueToken(operator, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	return token
}

func TestHealthAndRequestID(t *testing.T) {
	ts := newTestAPIServer(t, newFakeEngine(), nil)

	resp, body := doJSONRequest(t, http.MethodGet, ts.URL+"/health", "", nil)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health: %d %v", resp.StatusCode, body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID")
	}
}

func TestStatusAndPositions(t *testing.T) {
	eng := newFakeEngine()
	eng.positions = []engine.PositionView{{
		VirtualPosition: position.VirtualPosition{ID: "p1", Coin: "BTC", Size: 0.01},
	}}
	ts := newTestAPIServer(t, eng, nil)

	resp, body := doJSONRequest(t, http.MethodGet, ts.URL+"/api/status", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	if body["session_id"] != "s1" || body["open_positions"] != float64(1) {
		t.Fatalf("status body: %v", body)
	}

	resp, body = doJSONRequest(t, http.MethodGet, ts.URL+"/api/positions", "", nil)
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Fatalf("positions: %d %v", resp.StatusCode, body)
	}
}

func TestKillRequiresAuth(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestAPIServer(t, eng, nil)

	other, err := IssueToken("mallory", "other-secret", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, err := IssueToken("alice", testSecret, -time.Minute)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		header string
		code   string
	}{
		{name: "missing", header: "", code: "MISSING_TOKEN"},
		{name: "malformed", header: "Token abc", code: "INVALID_AUTH_HEADER"},
		{name: "wrong secret", header: "Bearer " + other, code: "INVALID_TOKEN"},
		{name: "expired", header: "Bearer " + expired, code: "INVALID_TOKEN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/kill", strings.NewReader(`{}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			var body map[string]any
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != http.StatusUnauthorized || body["code"] != tt.code {
				t.Fatalf("got %d %v, want 401 %s", resp.StatusCode, body, tt.code)
			}
		})
	}

	if len(eng.kills) != 0 {
		t.Fatalf("engine killed without auth: %v", eng.kills)
	}
}

func TestKill(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestAPIServer(t, eng, nil)
	token := mustToken(t, "alice")

	resp, body := doJSONRequest(t, http.MethodPost, ts.URL+"/api/kill", token, map[string]string{"detail": "fat finger on bybit"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("kill: %d %v", resp.StatusCode, body)
	}
	if body["already_killed"] != false {
		t.Fatalf("first kill should engage: %v", body)
	}
	if len(eng.kills) != 1 || eng.kills[0] != "manual kill by alice: fat finger on bybit" {
		t.Fatalf("detail=%v", eng.kills)
	}

	resp, body = doJSONRequest(t, http.MethodPost, ts.URL+"/api/kill", token, nil)
	if resp.StatusCode != http.StatusOK || body["already_killed"] != true {
		t.Fatalf("second kill: %d %v", resp.StatusCode, body)
	}
}

func TestSetConnectivity(t *testing.T) {
	eng := newFakeEngine()
	ts := newTestAPIServer(t, eng, nil)
	token := mustToken(t, "alice")

	tests := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{name: "missing connected", body: map[string]any{"venue": "upbit"}, wantStatus: http.StatusBadRequest, wantCode: "INVALID_PAYLOAD"},
		{name: "unknown venue", body: map[string]any{"venue": "binance", "connected": false}, wantStatus: http.StatusBadRequest, wantCode: "UNKNOWN_VENUE"},
		{name: "bybit down", body: map[string]any{"venue": "Bybit", "connected": false}, wantStatus: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSONRequest(t, http.MethodPost, ts.URL+"/api/connectivity", token, tt.body)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status=%d body=%v", resp.StatusCode, body)
			}
			if tt.wantCode != "" && body["code"] != tt.wantCode {
				t.Fatalf("code=%v, want %s", body["code"], tt.wantCode)
			}
		})
	}

	st := eng.Status(context.Background())
	if st.Risk.BybitConnected || st.Risk.EntryAllowed {
		t.Fatalf("bybit should be marked down: %+v", st.Risk)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestAPIServer(t, newFakeEngine(), nil)
	doJSONRequest(t, http.MethodGet, ts.URL+"/health", "", nil)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, _ = buf.ReadFrom(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), "arb_api_requests_total") {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
}

func TestWebsocketStreamsAlerts(t *testing.T) {
	bus := events.NewBus()
	ts := newTestAPIServer(t, newFakeEngine(), bus)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	alert := events.Alert{Topic: events.EventKillSwitch, Severity: events.SeverityCritical, Message: "drawdown"}
	deadline := time.Now().Add(2 * time.Second)
	// The handler subscribes after the upgrade completes.
	for bus.Publish(events.EventKillSwitch, alert) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got events.Alert
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Topic != events.EventKillSwitch || got.Message != "drawdown" {
		t.Fatalf("got %+v", got)
	}
}
