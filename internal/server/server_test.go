package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/nexus-realtime/internal/call"
	"github.com/Tyrowin/nexus-realtime/internal/config"
	"github.com/Tyrowin/nexus-realtime/internal/delivery"
	"github.com/Tyrowin/nexus-realtime/internal/identity"
	"github.com/Tyrowin/nexus-realtime/internal/logger"
	"github.com/Tyrowin/nexus-realtime/internal/session"
)

// recordingHandler echoes every frame back and records lifecycle calls.
type recordingHandler struct {
	mu          sync.Mutex
	connects    []identity.Principal
	disconnects []identity.Principal
	frames      []string
}

func (h *recordingHandler) Connect(_ context.Context, p identity.Principal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.connects = append(h.connects, p)
}

func (h *recordingHandler) Disconnect(_ context.Context, p identity.Principal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnects = append(h.disconnects, p)
}

func (h *recordingHandler) HandleFrame(_ context.Context, _ identity.Principal, raw []byte) []delivery.Envelope {
	h.mu.Lock()
	h.frames = append(h.frames, string(raw))
	h.mu.Unlock()
	return []delivery.Envelope{{Type: "echo", Payload: json.RawMessage(raw)}}
}

func (h *recordingHandler) counts() (connects, disconnects, frames int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connects), len(h.disconnects), len(h.frames)
}

const testOrigin = "http://localhost:8080"

type testEnv struct {
	hub     *Hub
	handler *recordingHandler
	srv     *httptest.Server
	wsURL   string
}

func newTestEnv(t *testing.T, customize func(cfg *config.ServerConfig)) *testEnv {
	t.Helper()
	cfg := config.Default().Server
	cfg.AllowedOrigins = []string{testOrigin}
	if customize != nil {
		customize(&cfg)
	}

	handler := &recordingHandler{}
	hub := NewHub(handler, logger.Nop())
	go hub.Run()

	s := NewServer(cfg, hub, identity.HeaderResolver{}, logger.Nop())
	srv := httptest.NewServer(s.SetupRoutes())
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Shutdown(2 * time.Second)
	})

	return &testEnv{
		hub:     hub,
		handler: handler,
		srv:     srv,
		wsURL:   "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
	}
}

func identityHeader(workspace, user, device string) http.Header {
	h := http.Header{}
	h.Set("Origin", testOrigin)
	h.Set(identity.HeaderWorkspace, workspace)
	h.Set(identity.HeaderUser, user)
	h.Set(identity.HeaderDevice, device)
	return h
}

func (e *testEnv) dial(t *testing.T, header http.Header) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(e.wsURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Invalid envelope %q: %v", data, err)
	}
	return env
}

func TestHealthHandler(t *testing.T) {
	env := newTestEnv(t, nil)

	for _, path := range []string{"/", "/healthz"} {
		resp, err := http.Get(env.srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: expected status 200, got %d", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); ct != "text/plain" {
			t.Errorf("GET %s: expected text/plain, got %s", path, ct)
		}
		if !strings.Contains(string(body), "running") {
			t.Errorf("GET %s: unexpected body %q", path, body)
		}
	}
}

func TestWebSocketHandlerRejectsNonGet(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Post(env.srv.URL+"/ws", "application/json", strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("POST /ws: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", resp.StatusCode)
	}
}

func TestWebSocketHandshake(t *testing.T) {
	tests := []struct {
		name       string
		header     http.Header
		wantStatus int
	}{
		{
			name:       "missing identity",
			header:     http.Header{"Origin": []string{testOrigin}},
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "missing workspace",
			header:     identityHeader("", "7", "WEB"),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name: "disallowed origin",
			header: func() http.Header {
				h := identityHeader("ws-1", "7", "WEB")
				h.Set("Origin", "http://evil.example")
				return h
			}(),
			wantStatus: http.StatusForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			conn, resp, err := websocket.DefaultDialer.Dial(env.wsURL, tt.header)
			if conn != nil {
				_ = conn.Close()
			}
			if err == nil {
				t.Fatal("Expected handshake to fail")
			}
			if resp == nil {
				t.Fatalf("Expected HTTP response, got error %v", err)
			}
			_ = resp.Body.Close()
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}
			if c, _, _ := env.handler.counts(); c != 0 {
				t.Errorf("Expected no Connect calls, got %d", c)
			}
		})
	}
}

func TestConnectFrameAndDisconnect(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, identityHeader("ws-1", "7", "mobile"))

	waitFor(t, "registration", func() bool { return env.hub.Len() == 1 })

	env.handler.mu.Lock()
	got := env.handler.connects[0]
	env.handler.mu.Unlock()
	want := identity.Principal{WorkspaceID: "ws-1", UserID: 7, DeviceType: identity.DeviceMobile}
	if got != want {
		t.Errorf("Expected principal %+v, got %+v", want, got)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	reply := readEnvelope(t, conn)
	if string(reply["type"]) != `"echo"` {
		t.Errorf("Expected echo reply, got %s", reply["type"])
	}
	if string(reply["payload"]) != `{"type":"ping"}` {
		t.Errorf("Unexpected payload %s", reply["payload"])
	}

	_ = conn.Close()
	waitFor(t, "disconnect", func() bool {
		_, d, _ := env.handler.counts()
		return d == 1 && env.hub.Len() == 0
	})
}

func TestDeliverAddressesOneSession(t *testing.T) {
	env := newTestEnv(t, nil)
	web := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	mobile := env.dial(t, identityHeader("ws-1", "7", "MOBILE"))
	waitFor(t, "registration", func() bool { return env.hub.Len() == 2 })

	target := delivery.Target{
		WorkspaceID: "ws-1",
		UserID:      7,
		SessionKey:  session.NewKey(identity.Principal{WorkspaceID: "ws-1", UserID: 7, DeviceType: identity.DeviceMobile}),
	}
	if err := env.hub.Deliver(context.Background(), target, delivery.Envelope{Type: "presence", Payload: map[string]string{"status": "ONLINE"}}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	reply := readEnvelope(t, mobile)
	if string(reply["type"]) != `"presence"` {
		t.Errorf("Expected presence envelope, got %s", reply["type"])
	}

	if err := web.SetReadDeadline(time.Now().Add(100 * time.Millisecond)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := web.ReadMessage(); err == nil {
		t.Error("Expected no message on the other session")
	}
}

func TestDeliverKeepsCandidateBytes(t *testing.T) {
	env := newTestEnv(t, nil)
	conn := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	waitFor(t, "registration", func() bool { return env.hub.Len() == 1 })

	raw := json.RawMessage("{\"candidate\": \"candidate:1 1 UDP 2122252543 192.168.1.2 54400 typ host\",\n \"sdpMid\":\"a&b<0>\", \"sdpMLineIndex\": 0}")
	target := delivery.Target{WorkspaceID: "ws-1", UserID: 7, SessionKey: "ws-1:7:WEB"}
	payload := call.Candidate{CallID: "c-1", ConversationID: 5, Candidate: raw, UserID: 8}
	if err := env.hub.Deliver(context.Background(), target, delivery.Envelope{Type: call.TypeICECandidate, Payload: payload}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	if !bytes.Contains(frame, raw) {
		t.Errorf("Candidate bytes changed on the wire: %s", frame)
	}

	var decoded struct {
		Type    string `json:"type"`
		Payload struct {
			CallID string `json:"callId"`
			UserID int64  `json:"userId"`
		} `json:"payload"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("Frame is not valid JSON: %v", err)
	}
	if decoded.Type != call.TypeICECandidate || decoded.Payload.CallID != "c-1" || decoded.Payload.UserID != 8 {
		t.Errorf("Unexpected frame %+v", decoded)
	}
}

func TestDeliverUnknownSession(t *testing.T) {
	env := newTestEnv(t, nil)

	err := env.hub.Deliver(context.Background(), delivery.Target{SessionKey: "ws-1:9:WEB"}, delivery.Envelope{Type: "presence"})
	if !errors.Is(err, delivery.ErrNoSession) {
		t.Errorf("Expected ErrNoSession, got %v", err)
	}
}

func TestSameSessionKeyReplacesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	first := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	waitFor(t, "first registration", func() bool { return env.hub.Len() == 1 })

	second := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	waitFor(t, "second connect", func() bool {
		c, _, _ := env.handler.counts()
		return c == 2
	})

	if err := first.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := first.ReadMessage(); err == nil {
		t.Fatal("Expected the replaced connection to be closed")
	}

	if _, d, _ := env.handler.counts(); d != 0 {
		t.Errorf("Replacing a connection must not end the session, got %d disconnects", d)
	}
	if n := env.hub.Len(); n != 1 {
		t.Errorf("Expected 1 client, got %d", n)
	}

	if err := second.WriteMessage(websocket.TextMessage, []byte(`{"type":"x"}`)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	readEnvelope(t, second)
}

func TestDeviceIDsKeepBothConnections(t *testing.T) {
	env := newTestEnv(t, nil)
	tab1 := identityHeader("ws-1", "7", "WEB")
	tab1.Set(identity.HeaderDeviceID, "tab-1")
	tab2 := identityHeader("ws-1", "7", "WEB")
	tab2.Set(identity.HeaderDeviceID, "tab-2")

	first := env.dial(t, tab1)
	second := env.dial(t, tab2)
	waitFor(t, "both registrations", func() bool { return env.hub.Len() == 2 })

	if _, d, _ := env.handler.counts(); d != 0 {
		t.Errorf("Expected no disconnects, got %d", d)
	}
	for name, conn := range map[string]*websocket.Conn{"tab-1": first, "tab-2": second} {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"x"}`)); err != nil {
			t.Fatalf("%s: Failed to write: %v", name, err)
		}
		readEnvelope(t, conn)
	}
}

func TestOversizedFrameClosesConnection(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig) { cfg.MaxMessageSize = 64 })
	conn := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	waitFor(t, "registration", func() bool { return env.hub.Len() == 1 })

	if err := conn.WriteMessage(websocket.TextMessage, []byte(strings.Repeat("x", 512))); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	waitFor(t, "disconnect", func() bool {
		_, d, _ := env.handler.counts()
		return d == 1
	})
	if _, _, f := env.handler.counts(); f != 0 {
		t.Errorf("Expected oversized frame to be dropped, got %d frames", f)
	}
}

func TestRateLimitDiscardsFlood(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.ServerConfig) {
		cfg.RateLimit = config.RateLimitConfig{Burst: 3, RefillInterval: time.Hour}
	})
	conn := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	waitFor(t, "registration", func() bool { return env.hub.Len() == 1 })

	for i := 0; i < 10; i++ {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"x"}`)); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}
	for i := 0; i < 3; i++ {
		readEnvelope(t, conn)
	}
	if err := conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected frames beyond the burst to be discarded")
	}
	if _, _, f := env.handler.counts(); f != 3 {
		t.Errorf("Expected 3 handled frames, got %d", f)
	}
}

func TestShutdownClosesClients(t *testing.T) {
	handler := &recordingHandler{}
	hub := NewHub(handler, logger.Nop())
	go hub.Run()

	cfg := config.Default().Server
	cfg.AllowedOrigins = []string{testOrigin}
	s := NewServer(cfg, hub, identity.HeaderResolver{}, logger.Nop())
	srv := httptest.NewServer(s.SetupRoutes())
	defer srv.Close()

	env := &testEnv{hub: hub, handler: handler, srv: srv, wsURL: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
	conn := env.dial(t, identityHeader("ws-1", "7", "WEB"))
	waitFor(t, "registration", func() bool { return hub.Len() == 1 })

	if err := hub.Shutdown(2 * time.Second); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("Failed to set read deadline: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected connection to be closed after shutdown")
	}
	if n := hub.Len(); n != 0 {
		t.Errorf("Expected no clients after shutdown, got %d", n)
	}
}

func TestOriginPolicy(t *testing.T) {
	tests := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://localhost:8080"}, "http://localhost:8080", true},
		{"case insensitive", []string{"HTTP://LocalHost:8080"}, "http://localhost:8080", true},
		{"path ignored", []string{"http://localhost:8080/app"}, "http://localhost:8080", true},
		{"other port", []string{"http://localhost:8080"}, "http://localhost:9090", false},
		{"wildcard", []string{"*"}, "https://anything.example", true},
		{"missing header", []string{"*"}, "", false},
		{"invalid config entry", []string{"localhost"}, "http://localhost", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newOriginPolicy(tt.origins, logger.Nop())
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := p.allows(r); got != tt.want {
				t.Errorf("allows(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestNewRateLimiter(t *testing.T) {
	limiter := newRateLimiter(config.RateLimitConfig{Burst: 2, RefillInterval: time.Hour})
	if !limiter.Allow() || !limiter.Allow() {
		t.Fatal("Expected the burst to be available")
	}
	if limiter.Allow() {
		t.Error("Expected the third frame to be limited")
	}

	fallback := newRateLimiter(config.RateLimitConfig{})
	if fallback.Burst() != 1 {
		t.Errorf("Expected fallback burst 1, got %d", fallback.Burst())
	}
}
