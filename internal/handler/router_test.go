package handler

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/internal/handler/auth"
	"github.com/zhouzirui/soundwave/backend/internal/metrics"
	"github.com/zhouzirui/soundwave/backend/internal/service/presence"
	"github.com/zhouzirui/soundwave/backend/internal/service/relay"
	"github.com/zhouzirui/soundwave/backend/internal/storage"
)

func setupRouter(t *testing.T) http.Handler {
	t.Helper()

	cfg := &config.Config{
		Server:   config.ServerConfig{Addr: ":0", AllowedOrigins: []string{"http://localhost:3000"}},
		Realtime: config.DefaultRealtimeConfig(),
	}
	registry := presence.NewRegistry()
	store := storage.NewMemoryStore()
	m := metrics.New()
	rl := relay.New(registry, store, relay.Options{Metrics: m})
	hub := relay.NewHub(rl, relay.HubOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
	})

	return NewRouter(Dependencies{
		Config:   cfg,
		Verifier: auth.NewVerifier(cfg.Auth),
		Sender:   rl,
		History:  store,
		Registry: registry,
		Hub:      hub,
		Metrics:  m,
	})
}

func TestHealthz(t *testing.T) {
	r := setupRouter(t)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"status":"ok"`) {
		t.Fatalf("unexpected body: %s", resp.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewBufferString(`{"receiverId":"bob","content":"hi"}`))
	req.Header.Set("X-User-ID", "alice")
	r.ServeHTTP(httptest.NewRecorder(), req)

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `soundwave_messages_total{result="persisted"} 1`) {
		t.Fatalf("metrics missing message counter:\n%s", resp.Body.String())
	}
}

func TestAPIRoutes(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/api/messages", bytes.NewBufferString(`{"receiverId":"bob","content":"hi"}`))
	req.Header.Set("X-User-ID", "alice")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", resp.Code, resp.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/api/users/messages/alice?userId=bob", nil)
	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"content":"hi"`) {
		t.Fatalf("unexpected conversation response %d: %s", resp.Code, resp.Body.String())
	}

	resp = httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/presence/online", nil))
	if resp.Code != http.StatusOK || !strings.Contains(resp.Body.String(), `"count":0`) {
		t.Fatalf("unexpected presence response %d: %s", resp.Code, resp.Body.String())
	}
}

func TestCORSPreflight(t *testing.T) {
	r := setupRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/messages", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if got := resp.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("unexpected allow origin: %q", got)
	}
}

func TestWebSocketThroughRouter(t *testing.T) {
	srv := httptest.NewServer(setupRouter(t))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	defer ws.Close()

	if err := ws.WriteJSON(map[string]any{"type": relay.TypeUserConnected, "data": map[string]string{"userId": "alice"}}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame struct {
		Type string `json:"type"`
	}
	if err := ws.ReadJSON(&frame); err != nil {
		t.Fatalf("read: %v", err)
	}
	if frame.Type != relay.TypeUsersOnline {
		t.Fatalf("expected %s, got %s", relay.TypeUsersOnline, frame.Type)
	}
}
