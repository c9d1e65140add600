package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/internal/handler/auth"
	"github.com/zhouzirui/soundwave/backend/internal/model/chat"
	"github.com/zhouzirui/soundwave/backend/internal/service/presence"
	"github.com/zhouzirui/soundwave/backend/internal/service/relay"
	"github.com/zhouzirui/soundwave/backend/internal/storage"
)

type testFrame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

type testServer struct {
	url      string
	registry *presence.Registry
	store    *storage.MemoryStore
	cancel   context.CancelFunc
	hub      *relay.Hub
}

func newTestServer(t *testing.T, authCfg config.AuthConfig) *testServer {
	t.Helper()

	registry := presence.NewRegistry()
	store := storage.NewMemoryStore()
	hub := relay.NewHub(relay.New(registry, store, relay.Options{}), relay.HubOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = hub.Run(ctx) }()

	r := chi.NewRouter()
	r.Use(auth.NewVerifier(authCfg).Middleware)
	New(hub, config.DefaultRealtimeConfig(), nil, nil, nil).RegisterRoutes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		cancel()
		<-hub.Done()
		srv.Close()
	})

	return &testServer{
		url:      "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		registry: registry,
		store:    store,
		cancel:   cancel,
		hub:      hub,
	}
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func writeFrame(t *testing.T, ws *websocket.Conn, frameType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(map[string]any{"type": frameType, "data": json.RawMessage(raw)}))
}

// readUntil 跳过其他帧，直到读到指定类型。
func readUntil(t *testing.T, ws *websocket.Conn, frameType string) testFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var f testFrame
		require.NoError(t, ws.ReadJSON(&f), "waiting for %s", frameType)
		if f.Type == frameType {
			return f
		}
	}
}

func announce(t *testing.T, ws *websocket.Conn, userID string) []string {
	t.Helper()
	writeFrame(t, ws, relay.TypeUserConnected, map[string]string{"userId": userID})
	f := readUntil(t, ws, relay.TypeUsersOnline)
	var users []string
	require.NoError(t, json.Unmarshal(f.Data, &users))
	return users
}

func TestWebSocketChatFlow(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	alice := dial(t, ts.url)
	assert.Equal(t, []string{"alice"}, announce(t, alice, "alice"))

	bob := dial(t, ts.url)
	assert.Equal(t, []string{"alice", "bob"}, announce(t, bob, "bob"))

	joined := readUntil(t, alice, relay.TypeUserConnected)
	var who string
	require.NoError(t, json.Unmarshal(joined.Data, &who))
	assert.Equal(t, "bob", who)

	writeFrame(t, alice, relay.TypeSendMessage, map[string]string{"receiverId": "bob", "content": "hi"})

	received := readUntil(t, bob, relay.TypeReceiveMessage)
	var message chat.Message
	require.NoError(t, json.Unmarshal(received.Data, &message))
	assert.Equal(t, "alice", message.SenderID)
	assert.Equal(t, "hi", message.Content)
	assert.NotZero(t, received.Timestamp)

	sent := readUntil(t, alice, relay.TypeMessageSent)
	var ack chat.Message
	require.NoError(t, json.Unmarshal(sent.Data, &ack))
	assert.Equal(t, message.ID, ack.ID)

	require.NoError(t, bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	_ = bob.Close()

	left := readUntil(t, alice, relay.TypeUserDisconnected)
	require.NoError(t, json.Unmarshal(left.Data, &who))
	assert.Equal(t, "bob", who)

	snapshot := readUntil(t, alice, relay.TypeUsersOnline)
	var users []string
	require.NoError(t, json.Unmarshal(snapshot.Data, &users))
	assert.Equal(t, []string{"alice"}, users)

	history, err := ts.store.Conversation(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestWebSocketActivityUpdate(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	alice := dial(t, ts.url)
	announce(t, alice, "alice")
	bob := dial(t, ts.url)
	announce(t, bob, "bob")

	writeFrame(t, bob, relay.TypeUpdateActivity, map[string]string{"activity": "Playing Intro by The xx"})

	// bob 上线时会先广播一次默认状态。
	var update relay.ActivityUpdate
	for update.Activity != "Playing Intro by The xx" {
		f := readUntil(t, alice, relay.TypeActivityUpdated)
		require.NoError(t, json.Unmarshal(f.Data, &update))
		assert.Equal(t, "bob", update.UserID)
	}
}

func TestWebSocketRejectsBadHandshake(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	cases := []struct {
		name      string
		frameType string
		data      any
	}{
		{"wrong first frame", relay.TypeSendMessage, map[string]string{"receiverId": "bob", "content": "hi"}},
		{"empty user", relay.TypeUserConnected, map[string]string{"userId": " "}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ws := dial(t, ts.url)
			writeFrame(t, ws, tc.frameType, tc.data)

			readUntil(t, ws, relay.TypeError)
			_, _, err := ws.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
		})
	}
	assert.Zero(t, ts.registry.Count())
}

func TestWebSocketRequiresMatchingIdentity(t *testing.T) {
	const secret = "ws-secret"
	ts := newTestServer(t, config.AuthConfig{JWTSecret: secret})

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "alice",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(secret))
	require.NoError(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	impostor := dial(t, ts.url+"?token="+token)
	writeFrame(t, impostor, relay.TypeUserConnected, map[string]string{"userId": "mallory"})
	readUntil(t, impostor, relay.TypeError)

	alice := dial(t, ts.url+"?token="+token)
	assert.Equal(t, []string{"alice"}, announce(t, alice, "alice"))
}

func TestWebSocketClosesOnHubShutdown(t *testing.T) {
	ts := newTestServer(t, config.AuthConfig{})

	alice := dial(t, ts.url)
	announce(t, alice, "alice")

	ts.cancel()
	<-ts.hub.Done()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := alice.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			return
		}
	}
}

func TestConnectionSendNeverBlocks(t *testing.T) {
	conn := newConnection(nil, 1)

	require.NoError(t, conn.Send([]byte("one")))
	assert.ErrorIs(t, conn.Send([]byte("two")), ErrSendBufferFull)

	conn.Close()
	conn.Close()
	assert.ErrorIs(t, conn.Send([]byte("three")), ErrConnClosed)
	assert.NotEmpty(t, conn.ID())
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"http://localhost:3000/"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, check(req), "requests without Origin are allowed")

	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, check(req))

	req.Header.Set("Origin", "http://evil.test")
	assert.False(t, check(req))

	assert.True(t, originChecker([]string{"*"})(req))
	assert.True(t, originChecker(nil)(req))
}
