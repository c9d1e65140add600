package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/zhouzirui/soundwave/backend/internal/config"
	"github.com/zhouzirui/soundwave/backend/internal/handler/auth"
	"github.com/zhouzirui/soundwave/backend/internal/metrics"
	"github.com/zhouzirui/soundwave/backend/internal/service/relay"
)

const disconnectTimeout = 5 * time.Second

var errHandshake = errors.New("handshake rejected")

// Submitter 接收连接事件，由 relay.Hub 实现。
type Submitter interface {
	Submit(ctx context.Context, ev relay.Event) error
	Done() <-chan struct{}
}

// Handler 在线状态与聊天的 WebSocket 入口
type Handler struct {
	hub      Submitter
	upgrader websocket.Upgrader
	cfg      config.RealtimeConfig
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New 创建 WebSocket 处理器。allowedOrigins 为空或包含 "*" 时不校验来源。
func New(hub Submitter, cfg config.RealtimeConfig, allowedOrigins []string, m *metrics.Metrics, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		hub: hub,
		upgrader: websocket.Upgrader{
			CheckOrigin:     originChecker(allowedOrigins),
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		cfg:     cfg,
		metrics: m,
		logger:  logger.Named("ws"),
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		if origin == "*" {
			return func(*http.Request) bool { return true }
		}
		set[strings.TrimRight(origin, "/")] = struct{}{}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// 非浏览器客户端不会携带 Origin。
			return true
		}
		_, ok := set[strings.TrimRight(origin, "/")]
		return ok
	}
}

// handleWebSocket 处理WebSocket连接
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", zap.Error(err))
		return
	}

	conn := newConnection(ws, h.cfg.SendBuffer)
	log := h.logger.With(zap.String("conn", conn.ID()))

	ws.SetReadLimit(h.cfg.MaxMessageBytes)
	_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	verified, _ := auth.UserID(r.Context())
	userID, err := h.handshake(ws, verified)
	if err != nil {
		if errors.Is(err, errHandshake) {
			log.Info("handshake rejected", zap.Error(err))
			h.reject(ws, strings.TrimPrefix(err.Error(), errHandshake.Error()+": "))
		} else {
			log.Debug("handshake read failed", zap.Error(err))
		}
		_ = ws.Close()
		return
	}
	log = log.With(zap.String("user", userID))

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump(h.cfg.PingInterval, h.cfg.WriteWait, h.hub.Done(), log)
	}()

	if err := h.hub.Submit(r.Context(), relay.Event{Kind: relay.EventConnect, Conn: conn, UserID: userID}); err != nil {
		log.Warn("connect rejected", zap.Error(err))
		conn.Close()
		<-writerDone
		return
	}
	h.metrics.ConnectionOpened()
	log.Info("connection opened")

	defer func() {
		conn.Close()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), disconnectTimeout)
		defer cancel()
		if err := h.hub.Submit(ctx, relay.Event{Kind: relay.EventDisconnect, Conn: conn, UserID: userID}); err != nil && !errors.Is(err, relay.ErrHubStopped) {
			log.Warn("disconnect not delivered", zap.Error(err))
		}

		<-writerDone
		h.metrics.ConnectionClosed()
		log.Info("connection closed")
	}()

	h.readLoop(r.Context(), ws, conn, userID, log)
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, conn *Connection, userID string, log *zap.Logger) {
	for {
		_, payload, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn("read error", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		ev := relay.Event{Kind: relay.EventMessage, Conn: conn, UserID: userID, Payload: payload}
		if err := h.hub.Submit(ctx, ev); err != nil {
			log.Debug("stop reading", zap.Error(err))
			return
		}
	}
}

// handshake 读取第一帧，必须是 user_connected。已校验身份时两者必须一致。
func (h *Handler) handshake(ws *websocket.Conn, verified string) (string, error) {
	_, payload, err := ws.ReadMessage()
	if err != nil {
		return "", err
	}

	var in relay.Inbound
	if err := json.Unmarshal(payload, &in); err != nil {
		return "", fmt.Errorf("%w: invalid frame", errHandshake)
	}
	if in.Type != relay.TypeUserConnected {
		return "", fmt.Errorf("%w: first frame must be %s", errHandshake, relay.TypeUserConnected)
	}

	userID, err := relay.ParseAnnounce(in.Data)
	if err != nil {
		return "", fmt.Errorf("%w: invalid %s payload", errHandshake, relay.TypeUserConnected)
	}
	userID = strings.TrimSpace(userID)
	switch {
	case userID == "":
		return "", fmt.Errorf("%w: userId is required", errHandshake)
	case verified != "" && userID != verified:
		return "", fmt.Errorf("%w: userId does not match authenticated identity", errHandshake)
	}
	return userID, nil
}

// reject 在 writePump 启动前直接写出错误帧并关闭。
func (h *Handler) reject(ws *websocket.Conn, reason string) {
	frame, err := relay.Encode(relay.TypeError, relay.ErrorBody{Error: reason}, time.Now())
	if err != nil {
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return
	}
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(h.cfg.WriteWait))
}
