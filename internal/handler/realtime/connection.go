package realtime

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	// ErrSendBufferFull 发送队列已满，对端读取过慢。
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrConnClosed 连接已关闭。
	ErrConnClosed = errors.New("connection closed")
)

// Connection 是一条 WebSocket 连接。所有写操作都经过 writePump，Send 永不阻塞。
type Connection struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, buffer int) *Connection {
	return &Connection{
		id:     uuid.NewString(),
		ws:     ws,
		send:   make(chan []byte, buffer),
		closed: make(chan struct{}),
	}
}

// ID 返回连接的唯一标识。
func (c *Connection) ID() string {
	return c.id
}

// Send 把一帧放入发送队列。
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close 标记连接关闭，writePump 随后退出。可以重复调用。
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
	})
}

// writePump 负责所有写操作和心跳。stop 关闭时发送关闭帧后退出。
func (c *Connection) writePump(pingInterval, writeWait time.Duration, stop <-chan struct{}, logger *zap.Logger) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		_ = c.ws.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				logger.Debug("write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				logger.Debug("ping failed", zap.Error(err))
				return
			}
		case <-stop:
			c.writeClose(websocket.CloseGoingAway, "server shutting down", writeWait)
			return
		case <-c.closed:
			c.flush(writeWait)
			c.writeClose(websocket.CloseNormalClosure, "", writeWait)
			return
		}
	}
}

// flush 尽量写出关闭前已入队的帧。
func (c *Connection) flush(writeWait time.Duration) {
	for {
		select {
		case payload := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Connection) writeClose(code int, text string, writeWait time.Duration) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}
