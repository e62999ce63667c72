package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20 // 1MB

// Client 对应一条已认证的 WebSocket 连接。id 全局唯一（即会话表里的 conn_id），
// rooms 只在 readPump 协程里读写，不需要加锁。
type Client struct {
	id        string
	conn      *websocket.Conn
	send      chan []byte
	userID    uint
	username  string
	heartbeat time.Duration
	rooms     map[uint]bool

	sendMu sync.Mutex
	closed bool
}

func newClient(id string, conn *websocket.Conn, userID uint, username string, heartbeat time.Duration) *Client {
	return &Client{
		id:        id,
		conn:      conn,
		send:      make(chan []byte, 256),
		userID:    userID,
		username:  username,
		heartbeat: heartbeat,
		rooms:     make(map[uint]bool),
	}
}

// trySend 非阻塞入队一帧；缓冲满或连接已关闭时返回 false，由调用方摘除客户端。
func (c *Client) trySend(frame []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// sendEvent 组帧后入队一条只发给本连接的事件（recentMessages、error）。
func (c *Client) sendEvent(event string, payload interface{}) {
	frame, err := EncodeFrame(event, payload)
	if err != nil {
		return
	}
	c.trySend(frame)
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// readPump 串行消费本连接的入站帧；handle 回调挂起时不影响其他连接。
// 超过心跳窗口收不到 pong 就判定连接死亡，退出后由调用方跑断开路径。
func (c *Client) readPump(handle func(*Client, *Inbound)) {
	defer func() { _ = c.conn.Close() }()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.heartbeat))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.heartbeat))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		in, err := DecodeInbound(data)
		if err != nil {
			// 畸形载荷只报给发送方，不广播。
			c.sendEvent(EventError, ErrorPayload{Error: "invalid payload"})
			continue
		}
		handle(c, in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.heartbeat / 2)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
