package ws

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// conn is one websocket connection. The hub owns send and closes it when the
// connection is removed or the hub stops.
type conn struct {
	hub    *Hub
	ws     *websocket.Conn
	userID string
	send   chan []byte
}

func newConn(h *Hub, ws *websocket.Conn, userID string) *conn {
	return &conn{hub: h, ws: ws, userID: userID, send: make(chan []byte, sendBuffer)}
}

// offer queues payload without blocking.
func (c *conn) offer(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// readLoop services control frames. Client messages are ignored.
func (c *conn) readLoop() {
	defer func() {
		c.hub.remove(c)
		_ = c.ws.Close()
		c.hub.logger.Info("ws: client disconnected", slog.String("user_id", c.userID))
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("user_id", c.userID), slog.String("error", err.Error()))
			}
			return
		}
	}
}

// writeLoop writes queued payloads as text frames and pings on idle.
func (c *conn) writeLoop() {
	ping := time.NewTicker(pingPeriod)
	defer func() {
		ping.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
