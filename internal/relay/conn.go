package relay

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// conn is one dashboard client
type conn struct {
	id  string
	hub *Hub
	cmd Commander
	ws  *websocket.Conn

	// send is owned by the hub, which closes it on unregister
	send chan []byte
}

// readPump reads commands until the socket fails. Each command runs on its own
// goroutine so a slow command never blocks the socket.
func (c *conn) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Debug("websocket read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		go c.dispatch(data)
	}
}

// writePump forwards frames from send to the socket and keeps it alive
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.hub.logger.Debug("websocket write failed", zap.String("client_id", c.id), zap.Error(err))
				}
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// reply sends a frame to this client only
func (c *conn) reply(event string, payload any) {
	msg, err := encodeFrame(event, payload)
	if err != nil {
		c.hub.logger.Error("encoding reply failed", zap.String("event", event), zap.Error(err))
		return
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
		c.hub.logger.Warn("dropping reply to slow client", zap.String("client_id", c.id), zap.String("event", event))
	}
}
