package hub

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pagesync/pagesync/internal/auth"
	"github.com/pagesync/pagesync/internal/protocol"
	"github.com/pagesync/pagesync/internal/security"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var ErrSendQueueFull = errors.New("send queue is full")

// Connection represents a single WebSocket connection to the relay.
type Connection struct {
	ID            string
	UserID        string
	ClientID      string
	ClientIP      string
	Authenticated bool
	Claims        *auth.TokenClaims
	Pages         map[string]bool // pageID -> subscribed
	ConnectedAt   time.Time

	connLimiter *security.ConnectionLimiter

	ws   *websocket.Conn
	send chan []byte
	hub  *Hub
	mu   sync.Mutex
}

// NewConnection creates a connection ready for its read and write pumps.
func NewConnection(id, clientIP string, ws *websocket.Conn, hub *Hub, connLimiter *security.ConnectionLimiter) *Connection {
	return &Connection{
		ID:          id,
		ClientIP:    clientIP,
		Pages:       make(map[string]bool),
		ConnectedAt: time.Now(),
		connLimiter: connLimiter,
		ws:          ws,
		send:        make(chan []byte, 256),
		hub:         hub,
	}
}

// SendMessage encodes a frame and queues it for the write pump.
func (c *Connection) SendMessage(messageType string, payload map[string]interface{}) error {
	data, err := protocol.Encode(messageType, payload, time.Now().UnixMilli())
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// SendError sends an error frame to the client.
func (c *Connection) SendError(errorMsg, errorCode string) error {
	return c.SendMessage(protocol.TypeError, map[string]interface{}{
		"id":    generateID(),
		"error": errorMsg,
		"code":  errorCode,
	})
}

// ReadPump pumps frames from the WebSocket to the hub. It owns the read side
// and unregisters the connection when the socket closes.
func (c *Connection) ReadPump() {
	defer func() {
		if c.connLimiter != nil {
			c.connLimiter.RemoveConnection(c.ClientIP)
		}
		c.hub.Unregister <- c
		c.ws.Close()
	}()

	c.ws.SetReadLimit(int64(security.Limits.MaxMessageSize))
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			break
		}

		if !c.hub.limiter.Allow(c.ID) {
			c.SendError("Too many messages. Please slow down.", "RATE_LIMIT_EXCEEDED")
			continue
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			c.SendError("Invalid message: "+err.Error(), "INVALID_MESSAGE")
			continue
		}

		c.hub.HandleMessage <- &MessageEvent{
			Connection: c,
			Message:    msg,
		}
	}
}

// WritePump pumps queued frames to the WebSocket and keeps the connection
// alive with pings.
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.ws.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
