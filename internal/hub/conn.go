package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// sendBuffer bounds the per-connection queue; a slower consumer drops
	// messages rather than stalling a dispatcher.
	sendBuffer = 64

	maxInboundBytes = 512
)

// Conn is one open websocket. UserID is empty for anonymous connections,
// which receive broadcasts only.
type Conn struct {
	ID     string
	UserID string

	hub    *Hub
	ws     *websocket.Conn
	logger *slog.Logger

	send chan []byte
	done chan struct{}
	once sync.Once
}

// Attach registers an upgraded websocket under the given identity and
// starts its read/write pumps. The hub owns the connection from here on.
func (h *Hub) Attach(ws *websocket.Conn, userID string) *Conn {
	c := newConn(h, ws, userID)
	h.register(c)
	go c.writePump()
	go c.readPump()
	h.logger.Debug("connection opened", "conn_id", c.ID, "user_id", userID)
	return c
}

func newConn(h *Hub, ws *websocket.Conn, userID string) *Conn {
	return &Conn{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    h,
		ws:     ws,
		logger: h.logger,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
}

// enqueue hands a message to the connection's writer without blocking.
// A closed connection swallows the message; a full buffer means the client
// is too slow and the message is dropped for this connection only.
func (c *Conn) enqueue(data []byte) {
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("slow consumer, message dropped", "conn_id", c.ID, "user_id", c.UserID)
	}
}

func (c *Conn) close() {
	c.once.Do(func() {
		c.hub.unregister(c)
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
		c.logger.Debug("connection closed", "conn_id", c.ID, "user_id", c.UserID)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
			return
		}
	}
}

// readPump discards inbound frames; clients only listen on this socket.
// Its job is pong handling and noticing the peer went away.
func (c *Conn) readPump() {
	defer c.close()

	c.ws.SetReadLimit(maxInboundBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}
