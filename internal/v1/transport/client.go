package transport

import (
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/types"
	"github.com/gorilla/websocket"
)

// wsConnection is the subset of *websocket.Conn the Client needs. Mocked in
// tests so readPump/writePump can be exercised without a real socket.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 64
)

// Client is one duplex connection to a participant's browser. It has no
// knowledge of subjects, scenes, or games; callers above Transport attach
// that meaning to a ConnectionId via register_subject.
type Client struct {
	id   types.ConnectionId
	conn wsConnection
	hub  *Hub

	send chan []byte

	mu     sync.Mutex
	rooms  map[string]struct{}
	closed bool
}

func newClient(id types.ConnectionId, conn wsConnection, hub *Hub) *Client {
	return &Client{
		id:    id,
		conn:  conn,
		hub:   hub,
		send:  make(chan []byte, sendBuffer),
		rooms: make(map[string]struct{}),
	}
}

// enqueue best-effort queues a frame for delivery; it drops rather than
// blocks the caller when the client is backed up (spec.md: transport send
// failures are tolerated by callers, never fatal to the sender).
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return false
	}

	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) markClosed() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// readPump delivers inbound frames to the Hub's dispatcher in arrival order
// for this connection, then fires the disconnect signal exactly once.
func (c *Client) readPump() {
	defer func() {
		c.hub.handleDisconnect(c)
		c.conn.Close()
		metrics.DecConnection()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.hub.dispatch(c.id, data)
	}
}

// writePump is the single writer for this connection's socket, serializing
// application sends and keepalive pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
