package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/openlab-research/experiment-engine/internal/v1/metrics"
	"github.com/openlab-research/experiment-engine/internal/v1/types"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Envelope is the wire format for every message exchanged over a
// connection: a named event plus its JSON payload.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MessageHandler is invoked for every inbound Envelope, in arrival order per
// connection. It has no ordering guarantee across different connections.
type MessageHandler func(connID types.ConnectionId, event string, payload json.RawMessage)

// DisconnectHandler is invoked exactly once per connection when its socket
// goes away, whether cleanly or not. It runs asynchronously from the
// triggering read/write failure.
type DisconnectHandler func(connID types.ConnectionId)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub is the Transport implementation: it owns every live connection and
// the room membership used for broadcast fan-out. It has no knowledge of
// subjects, scenes, or games — callers attach that meaning above it.
type Hub struct {
	mu      sync.Mutex
	clients map[types.ConnectionId]*Client
	rooms   map[string]map[types.ConnectionId]struct{}

	pendingRoomCleanups map[string]*time.Timer
	cleanupGracePeriod  time.Duration

	validator    types.TokenValidator
	onMessage    MessageHandler
	onDisconnect DisconnectHandler
}

// NewHub creates a Hub. onMessage and onDisconnect may be set after
// construction via SetHandlers, since the callers above Transport (engine
// wiring) are typically constructed after the Hub itself.
func NewHub(validator types.TokenValidator) *Hub {
	return &Hub{
		clients:             make(map[types.ConnectionId]*Client),
		rooms:               make(map[string]map[types.ConnectionId]struct{}),
		pendingRoomCleanups: make(map[string]*time.Timer),
		cleanupGracePeriod:  5 * time.Second,
		validator:           validator,
	}
}

// SetHandlers wires the inbound-message and disconnect callbacks. Must be
// called before ServeWs accepts connections.
func (h *Hub) SetHandlers(onMessage MessageHandler, onDisconnect DisconnectHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onMessage = onMessage
	h.onDisconnect = onDisconnect
}

// ServeWs authenticates the connecting participant and upgrades to a
// websocket connection, then starts its read/write pumps.
func (h *Hub) ServeWs(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		if header := c.GetHeader("Authorization"); len(header) > 7 && header[:7] == "Bearer " {
			tokenString = header[7:]
		}
	}
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token not provided"})
		return
	}

	subject, err := h.validator.ValidateToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	connID := types.ConnectionId(fmt.Sprintf("%s-%d", subject.ID, time.Now().UnixNano()))
	h.HandleConnection(connID, conn)
}

// HandleConnection registers a raw connection and starts its pumps. Split
// from ServeWs so tests can drive it with a fake wsConnection.
func (h *Hub) HandleConnection(connID types.ConnectionId, conn wsConnection) {
	client := newClient(connID, conn, h)

	h.mu.Lock()
	h.clients[connID] = client
	h.mu.Unlock()

	metrics.IncConnection()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) dispatch(connID types.ConnectionId, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		slog.Warn("dropping malformed envelope", "connection_id", connID, "error", err)
		return
	}

	h.mu.Lock()
	handler := h.onMessage
	h.mu.Unlock()

	metrics.WebsocketEvents.WithLabelValues(env.Event, "received").Inc()

	if handler != nil {
		handler(connID, env.Event, env.Payload)
	}
}

func (h *Hub) handleDisconnect(c *Client) {
	c.markClosed()

	h.mu.Lock()
	delete(h.clients, c.id)
	for roomID, members := range h.rooms {
		if _, ok := members[c.id]; ok {
			delete(members, c.id)
			if len(members) == 0 {
				h.scheduleRoomCleanupLocked(roomID)
			}
		}
	}
	onDisconnect := h.onDisconnect
	h.mu.Unlock()

	if onDisconnect != nil {
		onDisconnect(c.id)
	}
}

// Send delivers a single event to one connection, best-effort and
// ordered relative to this connection's other sends.
func (h *Hub) Send(connID types.ConnectionId, event string, payload any) error {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}

	h.mu.Lock()
	client, ok := h.clients[connID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport: connection %s not found", connID)
	}

	if !client.enqueue(frame) {
		return fmt.Errorf("transport: send to %s dropped (backed up or closed)", connID)
	}
	return nil
}

// Broadcast fans an event out to every connection currently in room_id.
// Disconnected or backed-up members are skipped silently; broadcast never
// blocks on a slow client.
func (h *Hub) Broadcast(roomID string, event string, payload any) {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		slog.Error("broadcast encode failed", "room_id", roomID, "event", event, "error", err)
		return
	}

	h.mu.Lock()
	members := h.rooms[roomID]
	targets := make([]*Client, 0, len(members))
	for connID := range members {
		if c, ok := h.clients[connID]; ok {
			targets = append(targets, c)
		}
	}
	h.mu.Unlock()

	for _, c := range targets {
		c.enqueue(frame)
	}
}

// JoinRoom adds a connection to a room's membership, cancelling any pending
// cleanup timer for that room (mirrors the reconnect-cancels-cleanup
// behavior of room lifecycle management).
func (h *Hub) JoinRoom(connID types.ConnectionId, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingRoomCleanups[roomID]; ok {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	members, ok := h.rooms[roomID]
	if !ok {
		members = make(map[types.ConnectionId]struct{})
		h.rooms[roomID] = members
	}
	members[connID] = struct{}{}

	if c, ok := h.clients[connID]; ok {
		c.mu.Lock()
		c.rooms[roomID] = struct{}{}
		c.mu.Unlock()
	}
}

// LeaveRoom removes a connection from a room's membership. If the room is
// left empty, its cleanup is scheduled after the grace period rather than
// removed immediately, so a near-simultaneous rejoin doesn't thrash state.
func (h *Hub) LeaveRoom(connID types.ConnectionId, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if members, ok := h.rooms[roomID]; ok {
		delete(members, connID)
		if len(members) == 0 {
			h.scheduleRoomCleanupLocked(roomID)
		}
	}

	if c, ok := h.clients[connID]; ok {
		c.mu.Lock()
		delete(c.rooms, roomID)
		c.mu.Unlock()
	}
}

// CloseRoom tears a room down immediately: every member is removed from its
// membership set (their connections are left open) and any pending cleanup
// timer is cancelled.
func (h *Hub) CloseRoom(roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if timer, ok := h.pendingRoomCleanups[roomID]; ok {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	for connID := range h.rooms[roomID] {
		if c, ok := h.clients[connID]; ok {
			c.mu.Lock()
			delete(c.rooms, roomID)
			c.mu.Unlock()
		}
	}
	delete(h.rooms, roomID)
}

// scheduleRoomCleanupLocked must be called with h.mu held.
func (h *Hub) scheduleRoomCleanupLocked(roomID string) {
	if existing, ok := h.pendingRoomCleanups[roomID]; ok {
		existing.Stop()
	}

	timer := time.AfterFunc(h.cleanupGracePeriod, func() {
		h.mu.Lock()
		defer h.mu.Unlock()

		if members, ok := h.rooms[roomID]; ok && len(members) == 0 {
			delete(h.rooms, roomID)
		}
		delete(h.pendingRoomCleanups, roomID)
	})
	h.pendingRoomCleanups[roomID] = timer
}

// Shutdown closes every active connection. Pending room cleanup timers are
// cancelled since no further broadcasts will happen.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	for roomID, timer := range h.pendingRoomCleanups {
		timer.Stop()
		delete(h.pendingRoomCleanups, roomID)
	}

	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.markClosed()
		c.conn.Close()
	}

	slog.Info("transport hub shut down", "connections_closed", len(clients))
	return nil
}

func encodeEnvelope(event string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode payload for %s: %w", event, err)
	}
	return json.Marshal(Envelope{Event: event, Payload: raw})
}
