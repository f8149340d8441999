// Package hub manages the registry of live WebSocket connections, keyed by
// session. It fans events out to every participant of a session and emits
// presence_changed events as connections come and go.
package hub

import (
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultSendTimeout bounds how long a broadcast waits on one slow client
// before the connection is dropped.
const DefaultSendTimeout = 5 * time.Second

const sendBufferSize = 256

// Event is one outbound wire message: a type tag plus a JSON payload.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// PresencePayload is the payload of a presence_changed event.
type PresencePayload struct {
	SessionID    string   `json:"session_id"`
	Participants []string `json:"participants"`
	Count        int      `json:"count"`
}

// Conn is one registered client connection. The transport layer drains
// Outbound and stops when Done is closed.
type Conn struct {
	ID        string
	SessionID uuid.UUID
	UserID    string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Outbound returns the channel of serialized events queued for this
// connection.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// Done is closed when the connection has been unregistered. No further
// events arrive on Outbound after that.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Hub is the connection registry. Safe for concurrent use.
type Hub struct {
	mu          sync.RWMutex
	sessions    map[uuid.UUID]map[*Conn]struct{}
	sendTimeout time.Duration
	logger      *slog.Logger
}

// New creates a Hub. sendTimeout <= 0 uses DefaultSendTimeout; logger may be
// nil.
func New(sendTimeout time.Duration, logger *slog.Logger) *Hub {
	if sendTimeout <= 0 {
		sendTimeout = DefaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:    make(map[uuid.UUID]map[*Conn]struct{}),
		sendTimeout: sendTimeout,
		logger:      logger,
	}
}

// Register adds a new connection for a user in a session and notifies every
// participant, the new one included, of the changed presence.
func (h *Hub) Register(sessionID uuid.UUID, userID string) *Conn {
	conn := &Conn{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		UserID:    userID,
		send:      make(chan []byte, sendBufferSize),
		done:      make(chan struct{}),
	}

	h.mu.Lock()
	if h.sessions[sessionID] == nil {
		h.sessions[sessionID] = make(map[*Conn]struct{})
	}
	h.sessions[sessionID][conn] = struct{}{}
	h.mu.Unlock()

	h.logger.Debug("connection registered", "conn_id", conn.ID, "session_id", sessionID, "user_id", userID)
	h.broadcastPresence(sessionID)
	return conn
}

// Unregister removes a connection, closes it, and notifies the remaining
// participants. Idempotent; an empty session is removed from the registry.
func (h *Hub) Unregister(conn *Conn) {
	h.mu.Lock()
	conns, ok := h.sessions[conn.SessionID]
	if ok {
		if _, present := conns[conn]; !present {
			ok = false
		}
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.sessions, conn.SessionID)
		}
	}
	h.mu.Unlock()

	conn.close()
	if !ok {
		return
	}

	h.logger.Debug("connection unregistered", "conn_id", conn.ID, "session_id", conn.SessionID)
	h.broadcastPresence(conn.SessionID)
}

// Broadcast sends an event to every connection of a session. A client that
// cannot accept the event within the send timeout is dropped so one stalled
// reader never blocks the session.
func (h *Hub) Broadcast(sessionID uuid.UUID, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshaling event", "type", event.Type, "error", err)
		return
	}

	for _, conn := range h.sessionConns(sessionID) {
		h.deliver(conn, data)
	}
}

// Send queues an event for a single connection, with the same slow-client
// handling as Broadcast.
func (h *Hub) Send(conn *Conn, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("marshaling event", "type", event.Type, "error", err)
		return
	}
	h.deliver(conn, data)
}

// Participants returns the distinct user IDs connected to a session, sorted.
func (h *Hub) Participants(sessionID uuid.UUID) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	seen := make(map[string]struct{})
	for conn := range h.sessions[sessionID] {
		seen[conn.UserID] = struct{}{}
	}

	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// HasParticipants reports whether any connection is registered for the
// session.
func (h *Hub) HasParticipants(sessionID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID]) > 0
}

// ConnectionCount returns the total number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, conns := range h.sessions {
		n += len(conns)
	}
	return n
}

func (h *Hub) sessionConns(sessionID uuid.UUID) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Conn, 0, len(h.sessions[sessionID]))
	for conn := range h.sessions[sessionID] {
		conns = append(conns, conn)
	}
	return conns
}

// deliver queues data on the connection, waiting up to the send timeout when
// the buffer is full. On timeout the connection is force-unregistered in a
// separate goroutine to avoid deadlocking the caller's broadcast.
func (h *Hub) deliver(conn *Conn, data []byte) {
	select {
	case conn.send <- data:
		return
	case <-conn.done:
		return
	default:
	}

	timer := time.NewTimer(h.sendTimeout)
	defer timer.Stop()

	select {
	case conn.send <- data:
	case <-conn.done:
	case <-timer.C:
		h.logger.Warn("send timeout, dropping slow connection", "conn_id", conn.ID, "session_id", conn.SessionID)
		go h.Unregister(conn)
	}
}

func (h *Hub) broadcastPresence(sessionID uuid.UUID) {
	participants := h.Participants(sessionID)
	h.Broadcast(sessionID, Event{
		Type: "presence_changed",
		Payload: PresencePayload{
			SessionID:    sessionID.String(),
			Participants: participants,
			Count:        len(participants),
		},
	})
}
