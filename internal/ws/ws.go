// Package ws is the WebSocket transport: it authenticates the client,
// upgrades the connection, and pumps events between the socket and the hub.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/chaterr"
	"github.com/parlorhq/parlor/internal/hub"
	"github.com/parlorhq/parlor/internal/session"
)

// Connection timing. pingPeriod must be shorter than pongWait so the peer
// always has a ping to answer before the read deadline fires.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 64 * 1024
)

// Inbound message types.
const (
	typeMessage = "message"
	typeTyping  = "typing"
	typePing    = "ping"
)

type inbound struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type messagePayload struct {
	Text string `json:"text"`
}

type typingPayload struct {
	IsTyping bool `json:"is_typing"`
}

// EstablishedPayload is sent once after a successful upgrade.
type EstablishedPayload struct {
	SessionID    string   `json:"session_id"`
	UserID       string   `json:"user_id"`
	Participants []string `json:"participants"`
}

// SessionGetter loads a session for the access check.
type SessionGetter interface {
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
}

// Orchestrator accepts validated user messages.
type Orchestrator interface {
	HandleUserMessage(ctx context.Context, sessionID uuid.UUID, userID, text string) error
}

// Presence receives typing signals from this transport.
type Presence interface {
	SetTyping(sessionID uuid.UUID, userID string)
	ClearTyping(sessionID uuid.UUID, userID string)
}

// Config collects the handler's dependencies.
type Config struct {
	Hub      *hub.Hub
	Presence Presence
	Chat     Orchestrator
	Verifier auth.Verifier
	Sessions SessionGetter

	// AllowedOrigins whitelists browser origins; empty allows all.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Handler upgrades HTTP requests at the session WebSocket endpoint.
type Handler struct {
	cfg      Config
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{cfg: cfg, logger: logger}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// ServeHTTP authenticates, authorizes against the session, and upgrades.
// Failures before the upgrade are plain HTTP status codes; afterwards the
// protocol speaks in events and close frames.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}

	userID, err := h.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	sess, err := h.cfg.Sessions.Get(r.Context(), sessionID)
	if errors.Is(err, session.ErrNotFound) {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if sess.Visibility != session.VisibilityShared && sess.OwnerID != userID {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}

	conn := h.cfg.Hub.Register(sessionID, userID)
	h.cfg.Hub.Send(conn, hub.Event{
		Type: "connection_established",
		Payload: EstablishedPayload{
			SessionID:    sessionID.String(),
			UserID:       userID,
			Participants: h.cfg.Hub.Participants(sessionID),
		},
	})

	go h.writePump(ws, conn)
	go h.readPump(ws, conn)
}

// authenticate resolves the user from the bearer token, accepted from the
// Authorization header or, for browser WebSocket clients that cannot set
// headers, the token query parameter.
func (h *Handler) authenticate(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if authz := r.Header.Get("Authorization"); authz != "" {
		if rest, ok := cutBearer(authz); ok {
			token = rest
		}
	}
	if token == "" {
		return "", auth.ErrMalformedToken
	}
	return h.cfg.Verifier.Verify(token)
}

func cutBearer(authz string) (string, bool) {
	const prefix = "Bearer "
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):], true
	}
	return "", false
}

// readPump consumes inbound frames until the peer goes away, then tears the
// connection down: typing cleared, hub unregistered, socket closed.
func (h *Handler) readPump(ws *websocket.Conn, conn *hub.Conn) {
	defer func() {
		h.cfg.Presence.ClearTyping(conn.SessionID, conn.UserID)
		h.cfg.Hub.Unregister(conn)
		_ = ws.Close()
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Warn("websocket read failed", "conn_id", conn.ID, "error", err)
			}
			return
		}
		h.dispatch(conn, data)
	}
}

// dispatch handles one inbound frame. A malformed frame earns an error event,
// never a dropped connection: the client may have more valid frames queued.
func (h *Handler) dispatch(conn *hub.Conn, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		h.sendError(conn, chaterr.Validation("malformed message frame"))
		return
	}

	switch msg.Type {
	case typeMessage:
		var payload messagePayload
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			h.sendError(conn, chaterr.Validation("malformed message payload"))
			return
		}
		if err := h.cfg.Chat.HandleUserMessage(context.Background(), conn.SessionID, conn.UserID, payload.Text); err != nil {
			h.sendError(conn, err)
		}

	case typeTyping:
		// An omitted payload counts as a keystroke signal.
		payload := typingPayload{IsTyping: true}
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &payload); err != nil {
				h.sendError(conn, chaterr.Validation("malformed typing payload"))
				return
			}
		}
		if payload.IsTyping {
			h.cfg.Presence.SetTyping(conn.SessionID, conn.UserID)
		} else {
			h.cfg.Presence.ClearTyping(conn.SessionID, conn.UserID)
		}

	case typePing:
		h.cfg.Hub.Send(conn, hub.Event{Type: "pong"})

	default:
		h.sendError(conn, chaterr.Validation("unknown message type %q", msg.Type))
	}
}

// sendError delivers a classified error to the offending connection only.
func (h *Handler) sendError(conn *hub.Conn, err error) {
	ce := chaterr.As(err)
	if ce == nil {
		ce = chaterr.New(chaterr.KindUnknown, "internal error")
	}

	payload := chat.ErrorPayload{
		Kind:      string(ce.Kind),
		Message:   ce.Message,
		Retryable: ce.Retryable,
	}
	if ce.RetryAfter > 0 {
		payload.RetryAfterSeconds = int(ce.RetryAfter / time.Second)
	}
	h.cfg.Hub.Send(conn, hub.Event{Type: "error", Payload: payload})
}

// writePump copies hub events to the socket and keeps the connection alive
// with pings. It exits when the hub drops the connection or a write fails.
func (h *Handler) writePump(ws *websocket.Conn, conn *hub.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = ws.Close()
	}()

	for {
		select {
		case data := <-conn.Outbound():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-conn.Done():
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "connection closed"))
			return

		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
