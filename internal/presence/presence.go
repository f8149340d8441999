// Package presence tracks who is typing in each session. A typing mark is
// renewed by repeated signals and clears itself after an idle window, so a
// client that disappears mid-keystroke never leaves a stuck indicator.
package presence

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parlorhq/parlor/internal/hub"
)

// DefaultIdleWindow is how long a typing mark survives without renewal.
const DefaultIdleWindow = time.Second

// Broadcaster delivers an event to every participant of a session.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, event hub.Event)
}

// TypingPayload is the payload of a typing event: the user whose state
// changed, the direction of the change, and the full set of users currently
// typing so late joiners can render the indicator from any single event.
type TypingPayload struct {
	SessionID string   `json:"session_id"`
	User      string   `json:"user"`
	IsTyping  bool     `json:"is_typing"`
	Users     []string `json:"users"`
}

// Coordinator owns the typing state. Safe for concurrent use.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]map[string]*time.Timer

	window      time.Duration
	broadcaster Broadcaster
	logger      *slog.Logger
}

// New creates a Coordinator. window <= 0 uses DefaultIdleWindow; logger may
// be nil.
func New(broadcaster Broadcaster, window time.Duration, logger *slog.Logger) *Coordinator {
	if window <= 0 {
		window = DefaultIdleWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		sessions:    make(map[uuid.UUID]map[string]*time.Timer),
		window:      window,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// SetTyping marks the user as typing and arms the auto-clear timer. Repeated
// calls renew the timer; only a state change triggers a broadcast, so a
// client signaling on every keystroke does not flood the session.
func (c *Coordinator) SetTyping(sessionID uuid.UUID, userID string) {
	c.mu.Lock()
	users := c.sessions[sessionID]
	if users == nil {
		users = make(map[string]*time.Timer)
		c.sessions[sessionID] = users
	}

	timer, already := users[userID]
	if already {
		timer.Reset(c.window)
		c.mu.Unlock()
		return
	}

	users[userID] = time.AfterFunc(c.window, func() {
		c.ClearTyping(sessionID, userID)
	})
	c.mu.Unlock()

	c.broadcastTyping(sessionID, userID, true)
}

// ClearTyping removes the user's typing mark, immediately on message send or
// disconnect, and from the timer on idle. No-op and no broadcast when the
// user was not typing.
func (c *Coordinator) ClearTyping(sessionID uuid.UUID, userID string) {
	c.mu.Lock()
	users := c.sessions[sessionID]
	timer, was := users[userID]
	if was {
		timer.Stop()
		delete(users, userID)
		if len(users) == 0 {
			delete(c.sessions, sessionID)
		}
	}
	c.mu.Unlock()

	if was {
		c.broadcastTyping(sessionID, userID, false)
	}
}

// Typing returns the users currently typing in the session, sorted.
func (c *Coordinator) Typing(sessionID uuid.UUID) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.sessions[sessionID]))
	for u := range c.sessions[sessionID] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// Stop cancels every pending auto-clear timer. Used on shutdown; no
// broadcasts are emitted.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for sessionID, users := range c.sessions {
		for _, timer := range users {
			timer.Stop()
		}
		delete(c.sessions, sessionID)
	}
}

func (c *Coordinator) broadcastTyping(sessionID uuid.UUID, userID string, isTyping bool) {
	c.broadcaster.Broadcast(sessionID, hub.Event{
		Type: "typing",
		Payload: TypingPayload{
			SessionID: sessionID.String(),
			User:      userID,
			IsTyping:  isTyping,
			Users:     c.Typing(sessionID),
		},
	})
}
