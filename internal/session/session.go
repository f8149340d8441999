// Package session manages conversation sessions and their message
// transcripts.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the requested session or message does not exist.
var ErrNotFound = errors.New("session not found")

// TitleMaxLength is the maximum session title length in runes.
const TitleMaxLength = 100

// Visibility values for a session.
const (
	// VisibilityPrivate restricts a session to its owner.
	VisibilityPrivate = "private"

	// VisibilityShared opens a session to other authenticated collaborators.
	VisibilityShared = "shared"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Delivery status of a persisted message. A "pending" message exists only on
// the sending client before acknowledgment; the server's copy is created
// after acknowledgment and is the source of truth, so it is never pending.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Session is a persistent conversation thread scoped to one assistant and
// owning user.
type Session struct {
	ID          uuid.UUID
	AssistantID uuid.UUID
	OwnerID     string
	Title       string
	Visibility  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Metadata carries generation provenance on assistant messages. Stored as
// JSONB alongside the message.
type Metadata struct {
	ChunkSources []string `json:"chunk_sources,omitempty"`
	LatencyMs    int64    `json:"latency_ms,omitempty"`
	Provider     string   `json:"provider,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// Message is one transcript entry. Immutable once persisted; ordering within
// a session is defined by SequenceNumber.
type Message struct {
	ID             uuid.UUID
	SessionID      uuid.UUID
	Role           string
	Content        string
	Metadata       Metadata
	Status         string
	SequenceNumber int
	CreatedAt      time.Time
}
