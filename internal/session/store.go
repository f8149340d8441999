package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists sessions and messages in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new session. An empty visibility defaults to private.
func (s *Store) Create(ctx context.Context, assistantID uuid.UUID, ownerID, title, visibility string) (*Session, error) {
	if visibility == "" {
		visibility = VisibilityPrivate
	}

	var sess Session
	err := s.pool.QueryRow(ctx, `
		INSERT INTO sessions (assistant_id, owner_id, title, visibility)
		VALUES ($1, $2, $3, $4)
		RETURNING id, assistant_id, owner_id, title, visibility, created_at, updated_at`,
		assistantID, ownerID, title, visibility,
	).Scan(&sess.ID, &sess.AssistantID, &sess.OwnerID, &sess.Title, &sess.Visibility, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return &sess, nil
}

// Get returns the session by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	var sess Session
	err := s.pool.QueryRow(ctx, `
		SELECT id, assistant_id, owner_id, title, visibility, created_at, updated_at
		FROM sessions WHERE id = $1`,
		id,
	).Scan(&sess.ID, &sess.AssistantID, &sess.OwnerID, &sess.Title, &sess.Visibility, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &sess, nil
}

// List returns the owner's sessions, most recently updated first.
func (s *Store) List(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, assistant_id, owner_id, title, visibility, created_at, updated_at
		FROM sessions WHERE owner_id = $1
		ORDER BY updated_at DESC
		LIMIT $2`,
		ownerID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.AssistantID, &sess.OwnerID, &sess.Title, &sess.Visibility, &sess.CreatedAt, &sess.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// Rename updates the session title.
func (s *Store) Rename(ctx context.Context, id uuid.UUID, title string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET title = $2, updated_at = now() WHERE id = $1`,
		id, title,
	)
	if err != nil {
		return fmt.Errorf("renaming session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetVisibility switches a session between private and shared.
func (s *Store) SetVisibility(ctx context.Context, id uuid.UUID, visibility string) error {
	if visibility != VisibilityPrivate && visibility != VisibilityShared {
		return fmt.Errorf("invalid visibility %q", visibility)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET visibility = $2, updated_at = now() WHERE id = $1`,
		id, visibility,
	)
	if err != nil {
		return fmt.Errorf("setting visibility: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the session and, via cascade, its messages.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage persists a message at the next sequence number for its
// session. The session row is locked for the duration of the transaction so
// concurrent appends cannot race on the sequence, which keeps message order
// identical for every reader.
func (s *Store) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning append: %w", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT true FROM sessions WHERE id = $1 FOR UPDATE`, msg.SessionID).Scan(&exists)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking session: %w", err)
	}

	status := msg.Status
	if status == "" {
		status = StatusSent
	}

	out := Message{
		SessionID: msg.SessionID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		Status:    status,
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages (session_id, role, content, metadata, status, sequence_number)
		VALUES ($1, $2, $3, $4, $5,
			(SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE session_id = $1))
		RETURNING id, sequence_number, created_at`,
		msg.SessionID, msg.Role, msg.Content, msg.Metadata, status,
	).Scan(&out.ID, &out.SequenceNumber, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if _, err := tx.Exec(ctx, `UPDATE sessions SET updated_at = now() WHERE id = $1`, msg.SessionID); err != nil {
		return nil, fmt.Errorf("touching session: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing append: %w", err)
	}
	return &out, nil
}

// History returns up to limit most recent messages in chronological order.
// A limit <= 0 returns the full transcript.
func (s *Store) History(ctx context.Context, sessionID uuid.UUID, limit int) ([]Message, error) {
	query := `
		SELECT id, session_id, role, content, metadata, status, sequence_number, created_at
		FROM messages WHERE session_id = $1
		ORDER BY sequence_number DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.Metadata, &m.Status, &m.SequenceNumber, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
