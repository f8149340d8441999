// Package assistant manages assistant profiles: the system prompt and
// generation parameters a session is bound to.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested assistant does not exist.
var ErrNotFound = errors.New("assistant not found")

// Assistant is a reusable generation profile. Sessions reference an assistant
// and inherit its prompt and parameters.
type Assistant struct {
	ID               uuid.UUID
	Name             string
	SystemPrompt     string
	Provider         string
	ModelName        string
	Temperature      float32
	MaxTokens        int
	PresencePenalty  float32
	FrequencyPenalty float32
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists assistants in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new assistant.
func (s *Store) Create(ctx context.Context, a *Assistant) (*Assistant, error) {
	out := *a
	err := s.pool.QueryRow(ctx, `
		INSERT INTO assistants (name, system_prompt, provider, model_name, temperature, max_tokens, presence_penalty, frequency_penalty)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at, updated_at`,
		a.Name, a.SystemPrompt, a.Provider, a.ModelName, a.Temperature, a.MaxTokens, a.PresencePenalty, a.FrequencyPenalty,
	).Scan(&out.ID, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating assistant: %w", err)
	}
	return &out, nil
}

// Get returns the assistant by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Assistant, error) {
	var a Assistant
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, system_prompt, provider, model_name, temperature, max_tokens, presence_penalty, frequency_penalty, created_at, updated_at
		FROM assistants WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Name, &a.SystemPrompt, &a.Provider, &a.ModelName, &a.Temperature, &a.MaxTokens, &a.PresencePenalty, &a.FrequencyPenalty, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting assistant: %w", err)
	}
	return &a, nil
}

// List returns all assistants, newest first.
func (s *Store) List(ctx context.Context) ([]Assistant, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, system_prompt, provider, model_name, temperature, max_tokens, presence_penalty, frequency_penalty, created_at, updated_at
		FROM assistants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing assistants: %w", err)
	}
	defer rows.Close()

	var assistants []Assistant
	for rows.Next() {
		var a Assistant
		if err := rows.Scan(&a.ID, &a.Name, &a.SystemPrompt, &a.Provider, &a.ModelName, &a.Temperature, &a.MaxTokens, &a.PresencePenalty, &a.FrequencyPenalty, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning assistant: %w", err)
		}
		assistants = append(assistants, a)
	}
	return assistants, rows.Err()
}
