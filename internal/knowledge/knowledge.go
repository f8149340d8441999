// Package knowledge stores document chunks with vector embeddings and serves
// similarity search for retrieval-augmented generation.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// Retrieval defaults. Chunks below the similarity threshold are noise for the
// prompt and are never returned.
const (
	DefaultTopK      = 5
	DefaultThreshold = 0.7

	// searchTimeout bounds a single vector search so a slow query cannot
	// stall message handling.
	searchTimeout = 10 * time.Second
)

// Chunk is a unit of retrievable document text.
type Chunk struct {
	ID         uuid.UUID
	Source     string
	Content    string
	Similarity float64
	CreatedAt  time.Time
}

// Store manages document chunks in PostgreSQL with pgvector similarity
// search. Safe for concurrent use.
type Store struct {
	pool     *pgxpool.Pool
	embedder ai.Embedder
	logger   *slog.Logger
}

// NewStore creates a Store. logger may be nil.
func NewStore(pool *pgxpool.Pool, embedder ai.Embedder, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, embedder: embedder, logger: logger}
}

// Add embeds and persists one chunk of document text under an assistant's
// corpus.
func (s *Store) Add(ctx context.Context, assistantID uuid.UUID, source, content string) (uuid.UUID, error) {
	embedding, err := s.embed(ctx, content)
	if err != nil {
		return uuid.Nil, err
	}

	var id uuid.UUID
	err = s.pool.QueryRow(ctx, `
		INSERT INTO document_chunks (assistant_id, source, content, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		assistantID, source, content, embedding,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("inserting chunk: %w", err)
	}

	s.logger.Debug("added chunk", "id", id, "source", source, "content_length", len(content))
	return id, nil
}

// Search returns up to topK chunks from the assistant's corpus whose cosine
// similarity to the query meets the threshold, best first. Zero or negative
// arguments fall back to the package defaults.
func (s *Store) Search(ctx context.Context, assistantID uuid.UUID, query string, topK int, threshold float64) ([]Chunk, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	queryCtx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	embedding, err := s.embed(queryCtx, query)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("query embedding timeout: %w", err)
		}
		return nil, err
	}

	rows, err := s.pool.Query(queryCtx, `
		SELECT id, source, content, 1 - (embedding <=> $2) AS similarity, created_at
		FROM document_chunks
		WHERE assistant_id = $1 AND 1 - (embedding <=> $2) >= $3
		ORDER BY embedding <=> $2
		LIMIT $4`,
		assistantID, embedding, threshold, topK,
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("vector search timeout: %w", err)
		}
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.Source, &c.Content, &c.Similarity, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Delete removes a chunk from the corpus.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM document_chunks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("deleting chunk: %w", err)
	}
	return nil
}

// embed generates the vector for one piece of text.
func (s *Store) embed(ctx context.Context, text string) (pgvector.Vector, error) {
	resp, err := s.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return pgvector.Vector{}, fmt.Errorf("generating embedding: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return pgvector.Vector{}, errors.New("embedder returned no embedding")
	}
	return pgvector.NewVector(resp.Embeddings[0].Embedding), nil
}
