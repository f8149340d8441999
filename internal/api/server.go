// Package api is the HTTP surface: session and assistant management, message
// history, document ingestion, health, and the WebSocket upgrade endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/session"
)

// SessionStore is the session persistence the API needs.
type SessionStore interface {
	Create(ctx context.Context, assistantID uuid.UUID, ownerID, title, visibility string) (*session.Session, error)
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
	List(ctx context.Context, ownerID string, limit int) ([]session.Session, error)
	Rename(ctx context.Context, id uuid.UUID, title string) error
	SetVisibility(ctx context.Context, id uuid.UUID, visibility string) error
	Delete(ctx context.Context, id uuid.UUID) error
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.Message, error)
}

// AssistantStore is the assistant persistence the API needs.
type AssistantStore interface {
	Create(ctx context.Context, a *assistant.Assistant) (*assistant.Assistant, error)
	Get(ctx context.Context, id uuid.UUID) (*assistant.Assistant, error)
	List(ctx context.Context) ([]assistant.Assistant, error)
}

// DocumentStore ingests document chunks into an assistant's corpus.
type DocumentStore interface {
	Add(ctx context.Context, assistantID uuid.UUID, source, content string) (uuid.UUID, error)
}

// Config collects the server's dependencies.
type Config struct {
	Sessions   SessionStore
	Assistants AssistantStore
	Documents  DocumentStore
	Verifier   auth.Verifier

	// WebSocket is mounted at the session socket endpoint. It performs its
	// own authentication since browser WebSocket clients cannot send an
	// Authorization header.
	WebSocket http.Handler

	CORSOrigins []string
	Logger      *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.Sessions == nil:
		return errors.New("api: Sessions is required")
	case c.Assistants == nil:
		return errors.New("api: Assistants is required")
	case c.Verifier == nil:
		return errors.New("api: Verifier is required")
	}
	return nil
}

// Server is the configured HTTP handler.
type Server struct {
	cfg     Config
	logger  *slog.Logger
	handler http.Handler
}

// NewServer creates a Server with all routes and middleware wired.
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{cfg: cfg, logger: logger}

	authed := authMiddleware(cfg.Verifier, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.health)

	mux.Handle("POST /api/sessions", authed(http.HandlerFunc(s.createSession)))
	mux.Handle("GET /api/sessions", authed(http.HandlerFunc(s.listSessions)))
	mux.Handle("GET /api/sessions/{id}", authed(http.HandlerFunc(s.getSession)))
	mux.Handle("PATCH /api/sessions/{id}", authed(http.HandlerFunc(s.updateSession)))
	mux.Handle("DELETE /api/sessions/{id}", authed(http.HandlerFunc(s.deleteSession)))
	mux.Handle("GET /api/sessions/{id}/messages", authed(http.HandlerFunc(s.history)))

	mux.Handle("POST /api/assistants", authed(http.HandlerFunc(s.createAssistant)))
	mux.Handle("GET /api/assistants", authed(http.HandlerFunc(s.listAssistants)))
	if cfg.Documents != nil {
		mux.Handle("POST /api/assistants/{id}/documents", authed(http.HandlerFunc(s.addDocument)))
	}

	if cfg.WebSocket != nil {
		mux.Handle("GET /api/sessions/{id}/ws", cfg.WebSocket)
	}

	var handler http.Handler = mux
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)
	s.handler = handler

	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, s.logger, http.StatusOK, map[string]string{"status": "ok"})
}
