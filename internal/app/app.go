// Package app assembles the application: configuration, database, Genkit,
// stores, the connection hub, and the HTTP surface. Setup builds everything
// in dependency order and Close releases it in reverse.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parlorhq/parlor/internal/api"
	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/chat"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/hub"
	"github.com/parlorhq/parlor/internal/knowledge"
	"github.com/parlorhq/parlor/internal/presence"
	"github.com/parlorhq/parlor/internal/session"
)

// App is the assembled application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit   *genkit.Genkit
	Embedder ai.Embedder
	DBPool   *pgxpool.Pool

	Sessions   *session.Store
	Assistants *assistant.Store
	Knowledge  *knowledge.Store

	Hub      *hub.Hub
	Presence *presence.Coordinator
	Chat     *chat.Orchestrator
	Server   *api.Server

	otelCleanup func()
	dbCleanup   func()
}

// Close shuts components down in reverse initialization order. It drains
// in-flight generation work before releasing the database pool, so a response
// being produced at shutdown still reaches the transcript.
func (a *App) Close() error {
	a.Logger.Info("shutting down")

	if a.Chat != nil {
		a.Chat.Close()
	}
	if a.Presence != nil {
		a.Presence.Stop()
	}
	if a.dbCleanup != nil {
		a.dbCleanup()
		a.Logger.Debug("database pool closed")
	}
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	return nil
}
