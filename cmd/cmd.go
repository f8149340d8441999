// Package cmd provides the parlor CLI commands.
//
// Commands:
//   - serve: HTTP API and WebSocket server
//   - migrate: apply pending database migrations and exit
//   - token: mint a signed connection token for development
//
// Signal handling and graceful shutdown are implemented via context
// cancellation.
package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/parlorhq/parlor/internal/log"
)

// Version information (injected at build time via ldflags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Execute is the main entry point for the parlor application.
func Execute() error {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	logger := log.NewWithWriter(os.Stderr, log.Config{Level: level, JSON: os.Getenv("PARLOR_LOG_JSON") != ""})
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		runHelp()
		return nil
	}

	switch os.Args[1] {
	case "serve":
		return runServe(logger)
	case "migrate":
		return runMigrate(logger)
	case "token":
		return runToken(os.Args[2:])
	case "version", "--version", "-v":
		runVersion()
		return nil
	case "help", "--help", "-h":
		runHelp()
		return nil
	default:
		return fmt.Errorf("unknown command: %s", os.Args[1])
	}
}

// runVersion displays version information.
func runVersion() {
	fmt.Printf("parlor v%s\n", Version)
	fmt.Printf("Build: %s\n", BuildTime)
	fmt.Printf("Commit: %s\n", GitCommit)
}

// runHelp displays the help message.
func runHelp() {
	fmt.Println("Parlor - collaborative assistant chat server")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  parlor serve               Start the HTTP and WebSocket server")
	fmt.Println("  parlor migrate             Apply pending database migrations")
	fmt.Println("  parlor token <user> [ttl]  Mint a signed connection token (dev only)")
	fmt.Println("  parlor --version           Show version information")
	fmt.Println("  parlor --help              Show this help")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  GEMINI_API_KEY       API key when provider is gemini")
	fmt.Println("  OPENAI_API_KEY       API key when provider is openai")
	fmt.Println("  HMAC_SECRET          Required: connection token signing secret")
	fmt.Println("  DATABASE_URL         Optional: overrides postgres_* settings")
	fmt.Println("  PARLOR_LISTEN_ADDR   Optional: listen address (default :8080)")
	fmt.Println("  DEBUG                Optional: enable debug logging")
}
