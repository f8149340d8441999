package cmd

import (
	"fmt"
	"time"

	"github.com/parlorhq/parlor/internal/auth"
	"github.com/parlorhq/parlor/internal/config"
)

const defaultTokenTTL = 24 * time.Hour

// runToken mints a signed connection token for a user. Development
// convenience; production deployments issue tokens from their identity
// service using the shared secret.
func runToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: parlor token <user-id> [ttl]")
	}
	userID := args[0]

	ttl := defaultTokenTTL
	if len(args) > 1 {
		parsed, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("parsing ttl %q: %w", args[1], err)
		}
		ttl = parsed
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	token, err := auth.NewHMAC([]byte(cfg.HMACSecret)).Issue(userID, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}

	fmt.Println(token)
	return nil
}
