package chaterr

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"
)

// CooldownFunc returns the configured rate-limit cooldown for a provider.
// See config.Config.RateLimitCooldown.
type CooldownFunc func(provider string) time.Duration

// Classifier maps raw failures to the taxonomy. Provider SDKs do not expose
// typed errors for transient failures, so classification falls back to
// case-insensitive substring matching on err.Error().
type Classifier struct {
	provider string
	cooldown CooldownFunc
}

// NewClassifier creates a Classifier for the named provider. cooldown may be
// nil, in which case a conservative 5 second rate-limit hint is used.
func NewClassifier(provider string, cooldown CooldownFunc) *Classifier {
	return &Classifier{provider: provider, cooldown: cooldown}
}

// Failure patterns grouped by category. Order matters: earlier groups win.
var (
	rateLimitPatterns = []string{"429", "rate limit", "quota exceeded", "resource exhausted", "resource_exhausted"}
	authPatterns      = []string{"401", "403", "unauthorized", "unauthenticated", "permission denied", "invalid api key", "api key not valid"}
	networkPatterns   = []string{"connection refused", "connection reset", "no such host", "broken pipe", "network is unreachable", "eof"}
	upstreamPatterns  = []string{"500", "502", "503", "504", "unavailable", "overloaded", "internal server error", "bad gateway", "deadline exceeded", "timeout"}
)

// Classify maps err onto the taxonomy. Already-classified errors pass through
// unchanged; nil maps to nil.
func (c *Classifier) Classify(err error) *Error {
	if err == nil {
		return nil
	}
	if ce := As(err); ce != nil {
		return ce
	}

	// A timed-out provider call surfaces as unavailable, not network: the
	// transport worked, the provider did not answer in time.
	if errors.Is(err, context.DeadlineExceeded) {
		return c.wrap(KindProviderUnavailable, "the assistant took too long to respond", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return c.wrap(KindNetwork, "could not reach the assistant service", err)
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, rateLimitPatterns):
		ce := c.wrap(KindRateLimit, "the assistant is receiving too many requests, please wait and retry", err)
		ce.RetryAfter = c.retryAfter(msg)
		return ce
	case containsAny(msg, authPatterns):
		return c.wrap(KindAuth, "authentication with the assistant provider failed", err)
	case containsAny(msg, networkPatterns):
		return c.wrap(KindNetwork, "could not reach the assistant service", err)
	case containsAny(msg, upstreamPatterns):
		return c.wrap(KindProviderUnavailable, "the assistant service is temporarily unavailable", err)
	default:
		return c.wrap(KindUnknown, "something went wrong while generating a response", err)
	}
}

// retryAfter extracts an explicit cooldown from the provider message when
// present ("retry after 10s", "retry in 30 seconds"), otherwise falls back to
// the configured per-provider cooldown.
func (c *Classifier) retryAfter(lowerMsg string) time.Duration {
	if secs, ok := scanRetrySeconds(lowerMsg); ok {
		return time.Duration(secs) * time.Second
	}
	if c.cooldown != nil {
		return c.cooldown(c.provider)
	}
	return 5 * time.Second
}

func (c *Classifier) wrap(kind Kind, message string, cause error) *Error {
	return &Error{
		Kind:      kind,
		Message:   message,
		Retryable: defaultRetryable(kind),
		cause:     cause,
	}
}

// containsAny reports whether s contains any of the substrings. s must
// already be lowercased.
func containsAny(s string, substrs []string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// scanRetrySeconds finds the first integer following a "retry" token, e.g.
// "please retry after 10s" or "retry in 30 seconds". Returns false when no
// such hint exists.
func scanRetrySeconds(s string) (int, bool) {
	idx := strings.Index(s, "retry")
	if idx < 0 {
		return 0, false
	}
	rest := s[idx:]

	start := -1
	for i, ch := range rest {
		if ch >= '0' && ch <= '9' {
			start = i
			break
		}
	}
	if start < 0 {
		return 0, false
	}

	n := 0
	for _, ch := range rest[start:] {
		if ch < '0' || ch > '9' {
			break
		}
		n = n*10 + int(ch-'0')
		if n > 3600 {
			return 0, false // implausible hint, ignore it
		}
	}
	return n, true
}
