// Package reconnect drives the client-side connection lifecycle through a
// small state machine with bounded exponential backoff.
//
// A lost connection moves the manager to Disconnected and recovery walks
// Recovering -> Connecting until a dial succeeds (Connected) or the attempt
// budget runs out (Failed). A cheap health probe, when configured, gates each
// dial: probing costs nothing from the budget, so a long provider outage does
// not burn attempts that a real dial could have used.
package reconnect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// State of the connection lifecycle.
type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateRecovering   State = "recovering"
	StateFailed       State = "failed"
)

// ErrBudgetExhausted is wrapped into the Failed result when every attempt
// has been spent.
var ErrBudgetExhausted = errors.New("reconnection attempts exhausted")

// Backoff defaults.
const (
	DefaultBaseDelay   = 500 * time.Millisecond
	DefaultMaxDelay    = 30 * time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxAttempts = 5
)

// Dialer establishes the connection. It must respect ctx cancellation.
type Dialer func(ctx context.Context) error

// Probe is a cheap reachability check run before each dial attempt.
type Probe func(ctx context.Context) error

// Config collects the manager's dependencies and backoff tuning.
type Config struct {
	Dial  Dialer
	Probe Probe // optional

	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	MaxAttempts int

	// OnStateChange, when set, observes every transition. Called without
	// the manager's lock held.
	OnStateChange func(State)

	Logger *slog.Logger
}

// Manager owns the connection state. Safe for concurrent use; concurrent
// recoveries coalesce into one.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	inflight chan struct{} // non-nil while a recovery is running
	result   error         // outcome of the finished recovery
}

// New creates a Manager in the Idle state.
func New(cfg Config) (*Manager, error) {
	if cfg.Dial == nil {
		return nil, errors.New("reconnect: Dial is required")
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{cfg: cfg, logger: logger, state: StateIdle}, nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns how many dial attempts the current or last recovery has
// consumed.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// LastError returns the most recent dial or probe failure.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect performs the initial dial: Idle -> Connecting -> Connected. A
// failure returns to Idle; recovery semantics apply only after a connection
// existed.
func (m *Manager) Connect(ctx context.Context) error {
	m.transition(StateConnecting)
	if err := m.cfg.Dial(ctx); err != nil {
		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.transition(StateIdle)
		return fmt.Errorf("connect: %w", err)
	}
	m.transition(StateConnected)
	return nil
}

// NotifyDisconnect records a lost connection: Connected -> Disconnected.
// The caller decides when to Recover.
func (m *Manager) NotifyDisconnect(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
	m.transition(StateDisconnected)
}

// Recover runs the backoff loop until a dial succeeds or the budget is
// spent. Concurrent callers join the recovery already in flight and share
// its outcome. Cancelling ctx aborts the wait and returns the manager to
// Idle with no other side effects; a caller who joined an in-flight
// recovery and cancels gets ctx.Err() while the recovery itself continues.
func (m *Manager) Recover(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.inflight != nil {
		done := m.inflight
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.result
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	done := make(chan struct{})
	m.inflight = done
	m.attempts = 0
	m.mu.Unlock()

	err := m.recover(ctx)

	m.mu.Lock()
	m.result = err
	m.inflight = nil
	m.mu.Unlock()
	close(done)
	return err
}

func (m *Manager) recover(ctx context.Context) error {
	m.transition(StateRecovering)

	probeFailures := 0
	for {
		m.mu.Lock()
		attempts := m.attempts
		m.mu.Unlock()

		if attempts >= m.cfg.MaxAttempts {
			m.transition(StateFailed)
			m.mu.Lock()
			lastErr := m.lastErr
			m.mu.Unlock()
			return fmt.Errorf("%w after %d attempts, last error: %v", ErrBudgetExhausted, attempts, lastErr)
		}

		// Delay grows with whichever has failed more, dials or probes, so
		// a dead upstream is not hammered either way.
		if err := m.wait(ctx, m.delay(max(attempts, probeFailures))); err != nil {
			m.transition(StateIdle)
			return err
		}

		if m.cfg.Probe != nil {
			if err := m.cfg.Probe(ctx); err != nil {
				probeFailures++
				m.mu.Lock()
				m.lastErr = err
				m.mu.Unlock()
				m.logger.Debug("health probe failed", "probe_failures", probeFailures, "error", err)
				continue
			}
			probeFailures = 0
		}

		m.mu.Lock()
		m.attempts++
		attempt := m.attempts
		m.mu.Unlock()

		m.transition(StateConnecting)
		err := m.cfg.Dial(ctx)
		if err == nil {
			m.transition(StateConnected)
			m.logger.Info("reconnected", "attempts", attempt)
			return nil
		}

		m.mu.Lock()
		m.lastErr = err
		m.mu.Unlock()
		m.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			m.transition(StateIdle)
			return ctx.Err()
		}
		m.transition(StateRecovering)
	}
}

// delay returns the backoff for the given zero-based attempt index.
func (m *Manager) delay(attempt int) time.Duration {
	d := time.Duration(float64(m.cfg.BaseDelay) * math.Pow(m.cfg.Multiplier, float64(attempt)))
	if d > m.cfg.MaxDelay || d <= 0 {
		return m.cfg.MaxDelay
	}
	return d
}

func (m *Manager) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) transition(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	m.mu.Unlock()

	m.logger.Debug("state change", "from", prev, "to", next)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(next)
	}
}
