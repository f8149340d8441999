package reconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/parlorhq/parlor/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func fastConfig(dial Dialer) Config {
	return Config{
		Dial:        dial,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		Multiplier:  2,
		MaxAttempts: 3,
		Logger:      testutil.DiscardLogger(),
	}
}

func TestConnectTransitions(t *testing.T) {
	var states []State
	var mu sync.Mutex

	cfg := fastConfig(func(context.Context) error { return nil })
	cfg.OnStateChange = func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if m.State() != StateIdle {
		t.Errorf("initial state = %q, want idle", m.State())
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %q, want connected", m.State())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []State{StateConnecting, StateConnected}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestConnectFailureReturnsToIdle(t *testing.T) {
	dialErr := errors.New("connection refused")
	m, err := New(fastConfig(func(context.Context) error { return dialErr }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Connect(context.Background()); !errors.Is(err, dialErr) {
		t.Errorf("Connect error = %v, want wrapped dial error", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle after initial connect failure", m.State())
	}
}

func TestRecoverSucceedsAfterFailures(t *testing.T) {
	var dials atomic.Int32
	m, err := New(fastConfig(func(context.Context) error {
		if dials.Add(1) < 3 {
			return errors.New("still down")
		}
		return nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.NotifyDisconnect(errors.New("connection lost"))
	if m.State() != StateDisconnected {
		t.Fatalf("state = %q, want disconnected", m.State())
	}

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if m.State() != StateConnected {
		t.Errorf("state = %q, want connected", m.State())
	}
	if got := m.Attempts(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRecoverFailsAfterBudgetExhausted(t *testing.T) {
	dialErr := errors.New("connection refused")
	m, err := New(fastConfig(func(context.Context) error { return dialErr }))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	m.NotifyDisconnect(errors.New("connection lost"))

	recErr := m.Recover(context.Background())
	if !errors.Is(recErr, ErrBudgetExhausted) {
		t.Fatalf("Recover error = %v, want ErrBudgetExhausted", recErr)
	}
	if m.State() != StateFailed {
		t.Errorf("state = %q, want failed", m.State())
	}
	if got := m.Attempts(); got != 3 {
		t.Errorf("attempts = %d, want the full budget of 3", got)
	}
	if !errors.Is(m.LastError(), dialErr) {
		t.Errorf("LastError = %v, want the dial error", m.LastError())
	}
}

func TestProbeGatesDialsWithoutConsumingBudget(t *testing.T) {
	var probes, dials atomic.Int32

	cfg := fastConfig(func(context.Context) error {
		dials.Add(1)
		return nil
	})
	cfg.Probe = func(context.Context) error {
		if probes.Add(1) < 5 {
			return errors.New("unreachable")
		}
		return nil
	}

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.NotifyDisconnect(errors.New("connection lost"))

	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := probes.Load(); got != 5 {
		t.Errorf("probes = %d, want 5", got)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (probe failures must not dial)", got)
	}
	if got := m.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1 (probe failures must not consume budget)", got)
	}
}

func TestRecoverIsCancellable(t *testing.T) {
	cfg := fastConfig(func(context.Context) error { return errors.New("still down") })
	cfg.BaseDelay = 50 * time.Millisecond
	cfg.MaxDelay = time.Second
	cfg.MaxAttempts = 100

	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.NotifyDisconnect(errors.New("connection lost"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	if err := m.Recover(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Recover error = %v, want context.Canceled", err)
	}
	if m.State() != StateIdle {
		t.Errorf("state = %q, want idle after cancellation", m.State())
	}
}

func TestConcurrentRecoversCoalesce(t *testing.T) {
	var dials atomic.Int32
	release := make(chan struct{})

	m, err := New(fastConfig(func(context.Context) error {
		dials.Add(1)
		<-release
		return nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.NotifyDisconnect(errors.New("connection lost"))

	const callers = 5
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.Recover(context.Background())
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (concurrent recoveries must coalesce)", got)
	}
}

func TestRecoverOnConnectedIsNoop(t *testing.T) {
	var dials atomic.Int32
	m, err := New(fastConfig(func(context.Context) error {
		dials.Add(1)
		return nil
	}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := m.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if got := dials.Load(); got != 1 {
		t.Errorf("dials = %d, want 1 (recover while connected must not dial)", got)
	}
}

func TestBackoffDelayIsBounded(t *testing.T) {
	m, err := New(Config{
		Dial:       func(context.Context) error { return nil },
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2,
		Logger:     testutil.DiscardLogger(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{4, 1600 * time.Millisecond},
		{5, 2 * time.Second},  // capped
		{50, 2 * time.Second}, // overflow also capped
	}

	for _, tt := range tests {
		if got := m.delay(tt.attempt); got != tt.want {
			t.Errorf("delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
