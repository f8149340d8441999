package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/parlorhq/parlor/internal/hub"
	"github.com/parlorhq/parlor/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder captures broadcast typing events.
type recorder struct {
	mu     sync.Mutex
	events []hub.Event
}

func (r *recorder) Broadcast(_ uuid.UUID, event hub.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() hub.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

func TestSetTypingBroadcastsOnce(t *testing.T) {
	rec := &recorder{}
	c := New(rec, time.Minute, testutil.DiscardLogger())
	defer c.Stop()
	sessionID := uuid.New()

	c.SetTyping(sessionID, "alice")
	c.SetTyping(sessionID, "alice")
	c.SetTyping(sessionID, "alice")

	if got := rec.count(); got != 1 {
		t.Errorf("broadcasts = %d, want 1 (renewals must not rebroadcast)", got)
	}
	if users := c.Typing(sessionID); len(users) != 1 || users[0] != "alice" {
		t.Errorf("Typing = %v, want [alice]", users)
	}
}

func TestClearTypingOnMessageSend(t *testing.T) {
	rec := &recorder{}
	c := New(rec, time.Minute, testutil.DiscardLogger())
	defer c.Stop()
	sessionID := uuid.New()

	c.SetTyping(sessionID, "alice")
	c.ClearTyping(sessionID, "alice")

	if got := rec.count(); got != 2 {
		t.Errorf("broadcasts = %d, want 2 (set then clear)", got)
	}
	if users := c.Typing(sessionID); len(users) != 0 {
		t.Errorf("Typing = %v, want empty", users)
	}

	// Clearing a user who is not typing stays silent.
	c.ClearTyping(sessionID, "alice")
	if got := rec.count(); got != 2 {
		t.Errorf("broadcasts = %d, want 2 (redundant clear must not broadcast)", got)
	}
}

func TestTypingAutoClearsAfterIdleWindow(t *testing.T) {
	rec := &recorder{}
	c := New(rec, 30*time.Millisecond, testutil.DiscardLogger())
	defer c.Stop()
	sessionID := uuid.New()

	c.SetTyping(sessionID, "alice")

	deadline := time.After(2 * time.Second)
	for len(c.Typing(sessionID)) > 0 {
		select {
		case <-deadline:
			t.Fatal("typing mark never auto-cleared")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if got := rec.count(); got != 2 {
		t.Errorf("broadcasts = %d, want 2 (set then auto-clear)", got)
	}
}

func TestRenewalPostponesAutoClear(t *testing.T) {
	rec := &recorder{}
	c := New(rec, 60*time.Millisecond, testutil.DiscardLogger())
	defer c.Stop()
	sessionID := uuid.New()

	c.SetTyping(sessionID, "alice")

	// Keep renewing well past the original window.
	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		c.SetTyping(sessionID, "alice")
	}

	if users := c.Typing(sessionID); len(users) != 1 {
		t.Error("typing mark expired despite continuous renewal")
	}
}

func TestTypingBroadcastCarriesTransition(t *testing.T) {
	rec := &recorder{}
	c := New(rec, time.Minute, testutil.DiscardLogger())
	defer c.Stop()
	sessionID := uuid.New()

	c.SetTyping(sessionID, "alice")
	set := rec.last().Payload.(TypingPayload)
	if set.User != "alice" || !set.IsTyping {
		t.Errorf("set payload = %+v, want alice typing", set)
	}
	if len(set.Users) != 1 || set.Users[0] != "alice" {
		t.Errorf("set payload users = %v, want [alice]", set.Users)
	}

	c.ClearTyping(sessionID, "alice")
	cleared := rec.last().Payload.(TypingPayload)
	if cleared.User != "alice" || cleared.IsTyping {
		t.Errorf("clear payload = %+v, want alice not typing", cleared)
	}
	if len(cleared.Users) != 0 {
		t.Errorf("clear payload users = %v, want empty", cleared.Users)
	}
}

func TestTypingTracksMultipleUsers(t *testing.T) {
	rec := &recorder{}
	c := New(rec, time.Minute, testutil.DiscardLogger())
	defer c.Stop()
	sessionID := uuid.New()

	c.SetTyping(sessionID, "bob")
	c.SetTyping(sessionID, "alice")

	users := c.Typing(sessionID)
	if len(users) != 2 || users[0] != "alice" || users[1] != "bob" {
		t.Errorf("Typing = %v, want [alice bob]", users)
	}
}
