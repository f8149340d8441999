package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/chaterr"
	"github.com/parlorhq/parlor/internal/generation"
	"github.com/parlorhq/parlor/internal/hub"
	"github.com/parlorhq/parlor/internal/knowledge"
	"github.com/parlorhq/parlor/internal/session"
	"github.com/parlorhq/parlor/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSessions struct {
	mu       sync.Mutex
	sess     *session.Session
	messages []session.Message
	title    string
}

func (f *fakeSessions) Get(_ context.Context, id uuid.UUID) (*session.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil || f.sess.ID != id {
		return nil, session.ErrNotFound
	}
	cp := *f.sess
	return &cp, nil
}

func (f *fakeSessions) AppendMessage(_ context.Context, msg *session.Message) (*session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := *msg
	out.ID = uuid.New()
	out.Status = session.StatusSent
	out.SequenceNumber = len(f.messages) + 1
	out.CreatedAt = time.Now()
	f.messages = append(f.messages, out)
	return &out, nil
}

func (f *fakeSessions) History(_ context.Context, _ uuid.UUID, limit int) ([]session.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	cp := make([]session.Message, len(msgs))
	copy(cp, msgs)
	return cp, nil
}

func (f *fakeSessions) Rename(_ context.Context, _ uuid.UUID, title string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.title = title
	f.sess.Title = title
	return nil
}

func (f *fakeSessions) all() []session.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]session.Message, len(f.messages))
	copy(cp, f.messages)
	return cp
}

type fakeAssistants struct {
	asst *assistant.Assistant
}

func (f *fakeAssistants) Get(_ context.Context, id uuid.UUID) (*assistant.Assistant, error) {
	if f.asst == nil || f.asst.ID != id {
		return nil, assistant.ErrNotFound
	}
	cp := *f.asst
	return &cp, nil
}

type fakeRetriever struct {
	chunks []knowledge.Chunk
	err    error
}

func (f *fakeRetriever) Search(context.Context, uuid.UUID, string, int, float64) ([]knowledge.Chunk, error) {
	return f.chunks, f.err
}

type fakeGenerator struct {
	mu       sync.Mutex
	err      error
	requests []generation.Request
	respond  func(req generation.Request) string
}

func (f *fakeGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.requests = append(f.requests, req)
	text := "generated response"
	if f.respond != nil {
		text = f.respond(req)
	}
	return &generation.Result{Text: text, LatencyMs: 7}, nil
}

func (f *fakeGenerator) seen() []generation.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]generation.Request, len(f.requests))
	copy(cp, f.requests)
	return cp
}

type fakeHub struct {
	mu     sync.Mutex
	events []hub.Event
	ch     chan hub.Event
}

func newFakeHub() *fakeHub {
	return &fakeHub{ch: make(chan hub.Event, 64)}
}

func (f *fakeHub) Broadcast(_ uuid.UUID, event hub.Event) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
	f.ch <- event
}

// next blocks for the next broadcast event of the given type, skipping others.
func (f *fakeHub) next(t *testing.T, eventType string) hub.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-f.ch:
			if ev.Type == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", eventType)
		}
	}
}

type fakeClearer struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeClearer) ClearTyping(_ uuid.UUID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, userID)
}

type fixture struct {
	orch      *Orchestrator
	sessions  *fakeSessions
	gen       *fakeGenerator
	hub       *fakeHub
	clearer   *fakeClearer
	retriever *fakeRetriever
	sessionID uuid.UUID
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()

	asst := &assistant.Assistant{
		ID:           uuid.New(),
		Name:         "librarian",
		SystemPrompt: "You answer from the corpus.",
		Provider:     "gemini",
		ModelName:    "gemini-2.5-flash",
		Temperature:  0.7,
		MaxTokens:    1024,
	}
	sessions := &fakeSessions{sess: &session.Session{
		ID:          uuid.New(),
		AssistantID: asst.ID,
		OwnerID:     "alice",
		Title:       "Existing title",
	}}
	gen := &fakeGenerator{}
	h := newFakeHub()
	clearer := &fakeClearer{}
	retriever := &fakeRetriever{}

	cfg := Config{
		Sessions:           sessions,
		Assistants:         &fakeAssistants{asst: asst},
		Retriever:          retriever,
		Generator:          gen,
		Hub:                h,
		Presence:           clearer,
		Classifier:         chaterr.NewClassifier("gemini", nil),
		MaxMessageChars:    4000,
		PromptBudget:       8000,
		HistoryTurns:       10,
		RetrievalTopK:      5,
		RetrievalThreshold: 0.7,
		Logger:             testutil.DiscardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	orch, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(orch.Close)

	return &fixture{
		orch:      orch,
		sessions:  sessions,
		gen:       gen,
		hub:       h,
		clearer:   clearer,
		retriever: retriever,
		sessionID: sessions.sess.ID,
	}
}

func TestHandleUserMessagePersistsThenBroadcasts(t *testing.T) {
	fx := newFixture(t, nil)
	fx.retriever.chunks = []knowledge.Chunk{
		{Source: "policy.md", Content: "refunds within 14 days", Similarity: 0.92},
	}

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "what is the refund policy?")
	require.NoError(t, err)

	userEv := fx.hub.next(t, "message")
	userPayload := userEv.Payload.(MessagePayload)
	require.Equal(t, session.RoleUser, userPayload.Role)
	require.Equal(t, 1, userPayload.SequenceNumber)
	require.NotEmpty(t, userPayload.ID, "broadcast must carry the persisted identity")

	assistEv := fx.hub.next(t, "message")
	assistPayload := assistEv.Payload.(MessagePayload)
	require.Equal(t, session.RoleAssistant, assistPayload.Role)
	require.Equal(t, "generated response", assistPayload.Content)
	require.Equal(t, 2, assistPayload.SequenceNumber)
	require.NotNil(t, assistPayload.Metadata)
	require.Equal(t, []string{"policy.md"}, assistPayload.Metadata.ChunkSources)
	require.Equal(t, "gemini", assistPayload.Metadata.Provider)

	msgs := fx.sessions.all()
	require.Len(t, msgs, 2)
	require.Equal(t, session.RoleUser, msgs[0].Role)
	require.Equal(t, session.RoleAssistant, msgs[1].Role)

	reqs := fx.gen.seen()
	require.Len(t, reqs, 1)
	require.Equal(t, "googleai/gemini-2.5-flash", reqs[0].Model)
	require.Contains(t, reqs[0].UserText, "refunds within 14 days", "retrieved context must reach the model")
	require.Equal(t, "You answer from the corpus.", reqs[0].System)
}

func TestHandleUserMessageValidation(t *testing.T) {
	fx := newFixture(t, nil)

	tests := []struct {
		name string
		text string
	}{
		{"empty", ""},
		{"whitespace only", "   \n\t"},
		{"over the limit", strings.Repeat("x", 4001)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", tt.text)
			require.Error(t, err)

			ce := chaterr.As(err)
			require.NotNil(t, ce, "validation failures must be classified errors")
			require.Equal(t, chaterr.KindValidation, ce.Kind)
			require.False(t, ce.Retryable)
		})
	}

	require.Empty(t, fx.sessions.all(), "rejected messages must not be persisted")
}

func TestMessageSendClearsTyping(t *testing.T) {
	fx := newFixture(t, nil)

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "hello")
	require.NoError(t, err)

	fx.clearer.mu.Lock()
	defer fx.clearer.mu.Unlock()
	require.Equal(t, []string{"alice"}, fx.clearer.cleared)
}

func TestRetrievalFailureDegradesGracefully(t *testing.T) {
	fx := newFixture(t, nil)
	fx.retriever.err = errors.New("connection refused")

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "hello there")
	require.NoError(t, err)

	ev := fx.hub.next(t, "message") // user
	require.Equal(t, session.RoleUser, ev.Payload.(MessagePayload).Role)
	ev = fx.hub.next(t, "message") // assistant, despite dead retrieval
	require.Equal(t, session.RoleAssistant, ev.Payload.(MessagePayload).Role)

	reqs := fx.gen.seen()
	require.Len(t, reqs, 1)
	require.Equal(t, "hello there", reqs[0].UserText, "no context block when retrieval fails")
}

func TestGenerationFailureBroadcastsClassifiedError(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gen.err = errors.New("HTTP 429: Too Many Requests, retry after 10s")

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "hello")
	require.NoError(t, err, "generation failures surface as events, not return values")

	ev := fx.hub.next(t, "error")
	payload := ev.Payload.(ErrorPayload)
	require.Equal(t, string(chaterr.KindRateLimit), payload.Kind)
	require.True(t, payload.Retryable)
	require.Equal(t, 10, payload.RetryAfterSeconds)

	msgs := fx.sessions.all()
	require.Len(t, msgs, 1, "the user message must survive a failed generation")
	require.Equal(t, session.RoleUser, msgs[0].Role)
}

func TestUnknownSessionReportsError(t *testing.T) {
	fx := newFixture(t, nil)

	err := fx.orch.HandleUserMessage(context.Background(), uuid.New(), "alice", "hello")
	require.NoError(t, err)

	ev := fx.hub.next(t, "error")
	require.NotEmpty(t, ev.Payload.(ErrorPayload).Message)
}

func TestMessagesSerializePerSessionInArrivalOrder(t *testing.T) {
	fx := newFixture(t, nil)
	fx.gen.respond = func(req generation.Request) string {
		return "echo: " + req.UserText
	}

	for i := 0; i < 5; i++ {
		err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	// Ten broadcasts: user and assistant per message, strictly interleaved.
	for i := 0; i < 5; i++ {
		userEv := fx.hub.next(t, "message").Payload.(MessagePayload)
		require.Equal(t, session.RoleUser, userEv.Role)
		require.Equal(t, fmt.Sprintf("message %d", i), userEv.Content)

		assistEv := fx.hub.next(t, "message").Payload.(MessagePayload)
		require.Equal(t, session.RoleAssistant, assistEv.Role)
		require.Equal(t, fmt.Sprintf("echo: message %d", i), assistEv.Content)
	}

	msgs := fx.sessions.all()
	require.Len(t, msgs, 10)
	for i, m := range msgs {
		require.Equal(t, i+1, m.SequenceNumber)
	}
}

func TestTitleGeneratedForUntitledSession(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sessions.sess.Title = ""
	fx.gen.respond = func(req generation.Request) string {
		if strings.Contains(req.System, "title") {
			return "Refund Policy Question"
		}
		return "generated response"
	}

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "what is the refund policy?")
	require.NoError(t, err)

	ev := fx.hub.next(t, "session_renamed")
	payload := ev.Payload.(RenamedPayload)
	require.Equal(t, "Refund Policy Question", payload.Title)

	fx.sessions.mu.Lock()
	defer fx.sessions.mu.Unlock()
	require.Equal(t, "Refund Policy Question", fx.sessions.title)
}

func TestCloseRejectsNewMessages(t *testing.T) {
	fx := newFixture(t, nil)
	fx.orch.Close()

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "hello")
	require.ErrorIs(t, err, ErrClosed)
}

// flakyGenerator fails its first call with an unclassifiable error.
type flakyGenerator struct {
	mu    sync.Mutex
	calls int
}

func (f *flakyGenerator) Generate(context.Context, generation.Request) (*generation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("provider returned garbage")
	}
	return &generation.Result{Text: "second try", LatencyMs: 3}, nil
}

func TestUnclassifiedGenerationFailureRetriedOnce(t *testing.T) {
	flaky := &flakyGenerator{}
	fx := newFixture(t, func(cfg *Config) {
		cfg.Generator = flaky
	})

	err := fx.orch.HandleUserMessage(context.Background(), fx.sessionID, "alice", "hello")
	require.NoError(t, err)

	fx.hub.next(t, "message") // user message
	ev := fx.hub.next(t, "message")
	payload := ev.Payload.(MessagePayload)
	require.Equal(t, "second try", payload.Content)

	flaky.mu.Lock()
	defer flaky.mu.Unlock()
	require.Equal(t, 2, flaky.calls)
}
