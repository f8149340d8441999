// Package chat orchestrates the message pipeline: validate, persist,
// broadcast, retrieve context, generate, and persist the response.
//
// Work is serialized per session in arrival order, so two collaborators
// sending at once observe one canonical message sequence. Different sessions
// proceed concurrently.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/parlorhq/parlor/internal/assistant"
	"github.com/parlorhq/parlor/internal/chaterr"
	"github.com/parlorhq/parlor/internal/config"
	"github.com/parlorhq/parlor/internal/generation"
	"github.com/parlorhq/parlor/internal/hub"
	"github.com/parlorhq/parlor/internal/knowledge"
	"github.com/parlorhq/parlor/internal/prompt"
	"github.com/parlorhq/parlor/internal/session"
)

// ErrClosed is returned when a message arrives after shutdown began.
var ErrClosed = errors.New("chat orchestrator closed")

// titleInstruction asks the model for a short session title from the first
// exchange.
const titleInstruction = "Write a title of at most five words for a conversation that starts with the following message. Reply with the title only, no quotes or punctuation around it."

// SessionStore is the slice of session persistence the orchestrator needs.
type SessionStore interface {
	Get(ctx context.Context, id uuid.UUID) (*session.Session, error)
	AppendMessage(ctx context.Context, msg *session.Message) (*session.Message, error)
	History(ctx context.Context, sessionID uuid.UUID, limit int) ([]session.Message, error)
	Rename(ctx context.Context, id uuid.UUID, title string) error
}

// AssistantStore resolves the assistant profile a session is bound to.
type AssistantStore interface {
	Get(ctx context.Context, id uuid.UUID) (*assistant.Assistant, error)
}

// Retriever searches the assistant's document corpus.
type Retriever interface {
	Search(ctx context.Context, assistantID uuid.UUID, query string, topK int, threshold float64) ([]knowledge.Chunk, error)
}

// Broadcaster fans events out to a session's participants. Delivering to a
// session with no participants is a no-op, which is what makes persist-first
// safe: the transcript is the source of truth, delivery is best effort.
type Broadcaster interface {
	Broadcast(sessionID uuid.UUID, event hub.Event)
}

// TypingClearer drops a user's typing mark.
type TypingClearer interface {
	ClearTyping(sessionID uuid.UUID, userID string)
}

// MessagePayload is the wire form of a persisted message.
type MessagePayload struct {
	ID             string            `json:"id"`
	SessionID      string            `json:"session_id"`
	Role           string            `json:"role"`
	Content        string            `json:"content"`
	Metadata       *session.Metadata `json:"metadata,omitempty"`
	Status         string            `json:"status"`
	SequenceNumber int               `json:"sequence_number"`
	CreatedAt      time.Time         `json:"created_at"`
}

// ErrorPayload is the wire form of a classified failure.
type ErrorPayload struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// RenamedPayload announces a generated session title.
type RenamedPayload struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

// Config collects the orchestrator's dependencies and tuning.
type Config struct {
	Sessions   SessionStore
	Assistants AssistantStore
	Retriever  Retriever
	Generator  generation.Generator
	Hub        Broadcaster
	Presence   TypingClearer
	Classifier *chaterr.Classifier

	MaxMessageChars    int
	PromptBudget       int
	HistoryTurns       int
	RetrievalTopK      int
	RetrievalThreshold float64

	Logger *slog.Logger
}

func (c Config) validate() error {
	switch {
	case c.Sessions == nil:
		return errors.New("chat: Sessions is required")
	case c.Assistants == nil:
		return errors.New("chat: Assistants is required")
	case c.Generator == nil:
		return errors.New("chat: Generator is required")
	case c.Hub == nil:
		return errors.New("chat: Hub is required")
	case c.Classifier == nil:
		return errors.New("chat: Classifier is required")
	}
	return nil
}

// Orchestrator runs the message pipeline. Create with New; Close drains
// in-flight work.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	queues map[uuid.UUID]*sessionQueue
	closed bool
	wg     sync.WaitGroup
}

type sessionQueue struct {
	tasks   []func(ctx context.Context)
	running bool
}

// New creates an Orchestrator. Zero tuning values fall back to the package
// defaults of their owning components.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = 4000
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = prompt.DefaultMaxTurns
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queues: make(map[uuid.UUID]*sessionQueue),
	}, nil
}

// HandleUserMessage validates and enqueues one user message. Validation
// failures return immediately as *chaterr.Error; everything past validation
// runs on the session's queue and reports failures as error events to the
// session.
//
// The pipeline runs on the orchestrator's own context, not the caller's: a
// sender disconnecting mid-generation must not abort a response the other
// participants are waiting for.
func (o *Orchestrator) HandleUserMessage(_ context.Context, sessionID uuid.UUID, userID, text string) error {
	if strings.TrimSpace(text) == "" {
		return chaterr.Validation("message is empty")
	}
	if n := utf8.RuneCountInString(text); n > o.cfg.MaxMessageChars {
		return chaterr.Validation("message is %d characters, the limit is %d", n, o.cfg.MaxMessageChars)
	}

	// Sending a message is the strongest signal the user stopped typing.
	if o.cfg.Presence != nil {
		o.cfg.Presence.ClearTyping(sessionID, userID)
	}

	return o.enqueue(sessionID, func(ctx context.Context) {
		o.process(ctx, sessionID, userID, text)
	})
}

// Close stops accepting messages and waits for queued work to finish.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.wg.Wait()
	o.cancel()
}

// enqueue appends a task to the session's FIFO queue, starting a drain
// goroutine when none is running for that session.
func (o *Orchestrator) enqueue(sessionID uuid.UUID, task func(ctx context.Context)) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return ErrClosed
	}

	q := o.queues[sessionID]
	if q == nil {
		q = &sessionQueue{}
		o.queues[sessionID] = q
	}
	q.tasks = append(q.tasks, task)

	if !q.running {
		q.running = true
		o.wg.Add(1)
		go o.drain(sessionID, q)
	}
	return nil
}

// drain executes the session's tasks in order and removes the empty queue
// before exiting.
func (o *Orchestrator) drain(sessionID uuid.UUID, q *sessionQueue) {
	defer o.wg.Done()

	for {
		o.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			delete(o.queues, sessionID)
			o.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		o.mu.Unlock()

		task(o.ctx)
	}
}

// process is the serialized pipeline for one user message.
func (o *Orchestrator) process(ctx context.Context, sessionID uuid.UUID, userID, text string) {
	sess, err := o.cfg.Sessions.Get(ctx, sessionID)
	if err != nil {
		o.reportError(sessionID, fmt.Errorf("loading session: %w", err))
		return
	}
	asst, err := o.cfg.Assistants.Get(ctx, sess.AssistantID)
	if err != nil {
		o.reportError(sessionID, fmt.Errorf("loading assistant: %w", err))
		return
	}

	// History is read before the new message is persisted so the prompt
	// carries prior turns only; the current text rides separately.
	history, err := o.cfg.Sessions.History(ctx, sessionID, o.cfg.HistoryTurns)
	if err != nil {
		o.reportError(sessionID, fmt.Errorf("loading history: %w", err))
		return
	}

	userMsg, err := o.cfg.Sessions.AppendMessage(ctx, &session.Message{
		SessionID: sessionID,
		Role:      session.RoleUser,
		Content:   text,
	})
	if err != nil {
		o.reportError(sessionID, fmt.Errorf("persisting user message: %w", err))
		return
	}

	// Persisted first, then delivered. With nobody connected the broadcast
	// is a no-op and the message waits in the transcript.
	o.broadcastMessage(userMsg)

	chunks := o.retrieve(ctx, asst.ID, text)

	p := prompt.Assemble(prompt.Input{
		System:   asst.SystemPrompt,
		Chunks:   chunks,
		History:  historyTurns(history),
		UserText: text,
		Budget:   o.cfg.PromptBudget,
		MaxTurns: o.cfg.HistoryTurns,
	})

	start := time.Now()
	result, err := o.generate(ctx, generation.Request{
		Model:    config.QualifyModelName(asst.Provider, asst.ModelName),
		System:   p.System,
		History:  generationTurns(p.History),
		UserText: p.User,
		Params: generation.Params{
			Temperature:      asst.Temperature,
			MaxTokens:        asst.MaxTokens,
			PresencePenalty:  asst.PresencePenalty,
			FrequencyPenalty: asst.FrequencyPenalty,
		},
	})
	if err != nil {
		o.reportError(sessionID, err)
		return
	}

	meta := session.Metadata{
		ChunkSources: chunkSources(chunks),
		LatencyMs:    result.LatencyMs,
		Provider:     asst.Provider,
		Model:        asst.ModelName,
	}
	assistantMsg, err := o.cfg.Sessions.AppendMessage(ctx, &session.Message{
		SessionID: sessionID,
		Role:      session.RoleAssistant,
		Content:   result.Text,
		Metadata:  meta,
	})
	if err != nil {
		o.reportError(sessionID, fmt.Errorf("persisting assistant message: %w", err))
		return
	}
	o.broadcastMessage(assistantMsg)

	o.logger.Info("message handled",
		"session_id", sessionID,
		"user_id", userID,
		"chunks", len(chunks),
		"latency_ms", result.LatencyMs,
		"total_ms", time.Since(start).Milliseconds())

	if sess.Title == "" {
		o.generateTitle(ctx, sess, asst, text)
	}
}

// generate calls the provider, retrying exactly once when the failure does
// not classify into a known kind. Classified failures surface immediately;
// the retry decision for those belongs to the user.
func (o *Orchestrator) generate(ctx context.Context, req generation.Request) (*generation.Result, error) {
	result, err := o.cfg.Generator.Generate(ctx, req)
	if err == nil {
		return result, nil
	}
	if o.cfg.Classifier.Classify(err).Kind != chaterr.KindUnknown {
		return nil, err
	}
	o.logger.Warn("unclassified generation failure, retrying once", "error", err)
	return o.cfg.Generator.Generate(ctx, req)
}

// retrieve searches the corpus and degrades to an empty context on failure:
// a broken retrieval layer costs grounding, never the whole answer.
func (o *Orchestrator) retrieve(ctx context.Context, assistantID uuid.UUID, query string) []prompt.Chunk {
	if o.cfg.Retriever == nil {
		return nil
	}

	chunks, err := o.cfg.Retriever.Search(ctx, assistantID, query, o.cfg.RetrievalTopK, o.cfg.RetrievalThreshold)
	if err != nil {
		o.logger.Warn("retrieval failed, generating without context", "assistant_id", assistantID, "error", err)
		return nil
	}

	out := make([]prompt.Chunk, len(chunks))
	for i, c := range chunks {
		out[i] = prompt.Chunk{Source: c.Source, Content: c.Content}
	}
	return out
}

// generateTitle names an untitled session from its opening message. Best
// effort: a failure is logged and the session keeps its empty title.
func (o *Orchestrator) generateTitle(ctx context.Context, sess *session.Session, asst *assistant.Assistant, firstMessage string) {
	result, err := o.cfg.Generator.Generate(ctx, generation.Request{
		Model:    config.QualifyModelName(asst.Provider, asst.ModelName),
		System:   titleInstruction,
		UserText: firstMessage,
		Params:   generation.Params{Temperature: 0.3, MaxTokens: 30},
	})
	if err != nil {
		o.logger.Warn("title generation failed", "session_id", sess.ID, "error", err)
		return
	}

	title := strings.TrimSpace(result.Text)
	if title == "" {
		return
	}
	if utf8.RuneCountInString(title) > session.TitleMaxLength {
		title = string([]rune(title)[:session.TitleMaxLength])
	}

	if err := o.cfg.Sessions.Rename(ctx, sess.ID, title); err != nil {
		o.logger.Warn("storing generated title failed", "session_id", sess.ID, "error", err)
		return
	}

	o.cfg.Hub.Broadcast(sess.ID, hub.Event{
		Type:    "session_renamed",
		Payload: RenamedPayload{SessionID: sess.ID.String(), Title: title},
	})
}

func (o *Orchestrator) broadcastMessage(msg *session.Message) {
	payload := MessagePayload{
		ID:             msg.ID.String(),
		SessionID:      msg.SessionID.String(),
		Role:           msg.Role,
		Content:        msg.Content,
		Status:         msg.Status,
		SequenceNumber: msg.SequenceNumber,
		CreatedAt:      msg.CreatedAt,
	}
	if msg.Role == session.RoleAssistant {
		meta := msg.Metadata
		payload.Metadata = &meta
	}
	o.cfg.Hub.Broadcast(msg.SessionID, hub.Event{Type: "message", Payload: payload})
}

// reportError classifies a pipeline failure and broadcasts it to the session.
func (o *Orchestrator) reportError(sessionID uuid.UUID, err error) {
	ce := o.cfg.Classifier.Classify(err)
	o.logger.Error("message pipeline failed", "session_id", sessionID, "kind", ce.Kind, "error", err)

	payload := ErrorPayload{
		Kind:      string(ce.Kind),
		Message:   ce.Message,
		Retryable: ce.Retryable,
	}
	if ce.RetryAfter > 0 {
		payload.RetryAfterSeconds = int(ce.RetryAfter / time.Second)
	}
	o.cfg.Hub.Broadcast(sessionID, hub.Event{Type: "error", Payload: payload})
}

func historyTurns(messages []session.Message) []prompt.Turn {
	turns := make([]prompt.Turn, 0, len(messages))
	for _, m := range messages {
		if m.Role == session.RoleSystem {
			continue
		}
		turns = append(turns, prompt.Turn{Role: m.Role, Content: m.Content})
	}
	return turns
}

func generationTurns(turns []prompt.Turn) []generation.Turn {
	out := make([]generation.Turn, len(turns))
	for i, t := range turns {
		out[i] = generation.Turn{Role: t.Role, Content: t.Content}
	}
	return out
}

func chunkSources(chunks []prompt.Chunk) []string {
	if len(chunks) == 0 {
		return nil
	}
	seen := make(map[string]struct{})
	var sources []string
	for _, c := range chunks {
		if c.Source == "" {
			continue
		}
		if _, ok := seen[c.Source]; ok {
			continue
		}
		seen[c.Source] = struct{}{}
		sources = append(sources, c.Source)
	}
	return sources
}
