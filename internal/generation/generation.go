// Package generation wraps the Genkit generate API behind a narrow interface
// the chat orchestrator consumes. The provider call carries a hard timeout and
// a shared rate limiter so one busy session cannot exhaust provider quota for
// the whole process.
package generation

import (
	"context"
	"fmt"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Turn is one prior conversation message offered to the model.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Params are the per-assistant sampling parameters.
type Params struct {
	Temperature      float32
	MaxTokens        int
	PresencePenalty  float32
	FrequencyPenalty float32
}

// Request is a single generation call.
type Request struct {
	// Model is the fully qualified model name, e.g. "googleai/gemini-2.5-flash".
	Model    string
	System   string
	History  []Turn
	UserText string
	Params   Params
}

// Result is a completed generation.
type Result struct {
	Text      string
	LatencyMs int64
}

// Generator produces a model response for a request. Implementations must be
// safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Result, error)
}

// Model is the Genkit-backed Generator.
type Model struct {
	genkit  *genkit.Genkit
	limiter *rate.Limiter
	timeout time.Duration
}

// NewModel creates a Model. timeout bounds every provider call; rps caps the
// process-wide request rate (0 disables limiting).
func NewModel(g *genkit.Genkit, timeout time.Duration, rps float64) *Model {
	var limiter *rate.Limiter
	if rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Model{genkit: g, limiter: limiter, timeout: timeout}
}

// Generate calls the provider once. A call exceeding the configured timeout
// returns a context.DeadlineExceeded-wrapped error for the caller to classify.
func (m *Model) Generate(ctx context.Context, req Request) (*Result, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	messages := make([]*ai.Message, 0, len(req.History)+1)
	for _, turn := range req.History {
		if turn.Role == "assistant" {
			messages = append(messages, ai.NewModelMessage(ai.NewTextPart(turn.Content)))
			continue
		}
		messages = append(messages, ai.NewUserMessage(ai.NewTextPart(turn.Content)))
	}
	messages = append(messages, ai.NewUserMessage(ai.NewTextPart(req.UserText)))

	opts := []ai.GenerateOption{
		ai.WithModelName(req.Model),
		ai.WithMessages(messages...),
		ai.WithConfig(generateConfig(req.Params)),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(req.System))
	}

	start := time.Now()
	resp, err := genkit.Generate(callCtx, m.genkit, opts...)
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}

	return &Result{
		Text:      resp.Text(),
		LatencyMs: time.Since(start).Milliseconds(),
	}, nil
}

// generateConfig maps sampling parameters onto the provider config. Zero
// values are omitted so provider defaults apply.
func generateConfig(p Params) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if p.Temperature > 0 {
		cfg.Temperature = genai.Ptr(p.Temperature)
	}
	if p.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(p.MaxTokens)
	}
	if p.PresencePenalty != 0 {
		cfg.PresencePenalty = genai.Ptr(p.PresencePenalty)
	}
	if p.FrequencyPenalty != 0 {
		cfg.FrequencyPenalty = genai.Ptr(p.FrequencyPenalty)
	}
	return cfg
}
