package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"sync"
	"testing"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
)

// NewGenkit initializes a plugin-free Genkit instance for registering mock
// models and embedders.
func NewGenkit(t *testing.T) *genkit.Genkit {
	t.Helper()
	return genkit.Init(context.Background())
}

// MockModel provides deterministic generation responses for testing. It
// matches the last user message against registered substring patterns and
// returns the paired response, or the fallback when nothing matches. A forced
// error takes precedence over any response.
//
// Thread-safe for concurrent use.
type MockModel struct {
	mu       sync.Mutex
	rules    []mockRule
	fallback string
	err      error
	calls    []MockCall
}

type mockRule struct {
	pattern  string
	response string
}

// MockCall records a single generation request seen by the mock.
type MockCall struct {
	System      string
	UserMessage string
	Response    string
}

// NewMockModel creates a mock model with the given fallback response.
func NewMockModel(fallback string) *MockModel {
	return &MockModel{fallback: fallback}
}

// AddResponse registers a pattern-response pair. Patterns match
// case-insensitively as substrings of the last user message; first
// registration wins.
func (m *MockModel) AddResponse(pattern, response string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, mockRule{pattern: strings.ToLower(pattern), response: response})
}

// SetError makes every subsequent generation fail with err. Pass nil to
// restore normal responses.
func (m *MockModel) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns a copy of all recorded calls.
func (m *MockModel) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]MockCall, len(m.calls))
	copy(cp, m.calls)
	return cp
}

// Register registers the mock as a Genkit model named "mock/test-model".
func (m *MockModel) Register(g *genkit.Genkit) ai.Model {
	return genkit.DefineModel(g, "mock/test-model", &ai.ModelOptions{
		Label: "Mock Test Model",
		Supports: &ai.ModelSupports{
			Multiturn:  true,
			SystemRole: true,
		},
	}, m.generate)
}

func (m *MockModel) generate(_ context.Context, req *ai.ModelRequest, _ ai.ModelStreamCallback) (*ai.ModelResponse, error) {
	var userText, system string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == ai.RoleUser && userText == "" {
			userText = req.Messages[i].Text()
		}
		if req.Messages[i].Role == ai.RoleSystem {
			system = req.Messages[i].Text()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	responseText := m.fallback
	lower := strings.ToLower(userText)
	for _, rule := range m.rules {
		if strings.Contains(lower, rule.pattern) {
			responseText = rule.response
			break
		}
	}

	m.calls = append(m.calls, MockCall{System: system, UserMessage: userText, Response: responseText})

	return &ai.ModelResponse{
		Request: req,
		Message: &ai.Message{
			Role:    ai.RoleModel,
			Content: []*ai.Part{ai.NewTextPart(responseText)},
		},
	}, nil
}

// MockEmbedder produces deterministic embedding vectors. By default a vector
// is derived from the content hash; explicit vectors can be registered to
// control cosine similarity between test inputs.
//
// Thread-safe for concurrent use.
type MockEmbedder struct {
	mu      sync.Mutex
	vectors map[string][]float32
	dim     int
}

// NewMockEmbedder creates a mock embedder emitting vectors of dim dimensions.
func NewMockEmbedder(dim int) *MockEmbedder {
	return &MockEmbedder{vectors: make(map[string][]float32), dim: dim}
}

// SetVector registers an explicit vector for the given content string.
func (e *MockEmbedder) SetVector(content string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vectors[content] = vec
}

// Register registers the mock as a Genkit embedder named
// "mock/test-embedder".
func (e *MockEmbedder) Register(g *genkit.Genkit) ai.Embedder {
	return genkit.DefineEmbedder(g, "mock/test-embedder", &ai.EmbedderOptions{
		Label:      "Mock Test Embedder",
		Dimensions: e.dim,
	}, e.embed)
}

func (e *MockEmbedder) embed(_ context.Context, req *ai.EmbedRequest) (*ai.EmbedResponse, error) {
	embeddings := make([]*ai.Embedding, len(req.Input))
	for i, doc := range req.Input {
		embeddings[i] = &ai.Embedding{Embedding: e.vectorFor(documentText(doc))}
	}
	return &ai.EmbedResponse{Embeddings: embeddings}, nil
}

func (e *MockEmbedder) vectorFor(content string) []float32 {
	e.mu.Lock()
	v, ok := e.vectors[content]
	e.mu.Unlock()
	if ok {
		return v
	}
	return deterministicVector(content, e.dim)
}

func documentText(doc *ai.Document) string {
	var sb strings.Builder
	for _, p := range doc.Content {
		if p.Kind == ai.PartText {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// deterministicVector derives a unit vector from a SHA-256 of the content, so
// identical content always embeds identically.
func deterministicVector(content string, dim int) []float32 {
	hash := sha256.Sum256([]byte(content))
	vec := make([]float32, dim)

	for i := range vec {
		idx := (i * 4) % len(hash)
		bits := binary.LittleEndian.Uint32([]byte{
			hash[idx%32],
			hash[(idx+1)%32],
			hash[(idx+2)%32],
			hash[(idx+3)%32],
		})
		vec[i] = (float32(bits)/float32(math.MaxUint32))*2 - 1
	}

	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	norm = float32(math.Sqrt(float64(norm)))
	if norm > 0 {
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}
