// Package prompt assembles the text sent to the generation provider from
// system instructions, retrieved context, and conversation history.
//
// Assemble is a pure function: deterministic for the same inputs, no external
// state. The character budget is enforced by trimming the lowest-priority
// content first: oldest history turns, then lowest-ranked context chunks.
// The system instructions and the current user turn are never dropped.
package prompt

import (
	"strings"
)

// Default assembly limits, used when Input leaves them zero.
const (
	// DefaultBudget is the maximum assembled prompt size in characters.
	DefaultBudget = 8000

	// DefaultMaxTurns is the number of most-recent history turns offered to
	// the model.
	DefaultMaxTurns = 10
)

// Roles for history turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Turn is one prior message in the conversation, oldest first.
type Turn struct {
	Role    string
	Content string
}

// Chunk is a ranked unit of retrieved document text, best-ranked first.
type Chunk struct {
	Source  string
	Content string
}

// Input holds everything Assemble needs. History must be chronological and
// Chunks ranked best-first; Assemble preserves both orders.
type Input struct {
	System   string
	Chunks   []Chunk
	History  []Turn
	UserText string
	Budget   int // characters; <= 0 means DefaultBudget
	MaxTurns int // history turns; <= 0 means DefaultMaxTurns
}

// Prompt is the assembled result. User carries the current user text with the
// rendered context block prepended; History is the surviving window.
type Prompt struct {
	System  string
	History []Turn
	User    string
}

// Chars returns the total character count the prompt occupies, the quantity
// the budget binds.
func (p Prompt) Chars() int {
	n := len(p.System) + len(p.User)
	for _, t := range p.History {
		n += len(t.Content)
	}
	return n
}

// Assemble builds a budget-bounded prompt.
//
// Trim order under budget pressure:
//  1. oldest history turns
//  2. lowest-ranked context chunks
//
// The system instructions and the current user turn survive regardless; the
// budget binds the optional content, so a budget smaller than system+user
// (prevented by config validation) is exceeded rather than violated by
// dropping mandatory content.
func Assemble(in Input) Prompt {
	budget := in.Budget
	if budget <= 0 {
		budget = DefaultBudget
	}
	maxTurns := in.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	history := in.History
	if len(history) > maxTurns {
		history = history[len(history)-maxTurns:]
	}

	chunks := in.Chunks
	user := renderUser(chunks, in.UserText)

	over := func() int {
		n := len(in.System) + len(user)
		for _, t := range history {
			n += len(t.Content)
		}
		return n - budget
	}

	// Oldest history first.
	for over() > 0 && len(history) > 0 {
		history = history[1:]
	}

	// Then lowest-ranked chunks, re-rendering the user turn each time since
	// the context block lives inside it.
	for over() > 0 && len(chunks) > 0 {
		chunks = chunks[:len(chunks)-1]
		user = renderUser(chunks, in.UserText)
	}

	// Copy the surviving window so the result does not alias caller slices.
	out := make([]Turn, len(history))
	copy(out, history)

	return Prompt{
		System:  in.System,
		History: out,
		User:    user,
	}
}

// renderUser prepends the rendered context block to the user's text. With no
// chunks the text passes through untouched.
func renderUser(chunks []Chunk, userText string) string {
	if len(chunks) == 0 {
		return userText
	}

	var b strings.Builder
	b.WriteString("Relevant excerpts from the document corpus:\n\n")
	for _, c := range chunks {
		if c.Source != "" {
			b.WriteString("[")
			b.WriteString(c.Source)
			b.WriteString("]\n")
		}
		b.WriteString(c.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Using the excerpts above where relevant, answer:\n")
	b.WriteString(userText)
	return b.String()
}
