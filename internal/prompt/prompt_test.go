package prompt

import (
	"strings"
	"testing"
)

func TestAssembleDeterministic(t *testing.T) {
	t.Parallel()

	in := Input{
		System:   "You are a helpful assistant.",
		Chunks:   []Chunk{{Source: "handbook.md", Content: "Chunk one."}, {Content: "Chunk two."}},
		History:  []Turn{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
		UserText: "What is the refund policy?",
	}

	a := Assemble(in)
	b := Assemble(in)

	if a.System != b.System || a.User != b.User || len(a.History) != len(b.History) {
		t.Error("Assemble is not deterministic for identical inputs")
	}
}

func TestAssembleIncludesAllPartsWithinBudget(t *testing.T) {
	t.Parallel()

	in := Input{
		System:   "System instructions.",
		Chunks:   []Chunk{{Source: "doc.md", Content: "Important fact."}},
		History:  []Turn{{Role: RoleUser, Content: "earlier question"}},
		UserText: "current question",
		Budget:   8000,
	}

	p := Assemble(in)

	if p.System != in.System {
		t.Errorf("System = %q, want %q", p.System, in.System)
	}
	if len(p.History) != 1 {
		t.Fatalf("history length = %d, want 1", len(p.History))
	}
	if !strings.Contains(p.User, "Important fact.") {
		t.Error("context chunk missing from user turn")
	}
	if !strings.Contains(p.User, "doc.md") {
		t.Error("chunk source missing from user turn")
	}
	if !strings.Contains(p.User, "current question") {
		t.Error("user text missing from user turn")
	}
}

func TestAssembleNeverExceedsBudget(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 500)
	history := make([]Turn, 40)
	for i := range history {
		history[i] = Turn{Role: RoleUser, Content: long}
	}
	chunks := make([]Chunk, 20)
	for i := range chunks {
		chunks[i] = Chunk{Content: long}
	}

	in := Input{
		System:   "Short system prompt.",
		Chunks:   chunks,
		History:  history,
		UserText: "the actual question",
		Budget:   2000,
		MaxTurns: 10,
	}

	p := Assemble(in)

	if p.Chars() > in.Budget {
		t.Errorf("assembled prompt is %d chars, budget %d", p.Chars(), in.Budget)
	}
	if p.System != in.System {
		t.Error("system instructions dropped under budget pressure")
	}
	if !strings.Contains(p.User, "the actual question") {
		t.Error("current user turn dropped under budget pressure")
	}
}

func TestAssembleTrimsOldestHistoryFirst(t *testing.T) {
	t.Parallel()

	in := Input{
		System: "sys",
		History: []Turn{
			{Role: RoleUser, Content: strings.Repeat("a", 400)},      // oldest
			{Role: RoleAssistant, Content: strings.Repeat("b", 400)}, // newest
		},
		Chunks:   []Chunk{{Content: "keep this chunk"}},
		UserText: "q",
		Budget:   600,
	}

	p := Assemble(in)

	for _, turn := range p.History {
		if strings.Contains(turn.Content, "aaaa") {
			t.Error("oldest history turn survived while budget was exceeded")
		}
	}
	// The chunk is lower trim priority than history, so it should survive as
	// long as dropping history alone satisfies the budget.
	if !strings.Contains(p.User, "keep this chunk") {
		t.Error("chunk was trimmed before history was exhausted")
	}
}

func TestAssembleTrimsLowestRankedChunksAfterHistory(t *testing.T) {
	t.Parallel()

	in := Input{
		System: "sys",
		Chunks: []Chunk{
			{Content: "best ranked " + strings.Repeat("p", 100)},
			{Content: "worst ranked " + strings.Repeat("q", 400)},
		},
		UserText: "q",
		Budget:   300,
	}

	p := Assemble(in)

	if p.Chars() > in.Budget {
		t.Errorf("assembled prompt is %d chars, budget %d", p.Chars(), in.Budget)
	}
	if strings.Contains(p.User, "worst ranked") {
		t.Error("lowest-ranked chunk survived budget pressure")
	}
	if !strings.Contains(p.User, "best ranked") {
		t.Error("best-ranked chunk should be the last context trimmed")
	}
}

func TestAssembleHistoryWindow(t *testing.T) {
	t.Parallel()

	history := make([]Turn, 25)
	for i := range history {
		history[i] = Turn{Role: RoleUser, Content: "m"}
	}

	p := Assemble(Input{System: "s", History: history, UserText: "q", MaxTurns: 10})

	if len(p.History) != 10 {
		t.Errorf("history window = %d turns, want 10", len(p.History))
	}
}

func TestAssembleNoChunksPassthrough(t *testing.T) {
	t.Parallel()

	p := Assemble(Input{System: "s", UserText: "plain question"})

	if p.User != "plain question" {
		t.Errorf("User = %q, want the raw text when no context exists", p.User)
	}
}
