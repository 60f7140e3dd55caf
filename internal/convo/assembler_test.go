package convo

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/IceDan98/Dualis/internal/tokens"
)

func newTestAssembler() *Assembler {
	return NewAssembler(tokens.NewEstimator())
}

func TestBuildStaysWithinBudget(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "You are Aeris, warm and playful.")
	for i := 0; i < 40; i++ {
		a.Append(c, Exchange{
			TurnID:        time.Now().Format("150405.000") + strings.Repeat("x", i%3),
			UserText:      strings.Repeat("tell me something interesting ", 4),
			AssistantText: strings.Repeat("here is a long and winding answer ", 6),
		})
	}

	limit := 300
	p, err := a.Build(c, "and one more question", nil, limit)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if p.Tokens > limit {
		t.Fatalf("prompt tokens = %d, exceeds limit %d", p.Tokens, limit)
	}
	last := p.Messages[len(p.Messages)-1]
	if last.Role != RoleUser || last.Text != "and one more question" {
		t.Fatalf("final message = %+v, want the new user turn", last)
	}
}

func TestBuildEvictsOldestFirst(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "system")
	a.Append(c, Exchange{TurnID: "t1", UserText: "oldest user text here", AssistantText: "oldest reply text here"})
	a.Append(c, Exchange{TurnID: "t2", UserText: "newest user text here", AssistantText: "newest reply text here"})

	est := tokens.NewEstimator()
	// Budget for system + input + only the newest exchange.
	limit := est.Estimate("system") + est.Estimate("next") +
		est.Estimate("newest user text here") + est.Estimate("newest reply text here")

	p, err := a.Build(c, "next", nil, limit)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	for _, m := range p.Messages {
		if strings.Contains(m.Text, "oldest") {
			t.Fatalf("oldest exchange should have been evicted, got %q", m.Text)
		}
	}
	found := false
	for _, m := range p.Messages {
		if m.Text == "newest user text here" {
			found = true
		}
	}
	if !found {
		t.Fatalf("newest exchange missing from prompt: %+v", p.Messages)
	}
}

func TestBuildKeepsPinnedTurns(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "system")
	c.Restore([]Turn{
		{ID: "pin", Role: RoleUser, Text: "always remember this opening instruction", Tokens: 12, Pinned: true},
	})
	for i := 0; i < 30; i++ {
		a.Append(c, Exchange{TurnID: "", UserText: "filler question text", AssistantText: "filler answer text"})
	}

	p, err := a.Build(c, "hello", nil, 80)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	found := false
	for _, m := range p.Messages {
		if m.Text == "always remember this opening instruction" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pinned turn was evicted: %+v", p.Messages)
	}
}

func TestBuildPinnedOverBudgetFails(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", strings.Repeat("very long system prompt ", 50))

	_, err := a.Build(c, "hi", nil, 20)
	if !errors.Is(err, ErrContextOverflow) {
		t.Fatalf("Build() error = %v, want ErrContextOverflow", err)
	}
}

func TestBuildDoesNotMutateConversation(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "system")
	a.Append(c, Exchange{TurnID: "t1", UserText: "question", AssistantText: "answer"})

	before := c.Len()
	if _, err := a.Build(c, "next question", []string{"likes go"}, 500); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if c.Len() != before {
		t.Fatalf("conversation length changed from %d to %d during Build", before, c.Len())
	}
}

func TestBuildInjectsAtMostThreeMemories(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "system")

	p, err := a.Build(c, "hi", []string{"fact one", "fact two", "fact three", "fact four"}, 500)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.Contains(p.System, "fact three") {
		t.Fatalf("third memory missing from system block: %q", p.System)
	}
	if strings.Contains(p.System, "fact four") {
		t.Fatalf("fourth memory should be dropped: %q", p.System)
	}
}

func TestAppendIdempotentPerTurnID(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "system")

	ex := Exchange{TurnID: "turn-1", UserText: "hi", AssistantText: "hello"}
	if !a.Append(c, ex) {
		t.Fatalf("first Append() = false, want true")
	}
	if a.Append(c, ex) {
		t.Fatalf("duplicate Append() = true, want false")
	}
	if c.Len() != 2 {
		t.Fatalf("conversation length = %d, want 2", c.Len())
	}
}

func TestAppendThenBuildRoundTrip(t *testing.T) {
	a := newTestAssembler()
	c := NewConversation("u1", "aeris", "system")
	a.Append(c, Exchange{TurnID: "t1", UserText: "what is go", AssistantText: "a programming language"})

	p, err := a.Build(c, "tell me more", nil, 500)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	var sawUser, sawAssistant bool
	for _, m := range p.Messages {
		if m.Role == RoleUser && m.Text == "what is go" {
			sawUser = true
		}
		if m.Role == RoleAssistant && m.Text == "a programming language" {
			sawAssistant = true
		}
	}
	if !sawUser || !sawAssistant {
		t.Fatalf("appended exchange missing from next prompt: %+v", p.Messages)
	}
}

func TestEvictHookReportsDrops(t *testing.T) {
	a := newTestAssembler()
	var dropped int
	a.SetEvictHook(func(n int) { dropped += n })

	c := NewConversation("u1", "aeris", "system")
	for i := 0; i < 20; i++ {
		a.Append(c, Exchange{UserText: strings.Repeat("long user message ", 5), AssistantText: strings.Repeat("long reply ", 5)})
	}
	if _, err := a.Build(c, "hi", nil, 100); err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if dropped == 0 {
		t.Fatalf("evict hook never fired under budget pressure")
	}
}
