// Package convo assembles the ordered prompt for one generation: persona
// system text, injected memory facts, trimmed history, and the new user
// turn, kept within the target provider's context budget.
package convo

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IceDan98/Dualis/internal/tokens"
)

// ErrContextOverflow means the content that cannot be evicted (system
// prompt, pinned turns, the new user turn) already exceeds the budget.
// That is a persona/configuration problem, not transient pressure.
var ErrContextOverflow = errors.New("pinned context exceeds token budget")

// memoryInjectLimit caps how many stored facts are folded into one prompt.
const memoryInjectLimit = 3

type Message struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// Prompt is the assembled, budget-checked input for a provider attempt.
type Prompt struct {
	System   string    `json:"system"`
	Messages []Message `json:"messages"`
	Tokens   int       `json:"tokens"`
}

// Assembler builds prompts and appends confirmed exchanges. Build is a pure
// read of the conversation; only Append mutates it.
type Assembler struct {
	est     *tokens.Estimator
	onEvict func(n int)
}

func NewAssembler(est *tokens.Estimator) *Assembler {
	return &Assembler{est: est}
}

// SetEvictHook registers a callback invoked with the number of history turns
// dropped by a Build under budget pressure.
func (a *Assembler) SetEvictHook(hook func(n int)) {
	a.onEvict = hook
}

// Build assembles system text, up to memoryInjectLimit memory summaries,
// the history that fits, and input as the closing user message. Oldest
// non-pinned history is dropped first; pinned turns are never dropped.
func (a *Assembler) Build(c *Conversation, input string, memories []string, limit int) (Prompt, error) {
	system := c.SystemPrompt
	memoryBlock := formatMemoryBlock(memories)

	inputTokens := a.est.Estimate(input)
	mandatory := a.est.Estimate(system) + inputTokens
	for _, t := range c.turns {
		if t.Pinned {
			mandatory += t.Tokens
		}
	}
	if mandatory > limit {
		return Prompt{}, fmt.Errorf("%w: %d tokens over a budget of %d", ErrContextOverflow, mandatory, limit)
	}

	// The memory block is optional; drop it before touching history only
	// if it alone would push mandatory content over the budget.
	memoryTokens := a.est.Estimate(memoryBlock)
	if mandatory+memoryTokens > limit {
		memoryBlock = ""
		memoryTokens = 0
	}

	// Walk history newest-first, keeping whatever still fits. Pinned turns
	// are already accounted for in mandatory.
	budget := limit - mandatory - memoryTokens
	keep := make([]bool, len(c.turns))
	evicted := 0
	for i := len(c.turns) - 1; i >= 0; i-- {
		t := c.turns[i]
		if t.Pinned {
			keep[i] = true
			continue
		}
		if t.Tokens <= budget {
			keep[i] = true
			budget -= t.Tokens
		} else {
			evicted++
			budget = 0
		}
	}
	if evicted > 0 && a.onEvict != nil {
		a.onEvict(evicted)
	}

	if memoryBlock != "" {
		system = system + "\n\n" + memoryBlock
	}

	p := Prompt{System: system}
	for i, t := range c.turns {
		if keep[i] {
			p.Messages = append(p.Messages, Message{Role: t.Role, Text: t.Text})
		}
	}
	p.Messages = append(p.Messages, Message{Role: RoleUser, Text: input})
	p.Tokens = a.est.Estimate(p.System)
	for _, m := range p.Messages {
		p.Tokens += a.est.Estimate(m.Text)
	}
	return p, nil
}

// Append records a completed exchange. It reports false when the exchange's
// turn id was already appended, so retried callers cannot duplicate history.
func (a *Assembler) Append(c *Conversation, ex Exchange) bool {
	if ex.TurnID != "" {
		if _, dup := c.appended[ex.TurnID]; dup {
			return false
		}
		c.appended[ex.TurnID] = struct{}{}
	}
	at := ex.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	c.turns = append(c.turns,
		Turn{ID: ex.TurnID, Role: RoleUser, Text: ex.UserText, Tokens: a.est.Estimate(ex.UserText), At: at},
		Turn{ID: ex.TurnID, Role: RoleAssistant, Text: ex.AssistantText, Tokens: a.est.Estimate(ex.AssistantText), At: at},
	)
	return true
}

func formatMemoryBlock(memories []string) string {
	if len(memories) == 0 {
		return ""
	}
	if len(memories) > memoryInjectLimit {
		memories = memories[:memoryInjectLimit]
	}
	var b strings.Builder
	b.WriteString("[Known facts about this user]")
	for i, m := range memories {
		b.WriteString(fmt.Sprintf("\nFact %d: %s", i+1, strings.TrimSpace(m)))
	}
	return b.String()
}
