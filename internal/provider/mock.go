package provider

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/IceDan98/Dualis/internal/convo"
)

// MockClient gives deterministic local replies when no real backend is
// configured. Useful for development and for exercising the full turn
// pipeline in tests.
type MockClient struct {
	name string

	mu     sync.Mutex
	script []func(convo.Prompt) (Result, error)
	calls  int
}

func NewMockClient(name string) *MockClient {
	if name == "" {
		name = "mock"
	}
	return &MockClient{name: name}
}

// Enqueue schedules responses for upcoming Generate calls, in order. Once
// the script is exhausted the client falls back to its echo reply.
func (c *MockClient) Enqueue(steps ...func(convo.Prompt) (Result, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.script = append(c.script, steps...)
}

// Calls returns how many Generate calls the client has served.
func (c *MockClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *MockClient) Generate(ctx context.Context, prompt convo.Prompt) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, NewError(c.name, CodeTimeout, ctx.Err())
	default:
	}

	c.mu.Lock()
	c.calls++
	var step func(convo.Prompt) (Result, error)
	if len(c.script) > 0 {
		step = c.script[0]
		c.script = c.script[1:]
	}
	c.mu.Unlock()

	if step != nil {
		return step(prompt)
	}

	input := ""
	if n := len(prompt.Messages); n > 0 {
		input = strings.TrimSpace(prompt.Messages[n-1].Text)
	}
	if input == "" {
		input = "I am listening."
	}
	text := fmt.Sprintf("I heard you: %s", input)
	return Result{Text: text, TokensUsed: prompt.Tokens}, nil
}
