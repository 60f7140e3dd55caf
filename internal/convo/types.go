package convo

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of conversation history. Pinned turns survive budget
// eviction (e.g. an opening instruction the persona depends on).
type Turn struct {
	ID     string    `json:"id"`
	Role   Role      `json:"role"`
	Text   string    `json:"text"`
	Tokens int       `json:"tokens"`
	Pinned bool      `json:"pinned"`
	At     time.Time `json:"at"`
}

// Exchange is a completed user turn and its assistant reply, appended to
// history as a unit after a successful generation.
type Exchange struct {
	TurnID        string
	UserText      string
	AssistantText string
	At            time.Time
}

// Conversation holds the mutable history for one (user, persona) pair.
// It is owned by the turn coordinator's per-user slot: at most one turn
// reads or writes it at a time, so it carries no lock of its own.
type Conversation struct {
	UserID       string
	PersonaID    string
	SystemPrompt string

	turns    []Turn
	appended map[string]struct{}
}

func NewConversation(userID, personaID, systemPrompt string) *Conversation {
	return &Conversation{
		UserID:       userID,
		PersonaID:    personaID,
		SystemPrompt: systemPrompt,
		appended:     make(map[string]struct{}),
	}
}

// Restore seeds history loaded from the store. Turn ids are registered so a
// replayed Append of a persisted exchange stays idempotent.
func (c *Conversation) Restore(turns []Turn) {
	c.turns = append(c.turns[:0], turns...)
	for _, t := range turns {
		if t.ID != "" {
			c.appended[t.ID] = struct{}{}
		}
	}
}

// Turns returns a copy of the history, oldest first.
func (c *Conversation) Turns() []Turn {
	out := make([]Turn, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) Len() int {
	return len(c.turns)
}
