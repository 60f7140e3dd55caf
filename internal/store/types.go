package store

import (
	"context"
	"time"
)

// TurnRecord is one persisted conversation entry for a (user, persona)
// pair.
type TurnRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	PersonaID string    `json:"persona_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Tokens    int       `json:"tokens"`
	Pinned    bool      `json:"pinned"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryItem is a durable fact about a user, written by the memory
// pipeline elsewhere in the product. This core only reads them.
type MemoryItem struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Fact      string    `json:"fact"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the system of record for conversations and user facts. The turn
// pipeline never caches across process restarts; what the store returns is
// the truth.
type Store interface {
	LoadConversation(ctx context.Context, userID, personaID string, limit int) ([]TurnRecord, error)
	LoadMemoryItems(ctx context.Context, userID string, limit int) ([]MemoryItem, error)
	SaveTurn(ctx context.Context, record TurnRecord) error
	Close() error
}
