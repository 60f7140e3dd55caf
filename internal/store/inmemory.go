package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryStore is a simple in-process store for local/dev use and tests.
type InMemoryStore struct {
	mu    sync.RWMutex
	turns map[convoKey][]TurnRecord
	facts map[string][]MemoryItem
}

type convoKey struct {
	userID    string
	personaID string
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		turns: make(map[convoKey][]TurnRecord),
		facts: make(map[string][]MemoryItem),
	}
}

func (s *InMemoryStore) SaveTurn(_ context.Context, record TurnRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	key := convoKey{userID: record.UserID, personaID: record.PersonaID}
	s.turns[key] = append(s.turns[key], record)
	return nil
}

func (s *InMemoryStore) LoadConversation(_ context.Context, userID, personaID string, limit int) ([]TurnRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.turns[convoKey{userID: userID, personaID: personaID}]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]TurnRecord, 0, limit)
	for i := len(arr) - limit; i < len(arr); i++ {
		out = append(out, arr[i])
	}
	return out, nil
}

func (s *InMemoryStore) LoadMemoryItems(_ context.Context, userID string, limit int) ([]MemoryItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	arr := s.facts[userID]
	if len(arr) == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > len(arr) {
		limit = len(arr)
	}
	out := make([]MemoryItem, limit)
	copy(out, arr[:limit])
	return out, nil
}

// AddMemoryItem seeds a fact; in production facts are written by the
// memory pipeline, so only dev/tests use this.
func (s *InMemoryStore) AddMemoryItem(item MemoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	s.facts[item.UserID] = append(s.facts[item.UserID], item)
}

func (s *InMemoryStore) Close() error { return nil }
