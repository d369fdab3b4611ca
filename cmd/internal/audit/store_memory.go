package audit

import (
	"context"
	"errors"
	"sort"
	"sync"

	"cardlink/cmd/internal/cardlink"
)

const memMaxEntries = 1_000

// InMemoryStore is the fallback when no database is configured. It keeps the
// newest memMaxEntries attempts.
type InMemoryStore struct {
	mu      sync.Mutex
	entries []Entry
	seen    map[string]bool
}

// NewInMemoryStore constructs an empty in-memory Store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{seen: make(map[string]bool)}
}

// Close is a noop for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) RecordAttempt(ctx context.Context, a cardlink.Attempt) error {
	if a.SessionID == "" {
		return errors.New("audit: missing session id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[a.SessionID] {
		return nil
	}
	s.seen[a.SessionID] = true
	s.entries = append(s.entries, EntryFromAttempt(a))

	if over := len(s.entries) - memMaxEntries; over > 0 {
		for _, e := range s.entries[:over] {
			delete(s.seen, e.SessionID)
		}
		s.entries = append([]Entry(nil), s.entries[over:]...)
	}
	return nil
}

func (s *InMemoryStore) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)

	s.mu.Lock()
	out := append([]Entry(nil), s.entries...)
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
