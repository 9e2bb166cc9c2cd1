package store

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in process memory. No crash durability;
// useful for tests and runs without a data directory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	seals   map[string]Seal
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]Record),
		seals:   make(map[string]Seal),
	}
}

func (s *MemoryStore) Persist(_ context.Context, rec Record, signature []byte) error {
	seal, err := newSeal(rec, signature)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.SessionID] = rec
	s.seals[rec.SessionID] = seal
	return nil
}

func (s *MemoryStore) Load(_ context.Context, sessionID string) (Record, *Seal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return Record{}, nil, ErrRecordNotFound
	}
	seal, ok := s.seals[sessionID]
	if !ok {
		return rec, nil, nil
	}
	c := seal
	return rec, &c, nil
}

func (s *MemoryStore) Unsettled(_ context.Context, userID string) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Record
	for _, rec := range s.records {
		if rec.UserID == userID && !rec.Settled {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAtMS < out[j].StartedAtMS })
	return out, nil
}

func (s *MemoryStore) VerifyIntegrity(ctx context.Context, sessionID string) (bool, error) {
	rec, seal, err := s.Load(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return verifyAgainstSeal(rec, seal)
}

func (s *MemoryStore) Close() error { return nil }

// tamper mutates a stored record in place without resealing. Test hook for
// integrity checks.
func (s *MemoryStore) tamper(sessionID string, mutate func(*Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.records[sessionID]
	mutate(&rec)
	s.records[sessionID] = rec
}
