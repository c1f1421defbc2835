package repstore

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemStore keeps reputation records in process memory. Used for tests, and
// as the degraded mode when no store is configured or reachable.
type MemStore struct {
	mu      sync.Mutex
	records map[string]*memRecord
}

type memRecord struct {
	rec     Record
	expires time.Time
}

var _ ReputationStore = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*memRecord)}
}

func (s *MemStore) GetOrInit(ctx context.Context, key string, ttl time.Duration) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.live(key)
	if m == nil {
		m = &memRecord{rec: Record{Connections: 1}}
		s.records[key] = m
	} else {
		m.rec.Connections++
	}
	m.expires = time.Now().Add(ttl)
	return m.rec, nil
}

func (s *MemStore) Finalize(ctx context.Context, key string, score, positiveThreshold float64, ttl time.Duration) error {
	field := outcomeField(score, positiveThreshold)
	if field == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.live(key)
	if m == nil {
		m = &memRecord{}
		s.records[key] = m
	}
	switch field {
	case fieldGood:
		m.rec.Good++
	case fieldBad:
		m.rec.Bad++
	}
	m.expires = time.Now().Add(ttl)
	return nil
}

// live returns the record for key, dropping it first if the TTL has lapsed.
// Caller must hold the lock.
func (s *MemStore) live(key string) *memRecord {
	m, ok := s.records[key]
	if !ok {
		return nil
	}
	if time.Now().After(m.expires) {
		delete(s.records, key)
		return nil
	}
	return m
}

// outcomeField maps a final session score to the counter it should bump, or
// "" for the neutral zone.
func outcomeField(score, positiveThreshold float64) string {
	switch {
	case score > positiveThreshold:
		return fieldGood
	case score < 0:
		return fieldBad
	default:
		return ""
	}
}

func atoi(s string) int {
	v, _ := strconv.Atoi(s)
	return v
}
