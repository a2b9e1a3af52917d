package recovery

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process. It is the default when no durable
// backend is configured.
type MemoryStore struct {
	now func() time.Time

	mu      sync.Mutex
	records map[string]Record
}

// NewMemoryStore returns an empty store. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{now: now, records: make(map[string]Record)}
}

func (s *MemoryStore) Put(_ context.Context, key string, rec Record) error {
	rec.Value = append([]byte(nil), rec.Value...)
	s.mu.Lock()
	s.records[key] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, false, nil
	}
	if rec.Expired(s.now()) {
		delete(s.records, key)
		return Record{}, false, nil
	}
	rec.Value = append([]byte(nil), rec.Value...)
	return rec, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
