package mapper

import (
	"context"
	"sync"
)

// MemoryStore keeps mappings in process
type MemoryStore struct {
	mutex sync.Mutex
	jobs  map[string][]Entry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string][]Entry)}
}

func (s *MemoryStore) LoadMappings(ctx context.Context, jobID string) ([]Entry, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return append([]Entry(nil), s.jobs[jobID]...), nil
}

func (s *MemoryStore) SaveMapping(ctx context.Context, jobID string, e Entry) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	for _, existing := range s.jobs[jobID] {
		if existing.SourceID == e.SourceID {
			return nil
		}
	}
	s.jobs[jobID] = append(s.jobs[jobID], e)
	return nil
}
