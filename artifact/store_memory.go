package artifact

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store, useful in tests and single-process
// setups.
type MemoryStore struct {
	mutex sync.RWMutex
	data  map[string]map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: map[string]map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, runID, name string, data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	run, ok := s.data[runID]
	if !ok {
		run = map[string][]byte{}
		s.data[runID] = run
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	run[name] = buf
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, runID, name string) ([]byte, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	run, ok := s.data[runID]
	if !ok {
		return nil, ErrNotFound
	}
	data, ok := run[name]
	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

var _ Store = (*MemoryStore)(nil)
