package syncstate

import (
	"context"
	"sync"
)

// MemoryStore keeps the encoded state in memory. Saves go through Encode so the
// full serialisation path is exercised.
type MemoryStore struct {
	mu      sync.Mutex
	data    []byte
	saves   int
	failErr error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	data := append([]byte(nil), m.data...)
	m.mu.Unlock()
	return Decode(data)
}

func (m *MemoryStore) Save(ctx context.Context, s *State) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	m.data = data
	m.saves++
	return nil
}

// Saves returns how many saves succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Raw returns the last saved encoding.
func (m *MemoryStore) Raw() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// FailSaves makes every subsequent Save return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}
