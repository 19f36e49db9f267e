// Package localstore provides small, durable key/value storage for state the
// agent needs on a cold start without network access, such as the cached
// trigger-phrase set and emergency contacts.
package localstore

import (
	"context"
	"sync"
)

// Store is a durable string key/value store. Implementations must be safe
// for concurrent use.
type Store interface {
	// GetString returns the value for key and whether it was present.
	GetString(ctx context.Context, key string) (string, bool, error)

	// PutString stores value under key, replacing any previous value.
	PutString(ctx context.Context, key, value string) error
}

// MemStore is a volatile [Store] for tests and ephemeral deployments.
type MemStore struct {
	mu   sync.Mutex
	vals map[string]string
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{vals: make(map[string]string)}
}

// GetString implements [Store].
func (m *MemStore) GetString(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	return v, ok, nil
}

// PutString implements [Store].
func (m *MemStore) PutString(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.vals[key] = value
	return nil
}
