// Package storagemock provides an in-memory Store for tests.
package storagemock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tousync/tousync/pkg/storage"
)

// Mock is an in-memory storage.Store. Safe for concurrent use.
type Mock struct {
	mu   sync.Mutex
	keys map[string]json.RawMessage

	// Err, when set, is returned by every operation.
	Err error
	// Sets counts successful Set calls.
	Sets int
}

var _ storage.Store = (*Mock)(nil)

// New creates an empty mock store.
func New() *Mock {
	return &Mock{keys: map[string]json.RawMessage{}}
}

// Get unmarshals the stored value into dest.
func (m *Mock) Get(ctx context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	raw, ok := m.keys[key]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return json.Unmarshal(raw, dest)
}

// Set stores the JSON encoding of value.
func (m *Mock) Set(ctx context.Context, key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.keys[key] = raw
	m.Sets++
	return nil
}

// Delete removes the key.
func (m *Mock) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	delete(m.keys, key)
	return nil
}

// Has reports whether the key is present.
func (m *Mock) Has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}
