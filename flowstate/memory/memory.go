package memory

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/jrsteele09/go-oauth-flows/flowstate"
)

// Backend is a thread-safe in-memory flowstate.Backend. It is the default
// for tests and for short-lived engines that never leave the process.
type Backend struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ flowstate.Backend = (*Backend)(nil)

// New creates an empty in-memory backend
func New() *Backend {
	return &Backend{
		values: make(map[string][]byte),
	}
}

// Put stores a copy of value
func (b *Backend) Put(_ context.Context, key string, value []byte) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Copy so the caller can reuse its buffer
	b.values[key] = bytes.Clone(value)
	return nil
}

// Get returns a copy of the stored value
func (b *Backend) Get(_ context.Context, key string) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	value, exists := b.values[key]
	if !exists {
		return nil, flowstate.ErrNotFound
	}
	return bytes.Clone(value), nil
}

// Delete removes a value; absent keys are not an error
func (b *Backend) Delete(_ context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.values, key)
	return nil
}

// Keys lists stored keys with the prefix, sorted
func (b *Backend) Keys(_ context.Context, prefix string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0)
	for k := range b.values {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Len is the number of stored values
func (b *Backend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.values)
}
