// Package testutil provides shared fakes and helpers for unit tests.
package testutil

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/hellstation/mangalake/internal/domain"
)

// Logger returns a quiet slog.Logger for tests.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// MemObjectStore is an in-memory ObjectStore fake. It records every Put so
// tests can assert on write-once behavior and key layout.
type MemObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    []string // every key ever Put, in order, including overwrites

	// FailPut, when set, makes Put return this error.
	FailPut error
}

var _ domain.ObjectStore = (*MemObjectStore)(nil)

// NewMemObjectStore creates an empty in-memory object store.
func NewMemObjectStore() *MemObjectStore {
	return &MemObjectStore{objects: make(map[string][]byte)}
}

// Put stores the object under key.
func (m *MemObjectStore) Put(_ context.Context, key string, body []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return m.FailPut
	}
	buf := make([]byte, len(body))
	copy(buf, body)
	m.objects[key] = buf
	m.puts = append(m.puts, key)
	return nil
}

// Get returns the object stored under key.
func (m *MemObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	body, ok := m.objects[key]
	if !ok {
		return nil, domain.ErrNotFound("object %q not found", key)
	}
	return bytes.Clone(body), nil
}

// List returns all keys under prefix, sorted.
func (m *MemObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// PutCount returns how many Put calls were made for the given key.
func (m *MemObjectStore) PutCount(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.puts {
		if k == key {
			n++
		}
	}
	return n
}

// Object returns the stored body for key, or nil if absent.
func (m *MemObjectStore) Object(key string) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key]
}
