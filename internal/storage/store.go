package storage

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// Store persists design documents by name.
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves the saved bytes of a design
	// Returns ErrKeyNotFound if the design was never saved
	Get(key string) ([]byte, error)

	// Put saves a design, replacing any earlier version
	Put(key string, value []byte) error

	// Delete removes a design
	// No error if key doesn't exist
	Delete(key string) error

	// List returns every saved design name, sorted
	List() ([]string, error)

	// Stats returns storage statistics
	Stats() (StoreStats, error)

	// Close releases the backend
	Close() error
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys      int       `json:"keys"`       // Number of saved designs
	Bytes     int       `json:"bytes"`      // Total size of all saved designs
	LastWrite time.Time `json:"last_write"` // Time of the most recent Put
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	mu        sync.RWMutex      // Protects concurrent access
	data      map[string][]byte // Design name to saved bytes
	lastWrite time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.data[key]
	if !exists {
		return nil, ErrKeyNotFound
	}

	// Return a copy to prevent external modification
	result := make([]byte, len(value))
	copy(result, value)
	return result, nil
}

// Put stores a copy of value under key
func (m *MemoryStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.data[key] = stored
	m.lastWrite = time.Now()
	return nil
}

// Delete removes a key-value pair
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.data, key)
	return nil
}

// List returns all keys in the store, sorted
func (m *MemoryStore) List() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() (StoreStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totalBytes := 0
	for _, value := range m.data {
		totalBytes += len(value)
	}

	return StoreStats{
		Keys:      len(m.data),
		Bytes:     totalBytes,
		LastWrite: m.lastWrite,
	}, nil
}

// Close is a no-op for the memory store
func (m *MemoryStore) Close() error { return nil }
