package storage

import (
	"errors"
	"strings"
	"sync"
)

// MemoryDB implements DB using an in-memory map, for tests that don't need
// durability.
type MemoryDB struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemory creates a new in-memory database.
func NewMemory() *MemoryDB {
	return &MemoryDB{
		data: make(map[string][]byte),
	}
}

// Get retrieves a value by key.
func (m *MemoryDB) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, errors.New("key not found")
	}
	return v, nil
}

// Put stores a key-value pair.
func (m *MemoryDB) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	return nil
}

// Delete removes a key.
func (m *MemoryDB) Delete(key []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, string(key))
	return nil
}

// Has checks if a key exists.
func (m *MemoryDB) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

// ForEach iterates over all keys with the given prefix.
func (m *MemoryDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	m.mu.RLock()
	p := string(prefix)
	keys := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	snapshot := make(map[string][]byte, len(keys))
	for _, k := range keys {
		snapshot[k] = m.data[k]
	}
	m.mu.RUnlock()

	for _, k := range keys {
		if err := fn([]byte(k), snapshot[k]); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	return nil
}

// memoryBatch stages writes against a MemoryDB and applies them under a
// single lock on Commit so a batch is visible to readers all-or-nothing.
type memoryBatch struct {
	db      *MemoryDB
	puts    map[string][]byte
	deletes map[string]struct{}
}

// NewBatch returns a Batch that stages writes in memory until Commit.
func (m *MemoryDB) NewBatch() Batch {
	return &memoryBatch{
		db:      m,
		puts:    make(map[string][]byte),
		deletes: make(map[string]struct{}),
	}
}

func (mb *memoryBatch) Put(key, value []byte) error {
	k := string(key)
	delete(mb.deletes, k)
	mb.puts[k] = value
	return nil
}

func (mb *memoryBatch) Delete(key []byte) error {
	k := string(key)
	delete(mb.puts, k)
	mb.deletes[k] = struct{}{}
	return nil
}

func (mb *memoryBatch) Commit() error {
	mb.db.mu.Lock()
	defer mb.db.mu.Unlock()
	for k, v := range mb.puts {
		mb.db.data[k] = v
	}
	for k := range mb.deletes {
		delete(mb.db.data, k)
	}
	return nil
}
