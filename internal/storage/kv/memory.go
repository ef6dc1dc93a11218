package kv

import (
	"context"
	"sync"
)

// MemoryStore keeps all values in process memory. Used by tests and
// single-process development deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Update runs fn against a write-buffered view of the store and applies the
// buffered writes only if fn succeeds.
func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{base: s.data, writes: make(map[string][]byte), deletes: make(map[string]struct{})}
	if err := fn(tx); err != nil {
		return err
	}

	for k := range tx.deletes {
		delete(s.data, k)
	}
	for k, v := range tx.writes {
		s.data[k] = v
	}
	return nil
}

// View runs fn against the current state without allowing writes.
func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memoryTx{base: s.data, readOnly: true})
}

// Len returns the number of stored keys.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

type memoryTx struct {
	base     map[string][]byte
	writes   map[string][]byte
	deletes  map[string]struct{}
	readOnly bool
}

func (tx *memoryTx) lookup(key Key) ([]byte, bool) {
	k := key.String()
	if !tx.readOnly {
		if v, ok := tx.writes[k]; ok {
			return v, true
		}
		if _, ok := tx.deletes[k]; ok {
			return nil, false
		}
	}
	v, ok := tx.base[k]
	return v, ok
}

func (tx *memoryTx) Get(key Key, dst any) (bool, error) {
	data, ok := tx.lookup(key)
	if !ok {
		return false, nil
	}
	return true, Decode(data, dst)
}

func (tx *memoryTx) Set(key Key, value any) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	data, err := Encode(value)
	if err != nil {
		return err
	}
	k := key.String()
	delete(tx.deletes, k)
	tx.writes[k] = data
	return nil
}

func (tx *memoryTx) Has(key Key) (bool, error) {
	_, ok := tx.lookup(key)
	return ok, nil
}

func (tx *memoryTx) Remove(key Key) error {
	if tx.readOnly {
		return ErrReadOnly
	}
	k := key.String()
	delete(tx.writes, k)
	tx.deletes[k] = struct{}{}
	return nil
}
