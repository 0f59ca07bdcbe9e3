package dag

import (
	"sync"
)

// memKV is the in-memory KV backend shared by development and test
// configurations.
type memKV struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Put(key, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), value...)
	m.data[string(key)] = cp
	return nil
}

func (m *memKV) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[string(key)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *memKV) Has(key []byte) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.data[string(key)]
	return ok, nil
}

func (m *memKV) Close() error { return nil }

// NewMemStore builds an in-memory DAG store for development and tests
// (dag_backend=memory).
func NewMemStore(resolver PubKeyResolver) Store {
	return newKVStore(newMemKV(), resolver)
}

// NewMemKV builds a bare in-memory KV backend, exported for other packages
// (mana, reputation) that persist their own keyspaces without needing a
// full DAG block store on top.
func NewMemKV() KV {
	return newMemKV()
}
