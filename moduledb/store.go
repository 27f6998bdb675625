package moduledb

import (
	"context"
	"errors"
	"sync"
)

// ErrRecordNotFound is returned by RecordStore implementations for keys that
// were never written.
var ErrRecordNotFound = errors.New("record not found")

// ErrPreconditionFailed is returned by ConditionalStore implementations when
// the stored record does not match the expected one.
var ErrPreconditionFailed = errors.New("record precondition failed")

// RecordStore is the remote store the module database keeps its records in.
// It offers no locking of its own.
type RecordStore interface {
	// Get returns the record stored under key or ErrRecordNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put writes the record stored under key, overwriting previous data.
	Put(ctx context.Context, key string, data []byte) error
}

// ConditionalStore is implemented by stores with a native conditional
// write. When available, it is used to make lock acquisition atomic across
// processes.
type ConditionalStore interface {
	RecordStore
	// PutIf writes data only if the currently stored record equals expected.
	// A nil expected means the key must not exist yet.
	// On mismatch it returns ErrPreconditionFailed.
	PutIf(ctx context.Context, key string, expected, data []byte) error
}

// MemoryStore is an in-process ConditionalStore.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]byte
}

var _ ConditionalStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[key]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) PutIf(_ context.Context, key string, expected, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.records[key]
	switch {
	case expected == nil && ok:
		return ErrPreconditionFailed
	case expected != nil && (!ok || string(current) != string(expected)):
		return ErrPreconditionFailed
	}
	m.records[key] = append([]byte(nil), data...)
	return nil
}
